package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/match"
	"github.com/opensource-finance/kestrel/internal/pricing"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := domain.DefaultConfig()
	cfg.Repository.SQLitePath = filepath.Join(t.TempDir(), "api.db")

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	engine, err := match.NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	localCache := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	registrar := pricing.NewRegistrar(repo)
	calculator := pricing.NewCalculator(repo, engine, localCache, time.Duration(cfg.RuleSetCacheTTL)*time.Second)

	return NewServer(cfg, registrar, calculator, repo, localCache, eventBus, "test")
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode response %s: %v", rec.Body.String(), err)
	}
}

func TestRegisterRevenueRules(t *testing.T) {
	srv := newTestServer(t)

	pct := int64(2)
	rec := doJSON(t, srv, http.MethodPost, "/rules/revenue", RegisterRevenueRulesRequest{
		Target: TargetPayload{IsoID: "ISO12345"},
		Rules: []domain.RevenueRuleParams{{
			Percentage:   &pct,
			MatchingRule: map[string]any{"data.cardType": map[string]any{"$eq": "credit"}},
		}},
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Rules []RevenueRuleDTO `json:"rules"`
	}
	decodeBody(t, rec, &resp)

	if len(resp.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(resp.Rules))
	}
	rule := resp.Rules[0]
	if rule.ID == "" {
		t.Error("expected generated id")
	}
	if rule.IsoID == nil || *rule.IsoID != "ISO12345" {
		t.Errorf("isoId = %v, want ISO12345", rule.IsoID)
	}
	if rule.MerchantID != nil || rule.PricingGroupID != nil {
		t.Error("unset scope fields should be null")
	}
	if rule.Percentage == nil || *rule.Percentage != 2 {
		t.Errorf("percentage = %v, want 2", rule.Percentage)
	}
	if rule.Flat != nil {
		t.Errorf("flat = %v, want null", rule.Flat)
	}
}

func TestRegisterSplitRules(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/rules/split", RegisterSplitRulesRequest{
		Target: TargetPayload{MerchantID: "MERCH-1"},
		Rules: []domain.SplitRuleParams{{
			MatchingRule: map[string]any{},
			Instructions: []domain.SplitInstructionParams{
				{MerchantID: "MERCH-1", Percentage: 6_000_000},
				{MerchantID: "MERCH-2", Percentage: 4_000_000},
			},
		}},
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Rules []SplitRuleDTO `json:"rules"`
	}
	decodeBody(t, rec, &resp)

	if len(resp.Rules) != 1 || len(resp.Rules[0].Instructions) != 2 {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}
	for _, instruction := range resp.Rules[0].Instructions {
		if instruction.SplitRuleID != resp.Rules[0].ID {
			t.Error("instruction should reference its parent rule")
		}
	}
}

func TestRegisterValidationErrors(t *testing.T) {
	srv := newTestServer(t)

	t.Run("AmbiguousTarget", func(t *testing.T) {
		pct := int64(1)
		rec := doJSON(t, srv, http.MethodPost, "/rules/revenue", RegisterRevenueRulesRequest{
			Target: TargetPayload{IsoID: "ISO-1", MerchantID: "MERCH-1"},
			Rules: []domain.RevenueRuleParams{{
				Percentage:   &pct,
				MatchingRule: map[string]any{},
			}},
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("InvalidQuery", func(t *testing.T) {
		pct := int64(1)
		rec := doJSON(t, srv, http.MethodPost, "/rules/revenue", RegisterRevenueRulesRequest{
			Target: TargetPayload{IsoID: "ISO-1"},
			Rules: []domain.RevenueRuleParams{{
				Percentage:   &pct,
				MatchingRule: "credit",
			}},
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}

		var resp map[string]string
		decodeBody(t, rec, &resp)
		if resp["error"] != `"credit" is not a valid query.` {
			t.Errorf("error = %q", resp["error"])
		}
	})

	t.Run("BadInstructionSum", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/rules/split", RegisterSplitRulesRequest{
			Target: TargetPayload{MerchantID: "MERCH-1"},
			Rules: []domain.SplitRuleParams{{
				MatchingRule: map[string]any{},
				Instructions: []domain.SplitInstructionParams{
					{MerchantID: "MERCH-1", Percentage: 1},
				},
			}},
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("MissingPercentageAndFlat", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/rules/iso-revenue", RegisterIsoRevenueRulesRequest{
			Target: TargetPayload{IsoID: "ISO-1"},
			Rules: []domain.IsoRevenueRuleParams{{
				MatchingRule: map[string]any{},
			}},
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestListAndDeleteRules(t *testing.T) {
	srv := newTestServer(t)

	flat := int64(150)
	rec := doJSON(t, srv, http.MethodPost, "/rules/iso-revenue", RegisterIsoRevenueRulesRequest{
		Target: TargetPayload{PricingGroupID: "PG-1"},
		Rules: []domain.IsoRevenueRuleParams{{
			Flat:           &flat,
			UseSplitValues: true,
			MatchingRule:   map[string]any{},
		}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var created struct {
		Rules []RevenueRuleDTO `json:"rules"`
	}
	decodeBody(t, rec, &created)
	ruleID := created.Rules[0].ID

	rec = doJSON(t, srv, http.MethodGet, "/rules/iso-revenue?pricingGroupId=PG-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed struct {
		Rules []RevenueRuleDTO `json:"rules"`
		Count int              `json:"count"`
	}
	decodeBody(t, rec, &listed)
	if listed.Count != 1 || listed.Rules[0].ID != ruleID {
		t.Fatalf("unexpected list: %s", rec.Body.String())
	}
	if listed.Rules[0].UseSplitValues == nil || !*listed.Rules[0].UseSplitValues {
		t.Error("useSplitValues did not round-trip")
	}

	rec = doJSON(t, srv, http.MethodDelete, "/rules/iso-revenue/"+ruleID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// The delete closed the validity window; any later activeAt misses it.
	future := time.Now().UTC().Add(2 * time.Minute).Format(time.RFC3339)
	rec = doJSON(t, srv, http.MethodGet, "/rules/iso-revenue?pricingGroupId=PG-1&activeAt="+future, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	decodeBody(t, rec, &listed)
	if listed.Count != 0 {
		t.Errorf("expected no active rules after delete, got %d", listed.Count)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/rules/iso-revenue/"+ruleID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestListRequiresScope(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/rules/split", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUnknownRuleType(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/rules/surcharge?merchantId=M", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("list status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/rules/surcharge/some-id", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete status = %d, want 404", rec.Code)
	}
}

func TestCalculate(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/rules/split", RegisterSplitRulesRequest{
		Target: TargetPayload{MerchantID: "MERCH-1"},
		Rules: []domain.SplitRuleParams{{
			MatchingRule: map[string]any{},
			Instructions: []domain.SplitInstructionParams{
				{MerchantID: "MERCH-1", Percentage: 5_000_000},
				{MerchantID: "MERCH-2", Percentage: 5_000_000},
			},
		}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodPost, "/calculate", CalculateRequest{
		Transactions: []domain.TransactionRecord{
			{ID: "txn-1", MerchantID: "MERCH-1", Amount: 101, Currency: "USD"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp CalculateResponse
	decodeBody(t, rec, &resp)

	if resp.BatchID == "" {
		t.Error("expected generated batch id")
	}
	if len(resp.Pricings) != 1 {
		t.Fatalf("expected 1 pricing, got %d", len(resp.Pricings))
	}
	splits := resp.Pricings[0].Splits
	if len(splits) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(splits))
	}
	if splits[0].Amount+splits[1].Amount != 101 {
		t.Errorf("allocations = %d + %d, want sum 101", splits[0].Amount, splits[1].Amount)
	}
	if resp.Metadata.Version != "test" {
		t.Errorf("version = %q, want test", resp.Metadata.Version)
	}
}

func TestCalculateRequiresTransactions(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/calculate", CalculateRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var health map[string]string
	decodeBody(t, rec, &health)
	if health["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", health["status"])
	}
	if health["version"] != "test" {
		t.Errorf("version = %q, want test", health["version"])
	}

	rec = doJSON(t, srv, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	srv := func() *Server {
		cfg := domain.DefaultConfig()
		cfg.Repository.SQLitePath = filepath.Join(t.TempDir(), "rl.db")
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RequestsPerMinute = 3

		repo, err := repository.New(cfg.Repository)
		if err != nil {
			t.Fatalf("failed to create repository: %v", err)
		}
		t.Cleanup(func() { repo.Close() })

		engine, err := match.NewEngine()
		if err != nil {
			t.Fatalf("failed to create engine: %v", err)
		}
		localCache := cache.NewLRUCache(100)
		registrar := pricing.NewRegistrar(repo)
		calculator := pricing.NewCalculator(repo, engine, nil, 0)
		return NewServer(cfg, registrar, calculator, repo, localCache, nil, "test")
	}()

	var lastCode int
	for i := 0; i < 5; i++ {
		rec := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/rules/split?merchantId=M-%d", i), nil)
		lastCode = rec.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Errorf("status after burst = %d, want 429", lastCode)
	}

	// Health endpoints bypass the limiter.
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}
