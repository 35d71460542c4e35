package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo.(*SQLRepository)
}

func merchantTarget(t *testing.T, merchantID string) domain.TargetRuleIdentifier {
	t.Helper()
	target, err := domain.NewTargetRuleIdentifier("", merchantID, "")
	if err != nil {
		t.Fatalf("failed to build target: %v", err)
	}
	return target
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(domain.RepositoryConfig{Driver: "oracle"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestInsertAndFindSplitRules(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rule, err := domain.NewSplitRule(merchantTarget(t, "MERCH-1"), domain.SplitRuleParams{
		MatchingRule: map[string]any{
			"data.cardType": map[string]any{"$eq": "credit"},
		},
		Instructions: []domain.SplitInstructionParams{
			{MerchantID: "MERCH-1", Percentage: 6_000_000},
			{MerchantID: "MERCH-2", Percentage: 4_000_000},
		},
	})
	if err != nil {
		t.Fatalf("failed to build rule: %v", err)
	}

	inserted, err := repo.InsertSplitRules(ctx, []*domain.SplitRule{rule})
	if err != nil {
		t.Fatalf("failed to insert: %v", err)
	}
	if len(inserted) != 1 {
		t.Fatalf("expected 1 inserted rule, got %d", len(inserted))
	}
	if inserted[0].ID == "" {
		t.Error("expected generated rule id")
	}
	if inserted[0].CreatedAt.IsZero() {
		t.Error("expected createdAt to be stamped")
	}
	for _, instruction := range inserted[0].Instructions {
		if instruction.SplitRuleID != inserted[0].ID {
			t.Errorf("instruction parent = %q, want %q", instruction.SplitRuleID, inserted[0].ID)
		}
	}

	found, err := repo.FindActiveSplitRules(ctx, domain.TargetSelector{MerchantID: "MERCH-1"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("failed to find: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(found))
	}

	got := found[0]
	if got.ID != inserted[0].ID {
		t.Errorf("id = %q, want %q", got.ID, inserted[0].ID)
	}
	if got.MerchantID != "MERCH-1" {
		t.Errorf("merchantId = %q, want MERCH-1", got.MerchantID)
	}
	if got.IsoID != "" || got.PricingGroupID != "" {
		t.Errorf("unset scope fields should round-trip empty, got iso=%q pg=%q", got.IsoID, got.PricingGroupID)
	}
	if len(got.Instructions) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(got.Instructions))
	}
	if got.Instructions[0].MerchantID != "MERCH-1" || got.Instructions[0].Percentage != 6_000_000 {
		t.Errorf("first instruction = %+v, want MERCH-1 / 6000000", got.Instructions[0])
	}
	if got.Instructions[1].MerchantID != "MERCH-2" || got.Instructions[1].Percentage != 4_000_000 {
		t.Errorf("second instruction = %+v, want MERCH-2 / 4000000", got.Instructions[1])
	}

	conds := got.MatchingRule.Conditions()
	if len(conds) != 1 || conds[0].Path != "data.cardType" || conds[0].Value != "credit" {
		t.Errorf("matching rule did not round-trip: %+v", conds)
	}
}

func TestInsertAndFindRevenueRules(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pct := int64(2)
	flat := int64(150)

	hash, err := domain.NewHashRevenueRule(merchantTarget(t, "MERCH-1"), domain.RevenueRuleParams{
		Percentage:   &pct,
		MatchingRule: map[string]any{},
	})
	if err != nil {
		t.Fatalf("failed to build hash rule: %v", err)
	}
	iso, err := domain.NewIsoRevenueRule(merchantTarget(t, "MERCH-1"), domain.IsoRevenueRuleParams{
		Flat:           &flat,
		UseSplitValues: true,
		MatchingRule:   map[string]any{},
	})
	if err != nil {
		t.Fatalf("failed to build iso rule: %v", err)
	}

	if _, err := repo.InsertHashRevenueRules(ctx, []*domain.HashRevenueRule{hash}); err != nil {
		t.Fatalf("failed to insert hash rule: %v", err)
	}
	if _, err := repo.InsertIsoRevenueRules(ctx, []*domain.IsoRevenueRule{iso}); err != nil {
		t.Fatalf("failed to insert iso rule: %v", err)
	}

	now := time.Now().UTC()
	sel := domain.TargetSelector{MerchantID: "MERCH-1"}

	hashRules, err := repo.FindActiveHashRevenueRules(ctx, sel, now)
	if err != nil {
		t.Fatalf("failed to find hash rules: %v", err)
	}
	if len(hashRules) != 1 {
		t.Fatalf("expected 1 hash rule, got %d", len(hashRules))
	}
	if hashRules[0].Percentage == nil || *hashRules[0].Percentage != 2 {
		t.Errorf("percentage = %v, want 2", hashRules[0].Percentage)
	}
	if hashRules[0].Flat != nil {
		t.Errorf("flat should be nil, got %v", *hashRules[0].Flat)
	}

	isoRules, err := repo.FindActiveIsoRevenueRules(ctx, sel, now)
	if err != nil {
		t.Fatalf("failed to find iso rules: %v", err)
	}
	if len(isoRules) != 1 {
		t.Fatalf("expected 1 iso rule, got %d", len(isoRules))
	}
	if isoRules[0].Flat == nil || *isoRules[0].Flat != 150 {
		t.Errorf("flat = %v, want 150", isoRules[0].Flat)
	}
	if !isoRules[0].UseSplitValues {
		t.Error("useSplitValues did not round-trip")
	}
}

func TestFindOrdersMostRecentFirst(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pct := int64(1)
	for i := 0; i < 3; i++ {
		rule, err := domain.NewHashRevenueRule(merchantTarget(t, "MERCH-1"), domain.RevenueRuleParams{
			Percentage:   &pct,
			MatchingRule: map[string]any{},
		})
		if err != nil {
			t.Fatalf("failed to build rule: %v", err)
		}
		if _, err := repo.InsertHashRevenueRules(ctx, []*domain.HashRevenueRule{rule}); err != nil {
			t.Fatalf("failed to insert: %v", err)
		}
	}

	rules, err := repo.FindActiveHashRevenueRules(ctx, domain.TargetSelector{MerchantID: "MERCH-1"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("failed to find: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}
	// Time-ordered ids break created_at ties: later inserts sort first.
	for i := 0; i < len(rules)-1; i++ {
		if rules[i].ID < rules[i+1].ID {
			t.Errorf("rules out of order at %d: %q before %q", i, rules[i].ID, rules[i+1].ID)
		}
	}
}

func TestSoftDeleteClosesWindow(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rule, err := domain.NewSplitRule(merchantTarget(t, "MERCH-1"), domain.SplitRuleParams{
		MatchingRule: map[string]any{},
		Instructions: []domain.SplitInstructionParams{
			{MerchantID: "MERCH-1", Percentage: domain.PercentageBase},
		},
	})
	if err != nil {
		t.Fatalf("failed to build rule: %v", err)
	}
	inserted, err := repo.InsertSplitRules(ctx, []*domain.SplitRule{rule})
	if err != nil {
		t.Fatalf("failed to insert: %v", err)
	}

	createdAt := inserted[0].CreatedAt
	deletedAt := createdAt.Add(time.Hour)

	if err := repo.SoftDeleteSplitRule(ctx, inserted[0].ID, deletedAt); err != nil {
		t.Fatalf("failed to soft delete: %v", err)
	}

	sel := domain.TargetSelector{MerchantID: "MERCH-1"}

	// Before the window opens: inactive.
	rules, err := repo.FindActiveSplitRules(ctx, sel, createdAt.Add(-time.Minute))
	if err != nil {
		t.Fatalf("failed to find: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("expected no rules before createdAt, got %d", len(rules))
	}

	// Inside [createdAt, deletedAt): active, instructions included.
	rules, err = repo.FindActiveSplitRules(ctx, sel, createdAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("failed to find: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule inside window, got %d", len(rules))
	}
	if len(rules[0].Instructions) != 1 {
		t.Errorf("expected 1 instruction inside window, got %d", len(rules[0].Instructions))
	}

	// At and after deletedAt: inactive again.
	rules, err = repo.FindActiveSplitRules(ctx, sel, deletedAt)
	if err != nil {
		t.Fatalf("failed to find: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("expected no rules at deletedAt, got %d", len(rules))
	}

	if err := repo.SoftDeleteSplitRule(ctx, inserted[0].ID, deletedAt); err != ErrNotFound {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestSoftDeleteUnknownRule(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.SoftDeleteHashRevenueRule(ctx, "missing", time.Now().UTC()); err != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	if err := repo.SoftDeleteIsoRevenueRule(ctx, "missing", time.Now().UTC()); err != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSplitInsertIsAtomic(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	matching, err := domain.NewMatchingRule(map[string]any{})
	if err != nil {
		t.Fatalf("failed to build matching rule: %v", err)
	}

	// Built directly so the second instruction trips the storage CHECK
	// constraint after the parent row is already written.
	bad := &domain.SplitRule{
		MerchantID:   "MERCH-1",
		MatchingRule: matching,
		Instructions: []domain.SplitInstruction{
			{MerchantID: "MERCH-1", Percentage: domain.PercentageBase},
			{MerchantID: "MERCH-2", Percentage: -1},
		},
	}

	_, err = repo.InsertSplitRules(ctx, []*domain.SplitRule{bad})
	if err == nil {
		t.Fatal("expected constraint violation")
	}
	var commErr *domain.DatabaseCommunicationError
	if !errors.As(err, &commErr) {
		t.Fatalf("error = %v, want DatabaseCommunicationError", err)
	}
	if commErr.Table != "split_instructions" {
		t.Errorf("table = %q, want split_instructions", commErr.Table)
	}

	var ruleCount, instructionCount int
	if err := repo.db.QueryRow(`SELECT COUNT(*) FROM split_rules`).Scan(&ruleCount); err != nil {
		t.Fatalf("failed to count rules: %v", err)
	}
	if err := repo.db.QueryRow(`SELECT COUNT(*) FROM split_instructions`).Scan(&instructionCount); err != nil {
		t.Fatalf("failed to count instructions: %v", err)
	}
	if ruleCount != 0 || instructionCount != 0 {
		t.Errorf("expected full rollback, got %d rules and %d instructions", ruleCount, instructionCount)
	}
}

func TestFindRequiresScope(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.FindActiveSplitRules(ctx, domain.TargetSelector{}, time.Now().UTC())
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestFindMatchesAnyScopeField(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pct := int64(1)

	isoTarget, err := domain.NewTargetRuleIdentifier("ISO-1", "", "")
	if err != nil {
		t.Fatalf("failed to build target: %v", err)
	}
	isoRule, err := domain.NewHashRevenueRule(isoTarget, domain.RevenueRuleParams{
		Percentage:   &pct,
		MatchingRule: map[string]any{},
	})
	if err != nil {
		t.Fatalf("failed to build rule: %v", err)
	}
	merchantRule, err := domain.NewHashRevenueRule(merchantTarget(t, "MERCH-1"), domain.RevenueRuleParams{
		Percentage:   &pct,
		MatchingRule: map[string]any{},
	})
	if err != nil {
		t.Fatalf("failed to build rule: %v", err)
	}

	if _, err := repo.InsertHashRevenueRules(ctx, []*domain.HashRevenueRule{isoRule, merchantRule}); err != nil {
		t.Fatalf("failed to insert: %v", err)
	}

	rules, err := repo.FindActiveHashRevenueRules(ctx, domain.TargetSelector{
		IsoID:      "ISO-1",
		MerchantID: "MERCH-1",
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("failed to find: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected rules from both scopes, got %d", len(rules))
	}

	rules, err = repo.FindActiveHashRevenueRules(ctx, domain.TargetSelector{MerchantID: "MERCH-2"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("failed to find: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("expected no rules for unrelated merchant, got %d", len(rules))
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	lite := &SQLRepository{driver: "sqlite"}

	query := "SELECT * FROM t WHERE a = ? AND b = ?"

	if got := pg.rebind(query); got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	if got := lite.rebind(query); got != query {
		t.Errorf("sqlite rebind should be a no-op, got %q", got)
	}
}
