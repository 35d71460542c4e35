package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pricing"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Rule type segments used in routes and metrics.
const (
	RuleTypeSplit      = "split"
	RuleTypeRevenue    = "revenue"
	RuleTypeIsoRevenue = "iso-revenue"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	registrar  *pricing.Registrar
	calculator *pricing.Calculator
	repo       domain.RuleRepository
	cache      domain.Cache
	bus        domain.EventBus
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(registrar *pricing.Registrar, calculator *pricing.Calculator, repo domain.RuleRepository, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		registrar:  registrar,
		calculator: calculator,
		repo:       repo,
		cache:      cache,
		bus:        bus,
		version:    version,
	}
}

// TargetPayload names the scope a rule registration applies to.
// Exactly one field must be set.
type TargetPayload struct {
	IsoID          string `json:"isoId,omitempty"`
	MerchantID     string `json:"merchantId,omitempty"`
	PricingGroupID string `json:"pricingGroupId,omitempty"`
}

func (p TargetPayload) identifier() (domain.TargetRuleIdentifier, error) {
	return domain.NewTargetRuleIdentifier(p.IsoID, p.MerchantID, p.PricingGroupID)
}

// RegisterSplitRulesRequest is the body for POST /rules/split.
type RegisterSplitRulesRequest struct {
	Target TargetPayload            `json:"target"`
	Rules  []domain.SplitRuleParams `json:"rules"`
}

// RegisterRevenueRulesRequest is the body for POST /rules/revenue.
type RegisterRevenueRulesRequest struct {
	Target TargetPayload              `json:"target"`
	Rules  []domain.RevenueRuleParams `json:"rules"`
}

// RegisterIsoRevenueRulesRequest is the body for POST /rules/iso-revenue.
type RegisterIsoRevenueRulesRequest struct {
	Target TargetPayload                 `json:"target"`
	Rules  []domain.IsoRevenueRuleParams `json:"rules"`
}

// SplitRuleDTO is the wire shape of a split rule. Unset scope fields
// render as JSON null.
type SplitRuleDTO struct {
	ID             string                `json:"id"`
	IsoID          *string               `json:"isoId"`
	MerchantID     *string               `json:"merchantId"`
	PricingGroupID *string               `json:"pricingGroupId"`
	MatchingRule   domain.MatchingRule   `json:"matchingRule"`
	Instructions   []SplitInstructionDTO `json:"instructions"`
	CreatedAt      time.Time             `json:"createdAt"`
	DeletedAt      *time.Time            `json:"deletedAt,omitempty"`
}

// SplitInstructionDTO is the wire shape of one split instruction.
type SplitInstructionDTO struct {
	ID          string    `json:"id"`
	SplitRuleID string    `json:"splitRuleId"`
	MerchantID  string    `json:"merchantId"`
	Percentage  int64     `json:"percentage"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RevenueRuleDTO is the wire shape of a revenue rule.
type RevenueRuleDTO struct {
	ID             string              `json:"id"`
	IsoID          *string             `json:"isoId"`
	MerchantID     *string             `json:"merchantId"`
	PricingGroupID *string             `json:"pricingGroupId"`
	Percentage     *int64              `json:"percentage"`
	Flat           *int64              `json:"flat"`
	UseSplitValues *bool               `json:"useSplitValues,omitempty"`
	MatchingRule   domain.MatchingRule `json:"matchingRule"`
	CreatedAt      time.Time           `json:"createdAt"`
	DeletedAt      *time.Time          `json:"deletedAt,omitempty"`
}

func splitRuleDTO(rule *domain.SplitRule) SplitRuleDTO {
	instructions := make([]SplitInstructionDTO, len(rule.Instructions))
	for i, instruction := range rule.Instructions {
		instructions[i] = SplitInstructionDTO{
			ID:          instruction.ID,
			SplitRuleID: instruction.SplitRuleID,
			MerchantID:  instruction.MerchantID,
			Percentage:  instruction.Percentage,
			CreatedAt:   instruction.CreatedAt,
		}
	}
	return SplitRuleDTO{
		ID:             rule.ID,
		IsoID:          optional(rule.IsoID),
		MerchantID:     optional(rule.MerchantID),
		PricingGroupID: optional(rule.PricingGroupID),
		MatchingRule:   rule.MatchingRule,
		Instructions:   instructions,
		CreatedAt:      rule.CreatedAt,
		DeletedAt:      rule.DeletedAt,
	}
}

func hashRevenueRuleDTO(rule *domain.HashRevenueRule) RevenueRuleDTO {
	return RevenueRuleDTO{
		ID:             rule.ID,
		IsoID:          optional(rule.IsoID),
		MerchantID:     optional(rule.MerchantID),
		PricingGroupID: optional(rule.PricingGroupID),
		Percentage:     rule.Percentage,
		Flat:           rule.Flat,
		MatchingRule:   rule.MatchingRule,
		CreatedAt:      rule.CreatedAt,
		DeletedAt:      rule.DeletedAt,
	}
}

func isoRevenueRuleDTO(rule *domain.IsoRevenueRule) RevenueRuleDTO {
	useSplit := rule.UseSplitValues
	return RevenueRuleDTO{
		ID:             rule.ID,
		IsoID:          optional(rule.IsoID),
		MerchantID:     optional(rule.MerchantID),
		PricingGroupID: optional(rule.PricingGroupID),
		Percentage:     rule.Percentage,
		Flat:           rule.Flat,
		UseSplitValues: &useSplit,
		MatchingRule:   rule.MatchingRule,
		CreatedAt:      rule.CreatedAt,
		DeletedAt:      rule.DeletedAt,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// RegisterSplitRules handles POST /rules/split.
func (h *Handler) RegisterSplitRules(w http.ResponseWriter, r *http.Request) {
	var req RegisterSplitRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	target, err := req.Target.identifier()
	if err != nil {
		writeError(w, err)
		return
	}

	rules, err := h.registrar.RegisterSplitRules(r.Context(), target, req.Rules)
	if err != nil {
		writeError(w, err)
		return
	}

	dtos := make([]SplitRuleDTO, len(rules))
	ids := make([]string, len(rules))
	for i, rule := range rules {
		dtos[i] = splitRuleDTO(rule)
		ids[i] = rule.ID
	}

	rulesRegistered.WithLabelValues(RuleTypeSplit).Add(float64(len(rules)))
	h.publishRuleEvent(r, domain.TopicRuleRegistered, RuleTypeSplit, ids)

	writeJSON(w, http.StatusCreated, map[string]any{"rules": dtos})
}

// RegisterRevenueRules handles POST /rules/revenue.
func (h *Handler) RegisterRevenueRules(w http.ResponseWriter, r *http.Request) {
	var req RegisterRevenueRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	target, err := req.Target.identifier()
	if err != nil {
		writeError(w, err)
		return
	}

	rules, err := h.registrar.RegisterRevenueRules(r.Context(), target, req.Rules)
	if err != nil {
		writeError(w, err)
		return
	}

	dtos := make([]RevenueRuleDTO, len(rules))
	ids := make([]string, len(rules))
	for i, rule := range rules {
		dtos[i] = hashRevenueRuleDTO(rule)
		ids[i] = rule.ID
	}

	rulesRegistered.WithLabelValues(RuleTypeRevenue).Add(float64(len(rules)))
	h.publishRuleEvent(r, domain.TopicRuleRegistered, RuleTypeRevenue, ids)

	writeJSON(w, http.StatusCreated, map[string]any{"rules": dtos})
}

// RegisterIsoRevenueRules handles POST /rules/iso-revenue.
func (h *Handler) RegisterIsoRevenueRules(w http.ResponseWriter, r *http.Request) {
	var req RegisterIsoRevenueRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	target, err := req.Target.identifier()
	if err != nil {
		writeError(w, err)
		return
	}

	rules, err := h.registrar.RegisterIsoRevenueRules(r.Context(), target, req.Rules)
	if err != nil {
		writeError(w, err)
		return
	}

	dtos := make([]RevenueRuleDTO, len(rules))
	ids := make([]string, len(rules))
	for i, rule := range rules {
		dtos[i] = isoRevenueRuleDTO(rule)
		ids[i] = rule.ID
	}

	rulesRegistered.WithLabelValues(RuleTypeIsoRevenue).Add(float64(len(rules)))
	h.publishRuleEvent(r, domain.TopicRuleRegistered, RuleTypeIsoRevenue, ids)

	writeJSON(w, http.StatusCreated, map[string]any{"rules": dtos})
}

// ListActiveRules handles GET /rules/{type}. Scope comes from query
// parameters; activeAt defaults to now.
func (h *Handler) ListActiveRules(w http.ResponseWriter, r *http.Request) {
	ruleType := chi.URLParam(r, "type")

	sel := domain.TargetSelector{
		IsoID:          r.URL.Query().Get("isoId"),
		MerchantID:     r.URL.Query().Get("merchantId"),
		PricingGroupID: r.URL.Query().Get("pricingGroupId"),
	}
	if sel.IsEmpty() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "at least one of isoId, merchantId or pricingGroupId is required",
		})
		return
	}

	activeAt := time.Now().UTC()
	if raw := r.URL.Query().Get("activeAt"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "activeAt must be an RFC 3339 timestamp",
			})
			return
		}
		activeAt = parsed
	}

	ctx := r.Context()
	switch ruleType {
	case RuleTypeSplit:
		rules, err := h.repo.FindActiveSplitRules(ctx, sel, activeAt)
		if err != nil {
			writeError(w, err)
			return
		}
		dtos := make([]SplitRuleDTO, len(rules))
		for i, rule := range rules {
			dtos[i] = splitRuleDTO(rule)
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": dtos, "count": len(dtos)})

	case RuleTypeRevenue:
		rules, err := h.repo.FindActiveHashRevenueRules(ctx, sel, activeAt)
		if err != nil {
			writeError(w, err)
			return
		}
		dtos := make([]RevenueRuleDTO, len(rules))
		for i, rule := range rules {
			dtos[i] = hashRevenueRuleDTO(rule)
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": dtos, "count": len(dtos)})

	case RuleTypeIsoRevenue:
		rules, err := h.repo.FindActiveIsoRevenueRules(ctx, sel, activeAt)
		if err != nil {
			writeError(w, err)
			return
		}
		dtos := make([]RevenueRuleDTO, len(rules))
		for i, rule := range rules {
			dtos[i] = isoRevenueRuleDTO(rule)
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": dtos, "count": len(dtos)})

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown rule type"})
	}
}

// DeleteRule handles DELETE /rules/{type}/{id}. Deletion is a soft
// delete: the rule's validity window closes now and historical pricing
// is untouched.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleType := chi.URLParam(r, "type")
	id := chi.URLParam(r, "id")

	now := time.Now().UTC()
	var err error
	switch ruleType {
	case RuleTypeSplit:
		err = h.repo.SoftDeleteSplitRule(r.Context(), id, now)
	case RuleTypeRevenue:
		err = h.repo.SoftDeleteHashRevenueRule(r.Context(), id, now)
	case RuleTypeIsoRevenue:
		err = h.repo.SoftDeleteIsoRevenueRule(r.Context(), id, now)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown rule type"})
		return
	}

	if err != nil {
		writeError(w, err)
		return
	}

	rulesDeleted.WithLabelValues(ruleType).Inc()
	h.publishRuleEvent(r, domain.TopicRuleDeleted, ruleType, []string{id})

	writeJSON(w, http.StatusOK, map[string]any{
		"id":        id,
		"deletedAt": now,
	})
}

// CalculateRequest is the body for POST /calculate.
type CalculateRequest struct {
	Transactions []domain.TransactionRecord `json:"transactions"`
}

// CalculateResponse is the response for POST /calculate.
type CalculateResponse struct {
	BatchID  string                      `json:"batchId"`
	Pricings []domain.TransactionPricing `json:"pricings"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Calculate handles POST /calculate: synchronous batch pricing.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req CalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	if len(req.Transactions) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at least one transaction is required"})
		return
	}
	for i := range req.Transactions {
		if req.Transactions[i].ID == "" {
			req.Transactions[i].ID = uuid.New().String()
		}
	}

	pricings, err := h.calculator.CalculateBatch(ctx, req.Transactions)
	if err != nil {
		writeError(w, err)
		return
	}

	batchesCalculated.Inc()
	transactionsPriced.Add(float64(len(pricings)))
	calculationDuration.Observe(time.Since(start).Seconds())

	resp := CalculateResponse{
		BatchID:  uuid.New().String(),
		Pricings: pricings,
	}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	// Downstream consumers get the same result the caller does.
	if h.bus != nil {
		if payload, err := json.Marshal(resp); err == nil {
			if err := h.bus.Publish(ctx, domain.TopicBatchPriced, payload); err != nil {
				slog.Error("failed to publish batch result", "batch_id", resp.BatchID, "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// RuleEvent is the payload published on rule registration or deletion.
type RuleEvent struct {
	RuleType string   `json:"ruleType"`
	RuleIDs  []string `json:"ruleIds"`
	TraceID  string   `json:"traceId,omitempty"`
}

func (h *Handler) publishRuleEvent(r *http.Request, topic, ruleType string, ids []string) {
	if h.bus == nil {
		return
	}
	payload, err := json.Marshal(RuleEvent{
		RuleType: ruleType,
		RuleIDs:  ids,
		TraceID:  GetTraceID(r.Context()),
	})
	if err != nil {
		return
	}
	if err := h.bus.Publish(r.Context(), topic, payload); err != nil {
		slog.Error("failed to publish rule event",
			"topic", topic,
			"rule_type", ruleType,
			"error", err,
		)
	}
}

// writeError maps domain errors onto HTTP status codes. Validation
// failures surface their message; storage failures never leak driver
// details.
func writeError(w http.ResponseWriter, err error) {
	var targetErr *domain.TargetIdentificationError
	var integrityErr *domain.RuleIntegrityError
	var instructionErr *domain.SplitInstructionError
	var commErr *domain.DatabaseCommunicationError

	switch {
	case errors.As(err, &targetErr),
		errors.As(err, &integrityErr),
		errors.As(err, &instructionErr),
		errors.Is(err, repository.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})

	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})

	case errors.As(err, &commErr):
		slog.Error("storage failure", "table", commErr.Table, "error", commErr.Err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": commErr.Error()})

	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
