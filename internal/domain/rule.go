package domain

import (
	"fmt"
	"time"
)

// PercentageBase is 100% expressed in parts-per-million.
const PercentageBase int64 = 10_000_000

// PricePrecision is the fixed-point scale of revenue-rule percentages:
// a stored percentage of 2 means 2%, so revenue = amount * 2 / 10^2.
// The scale is part of the storage contract and is never re-derived.
const PricePrecision = 2

// SplitRule routes a transaction's amount across a set of merchant
// allocations. Scope fields mirror TargetRuleIdentifier: exactly one
// is non-empty, the others persist as NULL.
type SplitRule struct {
	ID             string             `json:"id"`
	IsoID          string             `json:"isoId"`
	MerchantID     string             `json:"merchantId"`
	PricingGroupID string             `json:"pricingGroupId"`
	MatchingRule   MatchingRule       `json:"matchingRule"`
	Instructions   []SplitInstruction `json:"instructions"`
	CreatedAt      time.Time          `json:"createdAt"`
	DeletedAt      *time.Time         `json:"deletedAt,omitempty"`
}

// SplitInstruction is one merchant's share of a split rule, in ppm.
// Instructions are owned exclusively by their parent rule and live or
// die with it.
type SplitInstruction struct {
	ID          string     `json:"id"`
	SplitRuleID string     `json:"splitRuleId"`
	MerchantID  string     `json:"merchantId"`
	Percentage  int64      `json:"percentage"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// HashRevenueRule computes platform revenue on a transaction: a flat
// amount, a percentage of the amount, or both, with flat taking
// precedence at calculation time.
type HashRevenueRule struct {
	ID             string       `json:"id"`
	IsoID          string       `json:"isoId"`
	MerchantID     string       `json:"merchantId"`
	PricingGroupID string       `json:"pricingGroupId"`
	Percentage     *int64       `json:"percentage"`
	Flat           *int64       `json:"flat"`
	MatchingRule   MatchingRule `json:"matchingRule"`
	CreatedAt      time.Time    `json:"createdAt"`
	DeletedAt      *time.Time   `json:"deletedAt,omitempty"`
}

// IsoRevenueRule computes ISO revenue. When UseSplitValues is set the
// percentage applies to each split allocation instead of the full
// transaction amount.
type IsoRevenueRule struct {
	ID             string       `json:"id"`
	IsoID          string       `json:"isoId"`
	MerchantID     string       `json:"merchantId"`
	PricingGroupID string       `json:"pricingGroupId"`
	Percentage     *int64       `json:"percentage"`
	Flat           *int64       `json:"flat"`
	UseSplitValues bool         `json:"useSplitValues"`
	MatchingRule   MatchingRule `json:"matchingRule"`
	CreatedAt      time.Time    `json:"createdAt"`
	DeletedAt      *time.Time   `json:"deletedAt,omitempty"`
}

// SplitInstructionParams is the API-boundary shape of one instruction.
type SplitInstructionParams struct {
	MerchantID string `json:"merchantId"`
	Percentage int64  `json:"percentage"`
}

// SplitRuleParams is the API-boundary shape of one split rule.
type SplitRuleParams struct {
	MatchingRule any                      `json:"matchingRule"`
	Instructions []SplitInstructionParams `json:"instructions"`
}

// RevenueRuleParams is the API-boundary shape of a revenue rule.
type RevenueRuleParams struct {
	Percentage   *int64 `json:"percentage"`
	Flat         *int64 `json:"flat"`
	MatchingRule any    `json:"matchingRule"`
}

// IsoRevenueRuleParams extends RevenueRuleParams with the
// split-values flag.
type IsoRevenueRuleParams struct {
	Percentage     *int64 `json:"percentage"`
	Flat           *int64 `json:"flat"`
	UseSplitValues bool   `json:"useSplitValues"`
	MatchingRule   any    `json:"matchingRule"`
}

// NewSplitRule validates params and stamps the rule with its target
// scope. The matching rule is parsed here, never lazily; instruction
// percentages must be strictly positive and sum to exactly
// PercentageBase.
func NewSplitRule(target TargetRuleIdentifier, params SplitRuleParams) (*SplitRule, error) {
	matching, err := NewMatchingRule(params.MatchingRule)
	if err != nil {
		return nil, err
	}

	if len(params.Instructions) == 0 {
		return nil, &SplitInstructionError{Message: "split rule requires at least one instruction"}
	}

	var sum int64
	instructions := make([]SplitInstruction, len(params.Instructions))
	for i, p := range params.Instructions {
		if p.Percentage <= 0 {
			return nil, &SplitInstructionError{
				Message: fmt.Sprintf("split instruction percentage must be positive, got %d for merchant %s", p.Percentage, p.MerchantID),
			}
		}
		sum += p.Percentage
		instructions[i] = SplitInstruction{
			MerchantID: p.MerchantID,
			Percentage: p.Percentage,
		}
	}
	if sum != PercentageBase {
		return nil, &SplitInstructionError{
			Message: fmt.Sprintf("split instructions must sum to %d ppm, got %d", PercentageBase, sum),
		}
	}

	return &SplitRule{
		IsoID:          target.IsoID,
		MerchantID:     target.MerchantID,
		PricingGroupID: target.PricingGroupID,
		MatchingRule:   matching,
		Instructions:   instructions,
	}, nil
}

// NewHashRevenueRule validates params and stamps the rule with its
// target scope. At least one of percentage and flat must be present.
func NewHashRevenueRule(target TargetRuleIdentifier, params RevenueRuleParams) (*HashRevenueRule, error) {
	matching, err := NewMatchingRule(params.MatchingRule)
	if err != nil {
		return nil, err
	}
	if params.Percentage == nil && params.Flat == nil {
		return nil, &RuleIntegrityError{Message: "revenue rule requires at least one of percentage or flat"}
	}

	return &HashRevenueRule{
		IsoID:          target.IsoID,
		MerchantID:     target.MerchantID,
		PricingGroupID: target.PricingGroupID,
		Percentage:     params.Percentage,
		Flat:           params.Flat,
		MatchingRule:   matching,
	}, nil
}

// NewIsoRevenueRule validates params and stamps the rule with its
// target scope.
func NewIsoRevenueRule(target TargetRuleIdentifier, params IsoRevenueRuleParams) (*IsoRevenueRule, error) {
	matching, err := NewMatchingRule(params.MatchingRule)
	if err != nil {
		return nil, err
	}
	if params.Percentage == nil && params.Flat == nil {
		return nil, &RuleIntegrityError{Message: "revenue rule requires at least one of percentage or flat"}
	}

	return &IsoRevenueRule{
		IsoID:          target.IsoID,
		MerchantID:     target.MerchantID,
		PricingGroupID: target.PricingGroupID,
		Percentage:     params.Percentage,
		Flat:           params.Flat,
		UseSplitValues: params.UseSplitValues,
		MatchingRule:   matching,
	}, nil
}

// ActiveAt reports whether a validity window [createdAt, deletedAt)
// contains t.
func ActiveAt(createdAt time.Time, deletedAt *time.Time, t time.Time) bool {
	if t.Before(createdAt) {
		return false
	}
	return deletedAt == nil || t.Before(*deletedAt)
}
