package domain

import (
	"time"
)

// TransactionRecord is one transaction submitted for pricing. Amounts
// are integer minor units of the currency. Data carries any additional
// payload fields the matching rules may reference; nested objects are
// resolved via dot-notation paths.
type TransactionRecord struct {
	ID             string         `json:"id"`
	IsoID          string         `json:"isoId,omitempty"`
	MerchantID     string         `json:"merchantId,omitempty"`
	PricingGroupID string         `json:"pricingGroupId,omitempty"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	Timestamp      time.Time      `json:"timestamp"`
	Data           map[string]any `json:"data,omitempty"`
}

// Selector returns the scope fields the transaction carries, for
// active-rule lookups.
func (t *TransactionRecord) Selector() TargetSelector {
	return TargetSelector{
		IsoID:          t.IsoID,
		MerchantID:     t.MerchantID,
		PricingGroupID: t.PricingGroupID,
	}
}

// Fields returns the record as a nested map for predicate matching.
// Core fields sit alongside the payload; payload keys never shadow
// core ones.
func (t *TransactionRecord) Fields() map[string]any {
	fields := make(map[string]any, len(t.Data)+6)
	for k, v := range t.Data {
		fields[k] = v
	}
	fields["id"] = t.ID
	fields["isoId"] = t.IsoID
	fields["merchantId"] = t.MerchantID
	fields["pricingGroupId"] = t.PricingGroupID
	fields["amount"] = t.Amount
	fields["currency"] = t.Currency
	return fields
}

// RevenueAllocation is the outcome of one revenue rule applied to one
// transaction.
type RevenueAllocation struct {
	RuleID string `json:"ruleId"`
	Amount int64  `json:"amount"`
}

// SplitAllocation is one merchant's computed share of a transaction.
type SplitAllocation struct {
	InstructionID string `json:"instructionId"`
	MerchantID    string `json:"merchantId"`
	Amount        int64  `json:"amount"`
}

// TransactionPricing is the full pricing outcome for one transaction.
// A nil revenue field or empty split list means no rule of that kind
// matched; that is a valid result, not an error.
type TransactionPricing struct {
	TransactionID string             `json:"transactionId"`
	SplitRuleID   string             `json:"splitRuleId,omitempty"`
	Splits        []SplitAllocation  `json:"splits,omitempty"`
	IsoRevenue    *RevenueAllocation `json:"isoRevenue,omitempty"`
	HashRevenue   *RevenueAllocation `json:"hashRevenue,omitempty"`
}
