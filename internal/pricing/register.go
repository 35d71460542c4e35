// Package pricing implements rule registration and batch transaction
// pricing on top of the rule repository and the predicate engine.
package pricing

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Registrar validates and persists pricing rules.
type Registrar struct {
	repo domain.RuleRepository
}

// NewRegistrar creates a rule registrar.
func NewRegistrar(repo domain.RuleRepository) *Registrar {
	return &Registrar{repo: repo}
}

// RegisterSplitRules builds split rules for one target scope and
// persists them as a single batch. Validation failures surface before
// anything touches the store.
func (r *Registrar) RegisterSplitRules(ctx context.Context, target domain.TargetRuleIdentifier, params []domain.SplitRuleParams) ([]*domain.SplitRule, error) {
	rules := make([]*domain.SplitRule, len(params))
	for i, p := range params {
		rule, err := domain.NewSplitRule(target, p)
		if err != nil {
			return nil, err
		}
		rules[i] = rule
	}
	return r.repo.InsertSplitRules(ctx, rules)
}

// RegisterRevenueRules builds and persists revenue rules for one
// target scope.
func (r *Registrar) RegisterRevenueRules(ctx context.Context, target domain.TargetRuleIdentifier, params []domain.RevenueRuleParams) ([]*domain.HashRevenueRule, error) {
	rules := make([]*domain.HashRevenueRule, len(params))
	for i, p := range params {
		rule, err := domain.NewHashRevenueRule(target, p)
		if err != nil {
			return nil, err
		}
		rules[i] = rule
	}
	return r.repo.InsertHashRevenueRules(ctx, rules)
}

// RegisterIsoRevenueRules builds and persists ISO revenue rules for
// one target scope.
func (r *Registrar) RegisterIsoRevenueRules(ctx context.Context, target domain.TargetRuleIdentifier, params []domain.IsoRevenueRuleParams) ([]*domain.IsoRevenueRule, error) {
	rules := make([]*domain.IsoRevenueRule, len(params))
	for i, p := range params {
		rule, err := domain.NewIsoRevenueRule(target, p)
		if err != nil {
			return nil, err
		}
		rules[i] = rule
	}
	return r.repo.InsertIsoRevenueRules(ctx, rules)
}
