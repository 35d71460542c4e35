package pricing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/match"
)

// Calculator prices transaction batches against the active rule set.
type Calculator struct {
	repo     domain.RuleRepository
	engine   *match.Engine
	cache    domain.Cache
	cacheTTL time.Duration
}

// NewCalculator creates a batch calculator. The cache is optional; a
// nil cache sends every lookup to the repository.
func NewCalculator(repo domain.RuleRepository, engine *match.Engine, cache domain.Cache, cacheTTL time.Duration) *Calculator {
	return &Calculator{
		repo:     repo,
		engine:   engine,
		cache:    cache,
		cacheTTL: cacheTTL,
	}
}

// CalculateBatch prices each transaction independently. Result
// position i corresponds to input position i. A transaction no rule
// matches yields an empty pricing, not an error.
func (c *Calculator) CalculateBatch(ctx context.Context, records []domain.TransactionRecord) ([]domain.TransactionPricing, error) {
	out := make([]domain.TransactionPricing, len(records))
	for i := range records {
		pricing, err := c.priceOne(ctx, &records[i])
		if err != nil {
			return nil, err
		}
		out[i] = pricing
	}
	return out, nil
}

func (c *Calculator) priceOne(ctx context.Context, rec *domain.TransactionRecord) (domain.TransactionPricing, error) {
	pricing := domain.TransactionPricing{TransactionID: rec.ID}

	sel := rec.Selector()
	if sel.IsEmpty() {
		return pricing, nil
	}

	activeAt := rec.Timestamp
	if activeAt.IsZero() {
		activeAt = time.Now().UTC()
	}

	splitRules, err := c.activeSplitRules(ctx, sel, activeAt)
	if err != nil {
		return pricing, err
	}
	isoRules, err := c.activeIsoRules(ctx, sel, activeAt)
	if err != nil {
		return pricing, err
	}
	hashRules, err := c.activeHashRules(ctx, sel, activeAt)
	if err != nil {
		return pricing, err
	}

	record := match.Flatten(rec.Fields())

	for _, rule := range splitRules {
		matched, err := c.matches(rule.ID, rule.MatchingRule, record)
		if err != nil {
			return pricing, err
		}
		if matched {
			pricing.SplitRuleID = rule.ID
			pricing.Splits = computeSplits(rec.Amount, rule.Instructions)
			break
		}
	}

	for _, rule := range hashRules {
		matched, err := c.matches(rule.ID, rule.MatchingRule, record)
		if err != nil {
			return pricing, err
		}
		if matched {
			pricing.HashRevenue = &domain.RevenueAllocation{
				RuleID: rule.ID,
				Amount: revenueAmount(rule.Flat, rule.Percentage, rec.Amount),
			}
			break
		}
	}

	for _, rule := range isoRules {
		matched, err := c.matches(rule.ID, rule.MatchingRule, record)
		if err != nil {
			return pricing, err
		}
		if matched {
			pricing.IsoRevenue = &domain.RevenueAllocation{
				RuleID: rule.ID,
				Amount: isoRevenueAmount(rule, rec.Amount, pricing.Splits),
			}
			break
		}
	}

	return pricing, nil
}

func (c *Calculator) matches(ruleID string, rule domain.MatchingRule, record map[string]any) (bool, error) {
	prg, err := c.engine.ProgramFor(ruleID, rule.Conditions())
	if err != nil {
		return false, err
	}
	return prg.Matches(record), nil
}

// computeSplits allocates the amount across instructions in ppm. Every
// instruction but the last takes its truncated share; the last absorbs
// the remainder so the allocations always sum to the full amount.
func computeSplits(amount int64, instructions []domain.SplitInstruction) []domain.SplitAllocation {
	if len(instructions) == 0 {
		return nil
	}

	allocations := make([]domain.SplitAllocation, len(instructions))
	var allocated int64
	for i, instruction := range instructions {
		share := amount * instruction.Percentage / domain.PercentageBase
		if i == len(instructions)-1 {
			share = amount - allocated
		}
		allocated += share
		allocations[i] = domain.SplitAllocation{
			InstructionID: instruction.ID,
			MerchantID:    instruction.MerchantID,
			Amount:        share,
		}
	}
	return allocations
}

// revenueAmount applies a revenue rule to an amount. Flat wins over
// percentage when both are set.
func revenueAmount(flat, percentage *int64, amount int64) int64 {
	if flat != nil {
		return *flat
	}
	if percentage != nil {
		return percentOf(amount, *percentage)
	}
	return 0
}

// isoRevenueAmount handles the split-values variant: the percentage
// applies per split allocation and the truncated shares are summed.
// Without splits, or with a flat amount, it behaves like revenueAmount.
func isoRevenueAmount(rule *domain.IsoRevenueRule, amount int64, splits []domain.SplitAllocation) int64 {
	if rule.Flat != nil {
		return *rule.Flat
	}
	if rule.Percentage == nil {
		return 0
	}
	if rule.UseSplitValues && len(splits) > 0 {
		var total int64
		for _, split := range splits {
			total += percentOf(split.Amount, *rule.Percentage)
		}
		return total
	}
	return percentOf(amount, *rule.Percentage)
}

func percentOf(amount, percentage int64) int64 {
	scale := int64(1)
	for i := 0; i < domain.PricePrecision; i++ {
		scale *= 10
	}
	return amount * percentage / scale
}

func (c *Calculator) activeSplitRules(ctx context.Context, sel domain.TargetSelector, activeAt time.Time) ([]*domain.SplitRule, error) {
	return cachedLookup(ctx, c.cache, c.cacheKey("split", sel, activeAt), c.cacheTTL, func() ([]*domain.SplitRule, error) {
		return c.repo.FindActiveSplitRules(ctx, sel, activeAt)
	})
}

func (c *Calculator) activeIsoRules(ctx context.Context, sel domain.TargetSelector, activeAt time.Time) ([]*domain.IsoRevenueRule, error) {
	return cachedLookup(ctx, c.cache, c.cacheKey("iso", sel, activeAt), c.cacheTTL, func() ([]*domain.IsoRevenueRule, error) {
		return c.repo.FindActiveIsoRevenueRules(ctx, sel, activeAt)
	})
}

func (c *Calculator) activeHashRules(ctx context.Context, sel domain.TargetSelector, activeAt time.Time) ([]*domain.HashRevenueRule, error) {
	return cachedLookup(ctx, c.cache, c.cacheKey("hash", sel, activeAt), c.cacheTTL, func() ([]*domain.HashRevenueRule, error) {
		return c.repo.FindActiveHashRevenueRules(ctx, sel, activeAt)
	})
}

// cacheKey buckets activeAt to the minute so lookups inside the same
// minute share an entry while historical queries stay distinct.
func (c *Calculator) cacheKey(kind string, sel domain.TargetSelector, activeAt time.Time) string {
	return "ruleset:" + kind + ":" + sel.CacheKey() + ":" + activeAt.UTC().Truncate(time.Minute).Format(time.RFC3339)
}

// cachedLookup reads through the cache. Cache failures fall through to
// the repository; pricing never fails on a degraded cache.
func cachedLookup[T any](ctx context.Context, cache domain.Cache, key string, ttl time.Duration, find func() ([]*T, error)) ([]*T, error) {
	if cache == nil || ttl <= 0 {
		return find()
	}

	if data, err := cache.Get(ctx, key); err == nil && data != nil {
		var rules []*T
		if err := json.Unmarshal(data, &rules); err == nil {
			return rules, nil
		}
	}

	rules, err := find()
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(rules); err == nil {
		_ = cache.Set(ctx, key, data, ttl)
	}

	return rules, nil
}
