// Package costs implements the cost aggregator described in spec §4.5: a
// write path that keeps the per-user summary and three system rollup
// families (daily, monthly, per-model) up to date via atomic increments so
// reads are O(1), plus the
// read-side query APIs layered on top.
package costs

import (
	"strings"

	"manifold/internal/llm"
	"manifold/internal/sessions"
)

// Calculate applies the linear per-token pricing model: cost is the sum of
// each token class times its per-megatoken price, scaled to a per-token
// rate by dividing by 1e6.
func Calculate(u llm.Usage, p sessions.PricingSnapshot) float64 {
	cost := float64(u.InputTokens) / 1_000_000 * p.InputPricePerMtok
	cost += float64(u.OutputTokens) / 1_000_000 * p.OutputPricePerMtok
	cost += float64(u.CacheReadTokens) / 1_000_000 * p.CacheReadPricePerMtok
	cost += float64(u.CacheWriteTokens) / 1_000_000 * p.CacheWritePricePerMtok
	return cost
}

// CacheSavings computes the amount saved by cache-read tokens relative to
// paying full input price for them. Returns 0 when cache pricing is absent
// or cache reads are zero; never negative.
func CacheSavings(u llm.Usage, p sessions.PricingSnapshot) float64 {
	if u.CacheReadTokens <= 0 || p.CacheReadPricePerMtok <= 0 {
		return 0
	}
	delta := p.InputPricePerMtok - p.CacheReadPricePerMtok
	if delta <= 0 {
		return 0
	}
	return float64(u.CacheReadTokens) / 1_000_000 * delta
}

// SanitizeModelID replaces characters DynamoDB map keys cannot contain
// (".", ":", "-") with "_", per spec §4.5 step 4.
func SanitizeModelID(modelID string) string {
	r := strings.NewReplacer(".", "_", ":", "_", "-", "_")
	return r.Replace(modelID)
}

// CostCents converts a dollar cost into a whole cent count (rounded half up,
// clamped at 0). Callers zero-pad it to 15 digits for GSI2SK so
// PeriodCostIndex sorts users by cost lexicographically.
func CostCents(cost float64) int64 {
	cents := int64(cost*100 + 0.5)
	if cents < 0 {
		cents = 0
	}
	return cents
}
