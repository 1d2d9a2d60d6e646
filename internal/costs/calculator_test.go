package costs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"manifold/internal/llm"
	"manifold/internal/sessions"
)

func TestCalculate(t *testing.T) {
	usage := llm.Usage{InputTokens: 1_000_000, OutputTokens: 500_000, CacheReadTokens: 200_000, CacheWriteTokens: 100_000}
	pricing := sessions.PricingSnapshot{
		InputPricePerMtok: 3, OutputPricePerMtok: 15,
		CacheReadPricePerMtok: 0.3, CacheWritePricePerMtok: 3.75,
	}

	got := Calculate(usage, pricing)

	want := 1*3.0 + 0.5*15.0 + 0.2*0.3 + 0.1*3.75
	require.InDelta(t, want, got, 1e-9)
}

func TestCalculateZeroUsage(t *testing.T) {
	require.Equal(t, 0.0, Calculate(llm.Usage{}, sessions.PricingSnapshot{InputPricePerMtok: 5}))
}

func TestCacheSavings(t *testing.T) {
	pricing := sessions.PricingSnapshot{InputPricePerMtok: 3, CacheReadPricePerMtok: 0.3}
	usage := llm.Usage{CacheReadTokens: 1_000_000}

	got := CacheSavings(usage, pricing)

	require.InDelta(t, 2.7, got, 1e-9)
}

func TestCacheSavingsNoCacheReads(t *testing.T) {
	pricing := sessions.PricingSnapshot{InputPricePerMtok: 3, CacheReadPricePerMtok: 0.3}
	require.Equal(t, 0.0, CacheSavings(llm.Usage{}, pricing))
}

func TestCacheSavingsNoCachePricing(t *testing.T) {
	pricing := sessions.PricingSnapshot{InputPricePerMtok: 3}
	usage := llm.Usage{CacheReadTokens: 1000}
	require.Equal(t, 0.0, CacheSavings(usage, pricing))
}

func TestCacheSavingsNeverNegative(t *testing.T) {
	// Pathological pricing table where cache reads cost more than input.
	pricing := sessions.PricingSnapshot{InputPricePerMtok: 0.3, CacheReadPricePerMtok: 3}
	usage := llm.Usage{CacheReadTokens: 1_000_000}
	require.Equal(t, 0.0, CacheSavings(usage, pricing))
}

func TestSanitizeModelID(t *testing.T) {
	require.Equal(t, "anthropic_claude_sonnet_4", SanitizeModelID("anthropic.claude-sonnet:4"))
	require.Equal(t, "plain", SanitizeModelID("plain"))
}

func TestCostCents(t *testing.T) {
	require.Equal(t, int64(150), CostCents(1.5))
	require.Equal(t, int64(0), CostCents(0))
	require.Equal(t, int64(0), CostCents(-5))
	require.Equal(t, int64(100), CostCents(0.999))
}
