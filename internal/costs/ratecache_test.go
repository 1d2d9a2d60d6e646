package costs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateCacheKeyFormat(t *testing.T) {
	require.Equal(t, "costs:usersummary:u1:2026-07", rateCacheKey("u1", "2026-07"))
}

func TestNilRateCacheAlwaysMisses(t *testing.T) {
	var c *RateCache
	_, ok, err := c.Get(context.Background(), "u1", "2026-07")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNilRateCachePutIsNoop(t *testing.T) {
	var c *RateCache
	require.NoError(t, c.Put(context.Background(), UserSummary{UserID: "u1"}))
}

func TestNilRateCacheInvalidateIsNoop(t *testing.T) {
	var c *RateCache
	require.NoError(t, c.Invalidate(context.Background(), "u1", "2026-07"))
}

func TestUnconfiguredRateCacheAlwaysMisses(t *testing.T) {
	c := &RateCache{}
	_, ok, err := c.Get(context.Background(), "u1", "2026-07")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, c.Put(context.Background(), UserSummary{UserID: "u1"}))
}
