package costs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// UserSummary is the read-side projection of a user's per-period rollup,
// the fast path spec §4.5 targets at sub-10ms latency.
type UserSummary struct {
	UserID           string             `json:"user_id"`
	Period           string             `json:"period"`
	TotalCost        float64            `json:"total_cost"`
	TotalRequests    int64              `json:"total_requests"`
	InputTokens      int64              `json:"input_tokens"`
	OutputTokens     int64              `json:"output_tokens"`
	CacheReadTokens  int64              `json:"cache_read_tokens"`
	CacheWriteTokens int64              `json:"cache_write_tokens"`
	CacheSavings     float64            `json:"cache_savings"`
	ByModel          map[string]float64 `json:"by_model"`
}

// RateCache memoizes hot UserSummary reads ahead of the aggregator's
// DynamoDB fast path, modeled on internal/sessions/buffercache.go. A nil
// *RateCache is valid and always misses, so an unconfigured deployment
// degrades to hitting DynamoDB directly rather than needing a special case
// at every call site.
type RateCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRateCache dials Redis and pings to fail fast, matching
// sessions.NewBufferCache's construction idiom.
func NewRateCache(addr string, db int, ttl time.Duration) (*RateCache, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("costs: connect rate cache redis: %w", err)
	}
	return &RateCache{client: client, ttl: ttl}, nil
}

func rateCacheKey(userID, period string) string {
	return fmt.Sprintf("costs:usersummary:%s:%s", userID, period)
}

// Get returns a cached summary, or ok=false on a miss or when the cache is
// unconfigured.
func (c *RateCache) Get(ctx context.Context, userID, period string) (UserSummary, bool, error) {
	if c == nil || c.client == nil {
		return UserSummary{}, false, nil
	}
	raw, err := c.client.Get(ctx, rateCacheKey(userID, period)).Bytes()
	if err == redis.Nil {
		return UserSummary{}, false, nil
	}
	if err != nil {
		return UserSummary{}, false, fmt.Errorf("costs: rate cache get: %w", err)
	}
	var s UserSummary
	if err := json.Unmarshal(raw, &s); err != nil {
		return UserSummary{}, false, fmt.Errorf("costs: rate cache decode: %w", err)
	}
	return s, true, nil
}

// Put stores a fresh summary, replacing whatever was cached for the scope.
func (c *RateCache) Put(ctx context.Context, s UserSummary) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("costs: rate cache encode: %w", err)
	}
	if err := c.client.Set(ctx, rateCacheKey(s.UserID, s.Period), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("costs: rate cache put: %w", err)
	}
	return nil
}

// Invalidate drops a cached summary, called after a write lands so the next
// read observes it instead of a stale cached value within the TTL window.
func (c *RateCache) Invalidate(ctx context.Context, userID, period string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, rateCacheKey(userID, period)).Err(); err != nil {
		return fmt.Errorf("costs: rate cache invalidate: %w", err)
	}
	return nil
}
