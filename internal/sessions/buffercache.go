package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// BufferCache is a read-through cache of a session's recent message window
// and compaction state, keyed by session ID. It exists to spare the
// coordinator a full ListMessages round trip to DynamoDB on every turn of a
// hot, actively-streaming session; it is never the system of record and a
// cache miss or Redis outage must fall back to the Store transparently.
type BufferCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewBufferCache dials addr/db and pings it once to fail fast on
// misconfiguration. ttl bounds how long a cached window survives without a
// turn touching that session.
func NewBufferCache(addr string, db int, ttl time.Duration) (*BufferCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("buffercache: ping %s: %w", addr, err)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &BufferCache{client: client, ttl: ttl}, nil
}

type bufferEntry struct {
	Messages   []Message       `json:"messages"`
	Compaction CompactionState `json:"compaction_state"`
}

func (c *BufferCache) key(sessionID string) string {
	return "sessions:buffer:" + sessionID
}

// Get returns the cached window, or ok=false on a miss. A Redis error is
// treated like a miss from the caller's perspective (err is non-nil so it
// can be logged, but callers should still fall back to the Store rather than
// fail the turn).
func (c *BufferCache) Get(ctx context.Context, sessionID string) (messages []Message, state CompactionState, ok bool, err error) {
	if c == nil {
		return nil, CompactionState{}, false, nil
	}
	raw, err := c.client.Get(ctx, c.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, CompactionState{}, false, nil
	}
	if err != nil {
		return nil, CompactionState{}, false, fmt.Errorf("buffercache: get %s: %w", sessionID, err)
	}
	var entry bufferEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, CompactionState{}, false, fmt.Errorf("buffercache: decode %s: %w", sessionID, err)
	}
	return entry.Messages, entry.Compaction, true, nil
}

// Put overwrites the cached window for sessionID, resetting its TTL.
func (c *BufferCache) Put(ctx context.Context, sessionID string, messages []Message, state CompactionState) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(bufferEntry{Messages: messages, Compaction: state})
	if err != nil {
		return fmt.Errorf("buffercache: encode %s: %w", sessionID, err)
	}
	return c.client.Set(ctx, c.key(sessionID), raw, c.ttl).Err()
}

// Invalidate drops the cached window, e.g. after a session is deleted or a
// compaction checkpoint advances in a way callers would rather re-derive
// from the Store than risk serving a stale summary.
func (c *BufferCache) Invalidate(ctx context.Context, sessionID string) error {
	if c == nil {
		return nil
	}
	if err := c.client.Del(ctx, c.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("buffercache: invalidate %s: %w", sessionID, err)
	}
	return nil
}
