package sessions

import "context"

// Session is a handle returned by Store.Open. Implementations may buffer
// writes, and they track cancellation; they are not safe for concurrent use by more than
// one turn at a time (the coordinator is the single writer within a turn).
type Session interface {
	// SessionID returns the identifier this handle was opened for.
	SessionID() string
	// InitialMessageCount is the message count observed at Open time. The
	// coordinator relies on this being eager, not lazily recomputed.
	InitialMessageCount() int
	// Append enqueues one message for persistence. If the session has been
	// cancelled, it is silently dropped.
	Append(ctx context.Context, msg Message) error
	// Flush persists any pending messages and returns the sequence number of
	// the last assistant message persisted through this handle, or nil if
	// none has been.
	Flush(ctx context.Context) (*int, error)
	// Cancel marks the session cancelled; subsequent Append calls drop their
	// argument silently.
	Cancel()
	// Cancelled reports whether Cancel has been called.
	Cancelled() bool
}

// ListMessagesResult is the paginated response from Store.ListMessages.
type ListMessagesResult struct {
	Messages   []Message
	NextCursor string // opaque, empty when there is no further page
}

// UpdateAfterTurnInput carries the token accounting the compaction engine
// needs to decide whether to advance the checkpoint.
type UpdateAfterTurnInput struct {
	InputTokens      int
	CacheReadTokens  int
	CacheWriteTokens int
}

// Store is the storage abstraction shared by the local filesystem backend
// and the cloud (DynamoDB) backend. Every operation may suspend; none holds
// a cross-session lock.
type Store interface {
	// Open reads or creates the session and returns a handle with an eager
	// initial message count.
	Open(ctx context.Context, sessionID, userID string) (Session, error)
	// ListMessages returns a page of a session's message history.
	ListMessages(ctx context.Context, sessionID string, limit int, cursor string) (ListMessagesResult, error)
	// PutMessageMetadata persists one message's sidecar metadata. Called at
	// most once per message.
	PutMessageMetadata(ctx context.Context, sessionID, messageID string, meta MessageMetadata) error
	// UpdateSessionMeta applies mutate to the session record and persists
	// it, creating the record if absent.
	UpdateSessionMeta(ctx context.Context, sessionID string, mutate func(*SessionMeta)) error
	// GetSessionMeta returns the current session record.
	GetSessionMeta(ctx context.Context, sessionID string) (SessionMeta, error)
	// UpdateAfterTurn is an optional hook (not every backend needs one) that
	// lets Stage-2 compaction fire after a turn completes. Implementations
	// that don't need it return nil (LocalStore does).
	UpdateAfterTurn(ctx context.Context, sessionID string, in UpdateAfterTurnInput) error
	// SessionCostSummary returns the locally-visible running cost summary for
	// a session, when the backend tracks one (supplemental to the
	// user/system rollups in internal/costs).
	SessionCostSummary(ctx context.Context, sessionID string) (SessionCostSummary, error)
}

// SessionCostSummary is a per-session running total, independent of the
// per-user/system rollups the cost aggregator maintains.
type SessionCostSummary struct {
	TotalCost     float64 `json:"total_cost"`
	TotalRequests int     `json:"total_requests"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
}
