// Package streaming turns a provider-native event stream into the canonical
// SSE event taxonomy shared across every model backend, and drives one turn
// end to end: provider call, event translation, persistence, and
// post-stream bookkeeping.
package streaming

import "time"

// EventType is one of the canonical tags emitted to the client. The wire
// encoding is `event: <type>\ndata: <json>\n\n`; Data's field casing is
// camelCase to match the existing client contract.
type EventType string

const (
	EventInitEventLoop      EventType = "init_event_loop"
	EventStartEventLoop     EventType = "start_event_loop"
	EventMessageStart       EventType = "message_start"
	EventContentBlockStart  EventType = "content_block_start"
	EventContentBlockDelta  EventType = "content_block_delta"
	EventContentBlockStop   EventType = "content_block_stop"
	EventMessageStop        EventType = "message_stop"
	EventToolUse            EventType = "tool_use"
	EventToolResult         EventType = "tool_result"
	EventToolError          EventType = "tool_error"
	EventReasoning          EventType = "reasoning"
	EventCitationStart      EventType = "citation_start"
	EventCitationEnd        EventType = "citation_end"
	EventMetadata           EventType = "metadata"
	EventMetadataSummary    EventType = "metadata_summary"
	EventDone               EventType = "done"
	EventError              EventType = "error"
)

// StopReason is the normalized message_stop vocabulary, shared across every
// provider adapter in internal/llm and internal/providers.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopError     StopReason = "error"
)

// ContentBlockType distinguishes the two block kinds the processor tracks
// index discipline for.
type ContentBlockType string

const (
	BlockText    ContentBlockType = "text"
	BlockToolUse ContentBlockType = "tool_use"
)

// Event is one canonical frame. Data is a JSON-able map; callers that need a
// typed view should use the accompanying Data builders below.
type Event struct {
	Type EventType      `json:"-"`
	Data map[string]any `json:"data"`
}

func newEvent(t EventType, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Type: t, Data: data}
}

// Metrics is the per-assistant-message timing/usage snapshot the coordinator
// accumulates and forwards inside metadata / metadata_summary events.
type Metrics struct {
	Usage              Usage   `json:"usage,omitempty"`
	TimeToFirstByteMs  int64   `json:"timeToFirstByteMs,omitempty"`
	FirstTokenTime     *int64  `json:"-"`
	StartTime          time.Time `json:"-"`
	EndTime            time.Time `json:"-"`
}

// Usage mirrors llm.Usage but with the wire's camelCase cache field names,
// and "is not nil" semantics preserved through *int so a genuine zero isn't
// dropped by an omitempty-style check upstream.
type Usage struct {
	InputTokens      int  `json:"inputTokens"`
	OutputTokens     int  `json:"outputTokens"`
	CacheReadTokens  *int `json:"cacheReadInputTokens,omitempty"`
	CacheWriteTokens *int `json:"cacheWriteInputTokens,omitempty"`
}

// Add accumulates another usage snapshot in place, treating nil cache
// fields as "not reported" rather than zero so a later non-nil report can
// still land.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	if o.CacheReadTokens != nil {
		v := u.derefCacheRead() + *o.CacheReadTokens
		u.CacheReadTokens = &v
	}
	if o.CacheWriteTokens != nil {
		v := u.derefCacheWrite() + *o.CacheWriteTokens
		u.CacheWriteTokens = &v
	}
}

func (u *Usage) derefCacheRead() int {
	if u.CacheReadTokens == nil {
		return 0
	}
	return *u.CacheReadTokens
}

func (u *Usage) derefCacheWrite() int {
	if u.CacheWriteTokens == nil {
		return 0
	}
	return *u.CacheWriteTokens
}
