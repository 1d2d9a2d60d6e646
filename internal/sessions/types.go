package sessions

import "time"

// Role is the role of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SessionStatus tracks the lifecycle of a Session.
type SessionStatus string

const (
	StatusActive  SessionStatus = "ACTIVE"
	StatusDeleted SessionStatus = "DELETED"
)

// ContentBlock is a tagged variant; exactly one field is populated. Unknown
// is the catch-all for provider-specific block types the rest of the system
// does not understand yet — it is passed through unchanged.
type ContentBlock struct {
	Text       *TextBlock       `json:"text,omitempty"`
	ToolUse    *ToolUseBlock    `json:"tool_use,omitempty"`
	ToolResult *ToolResultBlock `json:"tool_result,omitempty"`
	Image      *ImageBlock      `json:"image,omitempty"`
	Document   *DocumentBlock   `json:"document,omitempty"`
	Unknown    map[string]any   `json:"unknown,omitempty"`
}

type TextBlock struct {
	Text string `json:"text"`
}

type ToolUseBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	Input     any    `json:"input"`
}

type ToolResultBlock struct {
	ToolUseID string         `json:"tool_use_id"`
	Content   []ContentBlock `json:"content"`
	IsError   bool           `json:"is_error,omitempty"`
}

type ImageBlock struct {
	Format string `json:"format"`
	Bytes  []byte `json:"bytes"`
}

type DocumentBlock struct {
	Format string `json:"format"`
	Name   string `json:"name"`
	Bytes  []byte `json:"bytes"`
}

// Message is immutable once written.
type Message struct {
	Sequence  int            `json:"sequence"`
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

// ID returns the message's deterministic public identifier.
func (m Message) ID(sessionID string) string {
	return MessageID(sessionID, m.Sequence)
}

// Preferences captures per-session, per-assistant sticky settings.
type Preferences struct {
	LastModel        string   `json:"last_model,omitempty"`
	Temperature      float64  `json:"temperature,omitempty"`
	EnabledTools     []string `json:"enabled_tools,omitempty"`
	SystemPromptHash string   `json:"system_prompt_hash,omitempty"`
	AssistantID      string   `json:"assistant_id,omitempty"`
}

// CompactionState is embedded in Session; see the compaction engine.
type CompactionState struct {
	Checkpoint      int    `json:"checkpoint"`
	Summary         string `json:"summary"`
	LastInputTokens int    `json:"last_input_tokens"`
}

// SessionMeta is the durable session-level record.
type SessionMeta struct {
	SessionID      string          `json:"session_id"`
	UserID         string          `json:"user_id"`
	Title          string          `json:"title"`
	Status         SessionStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	LastMessageAt  time.Time       `json:"last_message_at"`
	MessageCount   int             `json:"message_count"`
	Preferences    *Preferences    `json:"preferences,omitempty"`
	Compaction     CompactionState `json:"compaction_state"`
}

// TokenUsage is the per-message token accounting persisted in MessageMetadata.
type TokenUsage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	CacheRead  int `json:"cache_read"`
	CacheWrite int `json:"cache_write"`
}

// Latency carries the per-message timing metrics.
type Latency struct {
	TimeToFirstTokenMs int64 `json:"time_to_first_token_ms"`
	EndToEndMs         int64 `json:"end_to_end_ms"`
}

// PricingSnapshot is a frozen copy of per-model pricing embedded at emission
// time, so historical cost figures never drift when the live price table
// changes.
type PricingSnapshot struct {
	InputPricePerMtok      float64   `json:"input_price_per_mtok"`
	OutputPricePerMtok     float64   `json:"output_price_per_mtok"`
	CacheReadPricePerMtok  float64   `json:"cache_read_price_per_mtok,omitempty"`
	CacheWritePricePerMtok float64   `json:"cache_write_price_per_mtok,omitempty"`
	Currency               string    `json:"currency"`
	SnapshotAt             time.Time `json:"snapshot_at"`
}

// ModelInfo identifies the model/provider a message was generated with.
type ModelInfo struct {
	ModelID         string          `json:"model_id"`
	ModelName       string          `json:"model_name"`
	Provider        string          `json:"provider"`
	PricingSnapshot PricingSnapshot `json:"pricing_snapshot"`
}

// Attribution ties a MessageMetadata record back to its owning user/session.
type Attribution struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageMetadata is the sidecar record keyed by {session_id, message_id}.
// Written at most once per message.
type MessageMetadata struct {
	TokenUsage  TokenUsage  `json:"token_usage"`
	Latency     Latency     `json:"latency"`
	ModelInfo   ModelInfo   `json:"model_info"`
	Attribution Attribution `json:"attribution"`
	Cost        float64     `json:"cost"`
}

// Attachment is an inbound file reference for the multimodal prompt builder.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}
