package sessions

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"manifold/internal/agentconfig"
	"manifold/internal/observability"
)

const placeholderImageFmt = "[Image placeholder: format=%s, original_size=%d bytes]"

// SummaryStore is an optional external source of per-session compaction
// summaries (e.g. RAG-service-backed, see internal/ragctx/summarystore.go).
// When present, its per-session summaries are concatenated instead of the
// fallback topic-extraction summary.
type SummaryStore interface {
	Summaries(ctx context.Context, sessionID string) ([]string, error)
}

// Compactor implements the two-stage compaction engine described in spec §4.2.
type Compactor struct {
	cfg     agentconfig.CompactionConfig
	summary SummaryStore
}

// NewCompactor constructs a Compactor. summary may be nil, in which case the
// fallback topic-extraction summary is always used.
func NewCompactor(cfg agentconfig.CompactionConfig, summary SummaryStore) *Compactor {
	return &Compactor{cfg: cfg, summary: summary}
}

// TruncateForTurn applies Stage 1: truncate oversized tool content and
// replace unprotected images with placeholders. protectedFrom is the
// absolute sequence of the oldest message in the protected window.
func (c *Compactor) TruncateForTurn(messages []Message, protectedFrom int) []Message {
	maxLen := c.cfg.MaxToolContentChars
	if maxLen <= 0 {
		maxLen = 500
	}
	out := make([]Message, len(messages))
	for i, msg := range messages {
		protected := msg.Sequence >= protectedFrom
		blocks := make([]ContentBlock, len(msg.Content))
		for j, b := range msg.Content {
			blocks[j] = c.truncateBlock(b, maxLen, protected)
		}
		msg.Content = blocks
		out[i] = msg
	}
	return out
}

func (c *Compactor) truncateBlock(b ContentBlock, maxLen int, protected bool) ContentBlock {
	if b.ToolUse != nil {
		tu := *b.ToolUse
		tu.Input = truncateAny(tu.Input, maxLen)
		b.ToolUse = &tu
	}
	if b.ToolResult != nil {
		tr := *b.ToolResult
		inner := make([]ContentBlock, len(tr.Content))
		for i, cb := range tr.Content {
			inner[i] = c.truncateBlock(cb, maxLen, protected)
		}
		tr.Content = inner
		b.ToolResult = &tr
	}
	if b.Image != nil && !protected {
		img := *b.Image
		b.Image = nil
		b.Unknown = map[string]any{
			"placeholder": fmt.Sprintf(placeholderImageFmt, img.Format, len(img.Bytes)),
		}
	}
	return b
}

func truncateAny(v any, maxLen int) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if len(s) <= maxLen {
		return v
	}
	return s[:maxLen]
}

// ProtectedWindowStart returns the absolute sequence of the oldest message
// in the protected window: the oldest of the last protectedTurns user-turn
// boundaries through the end of messages.
func ProtectedWindowStart(messages []Message, protectedTurns int) int {
	if protectedTurns <= 0 || len(messages) == 0 {
		if len(messages) == 0 {
			return 0
		}
		return messages[len(messages)-1].Sequence
	}
	boundaries := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser && !isToolResultMessage(messages[i]) {
			boundaries++
			if boundaries == protectedTurns {
				return messages[i].Sequence
			}
		}
	}
	return messages[0].Sequence
}

func isToolResultMessage(m Message) bool {
	if m.Role != RoleUser || len(m.Content) == 0 {
		return false
	}
	for _, b := range m.Content {
		if b.ToolResult == nil {
			return false
		}
	}
	return true
}

// MaybeCheckpoint implements Stage 2: after a turn, advance the checkpoint
// if input_tokens exceeds the threshold and a valid cutoff exists. On any
// error, the previous state is returned unchanged (compaction is
// best-effort).
func (c *Compactor) MaybeCheckpoint(ctx context.Context, sessionID string, state CompactionState, messages []Message, lastTurnInputTokens int) CompactionState {
	if !c.cfg.Enabled {
		return state
	}
	threshold := c.cfg.TokenThreshold
	if threshold <= 0 {
		threshold = 100000
	}
	if lastTurnInputTokens <= threshold {
		return state
	}

	cutoff, ok := c.findCutoff(messages, c.cfg.ProtectedTurns)
	if !ok {
		return state
	}
	if cutoff <= state.Checkpoint {
		return state
	}

	summary, err := c.buildSummary(ctx, sessionID, messages, cutoff)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("session_id", sessionID).Msg("compaction_summary_failed")
		return state
	}

	return CompactionState{
		Checkpoint:      cutoff,
		Summary:         summary,
		LastInputTokens: lastTurnInputTokens,
	}
}

// findCutoff locates the oldest protected turn boundary: a valid cutoff is
// a user-role message that is not a tool result. Returns false if fewer
// than protectedTurns+1 user turns exist.
func (c *Compactor) findCutoff(messages []Message, protectedTurns int) (int, bool) {
	var userTurns []int
	for _, m := range messages {
		if m.Role == RoleUser && !isToolResultMessage(m) {
			userTurns = append(userTurns, m.Sequence)
		}
	}
	if len(userTurns) <= protectedTurns {
		return 0, false
	}
	idx := len(userTurns) - protectedTurns
	if idx >= len(userTurns) {
		idx = len(userTurns) - 1
	}
	return userTurns[idx], true
}

func (c *Compactor) buildSummary(ctx context.Context, sessionID string, messages []Message, cutoff int) (string, error) {
	if c.summary != nil {
		parts, err := c.summary.Summaries(ctx, sessionID)
		if err == nil && len(parts) > 0 {
			return strings.Join(parts, "\n"), nil
		}
	}
	return fallbackSummary(messages, cutoff), nil
}

var markupRe = regexp.MustCompile(`<[^>]+>`)

// fallbackSummary extracts the first non-markup line of each discarded
// user message, truncated to 100 chars, capped at 10 topics.
func fallbackSummary(messages []Message, cutoff int) string {
	var lines []string
	for _, m := range messages {
		if m.Sequence >= cutoff {
			break
		}
		if m.Role != RoleUser || isToolResultMessage(m) {
			continue
		}
		text := firstText(m)
		text = markupRe.ReplaceAllString(text, "")
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if len(line) > 100 {
				line = line[:100]
			}
			lines = append(lines, "- User asked about: "+line)
			break
		}
		if len(lines) >= 10 {
			break
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "Previous conversation topics: " + strings.Join(lines, "\n")
}

func firstText(m Message) string {
	for _, b := range m.Content {
		if b.Text != nil {
			return b.Text.Text
		}
	}
	return ""
}

// WithSummaryPreamble wraps summary in the conversation_summary delimiters
// and prepends it to the first user message's text, per §4.2 Initialization.
func WithSummaryPreamble(messages []Message, summary string) []Message {
	if summary == "" || len(messages) == 0 {
		return messages
	}
	preamble := "<conversation_summary>" + summary + "</conversation_summary>\n\n"
	out := make([]Message, len(messages))
	copy(out, messages)
	for i, m := range out {
		if m.Role != RoleUser {
			continue
		}
		blocks := make([]ContentBlock, len(m.Content))
		copy(blocks, m.Content)
		injected := false
		for j, b := range blocks {
			if b.Text != nil {
				blocks[j] = ContentBlock{Text: &TextBlock{Text: preamble + b.Text.Text}}
				injected = true
				break
			}
		}
		if !injected {
			blocks = append([]ContentBlock{{Text: &TextBlock{Text: preamble}}}, blocks...)
		}
		m.Content = blocks
		out[i] = m
		break
	}
	return out
}
