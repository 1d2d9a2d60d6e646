package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"manifold/internal/llm"
	"manifold/internal/observability"
	"manifold/internal/sessions"
)

// Agent carries the per-turn model configuration the coordinator needs: the
// model id to call, the rendered system prompt, and the tool schemas to
// offer. Tool implementations themselves are out of scope for this module;
// ToolExecutor is the narrow seam a caller plugs its own tool runtime into.
type Agent struct {
	Model             string
	Provider          string
	SystemPrompt      string
	Tools             []llm.ToolSchema
	MaxToolIterations int
}

// ToolExecutor runs one tool call and returns its result content. A nil
// ToolExecutor on the coordinator is valid: a turn that requests a tool use
// with no executor configured simply stops after the tool_use block, same
// as a client that will resume the turn itself on a later request.
type ToolExecutor interface {
	Execute(ctx context.Context, tc llm.ToolCall) (content string, isError bool)
}

// PricingLookup resolves the cost-per-token snapshot for a model, frozen at
// emission time so historical costs never drift when prices change later.
type PricingLookup interface {
	Lookup(ctx context.Context, provider, modelID string) (sessions.PricingSnapshot, error)
}

// CostRecord is one message's billing line, handed to a CostRecorder after
// the turn's SSE stream has been acknowledged.
type CostRecord struct {
	UserID    string
	SessionID string
	MessageID string
	Provider  string
	ModelID   string
	Usage     llm.Usage
	Pricing   sessions.PricingSnapshot
	Cost      float64
	Timestamp time.Time
}

// CostRecorder persists one CostRecord into the rollup families described in
// spec §4.5. Failures are logged and swallowed by the coordinator; cost
// aggregation never blocks or fails a turn.
type CostRecorder interface {
	RecordMessage(ctx context.Context, rec CostRecord) error
}

// TurnAuditor receives a best-effort audit event once a turn's stream has
// completed. See internal/streaming/audit.go for the kafka-go-backed
// implementation; nil is valid and simply skips publishing.
type TurnAuditor interface {
	Publish(ctx context.Context, evt TurnAuditEvent)
}

// TurnAuditEvent is the payload published to the turn-audit topic.
type TurnAuditEvent struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Model           string    `json:"model"`
	Provider        string    `json:"provider"`
	StopReason      string    `json:"stop_reason"`
	TotalCost       float64   `json:"total_cost"`
	AssistantCount  int       `json:"assistant_message_count"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Coordinator runs one turn from prompt to persisted, aggregated, and
// acknowledged, per spec §4.4. It is safe to reuse across turns/sessions; it
// holds no per-session state between calls.
type Coordinator struct {
	store      sessions.Store
	provider   llm.Provider
	compactor  *sessions.Compactor
	pricing    PricingLookup
	costs      CostRecorder
	auditor    TurnAuditor
	toolExec   ToolExecutor
	timeout    time.Duration
	protectedTurns int
	attachments    *sessions.AttachmentStore
}

// SetAttachments wires an AttachmentStore for hydrating offloaded attachment
// bytes back into history before it's sent to the model. Optional: a nil
// store (the default) means history is returned as stored, with attachment
// references left unresolved for the caller to hydrate itself.
func (c *Coordinator) SetAttachments(store *sessions.AttachmentStore) {
	c.attachments = store
}

// NewCoordinator constructs a Coordinator. pricing, costs, auditor, and
// toolExec may all be nil; each degrades gracefully (no cost line, no
// audit publish, no tool loop) rather than failing the turn. protectedTurns
// mirrors agentconfig.CompactionConfig.ProtectedTurns; pass 0 for the
// spec's default of 2.
func NewCoordinator(store sessions.Store, provider llm.Provider, compactor *sessions.Compactor, pricing PricingLookup, costs CostRecorder, auditor TurnAuditor, toolExec ToolExecutor, timeout time.Duration, protectedTurns int) *Coordinator {
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	if protectedTurns <= 0 {
		protectedTurns = 2
	}
	return &Coordinator{
		store: store, provider: provider, compactor: compactor,
		pricing: pricing, costs: costs, auditor: auditor, toolExec: toolExec,
		timeout: timeout, protectedTurns: protectedTurns,
	}
}

type messageState struct {
	usage             llm.Usage
	startTime         time.Time
	firstTokenAtMs    int64 // -1 until set
	endTime           time.Time
	sequence          int
}

// StreamResponse runs steps 1-10 of spec §4.4, writing canonical SSE frames
// through sink as they're produced. The returned error is only non-nil for
// failures that occur before any frame could be written (e.g. opening the
// session); once the stream has begun, every failure is converted to the
// conversational error path and StreamResponse returns nil.
func (c *Coordinator) StreamResponse(ctx context.Context, agent Agent, promptText string, attachments []sessions.Attachment, sessionID, userID string, sink EventSink) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	log := observability.LoggerWithTrace(ctx)
	sess, err := c.store.Open(ctx, sessionID, userID)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if !sess.Cancelled() {
			if _, ferr := sess.Flush(ctx); ferr != nil {
				log.Warn().Err(ferr).Str("session_id", sessionID).Msg("turn_emergency_flush_failed")
			}
		}
	}()

	initialCount := sess.InitialMessageCount()
	streamStart := time.Now()

	proc := NewProcessor(sink)
	proc.InitEventLoop()

	promptBlocks := sessions.BuildPromptBlocks(promptText, attachments)
	userMsg := sessions.Message{Role: sessions.RoleUser, Content: promptBlocks, CreatedAt: time.Now()}
	if err := sess.Append(ctx, userMsg); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("turn_append_user_message_failed")
	}

	history, err := c.loadHistory(ctx, sess, sessionID)
	if err != nil {
		c.conversationalError(ctx, proc, sess, userMsg, err, "STREAM_ERROR", sessionID, log)
		return nil
	}

	maxIter := agent.MaxToolIterations
	if maxIter <= 0 {
		maxIter = 4
	}

	var states []*messageState
	var lastStop string
	messages := append(history, sessions.Message{Role: sessions.RoleUser, Content: promptBlocks})

	for iter := 0; iter < maxIter; iter++ {
		proc.StartEventLoop()
		proc.StartMessage("assistant")
		state := &messageState{startTime: time.Now(), firstTokenAtMs: -1}
		states = append(states, state)

		llmMsgs := toLLMMessages(agent.SystemPrompt, messages)

		var toolCalls []llm.ToolCall
		capture := &capturingHandler{Processor: proc, onToolCall: func(tc llm.ToolCall) { toolCalls = append(toolCalls, tc) }, onUsage: func(u llm.Usage) { state.usage.InputTokens += u.InputTokens; state.usage.OutputTokens += u.OutputTokens; state.usage.CacheReadTokens += u.CacheReadTokens; state.usage.CacheWriteTokens += u.CacheWriteTokens }, onStop: func(reason string) { lastStop = reason }}

		streamErr := c.provider.ChatStream(ctx, llmMsgs, agent.Tools, agent.Model, capture)
		state.endTime = time.Now()
		if ftm := proc.FirstTokenMillis(); ftm >= 0 {
			state.firstTokenAtMs = ftm
		}

		if streamErr != nil {
			c.conversationalError(ctx, proc, sess, userMsg, streamErr, "STREAM_ERROR", sessionID, log)
			return nil
		}

		c.emitMetadataForMessage(proc, state)

		assistantMsg := sessions.Message{Role: sessions.RoleAssistant, Content: assistantBlocksFrom(capture.text, toolCalls), CreatedAt: time.Now()}
		if err := sess.Append(ctx, assistantMsg); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("turn_append_assistant_message_failed")
		}
		messages = append(messages, assistantMsg)

		if len(toolCalls) == 0 || c.toolExec == nil {
			break
		}

		var resultBlocks []sessions.ContentBlock
		for _, tc := range toolCalls {
			content, isErr := c.toolExec.Execute(ctx, tc)
			if isErr {
				proc.ToolError(tc.ID, fmt.Errorf("%s", content))
			} else {
				proc.ToolResult(tc.ID, content)
			}
			resultBlocks = append(resultBlocks, sessions.ContentBlock{
				ToolResult: &sessions.ToolResultBlock{
					ToolUseID: tc.ID,
					Content:   []sessions.ContentBlock{{Text: &sessions.TextBlock{Text: content}}},
					IsError:   isErr,
				},
			})
		}
		toolMsg := sessions.Message{Role: sessions.RoleUser, Content: resultBlocks, CreatedAt: time.Now()}
		if err := sess.Append(ctx, toolMsg); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("turn_append_tool_result_failed")
		}
		messages = append(messages, toolMsg)

		if lastStop != string(StopToolUse) {
			break
		}
	}

	c.finishTurn(ctx, proc, sess, sessionID, userID, agent, initialCount, states, lastStop, streamStart, log)
	return nil
}

// loadHistory returns the session's existing messages with Stage-1
// compaction applied (oversized tool content truncated, unprotected images
// placeholdered) and the stored summary prepended, per spec §4.2.
func (c *Coordinator) loadHistory(ctx context.Context, sess sessions.Session, sessionID string) ([]sessions.Message, error) {
	res, err := c.store.ListMessages(ctx, sessionID, 0, "")
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	// GetSessionMeta is expected to fail the first time a session streams a
	// turn (no meta record has been written yet); its only use here is the
	// stored compaction summary, so a failure degrades to "no summary"
	// rather than failing the turn.
	meta, err := c.store.GetSessionMeta(ctx, sessionID)
	if err != nil {
		observability.LoggerWithTrace(ctx).Debug().Err(err).Str("session_id", sessionID).Msg("turn_session_meta_lookup_miss")
		meta = sessions.SessionMeta{}
	}
	messages := res.Messages
	if c.attachments != nil {
		for i := range messages {
			messages[i].Content = c.attachments.Hydrate(ctx, messages[i].Content)
		}
	}
	if c.compactor != nil {
		protectedFrom := sessions.ProtectedWindowStart(messages, c.protectedTurns)
		messages = c.compactor.TruncateForTurn(messages, protectedFrom)
		if meta.Compaction.Summary != "" {
			messages = sessions.WithSummaryPreamble(messages, meta.Compaction.Summary)
		}
	}
	return messages, nil
}

// emitMetadataForMessage computes time-to-first-byte per spec §4.4 step 4
// and emits the enriched metadata frame.
func (c *Coordinator) emitMetadataForMessage(proc *Processor, state *messageState) {
	ttft := state.firstTokenAtMs
	if ttft < 0 {
		ttft = state.endTime.Sub(state.startTime).Milliseconds()
	}
	providerLatency := state.endTime.Sub(state.startTime).Milliseconds()
	if ttft < 10 && providerLatency > 100 {
		ttft = int64(float64(providerLatency) * 0.30)
	}
	proc.emit(EventMetadata, map[string]any{
		"usage":   toWireUsage(state.usage),
		"metrics": map[string]any{"timeToFirstByteMs": ttft},
	})
}

// conversationalError implements spec §4.4 step 5 / §7: a human-readable
// assistant message is persisted alongside the triggering user message, an
// error SSE frame is emitted, then done.
func (c *Coordinator) conversationalError(ctx context.Context, proc *Processor, sess sessions.Session, userMsg sessions.Message, err error, code string, sessionID string, log *zerolog.Logger) {
	log.Error().Err(err).Str("session_id", sessionID).Str("code", code).Msg("turn_failed")
	text := "I ran into a problem completing that request. Please try again."
	assistantMsg := sessions.Message{
		Role:      sessions.RoleAssistant,
		Content:   []sessions.ContentBlock{{Text: &sessions.TextBlock{Text: text}}},
		CreatedAt: time.Now(),
	}
	if aerr := sess.Append(ctx, assistantMsg); aerr != nil {
		log.Warn().Err(aerr).Str("session_id", sessionID).Msg("turn_append_error_message_failed")
	}
	proc.emit(EventMessageStart, map[string]any{"role": "assistant"})
	proc.emit(EventContentBlockStart, map[string]any{"contentBlockIndex": 0, "type": string(BlockText)})
	proc.emit(EventContentBlockDelta, map[string]any{"contentBlockIndex": 0, "type": string(BlockText), "text": text})
	proc.emit(EventContentBlockStop, map[string]any{"contentBlockIndex": 0})
	proc.emit(EventMessageStop, map[string]any{"stopReason": string(StopError)})
	proc.Error(err, code, true)
	proc.Done()

	if _, ferr := sess.Flush(ctx); ferr != nil {
		log.Warn().Err(ferr).Str("session_id", sessionID).Msg("turn_error_flush_failed")
	}
}

// finishTurn implements spec §4.4 steps 6-10: final metadata_summary, flush,
// session-metadata update, parallel per-message metadata persistence,
// compaction hand-off, best-effort cost/audit publish.
func (c *Coordinator) finishTurn(ctx context.Context, proc *Processor, sess sessions.Session, sessionID, userID string, agent Agent, initialCount int, states []*messageState, lastStop string, streamStart time.Time, log *zerolog.Logger) {
	var total llm.Usage
	var firstTokenMs *int64
	for _, st := range states {
		total.InputTokens += st.usage.InputTokens
		total.OutputTokens += st.usage.OutputTokens
		total.CacheReadTokens += st.usage.CacheReadTokens
		total.CacheWriteTokens += st.usage.CacheWriteTokens
		if st.firstTokenAtMs >= 0 && firstTokenMs == nil {
			v := st.firstTokenAtMs
			firstTokenMs = &v
		}
	}

	var pricing sessions.PricingSnapshot
	var totalCost float64
	if c.pricing != nil {
		if p, err := c.pricing.Lookup(ctx, agent.Provider, agent.Model); err == nil {
			pricing = p
			totalCost = calculateCost(total, pricing)
		} else {
			log.Warn().Err(err).Str("model", agent.Model).Msg("turn_pricing_lookup_failed")
		}
	}

	proc.MetadataSummary(toWireUsage(total), firstTokenMs, map[string]any{"cost": totalCost})
	proc.emit(EventMetadata, map[string]any{"usage": toWireUsage(total)})
	proc.Done()

	lastSeq, err := sess.Flush(ctx)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("turn_flush_failed")
	}

	if err := c.store.UpdateSessionMeta(ctx, sessionID, func(m *sessions.SessionMeta) {
		m.UserID = userID
		m.LastMessageAt = time.Now()
		k := len(states)
		m.MessageCount = initialCount + 2*k
		if m.Preferences == nil {
			m.Preferences = &sessions.Preferences{}
		}
		m.Preferences.LastModel = agent.Model
		m.Preferences.SystemPromptHash = systemPromptDigest(agent.SystemPrompt)
	}); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("turn_update_session_meta_failed")
	}

	k := len(states)
	expectedFinal := initialCount + 2*k
	if lastSeq != nil && *lastSeq+1 != expectedFinal {
		log.Warn().Int("expected_final_count", expectedFinal).Int("last_sequence", *lastSeq).Str("session_id", sessionID).Msg("turn_structure_mismatch")
	}

	c.persistMessageMetadata(ctx, sessionID, userID, agent, initialCount, states, pricing, log)

	if c.compactor != nil {
		meta, merr := c.store.GetSessionMeta(ctx, sessionID)
		if merr == nil {
			history, herr := c.store.ListMessages(ctx, sessionID, 0, "")
			if herr == nil {
				newState := c.compactor.MaybeCheckpoint(ctx, sessionID, meta.Compaction, history.Messages, total.InputTokens+total.CacheReadTokens+total.CacheWriteTokens)
				if newState.Checkpoint != meta.Compaction.Checkpoint {
					if uerr := c.store.UpdateSessionMeta(ctx, sessionID, func(m *sessions.SessionMeta) { m.Compaction = newState }); uerr != nil {
						log.Warn().Err(uerr).Str("session_id", sessionID).Msg("turn_compaction_persist_failed")
					}
				}
			}
		}
	}

	if err := c.store.UpdateAfterTurn(ctx, sessionID, sessions.UpdateAfterTurnInput{
		InputTokens: total.InputTokens, CacheReadTokens: total.CacheReadTokens, CacheWriteTokens: total.CacheWriteTokens,
	}); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("turn_update_after_turn_failed")
	}

	if c.auditor != nil {
		c.auditor.Publish(ctx, TurnAuditEvent{
			SessionID: sessionID, UserID: userID, Model: agent.Model, Provider: agent.Provider,
			StopReason: normalizeStopReason(lastStop), TotalCost: totalCost,
			AssistantCount: len(states), CompletedAt: time.Now(),
		})
	}
}

// persistMessageMetadata runs spec §4.4 step 9: one task per assistant
// message, gather semantics (a failing write never cancels its siblings).
func (c *Coordinator) persistMessageMetadata(ctx context.Context, sessionID, userID string, agent Agent, initialCount int, states []*messageState, pricing sessions.PricingSnapshot, log *zerolog.Logger) {
	done := make(chan struct{}, len(states))
	for i, st := range states {
		i, st := i, st
		go func() {
			defer func() { done <- struct{}{} }()
			seq := initialCount + 2*(i+1) - 1
			messageID := sessions.MessageID(sessionID, seq)
			cost := calculateCost(st.usage, pricing)
			meta := sessions.MessageMetadata{
				TokenUsage: sessions.TokenUsage{Input: st.usage.InputTokens, Output: st.usage.OutputTokens, CacheRead: st.usage.CacheReadTokens, CacheWrite: st.usage.CacheWriteTokens},
				Latency:    sessions.Latency{TimeToFirstTokenMs: st.firstTokenAtMs, EndToEndMs: st.endTime.Sub(st.startTime).Milliseconds()},
				ModelInfo:  sessions.ModelInfo{ModelID: agent.Model, ModelName: agent.Model, Provider: agent.Provider, PricingSnapshot: pricing},
				Attribution: sessions.Attribution{UserID: userID, SessionID: sessionID, Timestamp: st.endTime},
				Cost:       cost,
			}
			if err := c.store.PutMessageMetadata(ctx, sessionID, messageID, meta); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Str("message_id", messageID).Msg("turn_put_message_metadata_failed")
			}
			if c.costs != nil {
				if err := c.costs.RecordMessage(ctx, CostRecord{
					UserID: userID, SessionID: sessionID, MessageID: messageID,
					Provider: agent.Provider, ModelID: agent.Model, Usage: llm.Usage{
						InputTokens: st.usage.InputTokens, OutputTokens: st.usage.OutputTokens,
						CacheReadTokens: st.usage.CacheReadTokens, CacheWriteTokens: st.usage.CacheWriteTokens,
					}, Pricing: pricing, Cost: cost, Timestamp: st.endTime,
				}); err != nil {
					log.Warn().Err(err).Str("session_id", sessionID).Str("message_id", messageID).Msg("turn_cost_record_failed")
				}
			}
		}()
	}
	for range states {
		<-done
	}
}

// calculateCost applies the linear per-token pricing model from spec §4.5
// scenario 3: cost = Σ tokens_i / 1e6 * price_i.
func calculateCost(u llm.Usage, p sessions.PricingSnapshot) float64 {
	cost := float64(u.InputTokens) / 1_000_000 * p.InputPricePerMtok
	cost += float64(u.OutputTokens) / 1_000_000 * p.OutputPricePerMtok
	cost += float64(u.CacheReadTokens) / 1_000_000 * p.CacheReadPricePerMtok
	cost += float64(u.CacheWriteTokens) / 1_000_000 * p.CacheWritePricePerMtok
	return cost
}

// capturingHandler wraps Processor to additionally accumulate assistant
// text and usage/stop for the coordinator's own bookkeeping, without
// duplicating the canonical-event emission Processor already does.
type capturingHandler struct {
	*Processor
	text       string
	onToolCall func(llm.ToolCall)
	onUsage    func(llm.Usage)
	onStop     func(string)
}

func (h *capturingHandler) OnDelta(content string) {
	h.text += content
	h.Processor.OnDelta(content)
}

func (h *capturingHandler) OnToolCall(tc llm.ToolCall) {
	h.onToolCall(tc)
	h.Processor.OnToolCall(tc)
}

func (h *capturingHandler) OnUsage(u llm.Usage) {
	h.onUsage(u)
	h.Processor.OnUsage(u)
}

func (h *capturingHandler) OnStop(reason string) {
	h.onStop(reason)
	h.Processor.OnStop(reason)
}

func assistantBlocksFrom(text string, toolCalls []llm.ToolCall) []sessions.ContentBlock {
	var blocks []sessions.ContentBlock
	if text != "" {
		blocks = append(blocks, sessions.ContentBlock{Text: &sessions.TextBlock{Text: text}})
	}
	for _, tc := range toolCalls {
		var input any
		if len(tc.Args) > 0 {
			_ = json.Unmarshal(tc.Args, &input)
		}
		blocks = append(blocks, sessions.ContentBlock{ToolUse: &sessions.ToolUseBlock{ToolUseID: tc.ID, Name: tc.Name, Input: input}})
	}
	return blocks
}

func toLLMMessages(systemPrompt string, msgs []sessions.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, llm.Message{Role: "system", Content: systemPrompt})
	}
	for _, m := range msgs {
		out = append(out, toLLMMessage(m))
	}
	return out
}

func toLLMMessage(m sessions.Message) llm.Message {
	role := string(m.Role)
	var text string
	var toolCalls []llm.ToolCall
	var toolID string
	for _, b := range m.Content {
		switch {
		case b.Text != nil:
			text += b.Text.Text
		case b.ToolUse != nil:
			args, _ := json.Marshal(b.ToolUse.Input)
			toolCalls = append(toolCalls, llm.ToolCall{ID: b.ToolUse.ToolUseID, Name: b.ToolUse.Name, Args: args})
		case b.ToolResult != nil:
			role = "tool"
			toolID = b.ToolResult.ToolUseID
			for _, inner := range b.ToolResult.Content {
				if inner.Text != nil {
					text += inner.Text.Text
				}
			}
		}
	}
	return llm.Message{Role: role, Content: text, ToolID: toolID, ToolCalls: toolCalls}
}

func systemPromptDigest(prompt string) string {
	const digestLen = 16
	h := fnvHash(prompt)
	s := fmt.Sprintf("%016x", h)
	if len(s) > digestLen {
		s = s[:digestLen]
	}
	return s
}

func fnvHash(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	var h uint64 = offset64
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
