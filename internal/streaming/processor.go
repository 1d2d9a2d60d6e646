package streaming

import (
	"sync"
	"time"

	"manifold/internal/llm"
)

// EventSink receives canonical events as the processor produces them. The
// stream coordinator supplies one backed by the SSE response writer.
type EventSink func(Event)

// Processor converts the flattened llm.StreamHandler callbacks a provider
// adapter makes into the canonical event taxonomy in spec §4.3, including
// content-block index discipline and first-token timing. One Processor is
// reused across every model call within a turn; call StartMessage before
// each llm.Provider.ChatStream invocation.
//
// Processor implements llm.StreamHandler (plus the optional UsageReporter
// and StopReporter extensions), so it can be passed directly as the handler
// argument to any provider's ChatStream.
type Processor struct {
	mu sync.Mutex

	sink EventSink

	blockIndex   int
	openBlock    ContentBlockType
	openToolID   string
	openToolName string

	messageStartAt time.Time
	firstTokenAt   *time.Time

	pendingSignature string
	usage            Usage
}

// NewProcessor constructs a Processor that emits canonical events to sink.
func NewProcessor(sink EventSink) *Processor {
	return &Processor{sink: sink}
}

func (p *Processor) emit(t EventType, data map[string]any) {
	p.sink(newEvent(t, data))
}

// StartMessage begins a new assistant (or user) message: resets the
// content-block index to 0 and emits message_start.
func (p *Processor) StartMessage(role string) {
	p.mu.Lock()
	p.blockIndex = 0
	p.openBlock = ""
	p.openToolID = ""
	p.openToolName = ""
	p.messageStartAt = time.Now()
	p.firstTokenAt = nil
	p.usage = Usage{}
	p.mu.Unlock()

	p.emit(EventMessageStart, map[string]any{"role": role})
}

// markFirstToken records the wall-clock time of the first content delta,
// tool-use, or reasoning event, once per message.
func (p *Processor) markFirstToken() {
	if p.firstTokenAt == nil {
		t := time.Now()
		p.firstTokenAt = &t
	}
}

// FirstTokenMillis returns the elapsed time from message_start to the first
// token, or -1 if no token has arrived yet.
func (p *Processor) FirstTokenMillis() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.firstTokenAt == nil {
		return -1
	}
	return p.firstTokenAt.Sub(p.messageStartAt).Milliseconds()
}

// closeOpenBlockLocked emits content_block_stop for whatever block is open,
// if any. Caller must hold p.mu.
func (p *Processor) closeOpenBlockLocked() {
	if p.openBlock == "" {
		return
	}
	idx := p.blockIndex
	p.openBlock = ""
	p.openToolID = ""
	p.openToolName = ""
	p.blockIndex++
	p.mu.Unlock()
	p.emit(EventContentBlockStop, map[string]any{"contentBlockIndex": idx})
	p.mu.Lock()
}

func (p *Processor) openTextBlockLocked() int {
	idx := p.blockIndex
	p.openBlock = BlockText
	p.mu.Unlock()
	p.emit(EventContentBlockStart, map[string]any{"contentBlockIndex": idx, "type": string(BlockText)})
	p.mu.Lock()
	return idx
}

// OnDelta implements llm.StreamHandler. It opens a text block on first call
// (or after a different block type closed) and emits the incremental delta.
func (p *Processor) OnDelta(content string) {
	if content == "" {
		return
	}
	p.mu.Lock()
	p.markFirstToken()
	if p.openBlock != BlockText {
		p.closeOpenBlockLocked()
		p.openTextBlockLocked()
	}
	idx := p.blockIndex
	p.mu.Unlock()

	p.emit(EventContentBlockDelta, map[string]any{
		"contentBlockIndex": idx,
		"type":              string(BlockText),
		"text":              content,
	})
}

// OnToolCall implements llm.StreamHandler. Provider adapters in this module
// buffer tool-call argument fragments themselves and report the call once
// it is complete, so a tool-use block is opened, filled, and closed in one
// shot here, plus a tool_use rich-UX mirror event per spec §4.3.
func (p *Processor) OnToolCall(tc llm.ToolCall) {
	p.mu.Lock()
	p.markFirstToken()
	p.closeOpenBlockLocked()
	idx := p.blockIndex
	p.openBlock = BlockToolUse
	p.openToolID = tc.ID
	p.openToolName = tc.Name
	p.mu.Unlock()

	p.emit(EventContentBlockStart, map[string]any{
		"contentBlockIndex": idx,
		"type":              string(BlockToolUse),
		"toolUse":           map[string]any{"toolUseId": tc.ID, "name": tc.Name},
	})
	p.emit(EventContentBlockDelta, map[string]any{
		"contentBlockIndex": idx,
		"type":              string(BlockToolUse),
		"input":             tc.Args,
	})

	p.mu.Lock()
	p.closeOpenBlockLocked()
	p.mu.Unlock()

	p.emit(EventToolUse, map[string]any{
		"toolUseId": tc.ID,
		"name":      tc.Name,
		"input":     tc.Args,
	})
}

// OnImage implements llm.StreamHandler for inline image generations.
func (p *Processor) OnImage(img llm.GeneratedImage) {
	p.mu.Lock()
	p.markFirstToken()
	p.closeOpenBlockLocked()
	idx := p.blockIndex
	p.blockIndex++
	p.mu.Unlock()

	p.emit(EventContentBlockStart, map[string]any{"contentBlockIndex": idx, "type": "image"})
	p.emit(EventContentBlockDelta, map[string]any{
		"contentBlockIndex": idx,
		"type":              "image",
		"mimeType":          img.MIMEType,
		"sizeBytes":         len(img.Data),
	})
	p.emit(EventContentBlockStop, map[string]any{"contentBlockIndex": idx})
}

// OnThoughtSummary implements llm.StreamHandler, emitting a reasoning event.
// Any thought signature reported since the last reasoning event is attached
// and cleared.
func (p *Processor) OnThoughtSummary(summary string) {
	if summary == "" {
		return
	}
	p.mu.Lock()
	p.markFirstToken()
	sig := p.pendingSignature
	p.pendingSignature = ""
	p.mu.Unlock()

	data := map[string]any{"reasoningText": summary}
	if sig != "" {
		data["reasoning_signature"] = sig
	}
	p.emit(EventReasoning, data)
}

// OnThoughtSignature implements llm.StreamHandler. The signature is opaque
// and must be echoed back by the caller on the next turn; it is attached to
// the next reasoning event rather than emitted standalone.
func (p *Processor) OnThoughtSignature(signature string) {
	p.mu.Lock()
	p.pendingSignature = signature
	p.mu.Unlock()
}

// OnUsage implements the optional llm.UsageReporter extension. Usage is
// accumulated and forwarded as a metadata event; the coordinator attributes
// it to the currently-open assistant message.
func (p *Processor) OnUsage(u llm.Usage) {
	p.mu.Lock()
	wireUsage := toWireUsage(u)
	p.usage.Add(wireUsage)
	snapshot := p.usage
	p.mu.Unlock()

	p.emit(EventMetadata, map[string]any{"usage": snapshot})
}

// OnStop implements the optional llm.StopReporter extension: closes any
// still-open content block and emits message_stop.
func (p *Processor) OnStop(reason string) {
	p.mu.Lock()
	p.closeOpenBlockLocked()
	p.mu.Unlock()

	p.emit(EventMessageStop, map[string]any{"stopReason": normalizeStopReason(reason)})
}

// ToolResult emits the tool_result event for a completed tool execution. Its
// payload is the flat {toolUseId, content} pair; no user-role message
// wrapper or tool_result content block is emitted around it.
func (p *Processor) ToolResult(toolUseID, content string) {
	p.emit(EventToolResult, map[string]any{
		"toolUseId": toolUseID,
		"content":   content,
	})
}

// ToolError emits the tool_error event for a failed tool execution.
func (p *Processor) ToolError(toolUseID string, err error) {
	p.emit(EventToolError, map[string]any{
		"toolUseId": toolUseID,
		"error":     err.Error(),
	})
}

// CitationStart/CitationEnd bracket a citation reference inside a content
// block; sources and origin_tool_name are optional and only included when
// non-empty.
func (p *Processor) CitationStart(uuid, title, url string, sources []string, originToolName string) {
	data := map[string]any{"citation_uuid": uuid}
	if title != "" {
		data["title"] = title
	}
	if url != "" {
		data["url"] = url
	}
	if len(sources) > 0 {
		data["sources"] = sources
	}
	if originToolName != "" {
		data["origin_tool_name"] = originToolName
	}
	p.emit(EventCitationStart, data)
}

func (p *Processor) CitationEnd(uuid string) {
	p.emit(EventCitationEnd, map[string]any{"citation_uuid": uuid})
}

// MetadataSummary emits the once-per-turn metadata_summary event carrying
// accumulated totals and first-token timing.
func (p *Processor) MetadataSummary(usage Usage, firstTokenMs *int64, extra map[string]any) {
	data := map[string]any{"usage": usage}
	if firstTokenMs != nil {
		data["first_token_time"] = *firstTokenMs
	}
	for k, v := range extra {
		data[k] = v
	}
	p.emit(EventMetadataSummary, data)
}

// Done emits the terminal done sentinel.
func (p *Processor) Done() {
	p.emit(EventDone, nil)
}

// Error emits a canonical error event. recoverable tells the client whether
// retrying the same turn is sensible.
func (p *Processor) Error(err error, code string, recoverable bool) {
	data := map[string]any{
		"error":       err.Error(),
		"code":        code,
		"recoverable": recoverable,
	}
	p.emit(EventError, data)
}

// InitEventLoop / StartEventLoop emit the turn/model-call lifecycle markers.
func (p *Processor) InitEventLoop() { p.emit(EventInitEventLoop, nil) }
func (p *Processor) StartEventLoop() { p.emit(EventStartEventLoop, nil) }

func toWireUsage(u llm.Usage) Usage {
	out := Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
	cr, cw := u.CacheReadTokens, u.CacheWriteTokens
	out.CacheReadTokens = &cr
	out.CacheWriteTokens = &cw
	return out
}

// normalizeStopReason defends against a provider adapter reporting a raw,
// un-normalized reason; every adapter in this module already normalizes,
// but an unrecognized value degrades to "error" rather than reaching the
// client as an opaque string outside the canonical vocabulary.
func normalizeStopReason(reason string) string {
	switch StopReason(reason) {
	case StopEndTurn, StopToolUse, StopMaxTokens, StopError:
		return reason
	default:
		return string(StopError)
	}
}
