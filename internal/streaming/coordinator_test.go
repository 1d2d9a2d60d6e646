package streaming

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"manifold/internal/agentconfig"
	"manifold/internal/llm"
	"manifold/internal/sessions"
)

// fakeProvider implements llm.Provider with a scripted sequence of
// ChatStream responses, one per call, so a test can drive a multi-turn
// tool-use loop deterministically.
type fakeProvider struct {
	turns []fakeTurn
	calls int
}

type fakeTurn struct {
	deltas    []string
	toolCalls []llm.ToolCall
	usage     llm.Usage
	stop      string
	err       error
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	return llm.Message{}, errors.New("not implemented")
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	idx := f.calls
	f.calls++
	if idx >= len(f.turns) {
		return errors.New("fakeProvider: no more scripted turns")
	}
	turn := f.turns[idx]
	if turn.err != nil {
		return turn.err
	}
	for _, d := range turn.deltas {
		h.OnDelta(d)
	}
	for _, tc := range turn.toolCalls {
		h.OnToolCall(tc)
	}
	llm.ReportUsage(h, turn.usage)
	llm.ReportStop(h, turn.stop)
	return nil
}

type fakePricing struct {
	snapshot sessions.PricingSnapshot
	err      error
}

func (p *fakePricing) Lookup(ctx context.Context, provider, modelID string) (sessions.PricingSnapshot, error) {
	if p.err != nil {
		return sessions.PricingSnapshot{}, p.err
	}
	return p.snapshot, nil
}

type fakeCostRecorder struct {
	records []CostRecord
}

func (r *fakeCostRecorder) RecordMessage(ctx context.Context, rec CostRecord) error {
	r.records = append(r.records, rec)
	return nil
}

type fakeToolExecutor struct {
	result  string
	isError bool
}

func (f *fakeToolExecutor) Execute(ctx context.Context, tc llm.ToolCall) (string, bool) {
	return f.result, f.isError
}

type fakeAuditor struct {
	events []TurnAuditEvent
}

func (a *fakeAuditor) Publish(ctx context.Context, evt TurnAuditEvent) {
	a.events = append(a.events, evt)
}

func newTestCompactor() *sessions.Compactor {
	return sessions.NewCompactor(agentconfig.CompactionConfig{Enabled: true, ProtectedTurns: 2, MaxToolContentChars: 500}, nil)
}

func TestStreamResponseSingleTurnNoTools(t *testing.T) {
	store := sessions.NewLocalStore(t.TempDir())
	provider := &fakeProvider{turns: []fakeTurn{
		{deltas: []string{"hello "}, usage: llm.Usage{InputTokens: 10, OutputTokens: 5}, stop: "end_turn"},
	}}
	pricing := &fakePricing{snapshot: sessions.PricingSnapshot{InputPricePerMtok: 3, OutputPricePerMtok: 15}}
	costs := &fakeCostRecorder{}
	auditor := &fakeAuditor{}

	coord := NewCoordinator(store, provider, newTestCompactor(), pricing, costs, auditor, nil, time.Minute, 2)
	agent := Agent{Model: "claude-sonnet-4", Provider: "anthropic", MaxToolIterations: 4}

	var events []Event
	sink := func(ev Event) { events = append(events, ev) }

	err := coord.StreamResponse(context.Background(), agent, "hi there", nil, "sess-1", "user-1", sink)
	require.NoError(t, err)

	var sawDone bool
	for _, ev := range events {
		if ev.Type == EventDone {
			sawDone = true
		}
	}
	require.True(t, sawDone)
	require.Len(t, costs.records, 1)
	require.Len(t, auditor.events, 1)
	require.Equal(t, "end_turn", auditor.events[0].StopReason)

	res, err := store.ListMessages(context.Background(), "sess-1", 0, "")
	require.NoError(t, err)
	// user prompt + assistant reply
	require.Len(t, res.Messages, 2)
}

func TestStreamResponseToolUseLoop(t *testing.T) {
	store := sessions.NewLocalStore(t.TempDir())
	provider := &fakeProvider{turns: []fakeTurn{
		{
			toolCalls: []llm.ToolCall{{ID: "t1", Name: "lookup", Args: []byte(`{"q":"x"}`)}},
			usage:     llm.Usage{InputTokens: 10, OutputTokens: 2},
			stop:      "tool_use",
		},
		{
			deltas: []string{"final answer"},
			usage:  llm.Usage{InputTokens: 12, OutputTokens: 4},
			stop:   "end_turn",
		},
	}}
	pricing := &fakePricing{snapshot: sessions.PricingSnapshot{InputPricePerMtok: 1, OutputPricePerMtok: 2}}
	costs := &fakeCostRecorder{}
	toolExec := &fakeToolExecutor{result: "tool result text"}

	coord := NewCoordinator(store, provider, newTestCompactor(), pricing, costs, nil, toolExec, time.Minute, 2)
	agent := Agent{Model: "m", Provider: "p", MaxToolIterations: 4}

	var events []Event
	sink := func(ev Event) { events = append(events, ev) }

	err := coord.StreamResponse(context.Background(), agent, "please look it up", nil, "sess-2", "user-1", sink)
	require.NoError(t, err)

	var sawToolUse bool
	for _, ev := range events {
		if ev.Type == EventToolUse {
			sawToolUse = true
		}
	}
	require.True(t, sawToolUse)
	// two assistant messages recorded means two cost records.
	require.Len(t, costs.records, 2)

	res, err := store.ListMessages(context.Background(), "sess-2", 0, "")
	require.NoError(t, err)
	// user prompt, assistant(tool_use), tool result, assistant(final) = 4
	require.Len(t, res.Messages, 4)
}

func TestStreamResponseStopsAtMaxToolIterations(t *testing.T) {
	store := sessions.NewLocalStore(t.TempDir())
	loopingTurn := fakeTurn{
		toolCalls: []llm.ToolCall{{ID: "t1", Name: "lookup"}},
		stop:      "tool_use",
	}
	provider := &fakeProvider{turns: []fakeTurn{loopingTurn, loopingTurn, loopingTurn}}
	toolExec := &fakeToolExecutor{result: "ok"}

	coord := NewCoordinator(store, provider, newTestCompactor(), nil, nil, nil, toolExec, time.Minute, 2)
	agent := Agent{Model: "m", Provider: "p", MaxToolIterations: 3}

	var events []Event
	sink := func(ev Event) { events = append(events, ev) }

	err := coord.StreamResponse(context.Background(), agent, "loop forever", nil, "sess-3", "user-1", sink)
	require.NoError(t, err)
	require.Equal(t, 3, provider.calls)
}

func TestStreamResponseProviderErrorEmitsConversationalError(t *testing.T) {
	store := sessions.NewLocalStore(t.TempDir())
	provider := &fakeProvider{turns: []fakeTurn{{err: errors.New("upstream exploded")}}}

	coord := NewCoordinator(store, provider, newTestCompactor(), nil, nil, nil, nil, time.Minute, 2)
	agent := Agent{Model: "m", Provider: "p"}

	var events []Event
	sink := func(ev Event) { events = append(events, ev) }

	err := coord.StreamResponse(context.Background(), agent, "trigger failure", nil, "sess-4", "user-1", sink)
	require.NoError(t, err)

	var sawError, sawDone bool
	for _, ev := range events {
		switch ev.Type {
		case EventError:
			sawError = true
		case EventDone:
			sawDone = true
		}
	}
	require.True(t, sawError)
	require.True(t, sawDone)

	res, err := store.ListMessages(context.Background(), "sess-4", 0, "")
	require.NoError(t, err)
	// user prompt + synthetic assistant error message, both persisted.
	require.Len(t, res.Messages, 2)
	require.Equal(t, sessions.RoleAssistant, res.Messages[1].Role)
}

func TestStreamResponseFirstTurnToleratesMissingSessionMeta(t *testing.T) {
	store := sessions.NewLocalStore(t.TempDir())
	provider := &fakeProvider{turns: []fakeTurn{
		{deltas: []string{"ok"}, stop: "end_turn"},
	}}

	coord := NewCoordinator(store, provider, newTestCompactor(), nil, nil, nil, nil, time.Minute, 2)
	agent := Agent{Model: "m", Provider: "p"}

	var sawStreamError bool
	sink := func(ev Event) {
		if ev.Type == EventError {
			sawStreamError = true
		}
	}

	// A session that has never had a turn streamed on it has no session
	// meta record yet; the very first turn must still succeed.
	err := coord.StreamResponse(context.Background(), agent, "first message ever", nil, "brand-new-session", "user-1", sink)
	require.NoError(t, err)
	require.False(t, sawStreamError)
}
