package turnapi

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"manifold/internal/agentconfig"
	"manifold/internal/llm"
	"manifold/internal/sessions"
	"manifold/internal/streaming"
)

type fakeProvider struct {
	reply string
	err   error
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	return llm.Message{}, errors.New("not implemented")
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	if f.err != nil {
		return f.err
	}
	h.OnDelta(f.reply)
	llm.ReportStop(h, "end_turn")
	return nil
}

func newTestServer(t *testing.T, provider *fakeProvider) *Server {
	t.Helper()
	store := sessions.NewLocalStore(t.TempDir())
	compactor := sessions.NewCompactor(agentconfig.CompactionConfig{Enabled: true, ProtectedTurns: 2, MaxToolContentChars: 500}, nil)
	coordinator := streaming.NewCoordinator(store, provider, compactor, nil, nil, nil, nil, time.Minute, 2)
	agent := streaming.Agent{Model: "m", Provider: "p", MaxToolIterations: 4}
	return NewServer(coordinator, nil, agent)
}

func TestHandleTurnRejectsMissingSessionID(t *testing.T) {
	s := newTestServer(t, &fakeProvider{reply: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/turns", bytes.NewBufferString(`{"user_id":"u1"}`))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTurnRejectsInvalidJSON(t *testing.T) {
	s := newTestServer(t, &fakeProvider{reply: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/turns", bytes.NewBufferString(`not json`))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTurnStreamsSSEFrames(t *testing.T) {
	s := newTestServer(t, &fakeProvider{reply: "hello there"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/turns", bytes.NewBufferString(`{"session_id":"s1","user_id":"u1","message":"hi"}`))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	require.Contains(t, body, "event: content_block_delta")
	require.Contains(t, body, "event: done")
}

func TestParseIntOrDefault(t *testing.T) {
	require.Equal(t, 50, parseIntOrDefault("", 50))
	require.Equal(t, 10, parseIntOrDefault("10", 50))
	require.Equal(t, 50, parseIntOrDefault("not-a-number", 50))
}

func TestSSESinkFormatsEventFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := sseSink(rec, rec, context.Background())

	sink(streaming.Event{Type: streaming.EventDone, Data: map[string]any{}})
	require.True(t, strings.HasPrefix(rec.Body.String(), "event: done\ndata: {}\n\n"))
}
