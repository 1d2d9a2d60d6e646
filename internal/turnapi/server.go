// Package turnapi exposes the turn-execution pipeline over HTTP/SSE, per
// spec §6: one primary endpoint per turn, response content type
// text/event-stream, one frame per canonical event, terminated by `done`.
//
// It is this module's only HTTP boundary package: the teacher's
// internal/httpapi was removed in the tree-level trim (see DESIGN.md).
package turnapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"manifold/internal/observability"
	"manifold/internal/ragctx"
	"manifold/internal/sessions"
	"manifold/internal/streaming"
)

// Server exposes the turn-execution pipeline as an HTTP handler.
type Server struct {
	coordinator  *streaming.Coordinator
	rag          *ragctx.Service
	defaultAgent streaming.Agent
	mux          *http.ServeMux
}

// NewServer wires a Server around an already-constructed Coordinator.
// rag may be nil (no knowledge-base augmentation configured).
func NewServer(coordinator *streaming.Coordinator, rag *ragctx.Service, defaultAgent streaming.Agent) *Server {
	s := &Server{coordinator: coordinator, rag: rag, defaultAgent: defaultAgent, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /api/v1/turns", s.handleTurn)
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// turnRequest is the request body for POST /api/v1/turns.
type turnRequest struct {
	SessionID   string                 `json:"session_id"`
	UserID      string                 `json:"user_id"`
	AssistantID string                 `json:"assistant_id"`
	Message     string                 `json:"message"`
	Attachments []sessions.Attachment  `json:"attachments"`
	TopK        int                    `json:"top_k"`
	Model       string                 `json:"model,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.UserID == "" {
		http.Error(w, "session_id and user_id are required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	sink := sseSink(w, flusher, ctx)

	promptText := req.Message
	if s.rag != nil && req.AssistantID != "" {
		promptText = ragctx.SearchAndAugment(ctx, s.rag, req.AssistantID, req.Message, req.TopK, 2000)
	}

	agent := s.defaultAgent
	if req.Model != "" {
		agent.Model = req.Model
	}

	if err := s.coordinator.StreamResponse(ctx, agent, promptText, req.Attachments, req.SessionID, req.UserID, sink); err != nil {
		// StreamResponse reports turn failures to the client as `error` +
		// `done` frames and returns an error only when the session cannot be
		// opened, before any frame is written; in that case the client's 200
		// response ends with no frames and this log line records the failure.
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("session_id", req.SessionID).Msg("turn_stream_failed")
	}
}

// sseSink adapts a streaming.EventSink onto an http.ResponseWriter,
// formatting each canonical event as `event: <type>\ndata: <json>\n\n` per
// spec §6, flushing after every frame so clients see deltas as they land.
func sseSink(w http.ResponseWriter, flusher http.Flusher, ctx context.Context) streaming.EventSink {
	return func(ev streaming.Event) {
		payload, err := json.Marshal(ev.Data)
		if err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("event_type", string(ev.Type)).Msg("sse_encode_failed")
			return
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("sse_write_failed")
			return
		}
		flusher.Flush()
	}
}

// parseIntOrDefault is used by query-parameter paths elsewhere in this
// package's read-only cost/session query handlers.
func parseIntOrDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
