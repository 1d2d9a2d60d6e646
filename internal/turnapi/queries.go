package turnapi

import (
	"encoding/json"
	"net/http"
	"time"

	"manifold/internal/costs"
	"manifold/internal/sessions"
)

// QueryServer exposes the read-only cost and session-history endpoints
// layered on top of the turn endpoint, kept as a separate type so a
// deployment that only wants the SSE turn endpoint isn't forced to wire an
// Aggregator and a Store just to construct a Server.
type QueryServer struct {
	store      sessions.Store
	aggregator *costs.Aggregator
	mux        *http.ServeMux
}

// NewQueryServer wires the read-only endpoints. aggregator may be nil, in
// which case the cost endpoints respond 503.
func NewQueryServer(store sessions.Store, aggregator *costs.Aggregator) *QueryServer {
	s := &QueryServer{store: store, aggregator: aggregator, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /api/v1/sessions/{sessionID}/messages", s.handleListMessages)
	s.mux.HandleFunc("GET /api/v1/sessions/{sessionID}", s.handleGetSession)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/cost-summary", s.handleUserCostSummary)
	s.mux.HandleFunc("GET /api/v1/costs/top-users", s.handleTopUsersByCost)
	s.mux.HandleFunc("GET /api/v1/costs/daily-trends", s.handleDailyTrends)
	s.mux.HandleFunc("GET /api/v1/costs/model-usage", s.handleModelUsage)
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *QueryServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *QueryServer) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("sessionID")
	limit := parseIntOrDefault(r.URL.Query().Get("limit"), 50)
	cursor := r.URL.Query().Get("cursor")
	result, err := s.store.ListMessages(ctx, sessionID, limit, cursor)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *QueryServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("sessionID")
	meta, err := s.store.GetSessionMeta(ctx, sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

func (s *QueryServer) handleUserCostSummary(w http.ResponseWriter, r *http.Request) {
	if s.aggregator == nil {
		http.Error(w, "cost aggregation not configured", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	userID := r.PathValue("userID")
	period := r.URL.Query().Get("period")
	if period == "" {
		period = time.Now().UTC().Format("2006-01")
	}
	summary, err := s.aggregator.UserCostSummary(ctx, userID, period)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *QueryServer) handleTopUsersByCost(w http.ResponseWriter, r *http.Request) {
	if s.aggregator == nil {
		http.Error(w, "cost aggregation not configured", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	period := r.URL.Query().Get("period")
	if period == "" {
		period = time.Now().UTC().Format("2006-01")
	}
	limit := parseIntOrDefault(r.URL.Query().Get("limit"), 10)
	users, err := s.aggregator.TopUsersByCost(ctx, period, limit, 0)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *QueryServer) handleDailyTrends(w http.ResponseWriter, r *http.Request) {
	if s.aggregator == nil {
		http.Error(w, "cost aggregation not configured", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")
	if start == "" || end == "" {
		http.Error(w, "start and end query params are required (YYYY-MM-DD)", http.StatusBadRequest)
		return
	}
	trends, err := s.aggregator.DailyTrends(ctx, start, end)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"trends": trends})
}

func (s *QueryServer) handleModelUsage(w http.ResponseWriter, r *http.Request) {
	if s.aggregator == nil {
		http.Error(w, "cost aggregation not configured", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	period := r.URL.Query().Get("period")
	if period == "" {
		period = time.Now().UTC().Format("2006-01")
	}
	usage, err := s.aggregator.ModelUsage(ctx, period)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"usage": usage})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
