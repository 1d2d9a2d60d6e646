package turnapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"manifold/internal/costs"
	"manifold/internal/sessions"
)

func TestHandleGetSessionNotFoundReturns404(t *testing.T) {
	store := sessions.NewLocalStore(t.TempDir())
	qs := NewQueryServer(store, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/does-not-exist", nil)
	rec := httptest.NewRecorder()
	qs.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetSessionReturnsMeta(t *testing.T) {
	store := sessions.NewLocalStore(t.TempDir())
	_, err := store.Open(context.Background(), "sess-1", "user-1")
	require.NoError(t, err)
	require.NoError(t, store.UpdateSessionMeta(context.Background(), "sess-1", func(m *sessions.SessionMeta) {
		m.UserID = "user-1"
		m.Title = "test session"
	}))

	qs := NewQueryServer(store, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/sess-1", nil)
	rec := httptest.NewRecorder()
	qs.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "test session")
}

func TestHandleListMessagesEmptySession(t *testing.T) {
	store := sessions.NewLocalStore(t.TempDir())
	qs := NewQueryServer(store, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/sess-2/messages", nil)
	rec := httptest.NewRecorder()
	qs.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCostEndpointsRespond503WithoutAggregator(t *testing.T) {
	store := sessions.NewLocalStore(t.TempDir())
	qs := NewQueryServer(store, nil)

	for _, path := range []string{
		"/api/v1/users/u1/cost-summary",
		"/api/v1/costs/top-users",
		"/api/v1/costs/model-usage",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		qs.ServeHTTP(rec, req)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, "path %s", path)
	}
}

func TestHandleDailyTrendsRequiresStartAndEnd(t *testing.T) {
	store := sessions.NewLocalStore(t.TempDir())
	qs := NewQueryServer(store, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/costs/daily-trends", nil)
	rec := httptest.NewRecorder()
	qs.ServeHTTP(rec, req)

	// aggregator is nil, so this returns 503 before the start/end check runs.
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// With an aggregator configured, a request missing start/end is rejected
	// before any DynamoDB call is made.
	qs = NewQueryServer(store, &costs.Aggregator{})
	req = httptest.NewRequest(http.MethodGet, "/api/v1/costs/daily-trends", nil)
	rec = httptest.NewRecorder()
	qs.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
