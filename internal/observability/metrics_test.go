package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesCostingMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.Costing().LedgerEvent("RECEIPT", false)
	metrics.Costing().PostingAttempt("applied")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metrics.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	require.True(t, strings.Contains(body, `costing_ledger_events_total{flagged="false",kind="RECEIPT"} 1`), body)
	require.True(t, strings.Contains(body, `costing_posting_attempts_total{outcome="applied"} 1`), body)
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	implicit := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	implicit.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/other", nil))

	out := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(out, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := out.Body.String()
	require.Contains(t, body, `costing_http_requests_total{code="418",method="GET",route="/test"} 1`)
	require.Contains(t, body, `costing_http_requests_total{code="200",method="POST",route="unmatched"} 1`)
	require.Contains(t, body, "costing_http_requests_in_flight 0")
	require.Contains(t, body, "go_goroutines")
}

func TestNilCostingMetricsAreSafe(t *testing.T) {
	var m *CostingMetrics
	m.LedgerEvent("RECEIPT", true)
	m.RollupMismatch()
	m.PostingAttempt("failed")
	m.Allocation("value")
}
