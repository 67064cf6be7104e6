package audithttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-epp/internal/auditlog"
)

type stubQueryService struct {
	result      auditlog.Result
	err         error
	lastFilters auditlog.Filters
}

func (s *stubQueryService) Query(ctx context.Context, filters auditlog.Filters) (auditlog.Result, error) {
	s.lastFilters = filters
	return s.result, s.err
}

type stubStats struct {
	stats auditlog.Stats
}

func (s stubStats) Stats() auditlog.Stats { return s.stats }

func newAuditRouter(t *testing.T, service *stubQueryService, stats StatsProvider) http.Handler {
	t.Helper()
	handler := NewHandler(nil, service, stats)
	handler.now = func() time.Time { return time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC) }
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return r
}

func TestLogsParsesFilters(t *testing.T) {
	rows := []auditlog.Record{{ID: "a", ActorID: 7, Action: auditlog.ActionUpdate, EntityType: auditlog.EntityDelivery, EntityID: "12", Changes: json.RawMessage(`{"quantity":{"from":100,"to":80}}`)}}
	service := &stubQueryService{result: auditlog.Result{Rows: rows, Paging: auditlog.PagingInfo{Page: 2, PageSize: 10}}}
	router := newAuditRouter(t, service, nil)

	req := httptest.NewRequest(http.MethodGet, "/audit/logs?from=2024-03-01&to=2024-03-15&actor=7&entity_type=Delivery&action=update&page=2&page_size=10", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"entity_id":"12"`)
	require.Equal(t, int64(7), service.lastFilters.ActorID)
	require.Equal(t, auditlog.ActionUpdate, service.lastFilters.Action)
	require.Equal(t, "2024-03-01", service.lastFilters.From.Format("2006-01-02"))
	require.Equal(t, time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC), service.lastFilters.To)
	require.Equal(t, 2, service.lastFilters.Page)
}

func TestLogsDefaultRange(t *testing.T) {
	service := &stubQueryService{}
	router := newAuditRouter(t, service, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit/logs", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 7*24*time.Hour, service.lastFilters.To.Sub(service.lastFilters.From))
}

func TestLogsRejectsBadInput(t *testing.T) {
	router := newAuditRouter(t, &stubQueryService{}, nil)
	for _, target := range []string{
		"/audit/logs?from=yesterday",
		"/audit/logs?from=2024-03-10&to=2024-03-01",
		"/audit/logs?from=2020-01-01&to=2024-03-01",
		"/audit/logs?actor=abc",
		"/audit/logs?page=0",
	} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
}

func TestStatsEndpoint(t *testing.T) {
	stats := stubStats{stats: auditlog.Stats{QueueSize: 4, Processing: true, RateLimitedActors: 1, BatchSize: 50, BatchTimeout: "5s", MaxQueueSize: 1000, RateLimitPerMinute: 100}}
	router := newAuditRouter(t, &stubQueryService{}, stats)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit/stats", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body auditlog.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, stats.stats, body)
}
