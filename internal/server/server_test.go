package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-ops/internal/breaker"
	"github.com/smedrec/smart-logs-ops/internal/config"
	"github.com/smedrec/smart-logs-ops/internal/health"
	"github.com/smedrec/smart-logs-ops/internal/lock"
	"github.com/smedrec/smart-logs-ops/internal/model"
	"github.com/smedrec/smart-logs-ops/internal/service"
	"github.com/smedrec/smart-logs-ops/internal/store"
)

// MockCatalog is a mock implementation of store.Catalog
type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) Exec(ctx context.Context, sql string, args ...interface{}) error {
	callArgs := m.Called(ctx, sql, args)
	return callArgs.Error(0)
}

func (m *MockCatalog) TableExists(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}

func (m *MockCatalog) CreateRangePartition(ctx context.Context, parent, name string, start, end time.Time) error {
	args := m.Called(ctx, parent, name, start, end)
	return args.Error(0)
}

func (m *MockCatalog) CreateParentTable(ctx context.Context, parent string) error {
	args := m.Called(ctx, parent)
	return args.Error(0)
}

func (m *MockCatalog) DropTable(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockCatalog) CreateIndex(ctx context.Context, table, name, definition string) error {
	args := m.Called(ctx, table, name, definition)
	return args.Error(0)
}

func (m *MockCatalog) ListPartitions(ctx context.Context, parent string) ([]model.PartitionInfo, error) {
	args := m.Called(ctx, parent)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PartitionInfo), args.Error(1)
}

func (m *MockCatalog) PartitionStats(ctx context.Context, name string) (*model.PartitionStats, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PartitionStats), args.Error(1)
}

func (m *MockCatalog) RowCount(ctx context.Context, name string) (int64, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCatalog) FetchRows(ctx context.Context, name string, offset, limit int) ([]map[string]interface{}, error) {
	args := m.Called(ctx, name, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]map[string]interface{}), args.Error(1)
}

func (m *MockCatalog) Analyze(ctx context.Context, table string) error {
	args := m.Called(ctx, table)
	return args.Error(0)
}

func (m *MockCatalog) Reindex(ctx context.Context, table string) error {
	args := m.Called(ctx, table)
	return args.Error(0)
}

func (m *MockCatalog) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockCatalog) Close() {
	m.Called()
}

func newTestServer(t *testing.T, catalog *MockCatalog) (*Server, store.KVStore) {
	t.Helper()
	logger := zap.NewNop()

	kv := store.NewMemoryStore(logger)
	t.Cleanup(func() { kv.Close() })

	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Server.RateLimitRPS = 0
	cfg.Queue.EnableRequestQueue = false
	cfg.Maintenance.AutoCreatePartitions = false
	cfg.Maintenance.AutoDropPartitions = false

	locks := lock.NewManager(kv, "test:lock:", logger)
	registry := breaker.NewRegistry(breaker.Config{FailureThreshold: 3}, logger, nil)

	partitions := service.NewPartitionService(catalog, kv, locks, nil, cfg.Partitions, nil, logger)
	maintenance := service.NewMaintenanceService(partitions, registry, cfg.Maintenance, nil, logger)
	cache := service.NewResponseCache(kv, nil, cfg.Cache, nil, logger)
	admission := service.NewAdmissionService(cache, nil, cfg.Queue, nil, logger)
	healthChecker := health.NewHealthChecker(kv, catalog, logger)

	srv := NewServer(cfg, partitions, maintenance, admission, registry, healthChecker, logger)
	srv.SetupRoutes()
	return srv, kv
}

func doRequest(srv *Server, method, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	srv.GetHandler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestListPartitionsEndpoint(t *testing.T) {
	catalog := new(MockCatalog)
	infos := []model.PartitionInfo{
		{Table: "audit_log", Name: "audit_log_2026_01",
			RangeStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			RangeEnd:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
		{Table: "audit_log", Name: "audit_log_2026_02",
			RangeStart: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			RangeEnd:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	catalog.On("ListPartitions", mock.Anything, "audit_log").Return(infos, nil)
	catalog.On("PartitionStats", mock.Anything, mock.Anything).
		Return(&model.PartitionStats{LiveRows: 10, TotalBytes: 4096}, nil)

	srv, _ := newTestServer(t, catalog)
	rec := doRequest(srv, http.MethodGet, "/v1/partitions", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	require.Len(t, body["partitions"], 2)
	assert.Equal(t, float64(2), body["total"])

	first := body["partitions"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, true, first["healthy"])
	assert.Equal(t, float64(10), first["record_count"])
}

func TestListPartitionsPagination(t *testing.T) {
	catalog := new(MockCatalog)
	infos := make([]model.PartitionInfo, 5)
	for i := range infos {
		infos[i] = model.PartitionInfo{
			Table:      "audit_log",
			Name:       fmt.Sprintf("audit_log_2026_%02d", i+1),
			RangeStart: time.Date(2026, time.Month(i+1), 1, 0, 0, 0, 0, time.UTC),
			RangeEnd:   time.Date(2026, time.Month(i+2), 1, 0, 0, 0, 0, time.UTC),
		}
	}
	catalog.On("ListPartitions", mock.Anything, "audit_log").Return(infos, nil)
	catalog.On("PartitionStats", mock.Anything, mock.Anything).
		Return(&model.PartitionStats{}, nil)

	srv, _ := newTestServer(t, catalog)
	rec := doRequest(srv, http.MethodGet, "/v1/partitions?limit=2&offset=2", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["partitions"], 2)
	assert.Equal(t, true, body["has_next"])
	assert.Equal(t, true, body["has_previous"])
	assert.NotEmpty(t, body["next_cursor"])
}

func TestListPartitionsRejectsBadLimit(t *testing.T) {
	srv, _ := newTestServer(t, new(MockCatalog))
	rec := doRequest(srv, http.MethodGet, "/v1/partitions?limit=abc", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "INVALID_REQUEST", body["error_code"])
}

func TestAnalysisEndpointMapsCatalogError(t *testing.T) {
	catalog := new(MockCatalog)
	catalog.On("ListPartitions", mock.Anything, "audit_log").
		Return(nil, errors.New("connection refused"))

	srv, _ := newTestServer(t, catalog)
	rec := doRequest(srv, http.MethodGet, "/v1/partitions/analysis", nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "INTERNAL_ERROR", body["error_code"])
}

func TestMaintenanceEndpointReturnsReport(t *testing.T) {
	catalog := new(MockCatalog)
	catalog.On("ListPartitions", mock.Anything, "audit_log").
		Return([]model.PartitionInfo{}, nil)

	srv, _ := newTestServer(t, catalog)
	rec := doRequest(srv, http.MethodPost, "/v1/partitions/maintenance", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])

	report, ok := body["report"].(map[string]interface{})
	require.True(t, ok)
	assert.NotNil(t, report["analysis"])
	assert.Nil(t, report["errors"])
}

func TestBreakerEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, new(MockCatalog))

	rec := doRequest(srv, http.MethodGet, "/v1/breakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	breakers, ok := body["breakers"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, breakers, "catalog-status")

	rec = doRequest(srv, http.MethodPost, "/v1/breakers/catalog-status/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/v1/breakers/nope/reset", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "NOT_FOUND", body["error_code"])

	rec = doRequest(srv, http.MethodPost, "/v1/breakers/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.GreaterOrEqual(t, body["reset"], float64(1))
}

func TestCacheEndpoints(t *testing.T) {
	srv, kv := newTestServer(t, new(MockCatalog))
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "smartlogs:cache:report:1", []byte("a"), 0))
	require.NoError(t, kv.Set(ctx, "smartlogs:cache:report:2", []byte("b"), 0))
	require.NoError(t, kv.Set(ctx, "smartlogs:cache:session:1", []byte("c"), 0))

	rec := doRequest(srv, http.MethodGet, "/v1/cache/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	cfg, ok := body["config"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, cfg["enabled"])

	rec = doRequest(srv, http.MethodPost, "/v1/cache/invalidate",
		bytes.NewBufferString(`{"pattern":"report:*"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(2), body["removed"])

	rec = doRequest(srv, http.MethodPost, "/v1/cache/invalidate",
		bytes.NewBufferString(`{}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/v1/cache/invalidate",
		bytes.NewBufferString(`not json`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, new(MockCatalog))

	rec := doRequest(srv, http.MethodGet, "/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	queue, ok := body["queue"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(0), queue["submitted"])
}

func TestHealthEndpoints(t *testing.T) {
	catalog := new(MockCatalog)
	catalog.On("Ping", mock.Anything).Return(nil)

	srv, _ := newTestServer(t, catalog)

	rec := doRequest(srv, http.MethodGet, "/health/live", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "alive", body["status"])

	rec = doRequest(srv, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "ready", body["status"])
}

func TestReadinessFailsWhenCatalogDown(t *testing.T) {
	catalog := new(MockCatalog)
	catalog.On("Ping", mock.Anything).Return(errors.New("connection refused"))

	srv, _ := newTestServer(t, catalog)
	rec := doRequest(srv, http.MethodGet, "/health/ready", nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "not_ready", body["status"])
}

func TestUnknownRouteReturnsEnvelope(t *testing.T) {
	srv, _ := newTestServer(t, new(MockCatalog))

	rec := doRequest(srv, http.MethodGet, "/v1/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "NOT_FOUND", body["error_code"])
}

func TestMethodNotAllowedReturnsEnvelope(t *testing.T) {
	srv, _ := newTestServer(t, new(MockCatalog))

	rec := doRequest(srv, http.MethodDelete, "/v1/partitions", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "INVALID_REQUEST", body["error_code"])
}

func TestRateLimitRejectsBurst(t *testing.T) {
	catalog := new(MockCatalog)
	logger := zap.NewNop()

	kv := store.NewMemoryStore(logger)
	t.Cleanup(func() { kv.Close() })

	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Server.RateLimitRPS = 1
	cfg.Server.RateLimitBurst = 1
	cfg.Queue.EnableRequestQueue = false

	locks := lock.NewManager(kv, "test:lock:", logger)
	registry := breaker.NewRegistry(breaker.Config{}, logger, nil)
	partitions := service.NewPartitionService(catalog, kv, locks, nil, cfg.Partitions, nil, logger)
	maintenance := service.NewMaintenanceService(partitions, registry, cfg.Maintenance, nil, logger)
	cache := service.NewResponseCache(kv, nil, cfg.Cache, nil, logger)
	admission := service.NewAdmissionService(cache, nil, cfg.Queue, nil, logger)
	healthChecker := health.NewHealthChecker(kv, catalog, logger)

	srv := NewServer(cfg, partitions, maintenance, admission, registry, healthChecker, logger)
	srv.SetupRoutes()

	rec := doRequest(srv, http.MethodGet, "/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/v1/queue/stats", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "RATE_LIMITED", body["error_code"])
}
