// Package handler provides HTTP request handlers for the ops API.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-ops/internal/breaker"
	apierrors "github.com/smedrec/smart-logs-ops/internal/errors"
	"github.com/smedrec/smart-logs-ops/internal/middleware"
	"github.com/smedrec/smart-logs-ops/internal/model"
	"github.com/smedrec/smart-logs-ops/internal/service"
	"github.com/smedrec/smart-logs-ops/internal/util/requestqueue"
)

const (
	queryTimeout = 30 * time.Second
	// Bulk DDL can be slow on large catalogs.
	maintenanceTimeout = 5 * time.Minute
)

// OpsHandler contains all HTTP handlers and their dependencies.
type OpsHandler struct {
	partitions   *service.PartitionService
	maintenance  *service.MaintenanceService
	admission    *service.AdmissionService
	registry     *breaker.Registry
	errorHandler *apierrors.Handler
	logger       *zap.Logger
}

// NewOpsHandler creates a new OpsHandler instance.
func NewOpsHandler(
	partitions *service.PartitionService,
	maintenance *service.MaintenanceService,
	admission *service.AdmissionService,
	registry *breaker.Registry,
	errorHandler *apierrors.Handler,
	logger *zap.Logger,
) *OpsHandler {
	return &OpsHandler{
		partitions:   partitions,
		maintenance:  maintenance,
		admission:    admission,
		registry:     registry,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

type partitionListResponse struct {
	Status         string                  `json:"status"`
	Partitions     []model.PartitionStatus `json:"partitions"`
	Total          int                     `json:"total"`
	Limit          int                     `json:"limit"`
	Offset         int                     `json:"offset"`
	HasNext        bool                    `json:"has_next"`
	HasPrevious    bool                    `json:"has_previous"`
	NextCursor     string                  `json:"next_cursor,omitempty"`
	PreviousCursor string                  `json:"previous_cursor,omitempty"`
}

type partitionAnalysisResponse struct {
	Status   string                   `json:"status"`
	Analysis *model.PartitionAnalysis `json:"analysis"`
}

type maintenanceRunResponse struct {
	Status string                   `json:"status"`
	Report *model.MaintenanceReport `json:"report"`
}

type breakersResponse struct {
	Status   string                    `json:"status"`
	Breakers map[string]breaker.Status `json:"breakers"`
}

type breakerResetResponse struct {
	Status string `json:"status"`
	Name   string `json:"name,omitempty"`
	Reset  int    `json:"reset"`
}

type cacheSummaryResponse struct {
	Status string                 `json:"status"`
	Config map[string]interface{} `json:"config"`
	Stats  service.CacheStats     `json:"stats"`
}

type cacheInvalidateRequest struct {
	Pattern string `json:"pattern"`
}

type cacheInvalidateResponse struct {
	Status  string `json:"status"`
	Pattern string `json:"pattern"`
	Removed int    `json:"removed"`
}

type queueStatsResponse struct {
	Status            string             `json:"status"`
	Queue             requestqueue.Stats `json:"queue"`
	QueueUtilization  float64            `json:"queue_utilization"`
	WorkerUtilization float64            `json:"worker_utilization"`
	SuccessRate       float64            `json:"success_rate"`
}

// ListPartitions handles GET /v1/partitions requests.
func (h *OpsHandler) ListPartitions(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	pageReq, err := pageRequestFromQuery(r)
	if err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	statuses, err := h.partitions.GetPartitionStatus(ctx)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	page, err := service.Paginate(statuses, pageReq)
	if err != nil {
		h.errorHandler.WriteValidationError(w, "invalid cursor", requestID)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, partitionListResponse{
		Status:         "success",
		Partitions:     page.Items,
		Total:          page.Total,
		Limit:          page.Limit,
		Offset:         page.Offset,
		HasNext:        page.HasNext,
		HasPrevious:    page.HasPrevious,
		NextCursor:     page.NextCursor,
		PreviousCursor: page.PreviousCursor,
	})
}

// AnalyzePartitions handles GET /v1/partitions/analysis requests.
func (h *OpsHandler) AnalyzePartitions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	analysis, err := h.partitions.AnalyzePartitionPerformance(ctx)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, partitionAnalysisResponse{
		Status:   "success",
		Analysis: analysis,
	})
}

// RunMaintenance handles POST /v1/partitions/maintenance requests.
func (h *OpsHandler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), maintenanceTimeout)
	defer cancel()

	h.logger.Info("Maintenance run requested", zap.String("request_id", requestID))

	report := h.maintenance.RunOnce(ctx)

	h.writeJSONResponse(w, http.StatusOK, maintenanceRunResponse{
		Status: "success",
		Report: report,
	})
}

// ListBreakers handles GET /v1/breakers requests.
func (h *OpsHandler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, breakersResponse{
		Status:   "success",
		Breakers: h.registry.Status(),
	})
}

// ResetBreaker handles POST /v1/breakers/{name}/reset requests.
func (h *OpsHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	name := mux.Vars(r)["name"]

	if !h.registry.Reset(name) {
		h.errorHandler.WriteNotFound(w, fmt.Sprintf("unknown circuit breaker %q", name), requestID)
		return
	}

	h.logger.Info("Circuit breaker reset", zap.String("breaker", name), zap.String("request_id", requestID))

	h.writeJSONResponse(w, http.StatusOK, breakerResetResponse{
		Status: "success",
		Name:   name,
		Reset:  1,
	})
}

// ResetAllBreakers handles POST /v1/breakers/reset requests.
func (h *OpsHandler) ResetAllBreakers(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	reset := h.registry.ResetAll()

	h.logger.Info("All circuit breakers reset", zap.Int("count", reset), zap.String("request_id", requestID))

	h.writeJSONResponse(w, http.StatusOK, breakerResetResponse{
		Status: "success",
		Reset:  reset,
	})
}

// CacheSummary handles GET /v1/cache/summary requests.
func (h *OpsHandler) CacheSummary(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, cacheSummaryResponse{
		Status: "success",
		Config: h.admission.CacheConfigSummary(),
		Stats:  h.admission.CacheStats(),
	})
}

// InvalidateCache handles POST /v1/cache/invalidate requests.
func (h *OpsHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var req cacheInvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorHandler.WriteValidationError(w, "invalid request body", requestID)
		return
	}
	if req.Pattern == "" {
		h.errorHandler.WriteValidationError(w, "pattern is required", requestID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	removed, err := h.admission.InvalidateCache(ctx, req.Pattern)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, cacheInvalidateResponse{
		Status:  "success",
		Pattern: req.Pattern,
		Removed: removed,
	})
}

// QueueStats handles GET /v1/queue/stats requests.
func (h *OpsHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats := h.admission.QueueStats()

	h.writeJSONResponse(w, http.StatusOK, queueStatsResponse{
		Status:            "success",
		Queue:             stats,
		QueueUtilization:  stats.QueueUtilization(),
		WorkerUtilization: stats.WorkerUtilization(),
		SuccessRate:       stats.SuccessRate(),
	})
}

// pageRequestFromQuery parses limit, offset and cursor query parameters.
func pageRequestFromQuery(r *http.Request) (service.PageRequest, error) {
	q := r.URL.Query()
	req := service.PageRequest{Cursor: q.Get("cursor")}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return service.PageRequest{}, fmt.Errorf("invalid limit parameter %q", raw)
		}
		req.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return service.PageRequest{}, fmt.Errorf("invalid offset parameter %q", raw)
		}
		req.Offset = offset
	}
	return req, nil
}

func (h *OpsHandler) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}
