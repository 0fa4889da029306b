// Package server provides the HTTP server for the ops API.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-ops/internal/breaker"
	"github.com/smedrec/smart-logs-ops/internal/config"
	apierrors "github.com/smedrec/smart-logs-ops/internal/errors"
	"github.com/smedrec/smart-logs-ops/internal/handler"
	"github.com/smedrec/smart-logs-ops/internal/health"
	"github.com/smedrec/smart-logs-ops/internal/middleware"
	"github.com/smedrec/smart-logs-ops/internal/service"
)

// Server is the ops HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	ops          *handler.OpsHandler
	healthCheck  *health.HealthChecker
	errorHandler *apierrors.Handler
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer assembles the router, handlers and the underlying http.Server.
func NewServer(
	cfg *config.Config,
	partitions *service.PartitionService,
	maintenance *service.MaintenanceService,
	admission *service.AdmissionService,
	registry *breaker.Registry,
	healthCheck *health.HealthChecker,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()
	errorHandler := apierrors.NewHandler(logger)
	ops := handler.NewOpsHandler(partitions, maintenance, admission, registry, errorHandler, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		router:       router,
		httpServer:   httpServer,
		ops:          ops,
		healthCheck:  healthCheck,
		errorHandler: errorHandler,
		logger:       logger,
		cfg:          cfg,
	}
}

// SetupRoutes registers the middleware stack and all API routes.
func (s *Server) SetupRoutes() {
	mws := []middleware.Middleware{
		middleware.RequestID,
		middleware.Recovery(s.logger),
		middleware.Logging(s.logger),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		mws = append(mws, middleware.Throttle(
			s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	s.router.Use(func(next http.Handler) http.Handler {
		return middleware.Chain(next, mws...)
	})

	// Health check endpoints
	s.router.HandleFunc("/health/live", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	// Prometheus metrics
	if s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, promhttp.Handler()).Methods(http.MethodGet)
	}

	// API v1 routes
	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Partition lifecycle
	v1.HandleFunc("/partitions", s.ops.ListPartitions).Methods(http.MethodGet)
	v1.HandleFunc("/partitions/analysis", s.ops.AnalyzePartitions).Methods(http.MethodGet)
	v1.HandleFunc("/partitions/maintenance", s.ops.RunMaintenance).Methods(http.MethodPost)

	// Circuit breakers
	v1.HandleFunc("/breakers", s.ops.ListBreakers).Methods(http.MethodGet)
	v1.HandleFunc("/breakers/reset", s.ops.ResetAllBreakers).Methods(http.MethodPost)
	v1.HandleFunc("/breakers/{name}/reset", s.ops.ResetBreaker).Methods(http.MethodPost)

	// Response cache
	v1.HandleFunc("/cache/summary", s.ops.CacheSummary).Methods(http.MethodGet)
	v1.HandleFunc("/cache/invalidate", s.ops.InvalidateCache).Methods(http.MethodPost)

	// Request queue
	v1.HandleFunc("/queue/stats", s.ops.QueueStats).Methods(http.MethodGet)

	// Router middleware does not run for unmatched routes, so the request ID
	// here is whatever the client sent, if anything.
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, apierrors.ErrorCodeNotFound,
			"endpoint not found", r.Header.Get("X-Request-ID"))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, apierrors.ErrorCodeInvalidRequest,
			"method not allowed", r.Header.Get("X-Request-ID"))
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		zap.String("address", s.httpServer.Addr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetHandler exposes the router, mainly for tests.
func (s *Server) GetHandler() http.Handler {
	return s.router
}
