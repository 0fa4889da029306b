package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-ops/internal/breaker"
	"github.com/smedrec/smart-logs-ops/internal/config"
	"github.com/smedrec/smart-logs-ops/internal/metrics"
	"github.com/smedrec/smart-logs-ops/internal/model"
)

// MaintenanceService runs the periodic partition lifecycle cycle: provision
// upcoming partitions, sweep expired ones, analyze the layout. Stage failures
// are collected into the cycle report and never stop the scheduler.
type MaintenanceService struct {
	partitions *PartitionService
	statusCB   *breaker.CircuitBreaker
	metrics    *metrics.Metrics
	logger     *zap.Logger

	interval   time.Duration
	autoCreate bool
	autoDrop   bool

	// runMu serializes cycles so a manual trigger cannot overlap the ticker
	runMu sync.Mutex

	mu         sync.Mutex
	started    bool
	lastReport *model.MaintenanceReport

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMaintenanceService creates the maintenance scheduler. Analysis reads go
// through the catalog-status breaker from the registry.
func NewMaintenanceService(
	partitions *PartitionService,
	registry *breaker.Registry,
	cfg config.MaintenanceConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *MaintenanceService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}

	var statusCB *breaker.CircuitBreaker
	if registry != nil {
		statusCB = registry.Get("catalog-status")
	}

	return &MaintenanceService{
		partitions: partitions,
		statusCB:   statusCB,
		metrics:    m,
		logger:     logger,
		interval:   cfg.Interval,
		autoCreate: cfg.AutoCreatePartitions,
		autoDrop:   cfg.AutoDropPartitions,
		stopChan:   make(chan struct{}),
	}
}

// Start launches the background cycle loop. The first cycle runs one interval
// after Start; callers wanting an immediate cycle invoke RunOnce themselves.
func (s *MaintenanceService) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	s.logger.Info("Maintenance scheduler started",
		zap.Duration("interval", s.interval),
		zap.Bool("auto_create", s.autoCreate),
		zap.Bool("auto_drop", s.autoDrop))
}

// Stop halts the background loop and waits for an in-flight cycle to finish
func (s *MaintenanceService) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	s.logger.Info("Maintenance scheduler stopped")
}

// RunOnce executes one full maintenance cycle synchronously and returns its
// report. Cycles are serialized; a concurrent caller blocks until the running
// cycle finishes.
func (s *MaintenanceService) RunOnce(ctx context.Context) *model.MaintenanceReport {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	began := time.Now()
	report := &model.MaintenanceReport{StartedAt: began.UTC()}

	s.logger.Info("Maintenance cycle started")

	if s.autoCreate {
		ensure, err := s.partitions.CreateAuditLogPartitions(ctx, model.PartitionConfig{})
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("provision: %v", err))
			s.logger.Error("Partition provisioning stage failed", zap.Error(err))
		} else {
			report.Ensure = ensure
		}
	}

	if s.autoDrop {
		dropped, err := s.partitions.DropExpiredPartitions(ctx, 0)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("sweep: %v", err))
			s.logger.Error("Expired partition sweep stage failed", zap.Error(err))
		}
		report.Dropped = dropped
	}

	report.Analysis = s.analyze(ctx, report)

	report.FinishedAt = time.Now().UTC()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)

	status := "ok"
	if report.HasErrors() {
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.RecordMaintenanceRun(status, report.Duration.Seconds())
	}

	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()

	fields := []zap.Field{
		zap.Duration("duration", report.Duration),
		zap.Int("dropped", report.Dropped),
		zap.Int("errors", len(report.Errors)),
	}
	if report.Ensure != nil {
		fields = append(fields, zap.Int("created", len(report.Ensure.Created)))
	}
	s.logger.Info("Maintenance cycle finished", fields...)

	return report
}

// LastReport returns the most recent cycle report, or nil before the first
// cycle
func (s *MaintenanceService) LastReport() *model.MaintenanceReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport
}

func (s *MaintenanceService) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeCycle()
		case <-s.stopChan:
			return
		}
	}
}

// safeCycle bounds a cycle to one interval and keeps a panicking stage from
// killing the scheduler
func (s *MaintenanceService) safeCycle() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Maintenance cycle panicked", zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	s.RunOnce(ctx)
}

// analyze runs the layout analysis through the catalog-status breaker. A
// rejected call while the breaker is open is a skip, not a cycle error.
func (s *MaintenanceService) analyze(ctx context.Context, report *model.MaintenanceReport) *model.PartitionAnalysis {
	op := func(ctx context.Context) (interface{}, error) {
		return s.partitions.AnalyzePartitionPerformance(ctx)
	}

	var value interface{}
	var err error
	if s.statusCB != nil {
		value, err = s.statusCB.Execute(ctx, op)
	} else {
		value, err = op(ctx)
	}
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			s.logger.Warn("Partition analysis skipped, catalog breaker open")
			return nil
		}
		report.Errors = append(report.Errors, fmt.Sprintf("analysis: %v", err))
		s.logger.Error("Partition analysis stage failed", zap.Error(err))
		return nil
	}

	analysis := value.(*model.PartitionAnalysis)
	s.logger.Info("Partition layout analyzed",
		zap.Int("partitions", analysis.TotalPartitions),
		zap.Int64("total_records", analysis.TotalRecords),
		zap.Int64("total_size_bytes", analysis.TotalSizeBytes),
		zap.Int("recommendations", len(analysis.Recommendations)))

	return analysis
}
