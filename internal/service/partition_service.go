package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/smedrec/smart-logs-ops/internal/config"
	"github.com/smedrec/smart-logs-ops/internal/lock"
	"github.com/smedrec/smart-logs-ops/internal/metrics"
	"github.com/smedrec/smart-logs-ops/internal/model"
	"github.com/smedrec/smart-logs-ops/internal/store"
)

// metaKeyPrefix namespaces partition metadata records in the KV store
const metaKeyPrefix = "smartlogs:partition:"

// auditIndexes is the index set attached to every new partition. The GIN
// index serves containment queries on the JSONB details column.
var auditIndexes = []struct {
	suffix     string
	definition string
}{
	{"occurred_at_idx", "(occurred_at)"},
	{"actor_id_idx", "(actor_id)"},
	{"action_idx", "(action)"},
	{"actor_time_idx", "(actor_id, occurred_at)"},
	{"resource_idx", "(resource_type, resource_id)"},
	{"details_gin_idx", "USING GIN (details)"},
}

type createOutcome int

const (
	outcomeCreated createOutcome = iota
	outcomeExisted
	outcomeLockHeld
)

// PartitionService keeps the time-partitioned audit table aligned with the
// retention and lookahead policy. Every mutating operation is serialized
// across processes with a distributed lock; losing a lock race is a normal
// skip, not an error.
type PartitionService struct {
	catalog  store.Catalog
	kv       store.KVStore
	locks    *lock.Manager
	archiver Archiver
	metrics  *metrics.Metrics
	logger   *zap.Logger

	table           string
	interval        model.PartitionInterval
	retentionDays   int
	lookaheadMonths int
	lockTTL         time.Duration
	safetyWindow    time.Duration
	ddlLimiter      *rate.Limiter
}

// NewPartitionService creates a partition service
func NewPartitionService(
	catalog store.Catalog,
	kv store.KVStore,
	locks *lock.Manager,
	archiver Archiver,
	cfg config.PartitionsConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *PartitionService {
	if archiver == nil {
		archiver = NoopArchiver{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lock.DefaultTTL
	}
	if cfg.SafetyWindow <= 0 {
		cfg.SafetyWindow = 24 * time.Hour
	}
	if cfg.LookaheadMonths <= 0 {
		cfg.LookaheadMonths = 6
	}

	limit := rate.Inf
	burst := 1
	if cfg.DDLRate > 0 {
		limit = rate.Limit(cfg.DDLRate)
		if int(cfg.DDLRate) > 1 {
			burst = int(cfg.DDLRate)
		}
	}

	return &PartitionService{
		catalog:         catalog,
		kv:              kv,
		locks:           locks,
		archiver:        archiver,
		metrics:         m,
		logger:          logger,
		table:           cfg.Table,
		interval:        model.PartitionInterval(cfg.Interval),
		retentionDays:   cfg.RetentionDays,
		lookaheadMonths: cfg.LookaheadMonths,
		lockTTL:         cfg.LockTTL,
		safetyWindow:    cfg.SafetyWindow,
		ddlLimiter:      rate.NewLimiter(limit, burst),
	}
}

// CreatePartition creates one partition of table covering [start, end). The
// name is derived from the range, so concurrent callers for the same range
// contend on the same lock and the loser sees a clean no-op. Creating an
// already existing partition is also a no-op.
func (s *PartitionService) CreatePartition(ctx context.Context, table string, start, end time.Time) error {
	if table == "" {
		table = s.table
	}
	name := partitionName(table, start, end)

	began := time.Now()
	outcome, err := s.createOne(ctx, table, name, start, end)
	if err != nil {
		s.recordOp("create", "error", began)
		return err
	}

	switch outcome {
	case outcomeCreated:
		s.recordOp("create", "created", began)
	case outcomeExisted:
		s.recordOp("create", "exists", began)
	case outcomeLockHeld:
		s.recordOp("create", "skipped", began)
	}
	return nil
}

// createOne performs the locked create of a single named partition
func (s *PartitionService) createOne(ctx context.Context, table, name string, start, end time.Time) (createOutcome, error) {
	lease, ok, err := s.locks.Acquire(ctx, name, s.lockTTL)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire creation lock for %s: %w", name, err)
	}
	if !ok {
		s.logger.Info("Partition creation skipped, another worker holds the lock",
			zap.String("partition", name))
		return outcomeLockHeld, nil
	}
	defer lease.Release(ctx)

	exists, err := s.catalog.TableExists(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to check partition %s: %w", name, err)
	}
	if exists {
		s.logger.Debug("Partition already exists", zap.String("partition", name))
		return outcomeExisted, nil
	}

	if err := s.ddlLimiter.Wait(ctx); err != nil {
		return 0, err
	}
	if err := s.catalog.CreateRangePartition(ctx, table, name, start, end); err != nil {
		return 0, fmt.Errorf("failed to create partition %s: %w", name, err)
	}

	// Index failures are logged and skipped; the partition stays usable and
	// a later optimize pass can retry.
	indexFailures := 0
	for _, idx := range auditIndexes {
		indexName := fmt.Sprintf("%s_%s", name, idx.suffix)
		if err := s.catalog.CreateIndex(ctx, name, indexName, idx.definition); err != nil {
			indexFailures++
			s.logger.Warn("Failed to create index on new partition",
				zap.String("partition", name),
				zap.String("index", indexName),
				zap.Error(err))
		}
	}

	meta := model.PartitionMetadata{
		Table:      table,
		Name:       name,
		RangeStart: start.UTC(),
		RangeEnd:   end.UTC(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.saveMetadata(ctx, meta); err != nil {
		s.logger.Warn("Failed to record partition metadata",
			zap.String("partition", name),
			zap.Error(err))
	}

	s.logger.Info("Partition created",
		zap.String("table", table),
		zap.String("partition", name),
		zap.Time("range_start", start),
		zap.Time("range_end", end),
		zap.Int("index_failures", indexFailures))

	return outcomeCreated, nil
}

// DropExpiredPartitions drops every partition whose range ended before the
// retention cutoff. Per-partition failures are logged and the sweep
// continues; the returned count is the number actually dropped.
func (s *PartitionService) DropExpiredPartitions(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = s.retentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	partitions, err := s.catalog.ListPartitions(ctx, s.table)
	if err != nil {
		return 0, fmt.Errorf("failed to list partitions of %s: %w", s.table, err)
	}

	dropped := 0
	failures := 0
	for i := range partitions {
		p := &partitions[i]
		if !p.Expired(cutoff) {
			continue
		}
		if err := s.DropPartition(ctx, p.Name); err != nil {
			failures++
			s.logger.Error("Failed to drop expired partition",
				zap.String("partition", p.Name),
				zap.Time("range_end", p.RangeEnd),
				zap.Error(err))
			continue
		}
		dropped++
	}

	s.logger.Info("Expired partition sweep finished",
		zap.Time("cutoff", cutoff),
		zap.Int("dropped", dropped),
		zap.Int("failures", failures))

	return dropped, nil
}

// DropPartition archives and drops one partition. The drop is refused while
// the partition shows activity inside the safety window, or when its live row
// count no longer matches the count recorded at the last optimize pass.
func (s *PartitionService) DropPartition(ctx context.Context, name string) error {
	began := time.Now()

	lease, ok, err := s.locks.Acquire(ctx, name+"_drop", s.lockTTL)
	if err != nil {
		s.recordOp("drop", "error", began)
		return fmt.Errorf("failed to acquire drop lock for %s: %w", name, err)
	}
	if !ok {
		s.logger.Info("Partition drop skipped, another worker holds the lock",
			zap.String("partition", name))
		s.recordOp("drop", "skipped", began)
		return nil
	}
	defer lease.Release(ctx)

	stats, err := s.catalog.PartitionStats(ctx, name)
	if err != nil {
		s.recordOp("drop", "error", began)
		return fmt.Errorf("failed to read stats before dropping %s: %w", name, err)
	}

	activityFloor := time.Now().Add(-s.safetyWindow)
	if stats.ActiveSince(activityFloor) {
		s.logger.Warn("Partition drop refused, recent activity inside safety window",
			zap.String("partition", name),
			zap.Duration("safety_window", s.safetyWindow))
		s.recordOp("drop", "refused", began)
		return nil
	}

	meta, metaFound := s.loadMetadata(ctx, name)
	if metaFound && meta.LastOptimizedAt != nil {
		live, err := s.catalog.RowCount(ctx, name)
		if err != nil {
			s.recordOp("drop", "error", began)
			return fmt.Errorf("failed to count rows before dropping %s: %w", name, err)
		}
		if live != meta.RecordCount {
			s.logger.Warn("Partition drop refused, row count changed since last optimize",
				zap.String("partition", name),
				zap.Int64("recorded", meta.RecordCount),
				zap.Int64("live", live))
			s.recordOp("drop", "refused", began)
			return nil
		}
	}
	if !metaFound {
		meta = model.PartitionMetadata{Table: s.table, Name: name}
	}

	// A failed archive aborts the drop: retention enforcement can wait,
	// destroying unarchived records cannot be undone.
	if err := s.archiver.ArchivePartition(ctx, meta); err != nil {
		s.recordOp("drop", "error", began)
		return fmt.Errorf("failed to archive partition %s before drop: %w", name, err)
	}

	if err := s.ddlLimiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.catalog.DropTable(ctx, name); err != nil {
		s.recordOp("drop", "error", began)
		return fmt.Errorf("failed to drop partition %s: %w", name, err)
	}

	if err := s.kv.Delete(ctx, metaKeyPrefix+name); err != nil {
		s.logger.Warn("Failed to delete partition metadata",
			zap.String("partition", name),
			zap.Error(err))
	}

	s.logger.Info("Partition dropped",
		zap.String("partition", name),
		zap.Duration("duration", time.Since(began)))
	s.recordOp("drop", "dropped", began)

	return nil
}

// OptimizePartition refreshes planner statistics for one partition, rebuilds
// its indexes when dead tuples exceed a fifth of the live rows, and records
// the optimize timestamp and row count in the partition metadata.
func (s *PartitionService) OptimizePartition(ctx context.Context, name string) error {
	began := time.Now()

	lease, ok, err := s.locks.Acquire(ctx, name+"_optimize", s.lockTTL)
	if err != nil {
		s.recordOp("optimize", "error", began)
		return fmt.Errorf("failed to acquire optimize lock for %s: %w", name, err)
	}
	if !ok {
		s.logger.Info("Partition optimize skipped, another worker holds the lock",
			zap.String("partition", name))
		s.recordOp("optimize", "skipped", began)
		return nil
	}
	defer lease.Release(ctx)

	stats, err := s.catalog.PartitionStats(ctx, name)
	if err != nil {
		s.recordOp("optimize", "error", began)
		return fmt.Errorf("failed to read stats for %s: %w", name, err)
	}

	if err := s.ddlLimiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.catalog.Analyze(ctx, name); err != nil {
		s.recordOp("optimize", "error", began)
		return fmt.Errorf("failed to analyze %s: %w", name, err)
	}

	reindexed := false
	if stats.LiveRows > 0 && stats.DeadRows*5 > stats.LiveRows {
		if err := s.ddlLimiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.catalog.Reindex(ctx, name); err != nil {
			s.recordOp("optimize", "error", began)
			return fmt.Errorf("failed to reindex %s: %w", name, err)
		}
		reindexed = true
	}

	live, err := s.catalog.RowCount(ctx, name)
	if err != nil {
		s.logger.Warn("Failed to count rows after optimize",
			zap.String("partition", name),
			zap.Error(err))
	} else {
		now := time.Now().UTC()
		meta, found := s.loadMetadata(ctx, name)
		if !found {
			meta = model.PartitionMetadata{Table: s.table, Name: name}
		}
		meta.RecordCount = live
		meta.LastOptimizedAt = &now
		if err := s.saveMetadata(ctx, meta); err != nil {
			s.logger.Warn("Failed to record optimize metadata",
				zap.String("partition", name),
				zap.Error(err))
		}
	}

	s.logger.Info("Partition optimized",
		zap.String("partition", name),
		zap.Bool("reindexed", reindexed),
		zap.Duration("duration", time.Since(began)))
	s.recordOp("optimize", "optimized", began)

	return nil
}

// GetPartitionStatus returns the current partition set with health, sizes,
// counts and optimize timestamps. A partition whose statistics cannot be read
// is reported unhealthy. The read takes no locks.
func (s *PartitionService) GetPartitionStatus(ctx context.Context) ([]model.PartitionStatus, error) {
	partitions, err := s.catalog.ListPartitions(ctx, s.table)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", s.table, err)
	}

	statuses := make([]model.PartitionStatus, 0, len(partitions))
	for i := range partitions {
		p := &partitions[i]
		status := model.PartitionStatus{
			Table:      p.Table,
			Name:       p.Name,
			RangeStart: p.RangeStart,
			RangeEnd:   p.RangeEnd,
		}

		stats, err := s.catalog.PartitionStats(ctx, p.Name)
		if err != nil {
			s.logger.Warn("Failed to read partition stats",
				zap.String("partition", p.Name),
				zap.Error(err))
		} else {
			status.Healthy = true
			status.RecordCount = stats.LiveRows
			status.SizeBytes = stats.TotalBytes
		}

		if meta, found := s.loadMetadata(ctx, p.Name); found {
			status.LastOptimizedAt = meta.LastOptimizedAt
		}

		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].RangeStart.Before(statuses[j].RangeStart)
	})

	return statuses, nil
}

// CreateAuditLogPartitions provisions the parent table and every partition
// needed to cover the retention window plus the lookahead horizon. Individual
// partition failures are collected and the run continues.
func (s *PartitionService) CreateAuditLogPartitions(ctx context.Context, cfg model.PartitionConfig) (*model.EnsureResult, error) {
	if cfg.Table == "" {
		cfg.Table = s.table
	}
	if cfg.Strategy == "" {
		cfg.Strategy = model.PartitionStrategyRange
	}
	if cfg.Strategy != model.PartitionStrategyRange {
		return nil, fmt.Errorf("unsupported partition strategy %q: only range partitioning is supported", cfg.Strategy)
	}
	if cfg.Interval == "" {
		cfg.Interval = s.interval
	}
	if !cfg.Interval.Valid() {
		return nil, fmt.Errorf("invalid partition interval %q", cfg.Interval)
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = s.retentionDays
	}
	if cfg.LookaheadMonths <= 0 {
		cfg.LookaheadMonths = s.lookaheadMonths
	}

	began := time.Now()

	exists, err := s.catalog.TableExists(ctx, cfg.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to check parent table %s: %w", cfg.Table, err)
	}
	if !exists {
		if err := s.catalog.CreateParentTable(ctx, cfg.Table); err != nil {
			return nil, fmt.Errorf("failed to create parent table %s: %w", cfg.Table, err)
		}
		s.logger.Info("Parent audit table created", zap.String("table", cfg.Table))
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -cfg.RetentionDays)
	to := now.AddDate(0, cfg.LookaheadMonths, 0)

	result := &model.EnsureResult{Table: cfg.Table}
	for _, sp := range spansFor(cfg.Interval, from, to) {
		name := partitionName(cfg.Table, sp.start, sp.end)
		outcome, err := s.createOne(ctx, cfg.Table, name, sp.start, sp.end)
		if err != nil {
			result.Failed = append(result.Failed, model.PartitionFailure{Name: name, Error: err.Error()})
			s.logger.Error("Failed to provision partition",
				zap.String("partition", name),
				zap.Error(err))
			continue
		}
		switch outcome {
		case outcomeCreated:
			result.Created = append(result.Created, name)
		default:
			result.Skipped = append(result.Skipped, name)
		}
	}

	status := "ok"
	if len(result.Failed) > 0 {
		status = "partial"
	}
	s.recordOp("ensure", status, began)
	s.logger.Info("Partition provisioning finished",
		zap.String("table", cfg.Table),
		zap.Int("created", len(result.Created)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("failed", len(result.Failed)),
		zap.Duration("duration", time.Since(began)))

	return result, nil
}

// AnalyzePartitionPerformance aggregates partition statistics and produces
// heuristic recommendations about the partition layout
func (s *PartitionService) AnalyzePartitionPerformance(ctx context.Context) (*model.PartitionAnalysis, error) {
	partitions, err := s.catalog.ListPartitions(ctx, s.table)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", s.table, err)
	}

	analysis := &model.PartitionAnalysis{
		Table:           s.table,
		TotalPartitions: len(partitions),
		Recommendations: []string{},
		GeneratedAt:     time.Now().UTC(),
	}

	for i := range partitions {
		stats, err := s.catalog.PartitionStats(ctx, partitions[i].Name)
		if err != nil {
			s.logger.Warn("Failed to read partition stats during analysis",
				zap.String("partition", partitions[i].Name),
				zap.Error(err))
			continue
		}
		analysis.TotalRecords += stats.LiveRows
		analysis.TotalSizeBytes += stats.TotalBytes
		if stats.LiveRows == 0 {
			analysis.EmptyPartitions++
		}
		if stats.TotalBytes > analysis.LargestBytes {
			analysis.LargestBytes = stats.TotalBytes
			analysis.LargestName = partitions[i].Name
		}
	}

	const (
		maxPartitions     = 48
		maxPartitionBytes = 8 << 30
		emptyFloor        = 6
	)
	if analysis.TotalPartitions > maxPartitions {
		analysis.Recommendations = append(analysis.Recommendations,
			fmt.Sprintf("%d partitions attached; consider a coarser interval (quarterly or yearly) to reduce planning overhead", analysis.TotalPartitions))
	}
	if analysis.LargestBytes > maxPartitionBytes {
		analysis.Recommendations = append(analysis.Recommendations,
			fmt.Sprintf("partition %s exceeds 8 GiB; consider a finer interval to keep partitions maintainable", analysis.LargestName))
	}
	if analysis.TotalPartitions > emptyFloor && analysis.EmptyPartitions*3 > analysis.TotalPartitions {
		analysis.Recommendations = append(analysis.Recommendations,
			fmt.Sprintf("%d of %d partitions are empty; consider shortening the creation lookahead", analysis.EmptyPartitions, analysis.TotalPartitions))
	}

	if s.metrics != nil {
		s.metrics.UpdatePartitionTotals(analysis.TotalPartitions, analysis.TotalSizeBytes, analysis.TotalRecords)
	}

	return analysis, nil
}

// Table returns the managed parent table name
func (s *PartitionService) Table() string {
	return s.table
}

func (s *PartitionService) recordOp(operation, status string, began time.Time) {
	if s.metrics != nil {
		s.metrics.RecordPartitionOp(operation, status, time.Since(began).Seconds())
	}
}

func (s *PartitionService) saveMetadata(ctx context.Context, meta model.PartitionMetadata) error {
	fields := map[string]string{
		"table":        meta.Table,
		"name":         meta.Name,
		"range_start":  meta.RangeStart.Format(time.RFC3339),
		"range_end":    meta.RangeEnd.Format(time.RFC3339),
		"created_at":   meta.CreatedAt.Format(time.RFC3339),
		"record_count": strconv.FormatInt(meta.RecordCount, 10),
	}
	if meta.LastOptimizedAt != nil {
		fields["last_optimized_at"] = meta.LastOptimizedAt.Format(time.RFC3339)
	}
	return s.kv.HSet(ctx, metaKeyPrefix+meta.Name, fields)
}

func (s *PartitionService) loadMetadata(ctx context.Context, name string) (model.PartitionMetadata, bool) {
	fields, err := s.kv.HGetAll(ctx, metaKeyPrefix+name)
	if err != nil {
		if err != store.ErrNotFound {
			s.logger.Warn("Failed to load partition metadata",
				zap.String("partition", name),
				zap.Error(err))
		}
		return model.PartitionMetadata{}, false
	}

	meta := model.PartitionMetadata{
		Table: fields["table"],
		Name:  fields["name"],
	}
	if t, err := time.Parse(time.RFC3339, fields["range_start"]); err == nil {
		meta.RangeStart = t
	}
	if t, err := time.Parse(time.RFC3339, fields["range_end"]); err == nil {
		meta.RangeEnd = t
	}
	if t, err := time.Parse(time.RFC3339, fields["created_at"]); err == nil {
		meta.CreatedAt = t
	}
	if n, err := strconv.ParseInt(fields["record_count"], 10, 64); err == nil {
		meta.RecordCount = n
	}
	if raw, ok := fields["last_optimized_at"]; ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			meta.LastOptimizedAt = &t
		}
	}
	return meta, true
}

// span is one partition's time range
type span struct {
	start time.Time
	end   time.Time
}

// spansFor returns the aligned partition ranges covering [from, to)
func spansFor(interval model.PartitionInterval, from, to time.Time) []span {
	var spans []span
	start := floorTo(interval, from.UTC())
	for start.Before(to) {
		end := advance(interval, start)
		spans = append(spans, span{start: start, end: end})
		start = end
	}
	return spans
}

// floorTo aligns t down to the interval boundary containing it
func floorTo(interval model.PartitionInterval, t time.Time) time.Time {
	switch interval {
	case model.PartitionIntervalYearly:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	case model.PartitionIntervalQuarterly:
		month := time.Month(((int(t.Month())-1)/3)*3 + 1)
		return time.Date(t.Year(), month, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

func advance(interval model.PartitionInterval, t time.Time) time.Time {
	switch interval {
	case model.PartitionIntervalYearly:
		return t.AddDate(1, 0, 0)
	case model.PartitionIntervalQuarterly:
		return t.AddDate(0, 3, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// partitionName derives the deterministic partition name from the range. The
// span width selects the granularity so the same range always maps to the
// same name in every process.
func partitionName(table string, start, end time.Time) string {
	start = start.UTC()
	months := (end.Year()-start.Year())*12 + int(end.Month()) - int(start.Month())
	switch {
	case months >= 12:
		return fmt.Sprintf("%s_%04d", table, start.Year())
	case months >= 3:
		quarter := (int(start.Month())-1)/3 + 1
		return fmt.Sprintf("%s_%04d_q%d", table, start.Year(), quarter)
	default:
		return fmt.Sprintf("%s_%04d_%02d", table, start.Year(), int(start.Month()))
	}
}
