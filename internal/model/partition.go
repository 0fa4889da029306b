package model

import "time"

// PartitionStrategy selects how a parent table is partitioned
type PartitionStrategy string

const (
	// PartitionStrategyRange partitions by a range of the timestamp column
	PartitionStrategyRange PartitionStrategy = "range"
	// PartitionStrategyHash is recognized but not supported for audit tables
	PartitionStrategyHash PartitionStrategy = "hash"
	// PartitionStrategyList is recognized but not supported for audit tables
	PartitionStrategyList PartitionStrategy = "list"
)

// PartitionInterval controls the time span covered by each partition
type PartitionInterval string

const (
	// PartitionIntervalMonthly creates one partition per calendar month
	PartitionIntervalMonthly PartitionInterval = "monthly"
	// PartitionIntervalQuarterly creates one partition per calendar quarter
	PartitionIntervalQuarterly PartitionInterval = "quarterly"
	// PartitionIntervalYearly creates one partition per calendar year
	PartitionIntervalYearly PartitionInterval = "yearly"
)

// Valid reports whether the interval is one of the supported values
func (i PartitionInterval) Valid() bool {
	switch i {
	case PartitionIntervalMonthly, PartitionIntervalQuarterly, PartitionIntervalYearly:
		return true
	}
	return false
}

// PartitionInfo describes a child partition as reported by the catalog
type PartitionInfo struct {
	Table      string    `json:"table"`
	Name       string    `json:"name"`
	RangeStart time.Time `json:"range_start"`
	RangeEnd   time.Time `json:"range_end"`
}

// Expired reports whether the partition's entire range falls before cutoff
func (p *PartitionInfo) Expired(cutoff time.Time) bool {
	return !p.RangeEnd.After(cutoff)
}

// PartitionStats carries catalog statistics for a single partition
type PartitionStats struct {
	Name            string     `json:"name"`
	LiveRows        int64      `json:"live_rows"`
	DeadRows        int64      `json:"dead_rows"`
	TotalBytes      int64      `json:"total_bytes"`
	LastAnalyze     *time.Time `json:"last_analyze,omitempty"`
	LastAutoAnalyze *time.Time `json:"last_auto_analyze,omitempty"`
	LastActivity    *time.Time `json:"last_activity,omitempty"` // most recent write seen by the stats collector
}

// ActiveSince reports whether the stats show any activity after t
func (s *PartitionStats) ActiveSince(t time.Time) bool {
	for _, ts := range []*time.Time{s.LastAnalyze, s.LastAutoAnalyze, s.LastActivity} {
		if ts != nil && ts.After(t) {
			return true
		}
	}
	return false
}

// PartitionMetadata is the record kept in the KV store per partition
type PartitionMetadata struct {
	Table           string     `json:"table"`
	Name            string     `json:"name"`
	RangeStart      time.Time  `json:"range_start"`
	RangeEnd        time.Time  `json:"range_end"`
	CreatedAt       time.Time  `json:"created_at"`
	RecordCount     int64      `json:"record_count"`
	LastOptimizedAt *time.Time `json:"last_optimized_at,omitempty"`
}

// PartitionStatus is the read-only aggregate returned to operators. Healthy
// is false when the partition's statistics could not be read, in which case
// RecordCount and SizeBytes are zero.
type PartitionStatus struct {
	Table           string     `json:"table"`
	Name            string     `json:"name"`
	RangeStart      time.Time  `json:"range_start"`
	RangeEnd        time.Time  `json:"range_end"`
	Healthy         bool       `json:"healthy"`
	RecordCount     int64      `json:"record_count"`
	SizeBytes       int64      `json:"size_bytes"`
	LastOptimizedAt *time.Time `json:"last_optimized_at,omitempty"`
}

// PartitionConfig drives bulk partition provisioning for an audit table
type PartitionConfig struct {
	Table           string            `json:"table"`
	Strategy        PartitionStrategy `json:"strategy"`
	Interval        PartitionInterval `json:"interval"`
	RetentionDays   int               `json:"retention_days"`
	LookaheadMonths int               `json:"lookahead_months"`
}

// PartitionFailure records one partition that could not be provisioned
type PartitionFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// EnsureResult summarizes a bulk provisioning run
type EnsureResult struct {
	Table   string             `json:"table"`
	Created []string           `json:"created"`
	Skipped []string           `json:"skipped"` // already existed or lock held elsewhere
	Failed  []PartitionFailure `json:"failed"`
}

// PartitionAnalysis is the heuristic health snapshot of the partition set
type PartitionAnalysis struct {
	Table           string    `json:"table"`
	TotalPartitions int       `json:"total_partitions"`
	TotalRecords    int64     `json:"total_records"`
	TotalSizeBytes  int64     `json:"total_size_bytes"`
	EmptyPartitions int       `json:"empty_partitions"`
	LargestName     string    `json:"largest_name,omitempty"`
	LargestBytes    int64     `json:"largest_bytes"`
	Recommendations []string  `json:"recommendations"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// MaintenanceReport is the outcome of one maintenance cycle
type MaintenanceReport struct {
	StartedAt  time.Time          `json:"started_at"`
	Duration   time.Duration      `json:"duration"`
	Ensure     *EnsureResult      `json:"ensure,omitempty"`
	Dropped    int                `json:"dropped"`
	Analysis   *PartitionAnalysis `json:"analysis,omitempty"`
	Errors     []string           `json:"errors,omitempty"`
	FinishedAt time.Time          `json:"finished_at"`
}

// HasErrors reports whether any stage of the cycle failed
func (r *MaintenanceReport) HasErrors() bool {
	return len(r.Errors) > 0
}
