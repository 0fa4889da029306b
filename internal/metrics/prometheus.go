package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smedrec/smart-logs-ops/internal/breaker"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerResults     *prometheus.CounterVec

	// Partition lifecycle metrics
	PartitionOps        *prometheus.CounterVec
	PartitionOpDuration *prometheus.HistogramVec
	PartitionsManaged   prometheus.Gauge
	PartitionsBytes     prometheus.Gauge
	PartitionsRecords   prometheus.Gauge

	// Maintenance loop metrics
	MaintenanceRuns     *prometheus.CounterVec
	MaintenanceDuration prometheus.Histogram

	// Response cache metrics
	CacheRequests *prometheus.CounterVec
	CacheErrors   *prometheus.CounterVec

	// Request queue metrics
	QueueDepth    prometheus.Gauge
	QueueRunning  prometheus.Gauge
	QueueOutcomes *prometheus.CounterVec

	// Admission metrics
	AdmissionRequests *prometheus.CounterVec
	AdmissionDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "auditops_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"breaker"},
		),

		BreakerTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditops_breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),

		BreakerResults: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditops_breaker_results_total",
				Help: "Total number of calls executed under a circuit breaker",
			},
			[]string{"breaker", "outcome"},
		),

		PartitionOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditops_partition_operations_total",
				Help: "Total number of partition lifecycle operations",
			},
			[]string{"operation", "status"},
		),

		PartitionOpDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auditops_partition_operation_duration_seconds",
				Help:    "Duration of partition lifecycle operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		PartitionsManaged: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "auditops_partitions_managed",
				Help: "Number of partitions currently attached to the audit table",
			},
		),

		PartitionsBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "auditops_partitions_bytes",
				Help: "Total size of all partitions in bytes",
			},
		),

		PartitionsRecords: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "auditops_partitions_records",
				Help: "Total live records across all partitions",
			},
		),

		MaintenanceRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditops_maintenance_runs_total",
				Help: "Total number of maintenance cycles",
			},
			[]string{"status"},
		),

		MaintenanceDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "auditops_maintenance_duration_seconds",
				Help:    "Duration of maintenance cycles",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),

		CacheRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditops_cache_requests_total",
				Help: "Total number of response cache lookups",
			},
			[]string{"result"},
		),

		CacheErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditops_cache_errors_total",
				Help: "Total number of response cache store failures",
			},
			[]string{"operation"},
		),

		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "auditops_queue_depth",
				Help: "Number of requests waiting in the queue",
			},
		),

		QueueRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "auditops_queue_running",
				Help: "Number of requests currently executing",
			},
		),

		QueueOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditops_queue_outcomes_total",
				Help: "Total number of queued request outcomes",
			},
			[]string{"outcome"},
		),

		AdmissionRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditops_admission_requests_total",
				Help: "Total number of requests through the admission service",
			},
			[]string{"mode", "status"},
		),

		AdmissionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auditops_admission_duration_seconds",
				Help:    "Duration of admitted request execution",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
	}
}

// BreakerTransition implements breaker.Observer
func (m *Metrics) BreakerTransition(name string, from, to breaker.State) {
	m.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
	m.BreakerState.WithLabelValues(name).Set(stateValue(to))
}

// BreakerResult implements breaker.Observer
func (m *Metrics) BreakerResult(name string, success bool, timeout bool) {
	outcome := "success"
	switch {
	case timeout:
		outcome = "timeout"
	case !success:
		outcome = "failure"
	}
	m.BreakerResults.WithLabelValues(name, outcome).Inc()
}

// RecordPartitionOp records a partition lifecycle operation
func (m *Metrics) RecordPartitionOp(operation, status string, seconds float64) {
	m.PartitionOps.WithLabelValues(operation, status).Inc()
	m.PartitionOpDuration.WithLabelValues(operation).Observe(seconds)
}

// UpdatePartitionTotals updates the partition set gauges from an analysis pass
func (m *Metrics) UpdatePartitionTotals(count int, bytes, records int64) {
	m.PartitionsManaged.Set(float64(count))
	m.PartitionsBytes.Set(float64(bytes))
	m.PartitionsRecords.Set(float64(records))
}

// RecordMaintenanceRun records one maintenance cycle
func (m *Metrics) RecordMaintenanceRun(status string, seconds float64) {
	m.MaintenanceRuns.WithLabelValues(status).Inc()
	m.MaintenanceDuration.Observe(seconds)
}

// RecordCacheRequest records a cache lookup result (hit, miss, excluded)
func (m *Metrics) RecordCacheRequest(result string) {
	m.CacheRequests.WithLabelValues(result).Inc()
}

// RecordCacheError records a cache store failure by operation
func (m *Metrics) RecordCacheError(operation string) {
	m.CacheErrors.WithLabelValues(operation).Inc()
}

// UpdateQueueGauges updates queue depth and concurrency gauges
func (m *Metrics) UpdateQueueGauges(queued, running int) {
	m.QueueDepth.Set(float64(queued))
	m.QueueRunning.Set(float64(running))
}

// RecordQueueOutcome records a queued request outcome
func (m *Metrics) RecordQueueOutcome(outcome string) {
	m.QueueOutcomes.WithLabelValues(outcome).Inc()
}

// RecordAdmission records a request through the admission service
func (m *Metrics) RecordAdmission(mode, status string, seconds float64) {
	m.AdmissionRequests.WithLabelValues(mode, status).Inc()
	m.AdmissionDuration.WithLabelValues(mode).Observe(seconds)
}

func stateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 1
	case breaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
