package service

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-ops/internal/config"
	"github.com/smedrec/smart-logs-ops/internal/metrics"
	"github.com/smedrec/smart-logs-ops/internal/util/requestqueue"
)

// ExecuteRequest describes one admission-controlled operation
type ExecuteRequest struct {
	// Key is the cache key without the namespace prefix, typically a hash of
	// endpoint plus parameters. Empty disables caching for this call.
	Key string
	// Endpoint is the logical endpoint used for cache policy resolution
	Endpoint string
	// TTL overrides the default cache TTL unless an endpoint override wins
	TTL time.Duration
	// SkipCache bypasses both the read and the write
	SkipCache bool
}

// ExecuteResult carries the operation outcome and how it was served
type ExecuteResult struct {
	Value    interface{}   `json:"value"`
	Cached   bool          `json:"cached"`
	Queued   bool          `json:"queued"`
	Duration time.Duration `json:"duration"`
}

// AdmissionService fronts expensive operations with the response cache and
// the bounded request queue
type AdmissionService struct {
	cache    *ResponseCache
	queue    *requestqueue.Queue
	useQueue bool
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewAdmissionService creates the admission layer. The queue is only used
// when enabled in the configuration.
func NewAdmissionService(cache *ResponseCache, queue *requestqueue.Queue, cfg config.QueueConfig, m *metrics.Metrics, logger *zap.Logger) *AdmissionService {
	return &AdmissionService{
		cache:    cache,
		queue:    queue,
		useQueue: cfg.EnableRequestQueue && queue != nil,
		metrics:  m,
		logger:   logger,
	}
}

// ExecuteOptimized serves the request from cache when possible, otherwise
// runs fn, bounded by the request queue when enabled, and caches the result.
// A cache failure on either side never fails the request.
func (s *AdmissionService) ExecuteOptimized(ctx context.Context, req ExecuteRequest, fn func(context.Context) (interface{}, error)) (*ExecuteResult, error) {
	began := time.Now()

	if s.cacheUsable(req) {
		if raw, hit := s.cache.Get(ctx, req.Key, req.Endpoint); hit {
			var value interface{}
			if err := json.Unmarshal(raw, &value); err != nil {
				s.logger.Warn("Failed to decode cached value, executing instead",
					zap.String("key", req.Key),
					zap.Error(err))
			} else {
				s.recordAdmission("cached", "ok", began)
				return &ExecuteResult{
					Value:    value,
					Cached:   true,
					Duration: time.Since(began),
				}, nil
			}
		}
	}

	var (
		value  interface{}
		err    error
		queued bool
	)
	if s.useQueue {
		queued = true
		value, err = s.queue.Execute(ctx, fn)
		s.recordQueueOutcome(err)
		s.updateQueueGauges()
	} else {
		value, err = fn(ctx)
	}

	mode := "direct"
	if queued {
		mode = "queued"
	}
	if err != nil {
		s.recordAdmission(mode, "error", began)
		return nil, err
	}

	if s.cacheUsable(req) {
		if raw, encErr := json.Marshal(value); encErr != nil {
			s.logger.Warn("Failed to encode result for caching",
				zap.String("key", req.Key),
				zap.Error(encErr))
		} else {
			_ = s.cache.Set(ctx, req.Key, raw, req.TTL, req.Endpoint)
		}
	}

	s.recordAdmission(mode, "ok", began)
	return &ExecuteResult{
		Value:    value,
		Cached:   false,
		Queued:   queued,
		Duration: time.Since(began),
	}, nil
}

// IsCachingEnabledForEndpoint reports the cache policy decision for an
// endpoint
func (s *AdmissionService) IsCachingEnabledForEndpoint(endpoint string) bool {
	return s.cache.IsCachingEnabledForEndpoint(endpoint)
}

// GetCacheTTLForEndpoint resolves the cache TTL for an endpoint
func (s *AdmissionService) GetCacheTTLForEndpoint(endpoint string) time.Duration {
	return s.cache.GetCacheTTLForEndpoint(endpoint)
}

// InvalidateCache removes cached entries matching the glob pattern
func (s *AdmissionService) InvalidateCache(ctx context.Context, pattern string) (int, error) {
	return s.cache.Invalidate(ctx, pattern)
}

// CacheConfigSummary returns the effective cache policy
func (s *AdmissionService) CacheConfigSummary() map[string]interface{} {
	return s.cache.ConfigSummary()
}

// CacheStats returns the running cache statistics
func (s *AdmissionService) CacheStats() CacheStats {
	return s.cache.Stats()
}

// QueueStats returns the request queue statistics, or a zero value when the
// queue is disabled
func (s *AdmissionService) QueueStats() requestqueue.Stats {
	if s.queue == nil {
		return requestqueue.Stats{}
	}
	return s.queue.Stats()
}

func (s *AdmissionService) cacheUsable(req ExecuteRequest) bool {
	return !req.SkipCache && req.Key != "" && s.cache != nil
}

func (s *AdmissionService) recordAdmission(mode, status string, began time.Time) {
	if s.metrics != nil {
		s.metrics.RecordAdmission(mode, status, time.Since(began).Seconds())
	}
}

func (s *AdmissionService) recordQueueOutcome(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case err == nil:
		s.metrics.RecordQueueOutcome("completed")
	case errors.Is(err, requestqueue.ErrQueueFull):
		s.metrics.RecordQueueOutcome("rejected")
	case errors.Is(err, requestqueue.ErrQueueTimeout):
		s.metrics.RecordQueueOutcome("timed_out")
	case errors.Is(err, requestqueue.ErrStopped):
		s.metrics.RecordQueueOutcome("stopped")
	default:
		s.metrics.RecordQueueOutcome("failed")
	}
}

func (s *AdmissionService) updateQueueGauges() {
	if s.metrics == nil || s.queue == nil {
		return
	}
	stats := s.queue.Stats()
	s.metrics.UpdateQueueGauges(stats.Queued, stats.Running)
}
