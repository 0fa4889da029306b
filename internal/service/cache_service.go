package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-ops/internal/breaker"
	"github.com/smedrec/smart-logs-ops/internal/config"
	"github.com/smedrec/smart-logs-ops/internal/metrics"
	"github.com/smedrec/smart-logs-ops/internal/store"
)

// ResponseCache serves cached responses with per-endpoint exclusion and TTL
// override policy. Store failures degrade to a miss or a skipped write with a
// Warn; a broken cache tier never fails the request.
type ResponseCache struct {
	kv      store.KVStore
	cb      *breaker.CircuitBreaker
	cfg     config.CacheConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	// override patterns containing a wildcard, sorted for deterministic
	// resolution
	globOverrides []string

	totalRequests uint64
	hits          uint64
	misses        uint64
	exclusions    uint64
}

// CacheStats is a point-in-time snapshot of cache effectiveness. HitRatio is
// computed over non-excluded requests only.
type CacheStats struct {
	TotalRequests uint64  `json:"total_requests"`
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Exclusions    uint64  `json:"exclusions"`
	HitRatio      float64 `json:"hit_ratio"`
}

// NewResponseCache creates the response cache. The breaker is optional; when
// present every store call goes through it.
func NewResponseCache(kv store.KVStore, cb *breaker.CircuitBreaker, cfg config.CacheConfig, m *metrics.Metrics, logger *zap.Logger) *ResponseCache {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "smartlogs:cache:"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 300
	}

	var globOverrides []string
	for pattern := range cfg.EndpointTTLOverrides {
		if strings.Contains(pattern, "*") {
			globOverrides = append(globOverrides, pattern)
		}
	}
	sort.Strings(globOverrides)

	return &ResponseCache{
		kv:            kv,
		cb:            cb,
		cfg:           cfg,
		metrics:       m,
		logger:        logger,
		globOverrides: globOverrides,
	}
}

// IsCachingEnabledForEndpoint reports whether responses for the endpoint may
// be cached. Excluded endpoints never touch the store.
func (c *ResponseCache) IsCachingEnabledForEndpoint(endpoint string) bool {
	if !c.cfg.Enabled {
		return false
	}
	for _, excluded := range c.cfg.ExcludeEndpoints {
		if endpoint == excluded {
			return false
		}
	}
	for _, pattern := range c.cfg.DisableCachePatterns {
		if wildcardMatch(pattern, endpoint) {
			return false
		}
	}
	return true
}

// GetCacheTTLForEndpoint resolves the TTL for an endpoint: exact override,
// then glob override, then the configured default
func (c *ResponseCache) GetCacheTTLForEndpoint(endpoint string) time.Duration {
	return c.resolveTTL(endpoint, 0)
}

// Get returns the cached value for key, or (nil, false) on a miss, exclusion
// or store failure
func (c *ResponseCache) Get(ctx context.Context, key, endpoint string) ([]byte, bool) {
	atomic.AddUint64(&c.totalRequests, 1)

	if !c.IsCachingEnabledForEndpoint(endpoint) {
		atomic.AddUint64(&c.exclusions, 1)
		c.recordRequest("excluded")
		return nil, false
	}

	value, err := c.fetch(ctx, c.cfg.KeyPrefix+key)
	if err != nil {
		if err != store.ErrNotFound {
			c.logger.Warn("Cache read failed, treating as miss",
				zap.String("key", key),
				zap.Error(err))
			if c.metrics != nil {
				c.metrics.RecordCacheError("get")
			}
		}
		atomic.AddUint64(&c.misses, 1)
		c.recordRequest("miss")
		return nil, false
	}

	atomic.AddUint64(&c.hits, 1)
	c.recordRequest("hit")
	return value, true
}

// Set stores a response under key with the resolved TTL. Excluded endpoints
// and store failures are silent no-ops; the caller's request must not fail
// because the cache tier is unhappy.
func (c *ResponseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, endpoint string) error {
	if !c.IsCachingEnabledForEndpoint(endpoint) {
		return nil
	}

	resolved := c.resolveTTL(endpoint, ttl)
	if err := c.storeValue(ctx, c.cfg.KeyPrefix+key, value, resolved); err != nil {
		c.logger.Warn("Cache write failed, skipping",
			zap.String("key", key),
			zap.Error(err))
		if c.metrics != nil {
			c.metrics.RecordCacheError("set")
		}
	}
	return nil
}

// Invalidate removes all cache entries matching the glob pattern and returns
// how many were removed
func (c *ResponseCache) Invalidate(ctx context.Context, pattern string) (int, error) {
	keys, err := c.kv.Keys(ctx, c.cfg.KeyPrefix+pattern)
	if err != nil {
		return 0, fmt.Errorf("failed to scan cache keys for %q: %w", pattern, err)
	}

	removed := 0
	for _, key := range keys {
		if err := c.kv.Delete(ctx, key); err != nil {
			c.logger.Warn("Failed to delete cache key",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		removed++
	}

	c.logger.Info("Cache invalidated",
		zap.String("pattern", pattern),
		zap.Int("removed", removed))

	return removed, nil
}

// Stats returns the running hit statistics
func (c *ResponseCache) Stats() CacheStats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	var ratio float64
	if considered := hits + misses; considered > 0 {
		ratio = float64(hits) / float64(considered)
	}

	return CacheStats{
		TotalRequests: atomic.LoadUint64(&c.totalRequests),
		Hits:          hits,
		Misses:        misses,
		Exclusions:    atomic.LoadUint64(&c.exclusions),
		HitRatio:      ratio,
	}
}

// ConfigSummary returns the effective cache policy for the ops API
func (c *ResponseCache) ConfigSummary() map[string]interface{} {
	return map[string]interface{}{
		"enabled":                c.cfg.Enabled,
		"default_ttl_seconds":    c.cfg.DefaultTTL,
		"key_prefix":             c.cfg.KeyPrefix,
		"exclude_endpoints":      c.cfg.ExcludeEndpoints,
		"disable_cache_patterns": c.cfg.DisableCachePatterns,
		"endpoint_ttl_overrides": c.cfg.EndpointTTLOverrides,
	}
}

// Enabled reports whether caching is globally enabled
func (c *ResponseCache) Enabled() bool {
	return c.cfg.Enabled
}

// resolveTTL picks the most specific TTL: exact override, glob override,
// caller-supplied, configured default
func (c *ResponseCache) resolveTTL(endpoint string, caller time.Duration) time.Duration {
	if seconds, ok := c.cfg.EndpointTTLOverrides[endpoint]; ok {
		return time.Duration(seconds) * time.Second
	}
	for _, pattern := range c.globOverrides {
		if wildcardMatch(pattern, endpoint) {
			return time.Duration(c.cfg.EndpointTTLOverrides[pattern]) * time.Second
		}
	}
	if caller > 0 {
		return caller
	}
	return time.Duration(c.cfg.DefaultTTL) * time.Second
}

// fetch reads through the breaker when configured. A missing key is a healthy
// answer and must not count as a dependency failure.
func (c *ResponseCache) fetch(ctx context.Context, key string) ([]byte, error) {
	if c.cb == nil {
		return c.kv.Get(ctx, key)
	}

	res, err := c.cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		value, err := c.kv.Get(ctx, key)
		if err == store.ErrNotFound {
			return nil, nil
		}
		return value, err
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, store.ErrNotFound
	}
	return res.([]byte), nil
}

func (c *ResponseCache) storeValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.cb == nil {
		return c.kv.Set(ctx, key, value, ttl)
	}

	_, err := c.cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.kv.Set(ctx, key, value, ttl)
	})
	return err
}

func (c *ResponseCache) recordRequest(result string) {
	if c.metrics != nil {
		c.metrics.RecordCacheRequest(result)
	}
}

// wildcardMatch reports whether s matches pattern, where * matches any run of
// characters including path separators
func wildcardMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}

	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]

	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}

	return strings.HasSuffix(s, parts[len(parts)-1])
}
