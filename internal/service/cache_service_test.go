package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-ops/internal/breaker"
	"github.com/smedrec/smart-logs-ops/internal/config"
	"github.com/smedrec/smart-logs-ops/internal/store"
)

// countingKV counts value reads and writes passing through to the wrapped
// store
type countingKV struct {
	store.KVStore
	gets int32
	sets int32
}

func (c *countingKV) Get(ctx context.Context, key string) ([]byte, error) {
	atomic.AddInt32(&c.gets, 1)
	return c.KVStore.Get(ctx, key)
}

func (c *countingKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	atomic.AddInt32(&c.sets, 1)
	return c.KVStore.Set(ctx, key, value, ttl)
}

// failingKV fails every value read and write
type failingKV struct {
	store.KVStore
}

func (f *failingKV) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("connection reset")
}

func (f *failingKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("connection reset")
}

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		Enabled:              true,
		DefaultTTL:           300,
		KeyPrefix:            "test:cache:",
		ExcludeEndpoints:     []string{"/api/v1/auth/session"},
		DisableCachePatterns: []string{"/api/v1/realtime/*"},
		EndpointTTLOverrides: map[string]int{
			"/api/v1/health":    30,
			"/api/v1/reports/*": 120,
		},
	}
}

func TestCacheTTLResolution(t *testing.T) {
	kv := store.NewMemoryStore(zap.NewNop())
	defer kv.Close()
	cache := NewResponseCache(kv, nil, testCacheConfig(), nil, zap.NewNop())

	// Exact override beats everything
	assert.Equal(t, 30*time.Second, cache.GetCacheTTLForEndpoint("/api/v1/health"))
	assert.Equal(t, 30*time.Second, cache.resolveTTL("/api/v1/health", 45*time.Second))

	// Glob override beats the caller TTL
	assert.Equal(t, 120*time.Second, cache.GetCacheTTLForEndpoint("/api/v1/reports/monthly"))

	// Caller TTL beats the default
	assert.Equal(t, 45*time.Second, cache.resolveTTL("/api/v1/other", 45*time.Second))

	// Nothing else matches: configured default
	assert.Equal(t, 300*time.Second, cache.GetCacheTTLForEndpoint("/api/v1/other"))
}

func TestCacheEndpointExclusion(t *testing.T) {
	kv := store.NewMemoryStore(zap.NewNop())
	defer kv.Close()
	cache := NewResponseCache(kv, nil, testCacheConfig(), nil, zap.NewNop())

	assert.False(t, cache.IsCachingEnabledForEndpoint("/api/v1/auth/session"))
	assert.False(t, cache.IsCachingEnabledForEndpoint("/api/v1/realtime/x"))
	assert.False(t, cache.IsCachingEnabledForEndpoint("/api/v1/realtime/events/live"))
	assert.True(t, cache.IsCachingEnabledForEndpoint("/api/v1/other"))

	disabled := testCacheConfig()
	disabled.Enabled = false
	off := NewResponseCache(kv, nil, disabled, nil, zap.NewNop())
	assert.False(t, off.IsCachingEnabledForEndpoint("/api/v1/other"))
}

func TestCacheExcludedEndpointNeverTouchesStore(t *testing.T) {
	mem := store.NewMemoryStore(zap.NewNop())
	defer mem.Close()
	kv := &countingKV{KVStore: mem}
	cache := NewResponseCache(kv, nil, testCacheConfig(), nil, zap.NewNop())

	ctx := context.Background()

	_, hit := cache.Get(ctx, "session-key", "/api/v1/auth/session")
	assert.False(t, hit)
	require.NoError(t, cache.Set(ctx, "session-key", []byte("secret"), 0, "/api/v1/auth/session"))

	assert.Equal(t, int32(0), atomic.LoadInt32(&kv.gets))
	assert.Equal(t, int32(0), atomic.LoadInt32(&kv.sets))

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Exclusions)
	assert.Equal(t, uint64(0), stats.Hits)
	assert.Equal(t, uint64(0), stats.Misses)
}

func TestCacheRoundTripAndStats(t *testing.T) {
	kv := store.NewMemoryStore(zap.NewNop())
	defer kv.Close()
	cache := NewResponseCache(kv, nil, testCacheConfig(), nil, zap.NewNop())

	ctx := context.Background()
	endpoint := "/api/v1/reports/summary"

	_, hit := cache.Get(ctx, "summary", endpoint)
	assert.False(t, hit)

	require.NoError(t, cache.Set(ctx, "summary", []byte(`{"total":42}`), 0, endpoint))

	value, hit := cache.Get(ctx, "summary", endpoint)
	assert.True(t, hit)
	assert.Equal(t, []byte(`{"total":42}`), value)

	_, hit = cache.Get(ctx, "summary", endpoint)
	assert.True(t, hit)

	_, _ = cache.Get(ctx, "ignored", "/api/v1/auth/session")

	stats := cache.Stats()
	assert.Equal(t, uint64(4), stats.TotalRequests)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Exclusions)
	// Ratio covers non-excluded requests only
	assert.InDelta(t, 2.0/3.0, stats.HitRatio, 0.0001)
}

func TestCacheDegradesWhenStoreFails(t *testing.T) {
	mem := store.NewMemoryStore(zap.NewNop())
	defer mem.Close()
	kv := &failingKV{KVStore: mem}
	cache := NewResponseCache(kv, nil, testCacheConfig(), nil, zap.NewNop())

	ctx := context.Background()

	value, hit := cache.Get(ctx, "k", "/api/v1/other")
	assert.False(t, hit)
	assert.Nil(t, value)

	// A failed write is swallowed; the request proceeds
	assert.NoError(t, cache.Set(ctx, "k", []byte("v"), 0, "/api/v1/other"))

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCacheMissesDoNotTripBreaker(t *testing.T) {
	kv := store.NewMemoryStore(zap.NewNop())
	defer kv.Close()
	cb := breaker.New(breaker.Config{Name: "cache", FailureThreshold: 2}, zap.NewNop(), nil)
	cache := NewResponseCache(kv, cb, testCacheConfig(), nil, zap.NewNop())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, hit := cache.Get(ctx, "absent", "/api/v1/other")
		assert.False(t, hit)
	}

	assert.Equal(t, breaker.StateClosed, cb.State())
}

func TestCacheBreakerOpensOnStoreFailures(t *testing.T) {
	mem := store.NewMemoryStore(zap.NewNop())
	defer mem.Close()
	kv := &failingKV{KVStore: mem}
	cb := breaker.New(breaker.Config{Name: "cache", FailureThreshold: 2}, zap.NewNop(), nil)
	cache := NewResponseCache(kv, cb, testCacheConfig(), nil, zap.NewNop())

	ctx := context.Background()

	_, _ = cache.Get(ctx, "a", "/api/v1/other")
	_, _ = cache.Get(ctx, "b", "/api/v1/other")
	assert.Equal(t, breaker.StateOpen, cb.State())

	// Rejected fast while open, still served as a miss
	value, hit := cache.Get(ctx, "c", "/api/v1/other")
	assert.False(t, hit)
	assert.Nil(t, value)
}

func TestCacheInvalidate(t *testing.T) {
	kv := store.NewMemoryStore(zap.NewNop())
	defer kv.Close()
	cache := NewResponseCache(kv, nil, testCacheConfig(), nil, zap.NewNop())

	ctx := context.Background()
	endpoint := "/api/v1/other"
	require.NoError(t, cache.Set(ctx, "report:daily", []byte("a"), 0, endpoint))
	require.NoError(t, cache.Set(ctx, "report:weekly", []byte("b"), 0, endpoint))
	require.NoError(t, cache.Set(ctx, "summary:misc", []byte("c"), 0, endpoint))

	removed, err := cache.Invalidate(ctx, "report:*")

	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, hit := cache.Get(ctx, "report:daily", endpoint)
	assert.False(t, hit)
	_, hit = cache.Get(ctx, "summary:misc", endpoint)
	assert.True(t, hit)
}

func TestWildcardMatch(t *testing.T) {
	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"/api/v1/realtime/*", "/api/v1/realtime/x", true},
		{"/api/v1/realtime/*", "/api/v1/realtime/events/live", true},
		{"/api/v1/realtime/*", "/api/v1/reports", false},
		{"/api/v1/*/export", "/api/v1/reports/export", true},
		{"/api/v1/*/export", "/api/v1/reports/import", false},
		{"/api/v1/health", "/api/v1/health", true},
		{"/api/v1/health", "/api/v1/healthz", false},
		{"*", "/anything", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, wildcardMatch(tt.pattern, tt.s), "pattern %q against %q", tt.pattern, tt.s)
	}
}
