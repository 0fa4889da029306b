package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore implements KVStore using in-memory maps. It backs tests and
// single-process deployments that run without Redis.
type MemoryStore struct {
	data   map[string]*memoryItem
	hashes map[string]map[string]string
	mu     sync.RWMutex
	logger *zap.Logger
	done   chan struct{}
	once   sync.Once
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (i *memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && now.After(i.expiresAt)
}

// NewMemoryStore creates a new in-memory KV store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	s := &MemoryStore{
		data:   make(map[string]*memoryItem),
		hashes: make(map[string]map[string]string),
		logger: logger,
		done:   make(chan struct{}),
	}

	// Start cleanup goroutine
	go s.cleanup()

	return s
}

// SetNX sets key only if absent or expired
func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, exists := s.data[key]; exists && !item.expired(time.Now()) {
		return false, nil
	}

	s.data[key] = newMemoryItem(value, ttl)
	return true, nil
}

// Get retrieves a value
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.data[key]
	if !exists || item.expired(time.Now()) {
		return nil, ErrNotFound
	}

	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

// Set stores a value with TTL
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = newMemoryItem(value, ttl)
	return nil
}

// Delete removes a key from both the value and hash namespaces
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	delete(s.hashes, key)
	return nil
}

// HSet writes hash fields
func (s *MemoryStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, exists := s.hashes[key]
	if !exists {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

// HGetAll reads all hash fields. A missing key returns ErrNotFound.
func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, exists := s.hashes[key]
	if !exists || len(h) == 0 {
		return nil, ErrNotFound
	}

	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

// Keys returns keys matching the glob pattern across both namespaces
func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var keys []string
	for key, item := range s.data {
		if item.expired(now) {
			continue
		}
		if globMatch(pattern, key) {
			keys = append(keys, key)
		}
	}
	for key := range s.hashes {
		if globMatch(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// globMatch reports whether key matches pattern, where '*' matches any run of
// characters including separators, same as a Redis MATCH scan. Cache keys are
// caller-shaped and may contain '/'.
func globMatch(pattern, key string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}

	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]

	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(key, parts[i])
		if idx < 0 {
			return false
		}
		key = key[idx+len(parts[i]):]
	}

	return strings.HasSuffix(key, parts[len(parts)-1])
}

// Ping always succeeds for the in-memory store
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the cleanup goroutine
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Size returns the number of live value keys
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// cleanup periodically removes expired entries
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for key, item := range s.data {
				if item.expired(now) {
					delete(s.data, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

func newMemoryItem(value []byte, ttl time.Duration) *memoryItem {
	item := &memoryItem{value: make([]byte, len(value))}
	copy(item.value, value)
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}
	return item
}
