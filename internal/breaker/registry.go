package breaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry holds one shared breaker per protected dependency, keyed by name.
// It is constructed once in main and handed to the services that need it.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults Config
	logger   *zap.Logger
	observer Observer
}

// NewRegistry creates a breaker registry. The defaults apply to breakers
// created lazily by Get.
func NewRegistry(defaults Config, logger *zap.Logger, observer Observer) *Registry {
	defaults.applyDefaults()
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
		logger:   logger,
		observer: observer,
	}
}

// Get returns the breaker for name, creating it with registry defaults on
// first use
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cfg := r.defaults
	cfg.Name = name
	cb := New(cfg, r.logger, r.observer)
	r.breakers[name] = cb

	r.logger.Debug("circuit breaker created", zap.String("breaker", name))
	return cb
}

// GetWithConfig returns the breaker for cfg.Name, creating it with cfg on
// first use. An existing breaker keeps its original configuration.
func (r *Registry) GetWithConfig(cfg Config) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[cfg.Name]; ok {
		return cb
	}

	cb := New(cfg, r.logger, r.observer)
	r.breakers[cfg.Name] = cb
	return cb
}

// Status returns a snapshot of every registered breaker
func (r *Registry) Status() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Status, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Status()
	}
	return out
}

// Names returns the registered breaker names in sorted order
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset forces the named breaker closed, reporting whether it existed
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()

	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// ResetAll forces every registered breaker closed and returns how many were
// reset
func (r *Registry) ResetAll() int {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	for _, cb := range breakers {
		cb.Reset()
	}
	return len(breakers)
}

// DefaultConfig returns the breaker configuration used for lazy creation,
// with the given timeout overriding the registry default when positive
func (r *Registry) DefaultConfig(timeout time.Duration) Config {
	cfg := r.defaults
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	return cfg
}
