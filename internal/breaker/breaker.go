// Package breaker implements a three-state circuit breaker for calls into the
// database and cache tiers. A breaker that keeps seeing failures opens and
// fails fast until a backoff elapses, then probes with limited traffic before
// closing again.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State captures circuit breaker states
type State int

const (
	// StateClosed indicates normal operation
	StateClosed State = iota
	// StateOpen indicates the breaker is rejecting calls
	StateOpen
	// StateHalfOpen indicates trial calls are permitted
	StateHalfOpen
)

// String returns the state name used in logs and status payloads
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrOpen is returned without invoking the operation while the breaker
	// is open
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTimeout is returned when an operation exceeds the breaker timeout
	ErrTimeout = errors.New("operation timed out")
)

const (
	// halfOpenSuccesses is how many consecutive successes close the breaker
	halfOpenSuccesses = 3
	// maxBackoffMultiplier caps the exponential reopen backoff at 2^4
	maxBackoffMultiplier = 16
	// maxBackoff is the hard upper bound on the reopen backoff
	maxBackoff = 5 * time.Minute
	// jitterFraction spreads reopen times so breakers do not probe in sync
	jitterFraction = 0.25
)

// Config controls thresholds for state transitions
type Config struct {
	Name             string
	FailureThreshold int
	Timeout          time.Duration
	ResetTimeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
}

// Metrics is a snapshot of a breaker's lifetime counters
type Metrics struct {
	TotalRequests      uint64     `json:"total_requests"`
	SuccessfulRequests uint64     `json:"successful_requests"`
	FailedRequests     uint64     `json:"failed_requests"`
	Timeouts           uint64     `json:"timeouts"`
	Opens              uint64     `json:"opens"`
	LastFailureTime    *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime    *time.Time `json:"last_success_time,omitempty"`
}

// Status is the externally visible state of a breaker
type Status struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	FailureCount    int        `json:"failure_count"`
	SuccessCount    int        `json:"success_count"`
	NextAttemptTime *time.Time `json:"next_attempt_time,omitempty"`
	Metrics         Metrics    `json:"metrics"`
}

// Observer receives state transitions and call outcomes, typically to feed
// the metrics registry
type Observer interface {
	BreakerTransition(name string, from, to State)
	BreakerResult(name string, success bool, timeout bool)
}

// CircuitBreaker guards a single downstream dependency
type CircuitBreaker struct {
	cfg      Config
	logger   *zap.Logger
	observer Observer

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	nextAttempt  time.Time
	metrics      Metrics

	// rng is guarded by mu; used only for reopen jitter
	rng *rand.Rand
}

// New creates a circuit breaker with defaults applied
func New(cfg Config, logger *zap.Logger, observer Observer) *CircuitBreaker {
	cfg.applyDefaults()
	return &CircuitBreaker{
		cfg:      cfg,
		logger:   logger,
		observer: observer,
		state:    StateClosed,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute runs op under the breaker. While open it returns ErrOpen without
// invoking op. The op runs against a child context bounded by the configured
// timeout; on timeout the result is discarded and the goroutine is left to
// finish on its own.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := cb.beforeCall(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.cfg.Timeout)
	defer cancel()

	type result struct {
		value interface{}
		err   error
	}
	done := make(chan result, 1)

	go func() {
		value, err := op(callCtx)
		done <- result{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			cb.onFailure(false)
			return nil, res.err
		}
		cb.onSuccess()
		return res.value, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation, not a dependency failure
			cb.onFailure(false)
			return nil, ctx.Err()
		}
		cb.onFailure(true)
		return nil, fmt.Errorf("%s: %w after %s", cb.cfg.Name, ErrTimeout, cb.cfg.Timeout)
	}
}

// State returns the current state, honoring an elapsed reopen backoff
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !time.Now().Before(cb.nextAttempt) {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	prev := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.nextAttempt = time.Time{}
	cb.mu.Unlock()

	cb.notifyTransition(prev, StateClosed)
	cb.logger.Info("circuit breaker reset",
		zap.String("breaker", cb.cfg.Name),
		zap.String("previous_state", prev.String()))
}

// Status returns a point-in-time snapshot
func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st := Status{
		Name:         cb.cfg.Name,
		State:        cb.state.String(),
		FailureCount: cb.failureCount,
		SuccessCount: cb.successCount,
		Metrics:      cb.metrics,
	}
	if cb.state == StateOpen {
		next := cb.nextAttempt
		st.NextAttemptTime = &next
	}
	return st
}

// Name returns the breaker's configured name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// beforeCall admits or rejects the call and moves OPEN to HALF_OPEN once the
// backoff has elapsed
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()

	cb.metrics.TotalRequests++

	if cb.state != StateOpen {
		cb.mu.Unlock()
		return nil
	}

	if time.Now().Before(cb.nextAttempt) {
		cb.metrics.FailedRequests++
		cb.mu.Unlock()
		return fmt.Errorf("%s: %w", cb.cfg.Name, ErrOpen)
	}

	cb.transitionLocked(StateHalfOpen)
	cb.mu.Unlock()

	cb.notifyTransition(StateOpen, StateHalfOpen)
	return nil
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	now := time.Now()
	cb.metrics.SuccessfulRequests++
	cb.metrics.LastSuccessTime = &now

	from := cb.state
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= halfOpenSuccesses {
			cb.failureCount = 0
			cb.successCount = 0
			cb.transitionLocked(StateClosed)
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notifyTransition(from, to)
	if cb.observer != nil {
		cb.observer.BreakerResult(cb.cfg.Name, true, false)
	}
}

func (cb *CircuitBreaker) onFailure(timedOut bool) {
	cb.mu.Lock()
	now := time.Now()
	cb.metrics.FailedRequests++
	cb.metrics.LastFailureTime = &now
	if timedOut {
		cb.metrics.Timeouts++
	}

	from := cb.state
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.openLocked()
		}
	case StateHalfOpen:
		// A single probe failure reopens immediately
		cb.successCount = 0
		cb.openLocked()
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notifyTransition(from, to)
	if cb.observer != nil {
		cb.observer.BreakerResult(cb.cfg.Name, false, timedOut)
	}
}

// openLocked transitions to OPEN and schedules the next probe attempt with
// exponential backoff and jitter. Callers hold cb.mu.
func (cb *CircuitBreaker) openLocked() {
	cb.metrics.Opens++
	cb.nextAttempt = time.Now().Add(cb.backoffLocked())
	cb.transitionLocked(StateOpen)
}

// backoffLocked computes ResetTimeout scaled by 2^opens (capped at 16) with
// +/-25% jitter, never exceeding five minutes
func (cb *CircuitBreaker) backoffLocked() time.Duration {
	// Opens was already incremented for this open, so the first open waits
	// 2x ResetTimeout and each subsequent open doubles that.
	multiplier := uint64(1)
	for i := uint64(0); i < cb.metrics.Opens && multiplier < maxBackoffMultiplier; i++ {
		multiplier *= 2
	}

	backoff := time.Duration(int64(cb.cfg.ResetTimeout) * int64(multiplier))
	jitter := 1 + jitterFraction*(2*cb.rng.Float64()-1)
	backoff = time.Duration(float64(backoff) * jitter)

	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// transitionLocked records the state change and logs it. Callers hold cb.mu
// and must deliver the observer notification via notifyTransition after
// releasing it, so transitions reach the observer in the order they happened.
func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	cb.logger.Info("circuit breaker state change",
		zap.String("breaker", cb.cfg.Name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failure_count", cb.failureCount))
}

// notifyTransition forwards a state change to the observer. Must be called
// without cb.mu held; a no-op when the state did not change.
func (cb *CircuitBreaker) notifyTransition(from, to State) {
	if from == to || cb.observer == nil {
		return
	}
	cb.observer.BreakerTransition(cb.cfg.Name, from, to)
}
