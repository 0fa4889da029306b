package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errDown = errors.New("dependency down")

func failingOp(ctx context.Context) (interface{}, error) {
	return nil, errDown
}

func succeedingOp(ctx context.Context) (interface{}, error) {
	return "ok", nil
}

func newTestBreaker(threshold int, timeout, reset time.Duration) *CircuitBreaker {
	return New(Config{
		Name:             "test-dep",
		FailureThreshold: threshold,
		Timeout:          timeout,
		ResetTimeout:     reset,
	}, zap.NewNop(), nil)
}

func TestExecuteSuccess(t *testing.T) {
	cb := newTestBreaker(3, time.Second, time.Minute)

	value, err := cb.Execute(context.Background(), succeedingOp)
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, StateClosed, cb.State())

	st := cb.Status()
	assert.Equal(t, uint64(1), st.Metrics.TotalRequests)
	assert.Equal(t, uint64(1), st.Metrics.SuccessfulRequests)
}

func TestOpensAfterThreshold(t *testing.T) {
	cb := newTestBreaker(3, time.Second, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(ctx, failingOp)
		assert.ErrorIs(t, err, errDown)
	}

	assert.Equal(t, StateOpen, cb.State())

	st := cb.Status()
	assert.Equal(t, uint64(1), st.Metrics.Opens)
	require.NotNil(t, st.NextAttemptTime)
	assert.True(t, st.NextAttemptTime.After(time.Now()))
}

func TestFailsFastWhileOpen(t *testing.T) {
	cb := newTestBreaker(2, time.Second, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		cb.Execute(ctx, failingOp)
	}
	require.Equal(t, StateOpen, cb.State())

	invoked := false
	_, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		invoked = true
		return nil, nil
	})

	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked, "operation must not run while the breaker is open")
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(3, time.Second, time.Minute)
	ctx := context.Background()

	cb.Execute(ctx, failingOp)
	cb.Execute(ctx, failingOp)
	cb.Execute(ctx, succeedingOp)
	cb.Execute(ctx, failingOp)
	cb.Execute(ctx, failingOp)

	// Two fresh failures after the success do not reach the threshold
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenClosesAfterThreeSuccesses(t *testing.T) {
	cb := newTestBreaker(2, time.Second, 30*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		cb.Execute(ctx, failingOp)
	}
	require.Equal(t, StateOpen, cb.State())

	// First open backoff is at most 2 x 30ms x 1.25
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	for i := 0; i < 2; i++ {
		_, err := cb.Execute(ctx, succeedingOp)
		require.NoError(t, err)
		assert.Equal(t, StateHalfOpen, cb.State())
	}

	_, err := cb.Execute(ctx, succeedingOp)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())

	st := cb.Status()
	assert.Equal(t, 0, st.FailureCount)
	assert.Equal(t, 0, st.SuccessCount)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(2, time.Second, 30*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		cb.Execute(ctx, failingOp)
	}
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// One success then one failure: the failure wins immediately
	cb.Execute(ctx, succeedingOp)
	_, err := cb.Execute(ctx, failingOp)
	assert.ErrorIs(t, err, errDown)

	assert.Equal(t, StateOpen, cb.State())
	st := cb.Status()
	assert.Equal(t, uint64(2), st.Metrics.Opens)
	require.NotNil(t, st.NextAttemptTime)
}

func TestTimeoutCountsSeparately(t *testing.T) {
	cb := newTestBreaker(5, 20*time.Millisecond, time.Minute)

	// The op ignores its context so the breaker timeout always wins the race
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		time.Sleep(500 * time.Millisecond)
		return "late", nil
	})

	assert.ErrorIs(t, err, ErrTimeout)

	st := cb.Status()
	assert.Equal(t, uint64(1), st.Metrics.Timeouts)
	assert.Equal(t, uint64(1), st.Metrics.FailedRequests)
	assert.Equal(t, 1, st.FailureCount)
}

func TestBackoffGrowsWithOpens(t *testing.T) {
	cb := newTestBreaker(1, time.Second, time.Minute)

	var prevMin time.Duration
	for opens := uint64(1); opens <= 6; opens++ {
		cb.mu.Lock()
		cb.metrics.Opens = opens
		got := cb.backoffLocked()
		cb.mu.Unlock()

		multiplier := time.Duration(1)
		for i := uint64(0); i < opens && multiplier < maxBackoffMultiplier; i++ {
			multiplier *= 2
		}
		base := time.Minute * multiplier
		lo := time.Duration(float64(base) * (1 - jitterFraction))
		hi := time.Duration(float64(base) * (1 + jitterFraction))
		if lo > maxBackoff {
			lo = maxBackoff
		}
		if hi > maxBackoff {
			hi = maxBackoff
		}

		assert.GreaterOrEqual(t, got, lo, "opens=%d", opens)
		assert.LessOrEqual(t, got, hi, "opens=%d", opens)

		// Jitter aside, each open's minimum bound never shrinks
		assert.GreaterOrEqual(t, lo, prevMin, "opens=%d", opens)
		prevMin = lo
	}
}

func TestBackoffCappedAtFiveMinutes(t *testing.T) {
	cb := newTestBreaker(1, time.Second, 10*time.Minute)

	cb.mu.Lock()
	cb.metrics.Opens = 10
	got := cb.backoffLocked()
	cb.mu.Unlock()

	assert.LessOrEqual(t, got, maxBackoff)
}

func TestResetForcesClosed(t *testing.T) {
	cb := newTestBreaker(1, time.Second, time.Hour)
	ctx := context.Background()

	cb.Execute(ctx, failingOp)
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())

	st := cb.Status()
	assert.Equal(t, 0, st.FailureCount)
	assert.Nil(t, st.NextAttemptTime)

	// Calls flow again
	value, err := cb.Execute(ctx, succeedingOp)
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
}

func (o *recordingObserver) BreakerTransition(name string, from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from.String()+">"+to.String())
}

func (o *recordingObserver) BreakerResult(name string, success, timeout bool) {}

func (o *recordingObserver) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.transitions...)
}

func TestObserverSeesTransitionsInOrder(t *testing.T) {
	obs := &recordingObserver{}
	cb := New(Config{
		Name:             "test-dep",
		FailureThreshold: 2,
		Timeout:          time.Second,
		ResetTimeout:     20 * time.Millisecond,
	}, zap.NewNop(), obs)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		cb.Execute(ctx, failingOp)
	}
	// Delivery is synchronous: the transition is visible by the time the
	// opening call returns
	assert.Equal(t, []string{"CLOSED>OPEN"}, obs.seen())

	// First open backoff is at most 2 x 20ms x 1.25
	time.Sleep(80 * time.Millisecond)
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(ctx, succeedingOp)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}, obs.seen())

	// Reset with nothing to do reports nothing
	cb.Reset()
	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}, obs.seen())
}

func TestCallerCancellation(t *testing.T) {
	cb := newTestBreaker(5, time.Minute, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	assert.ErrorIs(t, err, context.Canceled)
	// Not counted against the timeout metric
	assert.Equal(t, uint64(0), cb.Status().Metrics.Timeouts)
}
