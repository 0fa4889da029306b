// Package requestqueue bounds how many admitted requests execute at once.
// Jobs run in FIFO order on a fixed set of workers; a job that waits in the
// queue past its timeout fails without ever executing.
package requestqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when the pending buffer has no room
	ErrQueueFull = errors.New("request queue is full")
	// ErrQueueTimeout is returned when a job waited too long to start; the
	// job is never executed
	ErrQueueTimeout = errors.New("request timed out in queue")
	// ErrStopped is returned once the queue has been stopped
	ErrStopped = errors.New("request queue is stopped")
)

// Queue manages a bounded set of workers executing submitted jobs
type Queue struct {
	name          string
	maxConcurrent int
	queueTimeout  time.Duration
	queueSize     int
	jobs          chan *job
	logger        *zap.Logger
	wg            sync.WaitGroup
	stopOnce      sync.Once
	stopChan      chan struct{}

	running   int32
	submitted uint64
	completed uint64
	failed    uint64
	timedOut  uint64
	rejected  uint64
	canceled  uint64
}

// Config holds request queue configuration
type Config struct {
	Name          string
	MaxConcurrent int
	QueueTimeout  time.Duration
	QueueSize     int
	Logger        *zap.Logger
}

type jobResult struct {
	value interface{}
	err   error
}

// job is one submitted request. The claimed flag is the ownership token:
// whoever flips it first (a worker starting the job, or the waiter giving up)
// decides the job's fate.
type job struct {
	id          string
	fn          func(context.Context) (interface{}, error)
	ctx         context.Context
	submittedAt time.Time
	claimed     atomic.Bool
	result      chan jobResult
}

// NewQueue creates a request queue and starts its workers
func NewQueue(cfg *Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	q := &Queue{
		name:          cfg.Name,
		maxConcurrent: cfg.MaxConcurrent,
		queueTimeout:  cfg.QueueTimeout,
		queueSize:     cfg.QueueSize,
		jobs:          make(chan *job, cfg.QueueSize),
		logger:        cfg.Logger,
		stopChan:      make(chan struct{}),
	}

	for i := 0; i < q.maxConcurrent; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.logger.Info("request queue started",
		zap.String("name", q.name),
		zap.Int("max_concurrent", q.maxConcurrent),
		zap.Duration("queue_timeout", q.queueTimeout),
		zap.Int("queue_size", q.queueSize))

	return q
}

// Execute submits fn and waits for its result. The call fails with
// ErrQueueFull when the buffer is full, ErrStopped after Stop, and
// ErrQueueTimeout when the job could not start within the queue timeout; in
// the timeout case fn is never invoked. Once a job has started, Execute waits
// for it regardless of the queue timeout.
func (q *Queue) Execute(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	select {
	case <-q.stopChan:
		atomic.AddUint64(&q.rejected, 1)
		return nil, fmt.Errorf("queue %s: %w", q.name, ErrStopped)
	default:
	}

	j := &job{
		id:          uuid.New().String(),
		fn:          fn,
		ctx:         ctx,
		submittedAt: time.Now(),
		result:      make(chan jobResult, 1),
	}

	select {
	case q.jobs <- j:
		atomic.AddUint64(&q.submitted, 1)
	default:
		atomic.AddUint64(&q.rejected, 1)
		return nil, fmt.Errorf("queue %s: %w", q.name, ErrQueueFull)
	}

	timer := time.NewTimer(q.queueTimeout)
	defer timer.Stop()

	select {
	case res := <-j.result:
		return res.value, res.err

	case <-timer.C:
		if j.claimed.CompareAndSwap(false, true) {
			atomic.AddUint64(&q.timedOut, 1)
			q.logger.Warn("request timed out in queue",
				zap.String("queue", q.name),
				zap.String("job_id", j.id),
				zap.Duration("waited", time.Since(j.submittedAt)))
			return nil, fmt.Errorf("queue %s: %w after %s", q.name, ErrQueueTimeout, q.queueTimeout)
		}
		// A worker claimed the job first; its result is on the way
		res := <-j.result
		return res.value, res.err

	case <-ctx.Done():
		if j.claimed.CompareAndSwap(false, true) {
			atomic.AddUint64(&q.canceled, 1)
			return nil, ctx.Err()
		}
		res := <-j.result
		return res.value, res.err

	case <-q.stopChan:
		if j.claimed.CompareAndSwap(false, true) {
			atomic.AddUint64(&q.rejected, 1)
			return nil, fmt.Errorf("queue %s: %w", q.name, ErrStopped)
		}
		res := <-j.result
		return res.value, res.err
	}
}

// worker drains jobs in FIFO order
func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopChan:
			return
		case j := <-q.jobs:
			q.run(id, j)
		}
	}
}

// run executes a claimed job and delivers its result
func (q *Queue) run(workerID int, j *job) {
	if !j.claimed.CompareAndSwap(false, true) {
		// The waiter gave up on this job; skip it without executing
		return
	}

	atomic.AddInt32(&q.running, 1)
	defer atomic.AddInt32(&q.running, -1)

	start := time.Now()
	value, err := q.safeExecute(j)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&q.failed, 1)
		q.logger.Debug("queued request failed",
			zap.String("queue", q.name),
			zap.Int("worker_id", workerID),
			zap.String("job_id", j.id),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		atomic.AddUint64(&q.completed, 1)
		q.logger.Debug("queued request completed",
			zap.String("queue", q.name),
			zap.Int("worker_id", workerID),
			zap.String("job_id", j.id),
			zap.Duration("duration", duration))
	}

	j.result <- jobResult{value: value, err: err}
}

// safeExecute runs a job with panic recovery
func (q *Queue) safeExecute(j *job) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("request panicked: %v", r)
			q.logger.Error("queued request panic recovered",
				zap.String("queue", q.name),
				zap.String("job_id", j.id),
				zap.Any("panic", r))
		}
	}()

	ctx := j.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	return j.fn(ctx)
}

// Stop shuts the queue down, waiting up to timeout for running jobs
func (q *Queue) Stop(timeout time.Duration) error {
	var err error
	q.stopOnce.Do(func() {
		q.logger.Info("stopping request queue", zap.String("name", q.name))
		close(q.stopChan)

		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			q.logger.Info("request queue stopped", zap.String("name", q.name))
		case <-time.After(timeout):
			err = fmt.Errorf("queue %s stop timeout after %v", q.name, timeout)
			q.logger.Warn("request queue stop timeout", zap.String("name", q.name))
		}
	})
	return err
}

// Stats returns current queue statistics
func (q *Queue) Stats() Stats {
	return Stats{
		Name:          q.name,
		MaxConcurrent: q.maxConcurrent,
		Running:       int(atomic.LoadInt32(&q.running)),
		QueueSize:     q.queueSize,
		Queued:        len(q.jobs),
		Submitted:     atomic.LoadUint64(&q.submitted),
		Completed:     atomic.LoadUint64(&q.completed),
		Failed:        atomic.LoadUint64(&q.failed),
		TimedOut:      atomic.LoadUint64(&q.timedOut),
		Rejected:      atomic.LoadUint64(&q.rejected),
		Canceled:      atomic.LoadUint64(&q.canceled),
	}
}

// Stats represents request queue statistics
type Stats struct {
	Name          string `json:"name"`
	MaxConcurrent int    `json:"max_concurrent"`
	Running       int    `json:"running"`
	QueueSize     int    `json:"queue_size"`
	Queued        int    `json:"queued"`
	Submitted     uint64 `json:"submitted"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	TimedOut      uint64 `json:"timed_out"`
	Rejected      uint64 `json:"rejected"`
	Canceled      uint64 `json:"canceled"`
}

// QueueUtilization returns the queue utilization as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return (float64(s.Queued) / float64(s.QueueSize)) * 100.0
}

// WorkerUtilization returns the worker utilization as a percentage
func (s Stats) WorkerUtilization() float64 {
	if s.MaxConcurrent == 0 {
		return 0
	}
	return (float64(s.Running) / float64(s.MaxConcurrent)) * 100.0
}

// SuccessRate returns the completed share of submitted jobs as a percentage
func (s Stats) SuccessRate() float64 {
	if s.Submitted == 0 {
		return 100.0
	}
	return (float64(s.Completed) / float64(s.Submitted)) * 100.0
}
