// Package workerpool provides a bounded worker pool for controlled concurrency.
// Submitting blocks while the queue is full, which gives callers backpressure.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned when submitting to a pool that is shutting down
var ErrStopped = errors.New("worker pool is stopped")

// Func processes one item
type Func[T any] func(ctx context.Context, item T) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries, multiplied by the attempt
	RetryDelay time.Duration
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for the audit worker
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              2,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type task[T any] struct {
	ctx  context.Context
	item T
	done chan error
}

// Pool runs Func over submitted items on a fixed set of workers
type Pool[T any] struct {
	config Config
	fn     Func[T]
	logger *zap.Logger

	mu      sync.RWMutex
	stopped bool
	tasks   chan task[T]
	wg      sync.WaitGroup

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
	queueDepth     int64
}

// New creates a new worker pool
func New[T any](cfg Config, fn Func[T], logger *zap.Logger) (*Pool[T], error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = defaults.GracefulShutdownTimeout
	}

	return &Pool[T]{
		config: cfg,
		fn:     fn,
		logger: logger,
		tasks:  make(chan task[T], cfg.QueueSize),
	}, nil
}

// Start launches all workers
func (p *Pool[T]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues item and returns a channel that receives its outcome. It
// blocks while the queue is full.
func (p *Pool[T]) Submit(ctx context.Context, item T) (<-chan error, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}

	t := task[T]{ctx: ctx, item: item, done: make(chan error, 1)}
	select {
	case p.tasks <- t:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return t.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do submits item and waits for it to finish
func (p *Pool[T]) Do(ctx context.Context, item T) error {
	done, err := p.Submit(ctx, item)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting work and waits for queued tasks to drain
func (p *Pool[T]) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool[T]) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for t := range p.tasks {
		atomic.AddInt64(&p.queueDepth, -1)
		err := p.process(t)
		if err != nil {
			atomic.AddInt64(&p.tasksFailed, 1)
			p.logger.Debug("task failed", zap.Int("worker_id", id), zap.Error(err))
		} else {
			atomic.AddInt64(&p.tasksCompleted, 1)
		}
		t.done <- err
	}
}

// process runs one task with retries
func (p *Pool[T]) process(t task[T]) error {
	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := t.ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = p.fn(t.ctx, t.item)
		if err == nil {
			return nil
		}
		if attempt >= p.config.MaxRetries || (p.config.Retryable != nil && !p.config.Retryable(err)) {
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if p.config.MaxRetries > 0 {
		return fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, err)
	}
	return err
}

// Stats holds pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true if the queue isn't backing up significantly
func (p *Pool[T]) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
