// Package maintenance runs periodic housekeeping jobs such as outbox and
// inbox sweeps on a gocron scheduler.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Job is one sweep. It returns the number of rows it touched.
type Job func(ctx context.Context) (int64, error)

type namedJob struct {
	name string
	run  Job
}

// Scheduler runs registered jobs on a fixed interval
type Scheduler struct {
	scheduler *gocron.Scheduler
	timeout   time.Duration
	logger    *zap.Logger

	mu   sync.Mutex
	jobs []namedJob
}

// New creates a scheduler. Each run is bounded by timeout.
func New(timeout time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := gocron.NewScheduler(time.Local)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		timeout:   timeout,
		logger:    logger,
	}
}

// Every registers job under name. every is a duration string such as "5m".
func (s *Scheduler) Every(every, name string, job Job) error {
	if _, err := time.ParseDuration(every); err != nil {
		return fmt.Errorf("schedule %s: invalid interval %q: %w", name, every, err)
	}
	if _, err := s.scheduler.Every(every).Do(func() {
		s.run(name, job)
	}); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	s.jobs = append(s.jobs, namedJob{name: name, run: job})
	s.mu.Unlock()
	return nil
}

// Start begins running jobs in the background
func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
	s.logger.Info("maintenance scheduler started", zap.Int("jobs", s.scheduler.Len()))
}

// Stop waits for running jobs and stops the scheduler
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
	s.logger.Info("maintenance scheduler stopped")
}

// RunAll runs every registered job once, in registration order
func (s *Scheduler) RunAll() {
	s.mu.Lock()
	jobs := append([]namedJob(nil), s.jobs...)
	s.mu.Unlock()

	for _, j := range jobs {
		s.run(j.name, j.run)
	}
}

func (s *Scheduler) run(name string, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	n, err := job(ctx)
	if err != nil {
		s.logger.Error("maintenance job failed", zap.String("job", name), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("maintenance job completed",
			zap.String("job", name),
			zap.Int64("rows", n),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
