// Package scheduler triggers the learning job and the proposal expiry sweep
// on their configured cadences.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"

	"sage/internal/config"
	"sage/internal/domain"
	"sage/internal/learning"
	"sage/internal/logging"
)

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

var ErrStopped = errors.New("scheduler stopped")

type Runner interface {
	RunLearning(ctx context.Context, trigger string) (domain.JobSummary, error)
}

type Expirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Scheduler owns a cron instance and tracks every run it starts so Stop can
// wait for them.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	expirer Expirer
	log     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New validates the schedules in cfg. Schedules use the six-field cron format
// with seconds, or descriptors such as "@every 1h". An empty expiry schedule
// leaves expiry to the learning job.
func New(cfg config.JobConfig, runner Runner, expirer Expirer, log *logging.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler needs a runner")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    cron.NewWithLocation(time.UTC),
		runner:  runner,
		expirer: expirer,
		log:     logging.OrNop(log).With("component", "scheduler"),
		ctx:     ctx,
		cancel:  cancel,
	}
	if err := s.cron.AddFunc(cfg.Schedule, s.track(s.runScheduled)); err != nil {
		cancel()
		return nil, fmt.Errorf("job.schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.ExpirySchedule != "" && expirer != nil {
		if err := s.cron.AddFunc(cfg.ExpirySchedule, s.track(s.expire)); err != nil {
			cancel()
			return nil, fmt.Errorf("job.expiry_schedule %q: %w", cfg.ExpirySchedule, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "entries", len(s.cron.Entries()))
}

// Stop halts the cron loop, cancels running work and waits for it to return.
// Cancelled learning runs leave their remaining items for the next run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	s.cron.Stop()
	s.cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// RunNow runs the learning job synchronously for an operator.
func (s *Scheduler) RunNow(ctx context.Context) (domain.JobSummary, error) {
	if !s.begin() {
		return domain.JobSummary{}, ErrStopped
	}
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	return s.runner.RunLearning(ctx, TriggerManual)
}

func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Scheduler) track(fn func(context.Context)) func() {
	return func() {
		if !s.begin() {
			return
		}
		defer s.wg.Done()
		fn(s.ctx)
	}
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	summary, err := s.runner.RunLearning(ctx, TriggerSchedule)
	switch {
	case errors.Is(err, learning.ErrJobRunning):
		s.log.Info("learning run skipped, previous run still active")
	case err != nil:
		s.log.Error("scheduled learning run failed", "err", err)
	default:
		s.log.Info("scheduled learning run finished",
			"processed", summary.Processed, "skipped", summary.Skipped, "errors", summary.Errors, "duration_ms", summary.DurationMS)
	}
}

func (s *Scheduler) expire(ctx context.Context) {
	n, err := s.expirer.ExpireStale(ctx)
	if err != nil {
		s.log.Warn("proposal expiry sweep failed", "err", err)
		return
	}
	if n > 0 {
		s.log.Info("expired stale proposals", "count", n)
	}
}
