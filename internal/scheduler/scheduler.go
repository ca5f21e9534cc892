// Package scheduler triggers pipeline runs from a cron expression. At most
// one run is in flight; a tick that fires while a run is still going is
// skipped, not queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/shipyard/pkg/schema"
)

// Job runs the pipeline once.
type Job func(ctx context.Context) error

// Stats counts what the scheduler has done since Start.
type Stats struct {
	Runs     int64
	Failures int64
	Skipped  int64
	LastRun  time.Time
	NextRun  time.Time
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a standard five-field cron expression, an optional
// leading seconds field, or a descriptor such as @hourly or @every 10m.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, schema.ValidationError("invalid cron expression %q: %v", expr, err).WithCause(err)
	}
	return sched, nil
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRunOnStart triggers one run as soon as the scheduler starts.
func WithRunOnStart(on bool) Option {
	return func(s *Scheduler) { s.runOnStart = on }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler fires Job on a cron schedule.
type Scheduler struct {
	schedule   cron.Schedule
	job        Job
	logger     *slog.Logger
	runOnStart bool
	now        func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runs   sync.WaitGroup

	inflight atomic.Bool
	stats    struct {
		sync.Mutex
		Stats
	}
}

// New parses expr and creates a Scheduler.
func New(expr string, job Job, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	return NewWithSchedule(sched, job, logger, opts...), nil
}

// NewWithSchedule creates a Scheduler from an already parsed schedule.
func NewWithSchedule(sched cron.Schedule, job Job, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		schedule: sched,
		job:      job,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the scheduling loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(schedCtx, s.done)
	s.logger.Info("scheduler started", slog.Time("next_run", s.schedule.Next(s.now())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if s.runOnStart {
		s.trigger(ctx)
	}

	for {
		now := s.now()
		next := s.schedule.Next(now)
		s.stats.Lock()
		s.stats.NextRun = next
		s.stats.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.trigger(ctx)
		}
	}
}

// trigger starts a run unless one is already in flight.
func (s *Scheduler) trigger(ctx context.Context) bool {
	if !s.inflight.CompareAndSwap(false, true) {
		s.stats.Lock()
		s.stats.Skipped++
		s.stats.Unlock()
		s.logger.Warn("previous run still in flight, skipping tick")
		return false
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.inflight.Store(false)
		s.run(ctx)
	}()
	return true
}

func (s *Scheduler) run(ctx context.Context) {
	start := s.now()
	s.logger.Info("scheduled run starting")

	err := s.safeJob(ctx)

	s.stats.Lock()
	s.stats.Runs++
	s.stats.LastRun = start
	if err != nil {
		s.stats.Failures++
	}
	s.stats.Unlock()

	if err != nil {
		s.logger.Error("scheduled run failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("scheduled run finished", slog.Duration("duration", s.now().Sub(start)))
}

func (s *Scheduler) safeJob(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduled job panicked: %v", r)
		}
	}()
	return s.job(ctx)
}

// RunNow triggers a run outside the schedule. It returns false if a run is
// already in flight.
func (s *Scheduler) RunNow(ctx context.Context) bool {
	return s.trigger(ctx)
}

// Running reports whether a run is in flight.
func (s *Scheduler) Running() bool {
	return s.inflight.Load()
}

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() Stats {
	s.stats.Lock()
	defer s.stats.Unlock()
	return s.stats.Stats
}

// Next returns the next scheduled time after from.
func (s *Scheduler) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Stop cancels the loop and waits for any in-flight run to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.runs.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
