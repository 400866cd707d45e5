// Package scheduler fires the daily population slots and the periodic
// catch-up health check on a cron clock in the business timezone.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openjobspec/scan-populator/internal/core"
	"github.com/openjobspec/scan-populator/internal/metrics"
	"github.com/openjobspec/scan-populator/internal/orchestrator"
)

// Default schedule settings.
const (
	DefaultHealthCheckSpec  = "*/30 * * * *"
	DefaultPopulationGrace  = 6 * time.Hour
	DefaultHealthCheckGrace = 5 * time.Minute
)

// Runner is the work the scheduler triggers.
type Runner interface {
	ScheduledRun(ctx context.Context, slot core.Slot) orchestrator.PopulateResult
	HealthCheck(ctx context.Context)
}

// Config holds scheduler settings.
type Config struct {
	Location         *time.Location
	Slots            []core.Slot
	HealthCheckSpec  string
	PopulationGrace  time.Duration
	HealthCheckGrace time.Duration
	Clock            core.Clock
}

// Scheduler drives the cron jobs.
type Scheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a Scheduler with one population job per slot and the
// health-check job. Every job recovers panics and never overlaps itself.
func New(runner Runner, cfg Config) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if len(cfg.Slots) == 0 {
		cfg.Slots = core.DefaultSlots
	}
	if cfg.HealthCheckSpec == "" {
		cfg.HealthCheckSpec = DefaultHealthCheckSpec
	}
	if cfg.PopulationGrace <= 0 {
		cfg.PopulationGrace = DefaultPopulationGrace
	}
	if cfg.HealthCheckGrace <= 0 {
		cfg.HealthCheckGrace = DefaultHealthCheckGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	logger := slogLogger{l: slog.Default().With("component", "cron")}
	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s := &Scheduler{cron: c}

	for _, slot := range cfg.Slots {
		slot := slot
		name := "populate-" + slot.Prefix()
		err := s.add(c, name, slot.CronSpec(), cfg, cfg.PopulationGrace, func(ctx context.Context) {
			slog.Info("scheduled population firing", "slot", slot.String())
			res := runner.ScheduledRun(ctx, slot)
			slog.Info("scheduled population done", "slot", slot.String(), "outcome", res.Outcome)
		})
		if err != nil {
			return nil, err
		}
	}

	err := s.add(c, "health-check", cfg.HealthCheckSpec, cfg, cfg.HealthCheckGrace, func(ctx context.Context) {
		slog.Debug("health check firing")
		runner.HealthCheck(ctx)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) add(c *cron.Cron, name, spec string, cfg Config, grace time.Duration, run func(context.Context)) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q for %s: %w", spec, name, err)
	}
	job := &graceJob{
		name:     name,
		schedule: schedule,
		grace:    grace,
		now:      func() time.Time { return cfg.Clock().In(cfg.Location) },
		run:      run,
	}
	job.next = schedule.Next(job.now())
	c.Schedule(schedule, job)
	return nil
}

// Start begins firing jobs. Calling Start again is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
	for name, next := range s.NextRuns() {
		slog.Info("scheduled job", "job", name, "next", next)
	}
}

// Stop stops firing new jobs and waits for running ones until ctx is done.
// Calling Stop more than once is safe.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	if !started {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		slog.Warn("scheduler stopped with jobs still running")
	}
}

// NextRuns returns the next firing time of each job.
func (s *Scheduler) NextRuns() map[string]time.Time {
	out := make(map[string]time.Time)
	for _, e := range s.cron.Entries() {
		if j, ok := e.Job.(*graceJob); ok {
			out[j.name] = e.Next
		}
	}
	return out
}

// graceJob drops firings that start later than grace after the schedule
// time they belong to.
type graceJob struct {
	name     string
	schedule cron.Schedule
	grace    time.Duration
	now      func() time.Time
	run      func(context.Context)

	mu   sync.Mutex
	next time.Time
}

// due returns the latest schedule time not after now.
func (j *graceJob) due(now time.Time) time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	scheduled := j.next
	for {
		n := j.schedule.Next(scheduled)
		if n.After(now) {
			break
		}
		scheduled = n
	}
	j.next = j.schedule.Next(now)
	return scheduled
}

// Run implements cron.Job.
func (j *graceJob) Run() {
	now := j.now()
	scheduled := j.due(now)
	if lag := now.Sub(scheduled); lag > j.grace {
		slog.Warn("cron firing missed its grace window, dropping",
			"job", j.name, "scheduled", scheduled, "lag", lag.Round(time.Second), "grace", j.grace)
		metrics.SchedulerMisfires.WithLabelValues(j.name).Inc()
		return
	}
	j.run(context.Background())
}

// slogLogger adapts slog to cron.Logger.
type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Info(msg string, keysAndValues ...interface{}) {
	s.l.Debug(msg, keysAndValues...)
}

func (s slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	s.l.Error(msg, append(keysAndValues, "error", err)...)
}
