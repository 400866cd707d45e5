// Package orchestrator decides when population runs happen, keeps at most
// one in flight, recovers missed runs and throttles smart retries of
// under-covered sources.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openjobspec/scan-populator/internal/core"
	"github.com/openjobspec/scan-populator/internal/joblock"
	"github.com/openjobspec/scan-populator/internal/pipeline"
	"github.com/openjobspec/scan-populator/internal/state"
)

// RunLedger is the durable record of completed runs.
type RunLedger interface {
	RecordRun(ctx context.Context, dateKey string, slot core.Slot, runType core.RunType) (*core.RunRecord, error)
	FindCompletedRun(ctx context.Context, dateKey string, slot core.Slot) (*core.RunRecord, error)
	ListRuns(ctx context.Context, dateKey string) ([]*core.RunRecord, error)
}

// RetryBudget persists per-source retry budgets with atomic updates.
type RetryBudget interface {
	Update(ctx context.Context, sourceKey string, mutate func(entry *core.RetryBudgetEntry) bool) (core.RetryBudgetEntry, bool, error)
	All(ctx context.Context) ([]core.RetryBudgetEntry, error)
}

// Pipeline bundles the external collaborators of a population run.
// Verifier is optional.
type Pipeline struct {
	Downloader pipeline.Downloader
	Sources    pipeline.SourceFinder
	Lister     pipeline.SourceLister
	Ingester   pipeline.Ingester
	Enricher   pipeline.Enricher
	Verifier   pipeline.Verifier
	Probe      pipeline.DataProbe
	Analyzer   pipeline.CoverageAnalyzer
}

// RetryPolicy configures the smart retry engine.
type RetryPolicy struct {
	MinMissingRows    int
	MinMissingRatio   float64
	MaxAttemptsPerDay int
	Backoff           time.Duration
	Debounce          time.Duration
}

// DefaultRetryPolicy retries sources missing at least 10 guesses or 10% of
// rows, twice a day at most, 30 minutes apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MinMissingRows:    10,
		MinMissingRatio:   0.10,
		MaxAttemptsPerDay: 2,
		Backoff:           30 * time.Minute,
		Debounce:          5 * time.Minute,
	}
}

// Config holds orchestrator settings.
type Config struct {
	Location *time.Location
	Slots    []core.Slot
	Retry    RetryPolicy
}

// Deps are the orchestrator's collaborators. Fallback defaults to a
// DataPresenceFallback over Pipeline.Probe, Events to a no-op publisher and
// Clock to time.Now.
type Deps struct {
	Lock     joblock.Lock
	State    *state.Store
	Ledger   RunLedger
	Budget   RetryBudget
	Pipeline Pipeline
	Fallback CompletionFallback
	Events   core.EventPublisher
	Clock    core.Clock
}

// Orchestrator coordinates population, catch-up and smart retry.
type Orchestrator struct {
	loc      *time.Location
	slots    []core.Slot
	policy   RetryPolicy
	lock     joblock.Lock
	state    *state.Store
	ledger   RunLedger
	budget   RetryBudget
	p        Pipeline
	fallback CompletionFallback
	events   core.EventPublisher
	now      core.Clock

	wg sync.WaitGroup

	debounceMu  sync.Mutex
	lastTrigger time.Time
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		loc:      cfg.Location,
		slots:    cfg.Slots,
		policy:   cfg.Retry,
		lock:     deps.Lock,
		state:    deps.State,
		ledger:   deps.Ledger,
		budget:   deps.Budget,
		p:        deps.Pipeline,
		fallback: deps.Fallback,
		events:   deps.Events,
		now:      deps.Clock,
	}
	if o.loc == nil {
		o.loc = time.UTC
	}
	if len(o.slots) == 0 {
		o.slots = core.DefaultSlots
	}
	if o.policy == (RetryPolicy{}) {
		o.policy = DefaultRetryPolicy()
	}
	if o.lock == nil {
		o.lock = joblock.NewLocal()
	}
	if o.state == nil {
		o.state = state.New()
	}
	if o.fallback == nil && o.p.Probe != nil {
		o.fallback = DataPresenceFallback{Probe: o.p.Probe}
	}
	if o.events == nil {
		o.events = core.NopPublisher{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// State returns the per-date state store.
func (o *Orchestrator) State() *state.Store {
	return o.state
}

// Location returns the business timezone.
func (o *Orchestrator) Location() *time.Location {
	return o.loc
}

// Slots returns the daily schedule.
func (o *Orchestrator) Slots() []core.Slot {
	return o.slots
}

// Now returns the current time in the business timezone.
func (o *Orchestrator) Now() time.Time {
	return o.now().In(o.loc)
}

// Today returns today's date key in the business timezone.
func (o *Orchestrator) Today() string {
	return core.DateKey(o.now(), o.loc)
}

// Go runs fn on a tracked goroutine detached from ctx's cancellation, so
// population work started by a request outlives the request. Wait blocks
// until all such goroutines finish.
func (o *Orchestrator) Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("background task panicked", "task", name, "panic", r)
			}
		}()
		fn(ctx)
	}()
}

// Wait blocks until background tasks started with Go have finished or ctx
// is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) publish(eventType, dateKey string, data map[string]any) {
	if err := o.events.Publish(core.NewEvent(eventType, dateKey, data)); err != nil {
		slog.Debug("event not published", "type", eventType, "error", err)
	}
}
