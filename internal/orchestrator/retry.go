package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openjobspec/scan-populator/internal/core"
	"github.com/openjobspec/scan-populator/internal/metrics"
	"github.com/openjobspec/scan-populator/internal/pipeline"
)

// RetryDecision is the smart retry verdict for one source.
type RetryDecision string

const (
	DecisionSufficient RetryDecision = "sufficient"
	DecisionRetried    RetryDecision = "retried"
	DecisionExhausted  RetryDecision = "exhausted"
	DecisionBackoff    RetryDecision = "backoff"
	DecisionError      RetryDecision = "error"
)

// RetryReport summarizes a smart retry pass.
type RetryReport struct {
	Evaluated int
	Decisions map[string]RetryDecision
	Ingest    pipeline.IngestResult
}

// Retried returns the number of sources that were re-enriched.
func (r RetryReport) Retried() int {
	n := 0
	for _, d := range r.Decisions {
		if d == DecisionRetried {
			n++
		}
	}
	return n
}

// shortfall reports whether the coverage gap warrants a retry.
func (o *Orchestrator) shortfall(cov pipeline.CSVCoverage) bool {
	if cov.Total == 0 {
		return false
	}
	return cov.Missing >= o.policy.MinMissingRows || cov.MissingRatio() >= o.policy.MinMissingRatio
}

// claimRetry atomically checks and consumes one retry attempt of the source.
// The budget is claimed before the retry runs, so a failed retry still
// counts against the day's attempts.
func (o *Orchestrator) claimRetry(ctx context.Context, sourceKey string) (RetryDecision, core.RetryBudgetEntry, error) {
	now := o.Now()
	today := core.DateKey(now, o.loc)

	decision := DecisionRetried
	entry, _, err := o.budget.Update(ctx, sourceKey, func(e *core.RetryBudgetEntry) bool {
		e.SourceKey = sourceKey
		if e.Day != today {
			e.Day = today
			e.Attempts = 0
			e.LastAttemptAt = time.Time{}
		}
		if e.Attempts >= o.policy.MaxAttemptsPerDay {
			decision = DecisionExhausted
			return false
		}
		if !e.LastAttemptAt.IsZero() && now.Sub(e.LastAttemptAt) < o.policy.Backoff {
			decision = DecisionBackoff
			return false
		}
		e.Attempts++
		e.LastAttemptAt = now
		decision = DecisionRetried
		return true
	})
	if err != nil {
		return DecisionError, entry, err
	}
	return decision, entry, nil
}

// retrySources re-runs the retry stages for every under-covered source whose
// budget allows it, then re-ingests the re-enriched files.
func (o *Orchestrator) retrySources(ctx context.Context, sources []core.Source) (RetryReport, error) {
	report := RetryReport{Decisions: make(map[string]RetryDecision, len(sources))}
	if o.p.Analyzer == nil || o.budget == nil {
		return report, nil
	}

	var (
		errs    []error
		retried []core.Source
	)
	for _, src := range sources {
		report.Evaluated++
		key := src.Key()
		log := slog.With("source", key, "restaurant_id", src.RestaurantID)

		cov, err := o.p.Analyzer.Analyze(ctx, src.Path)
		if err != nil {
			log.Warn("coverage analysis failed", "error", err)
			report.Decisions[key] = DecisionError
			metrics.RetryDecisions.WithLabelValues(string(DecisionError)).Inc()
			errs = append(errs, fmt.Errorf("analyze %s: %w", key, err))
			continue
		}
		if !o.shortfall(cov) {
			report.Decisions[key] = DecisionSufficient
			continue
		}

		decision, entry, err := o.claimRetry(ctx, key)
		report.Decisions[key] = decision
		metrics.RetryDecisions.WithLabelValues(string(decision)).Inc()
		if err != nil {
			log.Error("retry budget update failed", "error", err)
			errs = append(errs, fmt.Errorf("claim retry %s: %w", key, err))
			continue
		}

		data := map[string]any{
			"source":   key,
			"missing":  cov.Missing,
			"total":    cov.Total,
			"attempts": entry.Attempts,
			"decision": string(decision),
		}
		if decision != DecisionRetried {
			log.Info("smart retry skipped", "decision", decision, "attempts", entry.Attempts, "missing", cov.Missing, "total", cov.Total)
			o.publish(core.EventRetrySkipped, src.DateKey, data)
			continue
		}

		log.Info("smart retry of under-covered source", "attempt", entry.Attempts, "missing", cov.Missing, "total", cov.Total)
		o.publish(core.EventRetryAttempted, src.DateKey, data)
		src.Path = o.p.Enricher.Enrich(ctx, src, pipeline.EnrichOptions{Stages: pipeline.RetryStages})
		retried = append(retried, src)
	}

	if len(retried) > 0 {
		ir, err := o.p.Ingester.Ingest(ctx, retried)
		report.Ingest = ir
		metrics.RowsIngested.WithLabelValues("processed").Add(float64(ir.Processed))
		metrics.RowsIngested.WithLabelValues("skipped").Add(float64(ir.Skipped))
		if err != nil {
			errs = append(errs, fmt.Errorf("re-ingest: %w", err))
		}
	}

	slog.Info("smart retry pass complete", "evaluated", report.Evaluated, "retried", report.Retried())
	return report, errors.Join(errs...)
}

// TriggerScan starts a background smart retry scan of all current sources.
// Calls within the debounce window of the last started scan are dropped, as
// are calls made while a population holds the job lock; only a started scan
// opens a new debounce window. The return value reports whether a scan was
// started.
func (o *Orchestrator) TriggerScan(ctx context.Context) bool {
	if o.p.Lister == nil {
		return false
	}

	o.debounceMu.Lock()
	defer o.debounceMu.Unlock()

	now := o.now()
	if !o.lastTrigger.IsZero() && now.Sub(o.lastTrigger) < o.policy.Debounce {
		slog.Info("smart retry trigger debounced", "since_last", now.Sub(o.lastTrigger).Round(time.Second))
		metrics.RetryTriggersDebounced.Inc()
		return false
	}
	if !o.lock.TryAcquire(ctx) {
		slog.Info("population in progress, smart retry scan skipped")
		metrics.LockContention.Inc()
		return false
	}
	o.lastTrigger = now

	o.Go(ctx, "smart-retry", func(ctx context.Context) {
		defer o.lock.Release(ctx)
		o.scan(ctx)
	})
	return true
}

// scan evaluates every source under the audit directory. The caller holds
// the job lock.
func (o *Orchestrator) scan(ctx context.Context) {
	sources, err := o.p.Lister.ListSources(ctx)
	if err != nil {
		slog.Error("failed to list sources for smart retry", "error", err)
		return
	}
	if _, err := o.retrySources(ctx, sources); err != nil {
		slog.Warn("smart retry scan finished with errors", "error", err)
	}
}
