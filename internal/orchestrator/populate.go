package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openjobspec/scan-populator/internal/core"
	"github.com/openjobspec/scan-populator/internal/metrics"
	"github.com/openjobspec/scan-populator/internal/pipeline"
	"github.com/openjobspec/scan-populator/internal/state"
)

// maxLoggedMismatches bounds the verification mismatches logged per run.
const maxLoggedMismatches = 20

// Outcome is the terminal state of a population invocation.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeNoData    Outcome = "no_data"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// PopulateRequest describes one population invocation.
type PopulateRequest struct {
	// DateKey selects the date to download; empty or core.LatestKey
	// downloads the newest date available.
	DateKey string
	// RunAI enables the enrichment stages and the smart retry pass.
	RunAI bool
	// RunType is recorded in the run ledger on completion.
	RunType core.RunType
	// Slots are the schedule slots this run satisfies. When nil the
	// current wall-clock minute is recorded; an empty slice records nothing.
	Slots []core.Slot
	// LedgerDate is the date the run is recorded under. It defaults to
	// DateKey, or today for latest downloads.
	LedgerDate string
	// Trigger labels the run in logs and metrics (cron, catchup, api...).
	Trigger string
}

// PopulateResult reports what a population invocation did.
type PopulateResult struct {
	Outcome   Outcome
	DateKey   string
	Sources   int
	Processed int
	Skipped   int
	Records   []*core.RunRecord
	Err       error
}

func stateKey(dateKey string) string {
	if dateKey == "" {
		return core.LatestKey
	}
	return dateKey
}

// Populate runs download, extraction, optional enrichment, ingest and
// verification under the job lock. A caller that loses the lock returns
// OutcomeSkipped without side effects. Failures, panics included, are
// folded into state and the result; they never propagate.
func (o *Orchestrator) Populate(ctx context.Context, req PopulateRequest) (res PopulateResult) {
	key := stateKey(req.DateKey)
	if req.RunType == "" {
		req.RunType = core.RunTypeScheduled
	}
	if req.Trigger == "" {
		req.Trigger = string(req.RunType)
	}
	log := slog.With("date", key, "trigger", req.Trigger, "run_ai", req.RunAI)

	if !o.lock.TryAcquire(ctx) {
		log.Info("population already in progress, skipping")
		metrics.LockContention.Inc()
		metrics.PopulationRuns.WithLabelValues(req.Trigger, string(OutcomeSkipped)).Inc()
		o.publish(core.EventRunSkipped, key, map[string]any{"trigger": req.Trigger})
		return PopulateResult{Outcome: OutcomeSkipped, DateKey: key}
	}
	defer o.lock.Release(ctx)

	start := o.now()
	o.state.SetPropagation(key, state.PropagationUpdate{Running: state.Bool(true)})
	if req.RunAI {
		o.state.SetAI(key, state.AIUpdate{Running: state.Bool(true)})
	}
	o.publish(core.EventRunStarted, key, map[string]any{"trigger": req.Trigger, "run_type": string(req.RunType)})
	log.Info("population started")

	defer func() {
		if r := recover(); r != nil {
			res = PopulateResult{Outcome: OutcomeFailed, DateKey: key, Err: fmt.Errorf("population panicked: %v", r)}
		}
		o.finish(key, req, res, log)
		metrics.PopulationRuns.WithLabelValues(req.Trigger, string(res.Outcome)).Inc()
		metrics.PopulationDuration.WithLabelValues(string(res.Outcome)).Observe(o.now().Sub(start).Seconds())
	}()

	return o.populate(ctx, key, req, log)
}

func (o *Orchestrator) populate(ctx context.Context, key string, req PopulateRequest, log *slog.Logger) PopulateResult {
	res := PopulateResult{DateKey: key}

	dl, err := o.p.Downloader.Download(ctx, req.DateKey)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, fmt.Errorf("download: %w", err)
		return res
	}
	if dl.DateKey != "" {
		res.DateKey = dl.DateKey
	}
	if !dl.FilesFound {
		log.Warn("no files downloaded, marking no data")
		res.Outcome = OutcomeNoData
		return res
	}

	sources, err := o.p.Sources.Sources(ctx, dl.Dir)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, fmt.Errorf("find sources: %w", err)
		return res
	}
	res.Sources = len(sources)
	if len(sources) == 0 {
		log.Warn("no source files found, nothing to populate", "dir", dl.Dir)
		res.Outcome = OutcomeNoData
		return res
	}

	ingested := make([]core.Source, 0, len(sources))
	for _, src := range sources {
		if req.RunAI {
			src.Path = o.p.Enricher.Enrich(ctx, src, pipeline.EnrichOptions{Stages: pipeline.AllStages})
		}
		ingested = append(ingested, src)
	}

	ir, ingestErr := o.p.Ingester.Ingest(ctx, ingested)
	res.Processed, res.Skipped = ir.Processed, ir.Skipped
	metrics.RowsIngested.WithLabelValues("processed").Add(float64(ir.Processed))
	metrics.RowsIngested.WithLabelValues("skipped").Add(float64(ir.Skipped))
	if ir.Processed == 0 {
		if ingestErr != nil {
			res.Outcome, res.Err = OutcomeFailed, fmt.Errorf("ingest: %w", ingestErr)
			return res
		}
		log.Warn("no ingestible rows, marking no data", "skipped", ir.Skipped)
		res.Outcome = OutcomeNoData
		return res
	}
	if ingestErr != nil {
		log.Warn("some files failed to ingest", "error", ingestErr)
	}

	o.verify(ctx, ingested, log)

	log.Info("population finished", "processed", ir.Processed, "skipped", ir.Skipped, "sources", len(sources))
	res.Records = o.recordRuns(ctx, key, req)
	res.Outcome = OutcomeCompleted

	// Propagation is complete before the retry pass; the job lock stays held.
	o.state.SetPropagation(key, state.PropagationUpdate{Running: state.Bool(false), NoData: state.Bool(false)})

	if req.RunAI {
		if _, err := o.retrySources(ctx, ingested); err != nil {
			log.Warn("smart retry pass failed", "error", err)
		}
	}
	return res
}

func (o *Orchestrator) verify(ctx context.Context, sources []core.Source, log *slog.Logger) {
	if o.p.Verifier == nil {
		return
	}
	report, err := o.p.Verifier.Verify(ctx, sources)
	if err != nil {
		log.Error("verification failed", "error", err)
		return
	}
	if n := len(report.Mismatches); n > 0 {
		log.Warn("verification mismatches", "partitions", n)
		for i, mm := range report.Mismatches {
			if i == maxLoggedMismatches {
				log.Warn("further mismatches omitted", "count", n-maxLoggedMismatches)
				break
			}
			log.Warn("verification mismatch", "restaurant_date", mm.RestaurantDate, "expected", mm.Expected, "found", mm.Found)
		}
	}
	log.Info("verification complete", "ok", report.OK, "mismatches", len(report.Mismatches),
		"sample_checked", report.Checked, "sample_missing", len(report.Missing))
}

// recordRuns appends one ledger record per satisfied slot. Failures are
// logged; catch-up falls back to data presence for unrecorded slots.
func (o *Orchestrator) recordRuns(ctx context.Context, key string, req PopulateRequest) []*core.RunRecord {
	ledgerDate := req.LedgerDate
	if ledgerDate == "" {
		ledgerDate = key
		if key == core.LatestKey {
			ledgerDate = o.Today()
		}
	}
	slots := req.Slots
	if slots == nil {
		slots = []core.Slot{core.SlotOf(o.Now())}
	}

	var records []*core.RunRecord
	for _, slot := range slots {
		rec, err := o.ledger.RecordRun(ctx, ledgerDate, slot, req.RunType)
		if err != nil {
			slog.Error("failed to record run", "date", ledgerDate, "slot", slot.String(), "run_type", req.RunType, "error", err)
			metrics.LedgerWrites.WithLabelValues(string(req.RunType), "error").Inc()
			continue
		}
		metrics.LedgerWrites.WithLabelValues(string(req.RunType), "ok").Inc()
		o.publish(core.EventRunRecorded, ledgerDate, map[string]any{"slot": slot.String(), "run_type": string(req.RunType), "run_id": rec.RunID})
		records = append(records, rec)
	}
	return records
}

// finish applies the terminal state transition of a run.
func (o *Orchestrator) finish(key string, req PopulateRequest, res PopulateResult, log *slog.Logger) {
	data := map[string]any{"trigger": req.Trigger, "processed": res.Processed, "skipped": res.Skipped}

	switch res.Outcome {
	case OutcomeCompleted:
		o.state.SetPropagation(key, state.PropagationUpdate{Running: state.Bool(false), NoData: state.Bool(false)})
		o.publish(core.EventRunCompleted, key, data)
	case OutcomeNoData:
		o.state.SetPropagation(key, state.PropagationUpdate{Running: state.Bool(false), NoData: state.Bool(true)})
		o.publish(core.EventRunNoData, key, data)
	default:
		o.state.SetPropagation(key, state.PropagationUpdate{Running: state.Bool(false)})
		if res.Err == nil {
			res.Err = errors.New("population failed")
		}
		log.Error("population failed", "error", res.Err)
		data["error"] = res.Err.Error()
		o.publish(core.EventRunFailed, key, data)
	}

	if req.RunAI {
		u := state.AIUpdate{Running: state.Bool(false)}
		switch res.Outcome {
		case OutcomeCompleted:
			done := o.now()
			u.CompletedAt = &done
			u.ClearError = true
		case OutcomeFailed:
			u.LastError = state.String(res.Err.Error())
		}
		o.state.SetAI(key, u)
	}
}
