package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openjobspec/scan-populator/internal/core"
	"github.com/openjobspec/scan-populator/internal/metrics"
	"github.com/openjobspec/scan-populator/internal/pipeline"
)

// CompletionFallback decides whether a slot without a ledger record should
// still count as completed.
type CompletionFallback interface {
	Satisfied(ctx context.Context, dateKey string, slot core.Slot) (bool, error)
}

// DataPresenceFallback treats a slot as completed when any scan row exists
// for the date. It is deliberately weak: it cannot tell which slot produced
// the data.
type DataPresenceFallback struct {
	Probe pipeline.DataProbe
}

// Satisfied implements CompletionFallback.
func (f DataPresenceFallback) Satisfied(ctx context.Context, dateKey string, _ core.Slot) (bool, error) {
	return f.Probe.HasData(ctx, dateKey)
}

// SlotStatus values.
const (
	SlotCompleted = "completed"
	SlotNotFound  = "not_found"
	SlotError     = "error"
)

// RunTypeInferredFromData labels slots satisfied by the data-presence
// fallback in status summaries.
const RunTypeInferredFromData = "inferred_from_data"

// slotCheck is the catch-up verdict for one slot.
type slotCheck struct {
	Slot     core.Slot
	Due      bool
	Record   *core.RunRecord
	Inferred bool
	// Assumed is set when the fallback failed; the slot is skipped for
	// this pass only and never backfilled.
	Assumed bool
}

// checkSlot looks the slot up in the ledger and, failing that, asks the
// fallback. A ledger error falls through to the fallback; a fallback error
// counts as satisfied for the current check only.
func (o *Orchestrator) checkSlot(ctx context.Context, today string, slot core.Slot) slotCheck {
	c := slotCheck{Slot: slot}

	rec, err := o.ledger.FindCompletedRun(ctx, today, slot)
	if err != nil {
		slog.Warn("run ledger lookup failed, using fallback", "date", today, "slot", slot.String(), "error", err)
	}
	if rec.Completed() {
		c.Record = rec
		return c
	}

	if o.fallback == nil {
		return c
	}
	ok, err := o.fallback.Satisfied(ctx, today, slot)
	if err != nil {
		slog.Warn("completion fallback failed, assuming slot completed", "date", today, "slot", slot.String(), "error", err)
		c.Assumed = true
		return c
	}
	c.Inferred = ok
	return c
}

// DetectMissed returns the slots of today that are past and have neither a
// completed ledger record nor fallback evidence. Slots satisfied by the
// fallback are backfilled into the ledger as inferred runs.
func (o *Orchestrator) DetectMissed(ctx context.Context) []core.Slot {
	now := o.Now()
	today := core.DateKey(now, o.loc)

	var missed []core.Slot
	for _, slot := range o.slots {
		if !now.After(slot.On(now)) {
			continue
		}
		c := o.checkSlot(ctx, today, slot)
		switch {
		case c.Record != nil:
			slog.Info("scheduled run completed", "date", today, "slot", slot.String(), "run_type", c.Record.RunType)
		case c.Inferred:
			slog.Info("scheduled run inferred from data", "date", today, "slot", slot.String())
			if _, err := o.ledger.RecordRun(ctx, today, slot, core.RunTypeInferred); err != nil {
				slog.Warn("failed to backfill inferred run", "date", today, "slot", slot.String(), "error", err)
			}
		case c.Assumed:
			slog.Info("skipping slot until completion can be verified", "date", today, "slot", slot.String())
		default:
			slog.Warn("missed scheduled run", "date", today, "slot", slot.String())
			missed = append(missed, slot)
		}
	}
	return missed
}

// CatchUpResult reports a catch-up pass.
type CatchUpResult struct {
	Missed     []core.Slot
	CaughtUp   []core.Slot
	Population *PopulateResult
}

// CatchUp detects missed slots of today and satisfies all of them with a
// single population run, recording one runType record per missed slot.
func (o *Orchestrator) CatchUp(ctx context.Context, runType core.RunType) CatchUpResult {
	missed := o.DetectMissed(ctx)
	res := CatchUpResult{Missed: missed}
	if len(missed) == 0 {
		slog.Info("all scheduled runs appear to be up to date")
		return res
	}

	metrics.MissedSlots.Add(float64(len(missed)))
	today := o.Today()
	o.publish(core.EventCatchUpMissed, today, map[string]any{"slots": slotStrings(missed), "run_type": string(runType)})
	slog.Warn("catching up on missed runs", "date", today, "slots", slotStrings(missed))

	pop := o.Populate(ctx, PopulateRequest{
		DateKey:    core.LatestKey,
		RunAI:      true,
		RunType:    runType,
		Slots:      missed,
		LedgerDate: today,
		Trigger:    string(runType),
	})
	res.Population = &pop
	for _, rec := range pop.Records {
		res.CaughtUp = append(res.CaughtUp, rec.ScheduledTime)
	}
	return res
}

// StartupCatchUp runs once at boot: without any data for today it
// populates unconditionally, otherwise it performs a regular catch-up.
func (o *Orchestrator) StartupCatchUp(ctx context.Context) {
	today := o.Today()

	hasData := true
	if o.p.Probe != nil {
		var err error
		hasData, err = o.p.Probe.HasData(ctx, today)
		if err != nil {
			slog.Warn("failed to check today's population status, assuming populated", "date", today, "error", err)
			hasData = true
		}
	}

	if hasData {
		slog.Info("today's data present, checking for missed runs", "date", today)
		o.CatchUp(ctx, core.RunTypeCatchUp)
		return
	}

	slog.Info("today's data missing, populating once", "date", today)
	due := []core.Slot{}
	now := o.Now()
	for _, slot := range o.slots {
		if now.After(slot.On(now)) {
			due = append(due, slot)
		}
	}
	o.Populate(ctx, PopulateRequest{
		DateKey:    core.LatestKey,
		RunAI:      true,
		RunType:    core.RunTypeCatchUp,
		Slots:      due,
		LedgerDate: today,
		Trigger:    "startup",
	})
}

// ManualCatchUpResponse is the API view of a manual catch-up.
type ManualCatchUpResponse struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message"`
	CaughtUpRuns []string `json:"caught_up_runs"`
	TotalMissed  int      `json:"total_missed"`
}

// ManualCatchUp runs a user-initiated catch-up and waits for it.
func (o *Orchestrator) ManualCatchUp(ctx context.Context) ManualCatchUpResponse {
	res := o.CatchUp(ctx, core.RunTypeManualCatchUp)
	if len(res.Missed) == 0 {
		return ManualCatchUpResponse{
			Success:      true,
			Message:      "No missed runs detected",
			CaughtUpRuns: []string{},
		}
	}

	resp := ManualCatchUpResponse{
		Success:      true,
		CaughtUpRuns: slotStrings(res.CaughtUp),
		TotalMissed:  len(res.Missed),
	}
	if resp.CaughtUpRuns == nil {
		resp.CaughtUpRuns = []string{}
	}
	resp.Message = fmt.Sprintf("Caught up on %d missed runs", len(res.CaughtUp))
	if res.Population != nil && res.Population.Outcome == OutcomeSkipped {
		resp.Message = "A population run is already in progress; missed runs will be retried by the next health check"
	}
	return resp
}

// ForceCatchUpResponse is the API view of a forced catch-up.
type ForceCatchUpResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// ForceCatchUp runs an immediate catch-up check and waits for it.
func (o *Orchestrator) ForceCatchUp(ctx context.Context) ForceCatchUpResponse {
	slog.Info("forcing immediate catch-up check")
	o.CatchUp(ctx, core.RunTypeCatchUp)
	return ForceCatchUpResponse{
		Success:   true,
		Message:   "Immediate catch-up check completed",
		Timestamp: core.FormatTime(o.now()),
	}
}

// MarkCompleted records a completed run for a slot by hand.
func (o *Orchestrator) MarkCompleted(ctx context.Context, dateKey string, hour, minute int, runType core.RunType) (*core.RunRecord, error) {
	if _, err := core.ParseDateKey(dateKey); err != nil {
		return nil, err
	}
	slot := core.Slot{Hour: hour, Minute: minute}
	if hour < 0 || hour > 23 {
		return nil, core.NewInvalidRequestError("Invalid hour. Must be 0-23.", map[string]any{"hour": hour})
	}
	if minute < 0 || minute > 59 {
		return nil, core.NewInvalidRequestError("Invalid minute. Must be 0-59.", map[string]any{"minute": minute})
	}
	if runType == "" {
		runType = core.RunTypeManual
	}

	rec, err := o.ledger.RecordRun(ctx, dateKey, slot, runType)
	if err != nil {
		if _, ok := core.AsError(err); ok {
			return nil, err
		}
		return nil, core.NewUnavailableError("run ledger", err)
	}
	slog.Info("run manually marked as completed", "date", dateKey, "slot", slot.String(), "run_type", runType)
	return rec, nil
}

func slotStrings(slots []core.Slot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.String()
	}
	return out
}
