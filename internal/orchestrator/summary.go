package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/openjobspec/scan-populator/internal/core"
)

// runTimeUnknown is reported for slots satisfied without a ledger record.
const runTimeUnknown = "unknown"

// SlotStatus is the status of one scheduled slot of today.
type SlotStatus struct {
	Status  string `json:"status"`
	RunTime string `json:"run_time,omitempty"`
	RunType string `json:"run_type,omitempty"`
}

// RunHistoryEntry is one ledger record of today.
type RunHistoryEntry struct {
	Slot    string `json:"slot"`
	RunID   string `json:"run_id"`
	RunType string `json:"run_type"`
	RunTime string `json:"run_time"`
}

// RunStatusSummary describes today's scheduled runs.
type RunStatusSummary struct {
	Success     bool                  `json:"success"`
	Date        string                `json:"date"`
	Timezone    string                `json:"timezone"`
	Runs        map[string]SlotStatus `json:"runs"`
	History     []RunHistoryEntry     `json:"history"`
	JobRunning  bool                  `json:"job_running"`
	CurrentTime string                `json:"current_time"`
	NextRun     string                `json:"next_run"`
}

// Summary reports the status of every slot of today and the next slot due.
func (o *Orchestrator) Summary(ctx context.Context) RunStatusSummary {
	now := o.Now()
	today := core.DateKey(now, o.loc)

	sum := RunStatusSummary{
		Success:     true,
		Date:        today,
		Timezone:    o.loc.String(),
		Runs:        make(map[string]SlotStatus, len(o.slots)),
		History:     o.history(ctx, today),
		JobRunning:  o.lock.Held(),
		CurrentTime: now.Format(time.TimeOnly),
		NextRun:     o.nextRun(now),
	}
	for _, slot := range o.slots {
		sum.Runs[slot.String()] = o.slotStatus(ctx, today, slot)
	}
	return sum
}

// history lists every ledger record of today, including repeated runs of a
// slot. A ledger error yields an empty history.
func (o *Orchestrator) history(ctx context.Context, today string) []RunHistoryEntry {
	out := []RunHistoryEntry{}
	runs, err := o.ledger.ListRuns(ctx, today)
	if err != nil {
		slog.Warn("listing run history failed", "date", today, "error", err)
		return out
	}
	for _, rec := range runs {
		out = append(out, RunHistoryEntry{
			Slot:    rec.ScheduledTime.String(),
			RunID:   rec.RunID,
			RunType: string(rec.RunType),
			RunTime: rec.RunTime.In(o.loc).Format(time.RFC3339),
		})
	}
	return out
}

func (o *Orchestrator) slotStatus(ctx context.Context, today string, slot core.Slot) SlotStatus {
	rec, err := o.ledger.FindCompletedRun(ctx, today, slot)
	if rec.Completed() {
		return SlotStatus{
			Status:  SlotCompleted,
			RunTime: rec.RunTime.In(o.loc).Format(time.RFC3339),
			RunType: string(rec.RunType),
		}
	}
	if err != nil {
		slog.Warn("run ledger lookup failed", "date", today, "slot", slot.String(), "error", err)
	}

	if o.fallback != nil {
		ok, ferr := o.fallback.Satisfied(ctx, today, slot)
		if ferr != nil {
			slog.Warn("completion fallback failed", "date", today, "slot", slot.String(), "error", ferr)
		} else if ok {
			return SlotStatus{Status: SlotCompleted, RunTime: runTimeUnknown, RunType: RunTypeInferredFromData}
		}
	}
	if err != nil {
		return SlotStatus{Status: SlotError}
	}
	return SlotStatus{Status: SlotNotFound}
}

// nextRun names the first slot after now, or the first slot of tomorrow.
func (o *Orchestrator) nextRun(now time.Time) string {
	if len(o.slots) == 0 {
		return ""
	}
	first := o.slots[0]
	for _, slot := range o.slots {
		if slot.On(now).After(now) {
			return slot.String()
		}
		if slot.Hour*60+slot.Minute < first.Hour*60+first.Minute {
			first = slot
		}
	}
	return first.String() + " (tomorrow)"
}

// PropagationStatus returns the propagation state of dateKey.
func (o *Orchestrator) PropagationStatus(dateKey string) core.PropagationState {
	return o.state.Propagation(dateKey)
}

// AIStatus returns the enrichment state of dateKey. When no enrichment run
// is in flight the coverage is refreshed from the relational store first.
func (o *Orchestrator) AIStatus(ctx context.Context, dateKey string) core.AIState {
	if o.p.Probe != nil && !o.state.AI(dateKey).Running {
		cov, err := o.p.Probe.Coverage(ctx, dateKey)
		if err != nil {
			slog.Debug("coverage refresh failed", "date", dateKey, "error", err)
		} else {
			o.state.RefreshCoverage(dateKey, cov)
		}
	}
	return o.state.AI(dateKey)
}

// BudgetStatus is the smart retry budget of one source for today.
type BudgetStatus struct {
	Source        string `json:"source"`
	Attempts      int    `json:"attempts"`
	Remaining     int    `json:"remaining"`
	LastAttemptAt string `json:"last_attempt_at,omitempty"`
}

// RetryBudgetsResponse lists the retry budgets of every tracked source.
type RetryBudgetsResponse struct {
	Success     bool           `json:"success"`
	Date        string         `json:"date"`
	MaxAttempts int            `json:"max_attempts_per_day"`
	Sources     []BudgetStatus `json:"sources"`
}

// RetryBudgets reports today's retry budget of every source. Entries written
// on an earlier day count as unused.
func (o *Orchestrator) RetryBudgets(ctx context.Context) (RetryBudgetsResponse, error) {
	today := o.Today()
	resp := RetryBudgetsResponse{
		Success:     true,
		Date:        today,
		MaxAttempts: o.policy.MaxAttemptsPerDay,
		Sources:     []BudgetStatus{},
	}
	if o.budget == nil {
		return resp, nil
	}

	entries, err := o.budget.All(ctx)
	if err != nil {
		return resp, core.NewUnavailableError("retry budget", err)
	}
	for _, e := range entries {
		bs := BudgetStatus{Source: e.SourceKey}
		if e.Day == today {
			bs.Attempts = e.Attempts
			if !e.LastAttemptAt.IsZero() {
				bs.LastAttemptAt = core.FormatTime(e.LastAttemptAt)
			}
		}
		bs.Remaining = max(o.policy.MaxAttemptsPerDay-bs.Attempts, 0)
		resp.Sources = append(resp.Sources, bs)
	}
	return resp, nil
}
