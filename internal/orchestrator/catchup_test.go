package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openjobspec/scan-populator/internal/core"
	"github.com/openjobspec/scan-populator/internal/pipeline"
)

func TestDetectMissed_OnlyPastUnrecordedSlots(t *testing.T) {
	loc := testLocation(t)
	env := newTestEnv(t, time.Date(2025, 7, 27, 17, 0, 0, 0, loc))
	ctx := context.Background()

	if _, err := env.ledger.RecordRun(ctx, "2025-07-27", core.Slot{Hour: 16}, core.RunTypeScheduled); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	if missed := env.orch.DetectMissed(ctx); len(missed) != 0 {
		t.Errorf("DetectMissed() at 17:00 = %v, want none", missed)
	}

	env.clock.Set(time.Date(2025, 7, 27, 20, 5, 0, 0, loc))
	missed := env.orch.DetectMissed(ctx)
	if len(missed) != 1 || missed[0] != (core.Slot{Hour: 20}) {
		t.Errorf("DetectMissed() at 20:05 = %v, want [20:00]", missed)
	}
}

func TestDetectMissed_FallbackBackfillsInferred(t *testing.T) {
	env := newTestEnv(t, time.Date(2025, 7, 27, 21, 0, 0, 0, testLocation(t)))
	env.probe.hasDataFunc = func(context.Context, string) (bool, error) { return true, nil }

	if missed := env.orch.DetectMissed(context.Background()); len(missed) != 0 {
		t.Errorf("DetectMissed() = %v, want none", missed)
	}
	if got := len(env.ledger.byType(core.RunTypeInferred)); got != 2 {
		t.Errorf("inferred records = %d, want 2", got)
	}
}

func TestDetectMissed_FallbackErrorCountsAsSatisfied(t *testing.T) {
	env := newTestEnv(t, time.Date(2025, 7, 27, 21, 0, 0, 0, testLocation(t)))
	env.ledger.findErr = errors.New("bucket unavailable")
	env.probe.hasDataFunc = func(context.Context, string) (bool, error) {
		return false, errors.New("database unreachable")
	}

	if missed := env.orch.DetectMissed(context.Background()); len(missed) != 0 {
		t.Errorf("DetectMissed() = %v, want none", missed)
	}
}

func TestDetectMissed_FallbackErrorIsNotBackfilled(t *testing.T) {
	env := newTestEnv(t, time.Date(2025, 7, 27, 21, 0, 0, 0, testLocation(t)))
	var calls atomic.Int32
	env.probe.hasDataFunc = func(context.Context, string) (bool, error) {
		if calls.Add(1) <= 2 {
			return false, errors.New("database unreachable")
		}
		return false, nil
	}

	if missed := env.orch.DetectMissed(context.Background()); len(missed) != 0 {
		t.Errorf("DetectMissed() during outage = %v, want none", missed)
	}
	if got := len(env.ledger.byType(core.RunTypeInferred)); got != 0 {
		t.Errorf("inferred records after fallback error = %d, want 0", got)
	}

	missed := env.orch.DetectMissed(context.Background())
	if got := slotStrings(missed); len(got) != 2 || got[0] != "16:00" || got[1] != "20:00" {
		t.Errorf("DetectMissed() after recovery = %v, want [16:00 20:00]", got)
	}
}

func TestCatchUp_OneRunForAllMissedSlots(t *testing.T) {
	env := newTestEnv(t, time.Date(2025, 7, 27, 21, 0, 0, 0, testLocation(t)))
	var downloads atomic.Int32
	env.dl.downloadFunc = func(_ context.Context, dateKey string) (pipeline.DownloadResult, error) {
		downloads.Add(1)
		if dateKey != core.LatestKey {
			t.Errorf("Download() dateKey = %q, want %q", dateKey, core.LatestKey)
		}
		return pipeline.DownloadResult{FilesFound: true, DateKey: "2025-07-27", Dir: "/audit"}, nil
	}

	res := env.orch.CatchUp(context.Background(), core.RunTypeCatchUp)

	if len(res.Missed) != 2 {
		t.Errorf("Missed = %v, want 2 slots", res.Missed)
	}
	if got := downloads.Load(); got != 1 {
		t.Errorf("downloads = %d, want 1", got)
	}
	recs := env.ledger.byType(core.RunTypeCatchUp)
	if len(recs) != 2 {
		t.Fatalf("catchup records = %d, want 2", len(recs))
	}
	for _, r := range recs {
		if r.DateKey != "2025-07-27" {
			t.Errorf("record DateKey = %q, want %q", r.DateKey, "2025-07-27")
		}
	}

	// Confirmed slots are never re-triggered.
	again := env.orch.CatchUp(context.Background(), core.RunTypeCatchUp)
	if len(again.Missed) != 0 || again.Population != nil {
		t.Errorf("second CatchUp() = %+v, want no missed slots", again)
	}
	if got := downloads.Load(); got != 1 {
		t.Errorf("downloads after second catch-up = %d, want 1", got)
	}
}

func TestManualCatchUp_Messages(t *testing.T) {
	loc := testLocation(t)
	env := newTestEnv(t, time.Date(2025, 7, 27, 10, 0, 0, 0, loc))
	ctx := context.Background()

	resp := env.orch.ManualCatchUp(ctx)
	if !resp.Success || resp.Message != "No missed runs detected" || resp.TotalMissed != 0 {
		t.Errorf("ManualCatchUp() before slots = %+v", resp)
	}
	if resp.CaughtUpRuns == nil {
		t.Error("CaughtUpRuns = nil, want empty slice")
	}

	env.clock.Set(time.Date(2025, 7, 27, 16, 30, 0, 0, loc))
	resp = env.orch.ManualCatchUp(ctx)
	if resp.Message != "Caught up on 1 missed runs" {
		t.Errorf("Message = %q, want %q", resp.Message, "Caught up on 1 missed runs")
	}
	if resp.TotalMissed != 1 || len(resp.CaughtUpRuns) != 1 || resp.CaughtUpRuns[0] != "16:00" {
		t.Errorf("ManualCatchUp() = %+v, want 16:00 caught up", resp)
	}
	if got := len(env.ledger.byType(core.RunTypeManualCatchUp)); got != 1 {
		t.Errorf("manual_catchup records = %d, want 1", got)
	}
}

func TestForceCatchUp(t *testing.T) {
	env := newTestEnv(t, time.Date(2025, 7, 27, 16, 30, 0, 0, testLocation(t)))

	resp := env.orch.ForceCatchUp(context.Background())
	if !resp.Success || resp.Message != "Immediate catch-up check completed" {
		t.Errorf("ForceCatchUp() = %+v", resp)
	}
	if _, err := time.Parse(time.RFC3339, resp.Timestamp); err != nil {
		t.Errorf("Timestamp %q is not RFC3339: %v", resp.Timestamp, err)
	}
	if got := len(env.ledger.byType(core.RunTypeCatchUp)); got != 1 {
		t.Errorf("catchup records = %d, want 1", got)
	}
}

func TestStartupCatchUp_PopulatesWhenTodayIsEmpty(t *testing.T) {
	env := newTestEnv(t, time.Date(2025, 7, 27, 9, 0, 0, 0, testLocation(t)))
	var downloads atomic.Int32
	env.dl.downloadFunc = func(context.Context, string) (pipeline.DownloadResult, error) {
		downloads.Add(1)
		return pipeline.DownloadResult{FilesFound: true, DateKey: "2025-07-26", Dir: "/audit"}, nil
	}

	env.orch.StartupCatchUp(context.Background())

	if got := downloads.Load(); got != 1 {
		t.Errorf("downloads = %d, want 1", got)
	}
	// No slot was due yet, so nothing is recorded.
	if n := len(env.ledger.records); n != 0 {
		t.Errorf("ledger records = %d, want 0", n)
	}
}

func TestStartupCatchUp_ProbeErrorAssumesPopulated(t *testing.T) {
	env := newTestEnv(t, time.Date(2025, 7, 27, 9, 0, 0, 0, testLocation(t)))
	env.probe.hasDataFunc = func(context.Context, string) (bool, error) {
		return false, errors.New("timeout")
	}
	var downloads atomic.Int32
	env.dl.downloadFunc = func(context.Context, string) (pipeline.DownloadResult, error) {
		downloads.Add(1)
		return pipeline.DownloadResult{}, nil
	}

	env.orch.StartupCatchUp(context.Background())

	if got := downloads.Load(); got != 0 {
		t.Errorf("downloads = %d, want 0", got)
	}
}

func TestMarkCompleted(t *testing.T) {
	env := newTestEnv(t, time.Date(2025, 7, 27, 9, 0, 0, 0, testLocation(t)))
	ctx := context.Background()

	rec, err := env.orch.MarkCompleted(ctx, "2025-07-27", 16, 0, "")
	if err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if rec.RunType != core.RunTypeManual {
		t.Errorf("RunType = %q, want %q", rec.RunType, core.RunTypeManual)
	}

	tests := []struct {
		date         string
		hour, minute int
	}{
		{"2025-7-27", 16, 0},
		{"2025-07-27", 24, 0},
		{"2025-07-27", 16, 60},
	}
	for _, tt := range tests {
		_, err := env.orch.MarkCompleted(ctx, tt.date, tt.hour, tt.minute, core.RunTypeManual)
		if e, ok := core.AsError(err); !ok || e.Code != core.ErrCodeInvalidRequest {
			t.Errorf("MarkCompleted(%q, %d, %d) error = %v, want invalid_request", tt.date, tt.hour, tt.minute, err)
		}
	}
}
