package orchestrator

import (
	"context"
	"log/slog"

	"github.com/openjobspec/scan-populator/internal/core"
	"github.com/openjobspec/scan-populator/internal/state"
)

// Trigger labels of API-initiated runs.
const (
	TriggerAPIEnrich     = "api_enrich"
	TriggerAPIRedownload = "api_redownload"
)

// StartEnrichment starts a background population of dateKey with the
// enrichment stages, followed by a debounced smart retry scan.
func (o *Orchestrator) StartEnrichment(ctx context.Context, dateKey string) error {
	if _, err := core.ParseDateKey(dateKey); err != nil {
		return err
	}
	o.state.SetAI(dateKey, state.AIUpdate{ClearError: true})
	slog.Info("enrichment run requested", "date", dateKey)

	o.Go(ctx, "enrich-"+dateKey, func(ctx context.Context) {
		o.Populate(ctx, PopulateRequest{
			DateKey: dateKey,
			RunAI:   true,
			RunType: core.RunTypeManual,
			Trigger: TriggerAPIEnrich,
		})
		o.TriggerScan(ctx)
	})
	return nil
}

// StartRedownload starts a background re-download and population of
// dateKey without enrichment or smart retry.
func (o *Orchestrator) StartRedownload(ctx context.Context, dateKey string) error {
	if _, err := core.ParseDateKey(dateKey); err != nil {
		return err
	}
	slog.Info("re-download requested", "date", dateKey)

	o.Go(ctx, "redownload-"+dateKey, func(ctx context.Context) {
		o.Populate(ctx, PopulateRequest{
			DateKey: dateKey,
			RunType: core.RunTypeManual,
			Trigger: TriggerAPIRedownload,
		})
	})
	return nil
}

// ScheduledRun is the cron entry point for a population slot.
func (o *Orchestrator) ScheduledRun(ctx context.Context, slot core.Slot) PopulateResult {
	return o.Populate(ctx, PopulateRequest{
		DateKey:    core.LatestKey,
		RunAI:      true,
		RunType:    core.RunTypeScheduled,
		Slots:      []core.Slot{slot},
		LedgerDate: o.Today(),
		Trigger:    "cron",
	})
}

// HealthCheck is the periodic catch-up entry point.
func (o *Orchestrator) HealthCheck(ctx context.Context) {
	o.CatchUp(ctx, core.RunTypeCatchUp)
}
