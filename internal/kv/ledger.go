package kv

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/scan-populator/internal/core"
)

// ledgerKeyPrefix namespaces run records inside the ledger bucket.
const ledgerKeyPrefix = "runs."

// Ledger is the durable, append-only record of completed population runs,
// stored in a NATS KV bucket under runs.<date>.<HHMM>.<runID>.
type Ledger struct {
	store *Store
	now   core.Clock
}

// NewLedger creates a Ledger over the given bucket.
func NewLedger(kv jetstream.KeyValue) *Ledger {
	return &Ledger{store: NewStore(kv), now: time.Now}
}

// WithClock overrides the ledger's clock.
func (l *Ledger) WithClock(now core.Clock) *Ledger {
	l.now = now
	return l
}

func ledgerDatePrefix(dateKey string) string {
	return ledgerKeyPrefix + dateKey + "."
}

func ledgerSlotPrefix(dateKey string, slot core.Slot) string {
	return ledgerDatePrefix(dateKey) + slot.Prefix() + "."
}

// RecordRun appends a completed record for slot on dateKey.
func (l *Ledger) RecordRun(ctx context.Context, dateKey string, slot core.Slot, runType core.RunType) (*core.RunRecord, error) {
	if !slot.Valid() {
		return nil, core.NewInvalidRequestError(
			fmt.Sprintf("Invalid slot %s", slot),
			map[string]any{"hour": slot.Hour, "minute": slot.Minute},
		)
	}
	if !runType.Valid() {
		return nil, core.NewInvalidRequestError(
			fmt.Sprintf("Invalid run type: %s", runType),
			map[string]any{"run_type": string(runType)},
		)
	}

	now := l.now()
	rec := &core.RunRecord{
		DateKey:       dateKey,
		RunID:         core.NewUUIDv7(),
		ScheduledTime: slot,
		RunType:       runType,
		Status:        core.RunStatusCompleted,
		RunTime:       now,
		RecordedAt:    now,
	}

	key := ledgerSlotPrefix(dateKey, slot) + rec.RunID
	if _, err := l.store.CreateJSON(ctx, key, rec); err != nil {
		return nil, fmt.Errorf("record run %s: %w", key, err)
	}
	return rec, nil
}

// FindCompletedRun returns a completed record for slot on dateKey, or nil
// if none exists.
func (l *Ledger) FindCompletedRun(ctx context.Context, dateKey string, slot core.Slot) (*core.RunRecord, error) {
	keys, err := l.store.KeysWithPrefix(ctx, ledgerSlotPrefix(dateKey, slot))
	if err != nil {
		return nil, fmt.Errorf("list runs for %s %s: %w", dateKey, slot, err)
	}
	sort.Strings(keys)

	for _, key := range keys {
		var rec core.RunRecord
		if _, err := l.store.GetJSON(ctx, key, &rec); err != nil {
			if !IsNotFound(err) {
				slog.Warn("skipping unreadable run record", "key", key, "error", err)
			}
			continue
		}
		if rec.ScheduledTime == slot && rec.Completed() {
			return &rec, nil
		}
	}
	return nil, nil
}

// ListRuns returns all records of dateKey ordered by key (slot, then run id).
func (l *Ledger) ListRuns(ctx context.Context, dateKey string) ([]*core.RunRecord, error) {
	keys, err := l.store.KeysWithPrefix(ctx, ledgerDatePrefix(dateKey))
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", dateKey, err)
	}
	sort.Strings(keys)

	var runs []*core.RunRecord
	for _, key := range keys {
		var rec core.RunRecord
		if _, err := l.store.GetJSON(ctx, key, &rec); err != nil {
			continue
		}
		runs = append(runs, &rec)
	}
	return runs, nil
}
