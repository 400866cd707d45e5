package nats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	natstest "github.com/nats-io/nats-server/v2/test"

	"github.com/openjobspec/scan-populator/internal/core"
	"github.com/openjobspec/scan-populator/internal/joblock"
)

func runJetStream(t *testing.T) *server.Server {
	t.Helper()
	opts := natstest.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := natstest.RunServer(&opts)
	t.Cleanup(srv.Shutdown)
	return srv
}

func newTestBackend(t *testing.T, srv *server.Server) *Backend {
	t.Helper()
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("nats.Connect() error = %v", err)
	}
	b, err := NewBackend(nc, BucketOptions{LeaseTTL: time.Minute, Storage: jetstream.MemoryStorage})
	if err != nil {
		nc.Close()
		t.Fatalf("NewBackend() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackend_HealthAndStores(t *testing.T) {
	b := newTestBackend(t, runJetStream(t))
	ctx := context.Background()

	hs, err := b.Health(ctx)
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if hs.Status != "connected" {
		t.Errorf("Health().Status = %q, want %q", hs.Status, "connected")
	}

	rec, err := b.Ledger.RecordRun(ctx, "2025-07-27", core.Slot{Hour: 16}, core.RunTypeScheduled)
	if err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}
	got, err := b.Ledger.FindCompletedRun(ctx, "2025-07-27", core.Slot{Hour: 16})
	if err != nil {
		t.Fatalf("FindCompletedRun() error = %v", err)
	}
	if got == nil || got.RunID != rec.RunID {
		t.Errorf("FindCompletedRun() = %+v, want run %s", got, rec.RunID)
	}
}

func TestBackend_HealthAfterClose(t *testing.T) {
	b := newTestBackend(t, runJetStream(t))
	_ = b.Close()

	hs, err := b.Health(context.Background())
	if err == nil {
		t.Error("Health() after Close() expected error")
	}
	if hs.Status != "disconnected" {
		t.Errorf("Health().Status = %q, want %q", hs.Status, "disconnected")
	}
}

func TestBackend_HealthReportsKVFailure(t *testing.T) {
	b := newTestBackend(t, runJetStream(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.js.DeleteKeyValue(ctx, BucketRuns); err != nil {
		t.Fatalf("DeleteKeyValue() error = %v", err)
	}

	hs, err := b.Health(ctx)
	if err == nil {
		t.Fatal("Health() with the runs bucket gone expected error")
	}
	if hs.Status != "error" || hs.Error == "" {
		t.Errorf("Health() = %+v, want error status with message", hs)
	}
}

func TestSetupKeyValue_Idempotent(t *testing.T) {
	srv := runJetStream(t)
	newTestBackend(t, srv)
	// A second replica reuses the existing buckets.
	newTestBackend(t, srv)
}

func TestPublisher_PublishesOnTypeSubject(t *testing.T) {
	b := newTestBackend(t, runJetStream(t))

	sub, err := b.nc.SubscribeSync(EventsAllSubject())
	if err != nil {
		t.Fatalf("SubscribeSync() error = %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Events.Publish(core.NewEvent(core.EventRunCompleted, "2025-07-27", map[string]any{"processed": 3})); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg() error = %v", err)
	}
	if msg.Subject != "populator.events.run.completed" {
		t.Errorf("subject = %q, want %q", msg.Subject, "populator.events.run.completed")
	}
	var ev core.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Type != core.EventRunCompleted || ev.DateKey != "2025-07-27" {
		t.Errorf("event = %+v, want run.completed for 2025-07-27", ev)
	}
}

func TestDistributedLock_AcrossReplicas(t *testing.T) {
	srv := runJetStream(t)
	a := joblock.NewDistributed(newTestBackend(t, srv).Leases, "population")
	b := joblock.NewDistributed(newTestBackend(t, srv).Leases, "population")
	ctx := context.Background()

	if !a.TryAcquire(ctx) {
		t.Fatal("replica a TryAcquire() = false, want true")
	}
	if b.TryAcquire(ctx) {
		t.Error("replica b TryAcquire() = true while a holds the lease")
	}

	a.Release(ctx)
	if !b.TryAcquire(ctx) {
		t.Error("replica b TryAcquire() = false after release")
	}
	b.Release(ctx)
}

func TestEventSubject(t *testing.T) {
	if got := EventSubject(core.EventRunSkipped); got != "populator.events.run.skipped" {
		t.Errorf("EventSubject() = %q, want %q", got, "populator.events.run.skipped")
	}
	if got := EventsAllSubject(); got != "populator.events.>" {
		t.Errorf("EventsAllSubject() = %q, want %q", got, "populator.events.>")
	}
}
