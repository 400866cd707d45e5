package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/scan-populator/internal/kv"
)

const healthCheckKey = "_health_check"

// Backend owns the NATS connection and the populator's KV-backed stores.
type Backend struct {
	nc *nats.Conn
	js jetstream.JetStream

	Ledger *kv.Ledger
	Budget *kv.BudgetStore
	Leases *kv.LeaseStore
	Events *Publisher

	health    *kv.Store
	startTime time.Time
}

// Connect dials NATS, sets up the KV buckets and opens the stores.
func Connect(natsURL string, opts BucketOptions) (*Backend, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("scan-populator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	b, err := NewBackend(nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

// NewBackend sets up the KV buckets on an existing connection.
func NewBackend(nc *nats.Conn, opts BucketOptions) (*Backend, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := SetupKeyValue(ctx, js, opts); err != nil {
		return nil, fmt.Errorf("setting up JetStream: %w", err)
	}

	openKV := func(name string) (jetstream.KeyValue, error) {
		bucket, err := js.KeyValue(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("opening KV bucket %s: %w", name, err)
		}
		return bucket, nil
	}

	runsKV, err := openKV(BucketRuns)
	if err != nil {
		return nil, err
	}
	retryKV, err := openKV(BucketRetry)
	if err != nil {
		return nil, err
	}
	locksKV, err := openKV(BucketLocks)
	if err != nil {
		return nil, err
	}

	return &Backend{
		nc:        nc,
		js:        js,
		Ledger:    kv.NewLedger(runsKV),
		Budget:    kv.NewBudgetStore(retryKV),
		Leases:    kv.NewLeaseStore(locksKV),
		Events:    NewPublisher(nc),
		health:    kv.NewStore(runsKV),
		startTime: time.Now(),
	}, nil
}

// Close closes the NATS connection.
func (b *Backend) Close() error {
	b.nc.Close()
	return nil
}

// HealthStatus describes the NATS dependency.
type HealthStatus struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Health reports connection status and KV round-trip latency.
func (b *Backend) Health(ctx context.Context) (HealthStatus, error) {
	status := b.nc.Status()
	if status != nats.CONNECTED {
		return HealthStatus{
			Status: "disconnected",
			Error:  fmt.Sprintf("NATS status: %v", status),
		}, fmt.Errorf("NATS not connected")
	}

	// Measure actual NATS RTT with a KV read; an absent key still proves
	// the round trip.
	start := time.Now()
	if _, _, err := b.health.Get(ctx, healthCheckKey); err != nil && !kv.IsNotFound(err) {
		return HealthStatus{
			Status: "error",
			Error:  err.Error(),
		}, fmt.Errorf("NATS KV round trip: %w", err)
	}
	return HealthStatus{
		Status:    "connected",
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// Uptime returns how long the backend has been open.
func (b *Backend) Uptime() time.Duration {
	return time.Since(b.startTime)
}
