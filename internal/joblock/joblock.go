// Package joblock provides the single-flight exclusion that keeps at most one
// population run in flight. Acquisition never blocks: a caller that loses
// the race skips its invocation.
package joblock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openjobspec/scan-populator/internal/core"
)

// Lock is a non-blocking binary exclusion.
type Lock interface {
	// TryAcquire reports whether the caller now holds the lock.
	TryAcquire(ctx context.Context) bool
	// Release frees the lock. Releasing an unheld lock is a no-op.
	Release(ctx context.Context)
	// Held reports whether any caller holds the lock.
	Held() bool
}

// Local is a process-wide lock backed by a channel of depth 1.
type Local struct {
	slot chan struct{}
}

// NewLocal creates an unheld Local lock.
func NewLocal() *Local {
	return &Local{slot: make(chan struct{}, 1)}
}

// TryAcquire implements Lock.
func (l *Local) TryAcquire(context.Context) bool {
	select {
	case l.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release implements Lock.
func (l *Local) Release(context.Context) {
	select {
	case <-l.slot:
	default:
	}
}

// Held implements Lock.
func (l *Local) Held() bool {
	return len(l.slot) == 1
}

// LeaseStore is the subset of kv.LeaseStore used by Distributed.
type LeaseStore interface {
	TryAcquire(ctx context.Context, name, owner string) (string, error)
	Release(ctx context.Context, name, owner string) error
}

// Distributed guards the process-wide Local lock with a lease shared by all
// replicas connected to the same NATS cluster.
type Distributed struct {
	local   *Local
	leases  LeaseStore
	name    string
	owner   string
	timeout time.Duration

	mu   sync.Mutex
	held bool
}

// NewDistributed creates a Distributed lock on the lease name. The owner id
// is generated per process.
func NewDistributed(leases LeaseStore, name string) *Distributed {
	return &Distributed{
		local:   NewLocal(),
		leases:  leases,
		name:    name,
		owner:   core.NewUUIDv7(),
		timeout: 5 * time.Second,
	}
}

// Owner returns the lease owner id of this process.
func (d *Distributed) Owner() string {
	return d.owner
}

// TryAcquire implements Lock. A lease store failure counts as contention.
func (d *Distributed) TryAcquire(ctx context.Context) bool {
	if !d.local.TryAcquire(ctx) {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	holder, err := d.leases.TryAcquire(ctx, d.name, d.owner)
	if err != nil {
		slog.Warn("job lock lease unavailable, skipping", "lease", d.name, "error", err)
		d.local.Release(ctx)
		return false
	}
	if holder != "" {
		slog.Info("job lock lease held by another replica", "lease", d.name, "holder", holder)
		d.local.Release(ctx)
		return false
	}

	d.mu.Lock()
	d.held = true
	d.mu.Unlock()
	return true
}

// Release implements Lock. The local lock is always freed, even when the
// lease cannot be deleted; the lease then expires with the bucket TTL.
func (d *Distributed) Release(ctx context.Context) {
	d.mu.Lock()
	wasHeld := d.held
	d.held = false
	d.mu.Unlock()

	if wasHeld {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := d.leases.Release(ctx, d.name, d.owner); err != nil {
			slog.Error("failed to release job lock lease", "lease", d.name, "error", err)
		}
	}
	d.local.Release(ctx)
}

// Held implements Lock. It reports this process's view only.
func (d *Distributed) Held() bool {
	return d.local.Held()
}
