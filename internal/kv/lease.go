package kv

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go/jetstream"
)

// LeaseStore manages exclusive, TTL-bounded leases via NATS KV. The bucket's
// MaxAge bounds how long a crashed holder keeps a lease.
type LeaseStore struct {
	store *Store
}

// NewLeaseStore creates a new LeaseStore.
func NewLeaseStore(kv jetstream.KeyValue) *LeaseStore {
	return &LeaseStore{store: NewStore(kv)}
}

// TryAcquire attempts to take the lease name for owner.
// Returns the current holder if the lease is taken, empty string if acquired.
func (l *LeaseStore) TryAcquire(ctx context.Context, name, owner string) (string, error) {
	_, err := l.store.Create(ctx, name, []byte(owner))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			data, _, getErr := l.store.Get(ctx, name)
			if getErr != nil {
				if IsNotFound(getErr) {
					// Released between Create and Get
					return "", jetstream.ErrKeyExists
				}
				return "", getErr
			}
			return string(data), nil
		}
		return "", err
	}
	return "", nil
}

// Release drops the lease name if owner still holds it.
func (l *LeaseStore) Release(ctx context.Context, name, owner string) error {
	data, _, err := l.store.Get(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if string(data) != owner {
		return nil
	}
	return l.store.Delete(ctx, name)
}
