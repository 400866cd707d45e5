package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Retention of the KV buckets.
const (
	RunsMaxAge  = 30 * 24 * time.Hour
	RetryMaxAge = 7 * 24 * time.Hour
)

// BucketOptions tunes bucket creation.
type BucketOptions struct {
	// LeaseTTL bounds how long a lock lease survives a crashed holder.
	LeaseTTL time.Duration
	// Storage defaults to file storage.
	Storage jetstream.StorageType
}

// SetupKeyValue creates the populator KV buckets.
func SetupKeyValue(ctx context.Context, js jetstream.JetStream, opts BucketOptions) error {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 6 * time.Hour
	}

	buckets := []struct {
		name    string
		ttl     time.Duration
		history uint8
	}{
		{BucketRuns, RunsMaxAge, 1},
		{BucketRetry, RetryMaxAge, 1},
		{BucketLocks, opts.LeaseTTL, 1},
	}

	for _, b := range buckets {
		cfg := jetstream.KeyValueConfig{
			Bucket:  b.name,
			Storage: opts.Storage,
			History: b.history,
		}
		if b.ttl > 0 {
			cfg.TTL = b.ttl
		}
		if _, err := js.CreateOrUpdateKeyValue(ctx, cfg); err != nil {
			return fmt.Errorf("creating KV bucket %s: %w", b.name, err)
		}
	}

	return nil
}
