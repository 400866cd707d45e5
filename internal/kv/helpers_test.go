package kv

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	natstest "github.com/nats-io/nats-server/v2/test"
)

// newTestBucket starts an embedded JetStream server and returns a fresh KV
// bucket on it.
func newTestBucket(t *testing.T, name string, ttl time.Duration) jetstream.KeyValue {
	t.Helper()

	opts := natstest.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := natstest.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("nats.Connect() error = %v", err)
	}
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream.New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bucket, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  name,
		Storage: jetstream.MemoryStorage,
		TTL:     ttl,
	})
	if err != nil {
		t.Fatalf("CreateKeyValue() error = %v", err)
	}
	return bucket
}
