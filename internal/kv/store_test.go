package kv

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
)

type counter struct {
	N int `json:"n"`
}

func TestStore_JSONRoundTripAndPrefix(t *testing.T) {
	s := NewStore(newTestBucket(t, "store-json", 0))
	ctx := context.Background()

	if _, err := s.CreateJSON(ctx, "a.1", counter{N: 1}); err != nil {
		t.Fatalf("CreateJSON() error = %v", err)
	}
	if _, err := s.CreateJSON(ctx, "b.1", counter{N: 2}); err != nil {
		t.Fatalf("CreateJSON() error = %v", err)
	}

	var got counter
	if _, err := s.GetJSON(ctx, "a.1", &got); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if got.N != 1 {
		t.Errorf("GetJSON().N = %d, want 1", got.N)
	}

	keys, err := s.KeysWithPrefix(ctx, "a.")
	if err != nil {
		t.Fatalf("KeysWithPrefix() error = %v", err)
	}
	if len(keys) != 1 || keys[0] != "a.1" {
		t.Errorf("KeysWithPrefix(a.) = %v, want [a.1]", keys)
	}
}

func TestStore_KeysOnEmptyBucket(t *testing.T) {
	s := NewStore(newTestBucket(t, "store-empty", 0))

	keys, err := s.Keys(context.Background())
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Keys() = %v, want empty", keys)
	}
}

func TestStore_CreateJSONRejectsExisting(t *testing.T) {
	s := NewStore(newTestBucket(t, "store-create", 0))
	ctx := context.Background()

	if _, err := s.CreateJSON(ctx, "k", counter{N: 1}); err != nil {
		t.Fatalf("CreateJSON() error = %v", err)
	}
	_, err := s.CreateJSON(ctx, "k", counter{N: 2})
	if !errors.Is(err, jetstream.ErrKeyExists) {
		t.Errorf("CreateJSON(existing) error = %v, want ErrKeyExists", err)
	}
}

func TestUpdateJSON_ConcurrentIncrementsAreNotLost(t *testing.T) {
	s := NewStore(newTestBucket(t, "store-cas", 0))
	ctx := context.Background()

	const workers = 4
	var wg sync.WaitGroup
	var mu sync.Mutex
	written := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := UpdateJSON(ctx, s, "ctr", func(cur *counter, _ bool) bool {
				cur.N++
				return true
			})
			if err != nil && !errors.Is(err, ErrConflict) {
				t.Errorf("UpdateJSON() error = %v", err)
				return
			}
			if ok {
				mu.Lock()
				written++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	var got counter
	if _, err := s.GetJSON(ctx, "ctr", &got); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if got.N != written {
		t.Errorf("counter = %d, want %d (one per successful update)", got.N, written)
	}
}

func TestUpdateJSON_DeclinedMutationWritesNothing(t *testing.T) {
	s := NewStore(newTestBucket(t, "store-decline", 0))
	ctx := context.Background()

	_, ok, err := UpdateJSON(ctx, s, "ctr", func(cur *counter, exists bool) bool {
		if exists {
			t.Error("exists = true for absent key")
		}
		return false
	})
	if err != nil {
		t.Fatalf("UpdateJSON() error = %v", err)
	}
	if ok {
		t.Error("UpdateJSON() wrote = true, want false")
	}
	if _, _, err := s.Get(ctx, "ctr"); !IsNotFound(err) {
		t.Errorf("Get() after declined mutation error = %v, want not found", err)
	}
}
