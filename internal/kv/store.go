package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// maxCASAttempts bounds the compare-and-swap loop of UpdateJSON.
const maxCASAttempts = 5

// ErrConflict is returned when a compare-and-swap update keeps losing to
// concurrent writers.
var ErrConflict = errors.New("kv: concurrent update conflict")

// Store provides typed access to a NATS KV bucket.
type Store struct {
	kv jetstream.KeyValue
}

// NewStore wraps a NATS KV bucket.
func NewStore(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

// Create stores a value at key only if it doesn't already exist.
// Returns jetstream.ErrKeyExists if the key already exists.
func (s *Store) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Create(ctx, key, value)
}

// Update stores a value at key only if the revision matches.
func (s *Store) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	return s.kv.Update(ctx, key, value, revision)
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

// Keys returns all keys in the bucket.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		// An empty bucket reports ErrNoKeysFound
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}

// KeysWithPrefix returns the keys of the bucket starting with prefix.
func (s *Store) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, rev, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return 0, fmt.Errorf("unmarshal key %s: %w", key, err)
	}
	return rev, nil
}

// CreateJSON marshals and stores a JSON value only if key is absent.
func (s *Store) CreateJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal key %s: %w", key, err)
	}
	return s.Create(ctx, key, data)
}

// IsNotFound reports whether err means the key does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

// UpdateJSON performs a compare-and-swap read-modify-write of a JSON value.
//
// mutate receives a fresh copy of the current value (the zero value when the
// key is absent) and reports whether it should be written. A revision
// conflict re-reads and re-applies mutate; once attempts run out ErrConflict
// is returned and nothing is written. The returned value is what was stored
// (or observed, when mutate declined).
func UpdateJSON[T any](ctx context.Context, s *Store, key string, mutate func(cur *T, exists bool) bool) (T, bool, error) {
	var lastErr error
	for i := 0; i < maxCASAttempts; i++ {
		var cur T
		rev, err := s.GetJSON(ctx, key, &cur)
		exists := true
		if err != nil {
			if !IsNotFound(err) {
				return cur, false, err
			}
			exists = false
		}

		if !mutate(&cur, exists) {
			return cur, false, nil
		}

		data, mErr := json.Marshal(&cur)
		if mErr != nil {
			return cur, false, fmt.Errorf("marshal key %s: %w", key, mErr)
		}

		if exists {
			_, lastErr = s.Update(ctx, key, data, rev)
		} else {
			_, lastErr = s.Create(ctx, key, data)
		}
		if lastErr == nil {
			return cur, true, nil
		}
		if ctx.Err() != nil {
			return cur, false, ctx.Err()
		}
		// Revision conflict or concurrent create: re-read and retry
	}
	var zero T
	return zero, false, fmt.Errorf("%w: key %s: %v", ErrConflict, key, lastErr)
}
