package kv

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/scan-populator/internal/core"
)

const budgetKeyPrefix = "src."

// BudgetStore persists smart-retry budgets, one KV entry per source.
// Entries are updated with compare-and-swap so concurrent workers never
// lose an attempt.
type BudgetStore struct {
	store *Store
}

// NewBudgetStore creates a BudgetStore over the given bucket.
func NewBudgetStore(kv jetstream.KeyValue) *BudgetStore {
	return &BudgetStore{store: NewStore(kv)}
}

// budgetKey encodes a source key (usually a file path) into a valid KV key.
func budgetKey(sourceKey string) string {
	return budgetKeyPrefix + base64.RawURLEncoding.EncodeToString([]byte(sourceKey))
}

func sourceKeyOf(key string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(key, budgetKeyPrefix))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// Update atomically applies mutate to the entry of sourceKey. mutate reports
// whether the entry should be written; the returned bool reports whether it
// was.
func (b *BudgetStore) Update(ctx context.Context, sourceKey string, mutate func(entry *core.RetryBudgetEntry) bool) (core.RetryBudgetEntry, bool, error) {
	entry, written, err := UpdateJSON(ctx, b.store, budgetKey(sourceKey), func(cur *core.RetryBudgetEntry, _ bool) bool {
		cur.SourceKey = sourceKey
		return mutate(cur)
	})
	if err != nil {
		return entry, false, fmt.Errorf("update budget of %s: %w", sourceKey, err)
	}
	return entry, written, nil
}

// All returns every stored budget entry ordered by source key, the whole
// map view of the budget document.
func (b *BudgetStore) All(ctx context.Context) ([]core.RetryBudgetEntry, error) {
	keys, err := b.store.KeysWithPrefix(ctx, budgetKeyPrefix)
	if err != nil {
		return nil, err
	}

	entries := make([]core.RetryBudgetEntry, 0, len(keys))
	for _, key := range keys {
		var entry core.RetryBudgetEntry
		if _, err := b.store.GetJSON(ctx, key, &entry); err != nil {
			continue
		}
		if entry.SourceKey == "" {
			if sk, ok := sourceKeyOf(key); ok {
				entry.SourceKey = sk
			}
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SourceKey < entries[j].SourceKey })
	return entries, nil
}
