// Package store defines the key-value store contract consumed by the batch
// queue and provides adapters for Redis, DynamoDB and an in-process
// ristretto cache.
//
// Every adapter speaks in grouped calls: one MultiGet, MultiSet or
// MultiDelete per flush. Adapters without native multi-key primitives are
// lifted with [FanOut].
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnprocessed is returned when a backend keeps refusing part of a grouped
// call after the allowed number of resubmissions.
var ErrUnprocessed = errors.New("store: unprocessed items remain")

// Entry is a single write inside a grouped MultiSet call.
type Entry struct {
	Key   string
	Value []byte
	// TTL is the expiration of the key. Zero means no expiration.
	TTL time.Duration
}

// Store is the grouped key-value contract used by the batch queue.
// Implementations must be safe for concurrent use.
type Store interface {
	// MultiGet fetches keys in one grouped call. Keys that do not exist are
	// absent from the returned map; a miss is never an error.
	MultiGet(ctx context.Context, keys []string) (map[string][]byte, error)

	// MultiSet writes entries in one grouped call. When the same key appears
	// more than once the later entry wins. Atomicity is not guaranteed: a
	// partial failure is reported as one error for the whole call.
	MultiSet(ctx context.Context, entries []Entry) error

	// MultiDelete removes keys in one grouped call. Deleting a key that does
	// not exist is not an error.
	MultiDelete(ctx context.Context, keys []string) error
}

// SingleKeyStore is a store that only offers per-key primitives. Wrap it
// with [FanOut] to obtain a [Store].
type SingleKeyStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// uniq returns keys with duplicates removed, keeping first-seen order.
func uniq(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// chunk splits s into consecutive slices of at most n elements.
func chunk[T any](s []T, n int) [][]T {
	var out [][]T
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if len(s) > 0 {
		out = append(out, s)
	}
	return out
}
