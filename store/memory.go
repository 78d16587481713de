package store

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// ErrRejected is returned by [Memory.Set] when the cache's admission policy
// drops the write.
var ErrRejected = errors.New("store: write rejected by memory cache")

// Memory is an in-process single-key store backed by ristretto. It is meant
// for tests, demos and single-node deployments; wrap it with [FanOut] to
// hand it to the batch queue.
type Memory struct {
	rc *ristretto.Cache[string, []byte]
}

// NewMemory creates a Memory store. maxCost bounds the number of entries
// (each entry has a cost of 1). Once full, ristretto's admission policy
// decides whether a new key may evict an old one; a refused write fails
// with [ErrRejected].
func NewMemory(maxCost int64) (*Memory, error) {
	rc, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        maxCost * 10,
		MaxCost:            maxCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Memory{rc: rc}, nil
}

// Get retrieves a value by key. The boolean reports a hit.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.rc.Get(key)
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

// Set stores value under key. A zero ttl means no expiration.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if !m.rc.SetWithTTL(key, bytes.Clone(value), 1, ttl) {
		return ErrRejected
	}
	m.rc.Wait()
	// New keys pass the admission policy asynchronously; a key that is
	// absent once the buffers drained was refused.
	if _, ok := m.rc.Get(key); !ok {
		return ErrRejected
	}
	return nil
}

// Delete removes key. Missing keys are ignored.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.rc.Del(key)
	m.rc.Wait()
	return nil
}

// Close releases the ristretto goroutines.
func (m *Memory) Close() error {
	m.rc.Close()
	return nil
}
