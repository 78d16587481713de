package store

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultFanOut is the number of concurrent per-key calls used by [FanOut]
// when limit is not positive.
const DefaultFanOut = 16

type fanOut struct {
	s     SingleKeyStore
	limit int
}

// FanOut lifts a single-key store into a [Store]. Each grouped call issues
// its per-key calls concurrently with at most limit in flight, so a flush
// costs roughly one round trip instead of one per key. Writes to the same
// key inside one call run serially in the order given.
func FanOut(s SingleKeyStore, limit int) Store {
	if limit <= 0 {
		limit = DefaultFanOut
	}
	return &fanOut{s: s, limit: limit}
}

func (f *fanOut) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	var mu sync.Mutex
	out := make(map[string][]byte, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.limit)
	for _, key := range uniq(keys) {
		g.Go(func() error {
			v, ok, err := f.s.Get(gctx, key)
			if err != nil {
				return fmt.Errorf("get %q: %w", key, err)
			}
			if ok {
				mu.Lock()
				out[key] = v
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fanOut) MultiSet(ctx context.Context, entries []Entry) error {
	var order []string
	byKey := make(map[string][]Entry, len(entries))
	for _, e := range entries {
		if _, ok := byKey[e.Key]; !ok {
			order = append(order, e.Key)
		}
		byKey[e.Key] = append(byKey[e.Key], e)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.limit)
	for _, key := range order {
		g.Go(func() error {
			for _, e := range byKey[key] {
				if err := f.s.Set(gctx, e.Key, e.Value, e.TTL); err != nil {
					return fmt.Errorf("set %q: %w", e.Key, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (f *fanOut) MultiDelete(ctx context.Context, keys []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.limit)
	for _, key := range uniq(keys) {
		g.Go(func() error {
			if err := f.s.Delete(gctx, key); err != nil {
				return fmt.Errorf("delete %q: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close closes the wrapped store when it implements io.Closer.
func (f *fanOut) Close() error {
	if c, ok := f.s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
