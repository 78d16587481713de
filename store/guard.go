package store

import (
	"context"
	"io"

	"github.com/Keksclan/rawrqueue/breaker"
)

// ErrCircuitOpen is returned by a guarded store while its breaker rejects
// calls.
var ErrCircuitOpen = breaker.ErrOpen

type guarded struct {
	s Store
	b *breaker.Breaker
}

// Guard wraps s with a circuit breaker. While the breaker is open every
// grouped call fails immediately with [ErrCircuitOpen] instead of waiting
// for the store timeout, which keeps flushes short during an outage.
func Guard(s Store, b *breaker.Breaker) Store {
	return &guarded{s: s, b: b}
}

func (g *guarded) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	var out map[string][]byte
	err := g.b.Do(func() error {
		var err error
		out, err = g.s.MultiGet(ctx, keys)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *guarded) MultiSet(ctx context.Context, entries []Entry) error {
	return g.b.Do(func() error { return g.s.MultiSet(ctx, entries) })
}

func (g *guarded) MultiDelete(ctx context.Context, keys []string) error {
	return g.b.Do(func() error { return g.s.MultiDelete(ctx, keys) })
}

func (g *guarded) Close() error {
	if c, ok := g.s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
