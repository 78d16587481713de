package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Keksclan/rawrqueue/cache"
	"github.com/Keksclan/rawrqueue/queue"
	"github.com/Keksclan/rawrqueue/ratelimit"
	"github.com/Keksclan/rawrqueue/store"
)

func newQueuedLimiter(t *testing.T, s store.Store) *ratelimit.Limiter {
	t.Helper()
	cfg := queue.DefaultConfig()
	cfg.BatchInterval = 20 * time.Millisecond
	cfg.GetBatchInterval = 2 * time.Millisecond
	cfg.OpTimeout = 100 * time.Millisecond
	q, err := queue.New(s, cfg)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return ratelimit.New(cache.New(q))
}

func TestLimiter_ThroughBatchQueue(t *testing.T) {
	mem, err := store.NewMemory(1000)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { _ = mem.Close() })
	l := newQueuedLimiter(t, store.FanOut(mem, 0))
	p := ratelimit.Policy{Name: "e2e", Window: time.Second, MaxRequests: 3}
	ctx := t.Context()

	for i, want := range []int{2, 1, 0} {
		d := l.CheckAndRecord(ctx, "client", p)
		if !d.Admitted || d.Remaining != want {
			t.Fatalf("request %d: expected admitted with remaining %d, got %+v", i+1, want, d)
		}
	}
	d := l.CheckAndRecord(ctx, "client", p)
	if d.Admitted || d.RetryAfter <= 0 {
		t.Fatalf("expected rejection with RetryAfter > 0, got %+v", d)
	}

	time.Sleep(1100 * time.Millisecond)
	if d := l.CheckAndRecord(ctx, "client", p); !d.Admitted {
		t.Fatalf("expected admission after the window passed, got %+v", d)
	}
}

type downStore struct{}

var errDown = errors.New("connection refused")

func (downStore) MultiGet(context.Context, []string) (map[string][]byte, error) {
	return nil, errDown
}
func (downStore) MultiSet(context.Context, []store.Entry) error { return errDown }
func (downStore) MultiDelete(context.Context, []string) error   { return errDown }

func TestLimiter_FailsOpenWhenStoreIsDown(t *testing.T) {
	l := newQueuedLimiter(t, downStore{})
	p := ratelimit.Policy{Name: "down", Window: time.Minute, MaxRequests: 1}

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	for i := range 5 {
		d := l.CheckAndRecord(ctx, "k", p)
		if !d.Admitted || !d.FailedOpen {
			t.Fatalf("request %d: expected fail-open admission, got %+v", i+1, d)
		}
	}
}
