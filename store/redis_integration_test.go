package store

import (
	"os"
	"testing"
	"time"

	"github.com/Keksclan/rawrqueue/retry"
)

func redisStore(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis integration test")
	}
	r, err := DialRedis(t.Context(), RedisOptions{Addrs: []string{addr}}, retry.Config{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("cannot reach Redis at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedis_MultiRoundTrip(t *testing.T) {
	r := redisStore(t)
	ctx := t.Context()
	prefix := "test:store:" + t.Name() + ":"

	err := r.MultiSet(ctx, []Entry{
		{Key: prefix + "a", Value: []byte("1"), TTL: 10 * time.Second},
		{Key: prefix + "b", Value: []byte("old"), TTL: 10 * time.Second},
		{Key: prefix + "b", Value: []byte("new"), TTL: 10 * time.Second},
	})
	if err != nil {
		t.Fatalf("MultiSet: %v", err)
	}

	got, err := r.MultiGet(ctx, []string{prefix + "a", prefix + "b", prefix + "missing"})
	if err != nil {
		t.Fatalf("MultiGet: %v", err)
	}
	if len(got) != 2 || string(got[prefix+"a"]) != "1" || string(got[prefix+"b"]) != "new" {
		t.Fatalf("unexpected result: %v", got)
	}

	if err := r.MultiDelete(ctx, []string{prefix + "a", prefix + "b", prefix + "missing"}); err != nil {
		t.Fatalf("MultiDelete: %v", err)
	}
	got, err = r.MultiGet(ctx, []string{prefix + "a", prefix + "b"})
	if err != nil {
		t.Fatalf("MultiGet after delete: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no keys after delete, got %v", got)
	}
}

func TestRedis_TTLExpiry(t *testing.T) {
	r := redisStore(t)
	ctx := t.Context()
	key := "test:store:ttl:" + t.Name()

	_ = r.MultiSet(ctx, []Entry{{Key: key, Value: []byte("v"), TTL: 500 * time.Millisecond}})
	time.Sleep(700 * time.Millisecond)

	got, err := r.MultiGet(ctx, []string{key})
	if err != nil {
		t.Fatalf("MultiGet: %v", err)
	}
	if len(got) != 0 {
		t.Fatal("expected miss after TTL")
	}
}

func TestDialRedis_RequiresAddress(t *testing.T) {
	if _, err := DialRedis(t.Context(), RedisOptions{}, retry.Config{}); err == nil {
		t.Fatal("expected error without addresses")
	}
}
