// Package cache is the application-facing surface over the batch queue.
// Writes are fire-and-forget; reads suspend the caller until the read
// window holding them has been flushed.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Keksclan/rawrqueue/queue"
	"golang.org/x/sync/singleflight"
)

// Cache translates cache calls into queue operations.
type Cache struct {
	q     *queue.Queue
	loads singleflight.Group
}

// New creates a Cache on top of q.
func New(q *queue.Queue) *Cache {
	return &Cache{q: q}
}

// Set queues a write of value under key. Strings and byte slices are stored
// as is, anything else is JSON-encoded. A zero ttl means no expiration.
// The only error is an encoding failure; store failures surface as queue
// error events.
func (c *Cache) Set(key string, value any, ttl time.Duration) error {
	b, err := encode(value)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}
	c.q.EnqueueSet(key, b, ttl)
	return nil
}

// Get reads key. found is false for a missing key.
func (c *Cache) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	return c.q.EnqueueGet(key).Wait(ctx)
}

// GetJSON reads key and decodes it into v. found is false for a missing key,
// in which case v is left untouched.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	b, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return true, fmt.Errorf("cache: decode %q: %w", key, err)
	}
	return true, nil
}

// Delete queues a delete of key.
func (c *Cache) Delete(key string) {
	c.q.EnqueueDelete(key)
}

// GetOrSet returns the value under key. On a miss it calls loader, queues
// the result with ttl and returns it. Concurrent misses for the same key in
// this process share one loader call.
func (c *Cache) GetOrSet(ctx context.Context, key string, ttl time.Duration, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	v, err, _ := c.loads.Do(key, func() (any, error) {
		b, ok, err := c.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return b, nil
		}
		b, err = loader(ctx)
		if err != nil {
			return nil, err
		}
		c.q.EnqueueSet(key, b, ttl)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}
