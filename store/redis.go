package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Keksclan/rawrqueue/retry"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures [DialRedis]. A single address selects a plain
// client; several addresses select a cluster client.
type RedisOptions struct {
	Addrs        []string      `yaml:"addrs"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Redis is a [Store] backed by Redis. Every grouped call is a single
// pipelined round trip.
type Redis struct {
	rdb redis.UniversalClient
}

// NewRedis wraps an existing client.
func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

// DialRedis creates a client from opts and pings it, retrying according to
// rc, before returning. The client is closed when the ping never succeeds.
func DialRedis(ctx context.Context, opts RedisOptions, rc retry.Config) (*Redis, error) {
	if len(opts.Addrs) == 0 {
		return nil, errors.New("store: at least one redis address is required")
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        opts.Addrs,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	_, err := retry.Do(ctx, rc, func(ctx context.Context) (string, error) {
		return rdb.Ping(ctx).Result()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("store: ping redis: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

// MultiGet pipelines one GET per distinct key.
func (r *Redis) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	keys = uniq(keys)
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	// Exec reports the first failed command; a miss (redis.Nil) is not a
	// failure for a batch read.
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("store: redis multi get: %w", err)
	}

	for i, cmd := range cmds {
		v, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: redis get %q: %w", keys[i], err)
		}
		out[keys[i]] = v
	}
	return out, nil
}

// MultiSet pipelines one SET per entry in the given order, so the later
// entry for a key wins.
func (r *Redis) MultiSet(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	for _, e := range entries {
		pipe.Set(ctx, e.Key, e.Value, e.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis multi set: %w", err)
	}
	return nil
}

// MultiDelete removes keys with one DEL.
func (r *Redis) MultiDelete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, uniq(keys)...).Err(); err != nil {
		return fmt.Errorf("store: redis multi delete: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
