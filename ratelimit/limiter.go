// Package ratelimit implements a sliding-window rate limiter whose per-key
// request log lives in the batched cache.
//
// Each key's record is the list of admitted request times (unix
// milliseconds) inside the window. A check reads the record, prunes old
// entries, and either rejects or appends the current time and writes the
// record back with a TTL equal to the window.
//
// The read and the write are separate cache calls, so concurrent checks for
// the same key can both be admitted from the same record. The limit is
// approximate under contention.
package ratelimit

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultPrefix is prepended to every record key.
const DefaultPrefix = "ratelimit:"

// Cache is the subset of the cache facade the limiter needs.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(key string, value any, ttl time.Duration) error
}

// Option configures a [Limiter].
type Option func(*Limiter)

// WithLogger sets the logger used to report fail-open decisions.
func WithLogger(l *zap.Logger) Option {
	return func(lim *Limiter) { lim.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(lim *Limiter) { lim.nowFunc = now }
}

// WithPrefix sets the record key prefix.
func WithPrefix(prefix string) Option {
	return func(lim *Limiter) { lim.prefix = prefix }
}

// WithObserver calls fn with every decision.
func WithObserver(fn func(Policy, Decision)) Option {
	return func(lim *Limiter) { lim.observe = fn }
}

// Limiter evaluates sliding-window policies. It is safe for concurrent use.
type Limiter struct {
	cache   Cache
	prefix  string
	logger  *zap.Logger
	nowFunc func() time.Time
	observe func(Policy, Decision)

	failLog rate.Sometimes
}

// New creates a Limiter that keeps its records in c.
func New(c Cache, opts ...Option) *Limiter {
	l := &Limiter{
		cache:   c,
		prefix:  DefaultPrefix,
		nowFunc: time.Now,
		failLog: rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(l)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

// Key returns the cache key holding the record of key under p.
func (l *Limiter) Key(key string, p Policy) string {
	return l.prefix + p.Name + ":" + key
}

// CheckAndRecord decides whether one more request for key is allowed under
// p and, if so, records it. It never returns an error: when the record
// cannot be read the request is admitted and the decision is marked
// FailedOpen.
func (l *Limiter) CheckAndRecord(ctx context.Context, key string, p Policy) Decision {
	d := l.check(ctx, key, p)
	if l.observe != nil {
		l.observe(p, d)
	}
	return d
}

func (l *Limiter) check(ctx context.Context, key string, p Policy) Decision {
	now := l.nowFunc()
	nowMs := now.UnixMilli()
	windowMs := p.Window.Milliseconds()
	windowStart := nowMs - windowMs
	recordKey := l.Key(key, p)

	raw, found, err := l.cache.Get(ctx, recordKey)
	if err != nil {
		l.failOpen(p, key, err)
		return Decision{
			Admitted:   true,
			Limit:      p.MaxRequests,
			Remaining:  max(p.MaxRequests-1, 0),
			ResetAt:    now.Add(p.Window),
			FailedOpen: true,
		}
	}

	var record []int64
	if found {
		record = decodeRecord(raw)
	}
	record = slices.DeleteFunc(record, func(ts int64) bool { return ts <= windowStart })

	if len(record) >= p.MaxRequests {
		oldest := nowMs
		if len(record) > 0 {
			oldest = slices.Min(record)
		}
		resetMs := oldest + windowMs
		return Decision{
			Admitted:   false,
			Limit:      p.MaxRequests,
			Remaining:  0,
			ResetAt:    time.UnixMilli(resetMs),
			RetryAfter: time.Duration(ceilDiv(resetMs-nowMs, 1000)) * time.Second,
		}
	}

	record = append(record, nowMs)
	ttl := time.Duration(ceilDiv(windowMs, 1000)) * time.Second
	if err := l.cache.Set(recordKey, record, ttl); err != nil {
		l.failOpen(p, key, err)
	}
	return Decision{
		Admitted:  true,
		Limit:     p.MaxRequests,
		Remaining: p.MaxRequests - len(record),
		ResetAt:   time.UnixMilli(slices.Min(record) + windowMs),
	}
}

func (l *Limiter) failOpen(p Policy, key string, err error) {
	l.failLog.Do(func() {
		l.logger.Warn("rate limit record unavailable, admitting request",
			zap.String("policy", p.Name),
			zap.String("key", key),
			zap.Error(err),
		)
	})
}

// decodeRecord parses a stored record. Anything that is not a JSON array of
// integers reads as an empty record.
func decodeRecord(raw []byte) []int64 {
	var record []int64
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil
	}
	return record
}

// ceilDiv is the ceiling of a/b for b > 0.
func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
