// Package queue batches cache commands into grouped store round trips.
//
// Writes (SET, DELETE) and reads (GET) are collected in two independent
// windows. A window is flushed when it has been open for its interval or
// when it reaches its maximum size, whichever comes first. Each window is
// flushed by its own dispatcher goroutine, one sealed batch at a time, while
// callers keep enqueueing into a fresh batch.
//
// Inside a batch SETs run before DELETEs and DELETEs before GETs. Before a
// read batch is sent, every pending write for the keys it reads is flushed,
// so a GET observes the SETs and DELETEs enqueued before it.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/Keksclan/rawrqueue/events"
	"github.com/Keksclan/rawrqueue/store"
	"github.com/Keksclan/rawrqueue/tracing"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrClosed is reported for operations enqueued after [Queue.Close].
var ErrClosed = errors.New("queue: closed")

// Option configures a [Queue].
type Option func(*Queue)

// WithEmitter publishes batch and error events on e. Without it the queue
// creates its own emitter, available from [Queue.Emitter].
func WithEmitter(e *events.Emitter) Option {
	return func(q *Queue) { q.emitter = e }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithTracing records one span per flush.
func WithTracing(cfg *tracing.Config) Option {
	return func(q *Queue) { q.tracing = cfg }
}

// Queue is the batch queue. All methods are safe for concurrent use.
type Queue struct {
	store   store.Store
	cfg     Config
	emitter *events.Emitter
	logger  *zap.Logger
	tracing *tracing.Config

	write *window
	read  *window

	dropLog rate.Sometimes
}

// Stats counts the operations buffered and not yet sent to the store.
type Stats struct {
	Writes int
	Reads  int
}

// New validates cfg and starts the write and read dispatchers. Call
// [Queue.Close] to flush and stop them.
func New(s store.Store, cfg Config, opts ...Option) (*Queue, error) {
	if s == nil {
		return nil, errors.New("queue: store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	q := &Queue{
		store:   s,
		cfg:     cfg,
		write:   newWindow(events.WindowWrite, cfg.BatchInterval, cfg.MaxBatchSize),
		read:    newWindow(events.WindowRead, cfg.GetBatchInterval, cfg.GetMaxBatchSize),
		dropLog: rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(q)
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	if q.emitter == nil {
		q.emitter = events.NewEmitter(q.logger)
	}

	go q.write.run(q.flushWrites)
	go q.read.run(q.flushReads)
	return q, nil
}

// Emitter returns the emitter the queue publishes on.
func (q *Queue) Emitter() *events.Emitter { return q.emitter }

// EnqueueSet queues a write of value under key. A zero ttl means no
// expiration. value must not be modified after the call. EnqueueSet never
// blocks; store failures are only reported as events.
func (q *Queue) EnqueueSet(key string, value []byte, ttl time.Duration) {
	e := store.Entry{Key: key, Value: value, TTL: ttl}
	ok := q.write.add(
		func(b *batch) bool {
			_, deleted := b.deleted[key]
			return deleted
		},
		func(b *batch) { b.sets = append(b.sets, e) },
	)
	if !ok {
		q.dropped(events.OpSet, key)
	}
}

// EnqueueDelete queues a delete of key. It never blocks.
func (q *Queue) EnqueueDelete(key string) {
	ok := q.write.add(nil, func(b *batch) {
		b.deletes = append(b.deletes, key)
		if b.deleted == nil {
			b.deleted = make(map[string]struct{})
		}
		b.deleted[key] = struct{}{}
	})
	if !ok {
		q.dropped(events.OpDelete, key)
	}
}

// EnqueueGet queues a read of key and returns its completion handle.
func (q *Queue) EnqueueGet(key string) *Result {
	r := newResult()
	ok := q.read.add(nil, func(b *batch) {
		b.gets = append(b.gets, getOp{key: key, res: r})
	})
	if !ok {
		r.resolve(nil, false, ErrClosed)
	}
	return r
}

// Pending reports how many operations are buffered per window.
func (q *Queue) Pending() Stats {
	return Stats{Writes: q.write.pending(), Reads: q.read.pending()}
}

// Close stops accepting operations, flushes everything buffered and waits
// for both dispatchers or ctx. Reads are drained before the write
// dispatcher stops. Close may be called more than once.
func (q *Queue) Close(ctx context.Context) error {
	q.write.refuse()
	q.read.shutdown()
	go func() {
		<-q.read.done
		q.write.shutdown()
	}()

	select {
	case <-q.write.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) dropped(op events.Op, key string) {
	q.dropLog.Do(func() {
		q.logger.Warn("operation dropped, queue closed",
			zap.String("op", string(op)),
			zap.String("key", key),
		)
	})
	q.emitter.EmitError(events.Error{
		Window: events.WindowWrite,
		Op:     op,
		Keys:   []string{key},
		Err:    ErrClosed,
	})
}
