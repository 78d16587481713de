package queue

import (
	"bytes"
	"context"
	"time"

	"github.com/Keksclan/rawrqueue/events"
	"github.com/Keksclan/rawrqueue/store"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// flushWrites sends the SET group, then the DELETE group. A failed group is
// dropped and reported; it does not stop the other group.
func (q *Queue) flushWrites(b *batch) {
	start := time.Now()
	ctx, span := q.tracing.StartFlush(context.Background(), string(events.WindowWrite), b.len())

	var failed error
	if len(b.sets) > 0 {
		err := q.call(ctx, func(ctx context.Context) error {
			return q.store.MultiSet(ctx, b.sets)
		})
		if err != nil {
			q.fail(events.WindowWrite, events.OpSet, entryKeys(b.sets), err)
			failed = err
		}
	}
	if len(b.deletes) > 0 {
		err := q.call(ctx, func(ctx context.Context) error {
			return q.store.MultiDelete(ctx, b.deletes)
		})
		if err != nil {
			q.fail(events.WindowWrite, events.OpDelete, b.deletes, err)
			failed = err
		}
	}

	q.finish(span, events.WindowWrite, b.len(), start, failed)
}

// flushReads waits for pending writes to the same keys, then resolves every
// GET handle from one MultiGet. On failure every handle gets the error.
func (q *Queue) flushReads(b *batch) {
	start := time.Now()
	ctx, span := q.tracing.StartFlush(context.Background(), string(events.WindowRead), b.len())

	seen := make(map[string]struct{}, len(b.gets))
	keys := make([]string, 0, len(b.gets))
	for _, g := range b.gets {
		if _, ok := seen[g.key]; ok {
			continue
		}
		seen[g.key] = struct{}{}
		keys = append(keys, g.key)
	}

	q.awaitWrites(seen)

	var values map[string][]byte
	err := q.call(ctx, func(ctx context.Context) error {
		var err error
		values, err = q.store.MultiGet(ctx, keys)
		return err
	})
	if err != nil {
		q.fail(events.WindowRead, events.OpGet, keys, err)
		for _, g := range b.gets {
			g.res.resolve(nil, false, err)
		}
	} else {
		// Duplicate GETs for one key each get their own copy.
		served := make(map[string]struct{}, len(keys))
		for _, g := range b.gets {
			v, ok := values[g.key]
			if _, dup := served[g.key]; dup && ok {
				v = bytes.Clone(v)
			}
			served[g.key] = struct{}{}
			g.res.resolve(v, ok, nil)
		}
	}

	q.finish(span, events.WindowRead, b.len(), start, err)
}

// awaitWrites hands keys to the write dispatcher and blocks until every
// write enqueued for them so far has been flushed. It returns at once when
// the write dispatcher has already exited.
func (q *Queue) awaitWrites(keys map[string]struct{}) {
	req := barrierReq{keys: keys, ack: make(chan struct{})}
	select {
	case q.write.barrier <- req:
	case <-q.write.done:
		return
	}
	<-req.ack
}

// call runs fn with its own OpTimeout deadline.
func (q *Queue) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.OpTimeout)
	defer cancel()
	return fn(ctx)
}

func (q *Queue) fail(w events.Window, op events.Op, keys []string, err error) {
	q.logger.Warn("store call failed",
		zap.String("window", string(w)),
		zap.String("op", string(op)),
		zap.Int("keys", len(keys)),
		zap.Error(err),
	)
	q.emitter.EmitError(events.Error{Window: w, Op: op, Keys: keys, Err: err})
}

func (q *Queue) finish(span trace.Span, w events.Window, n int, start time.Time, err error) {
	elapsed := time.Since(start)
	q.tracing.EndFlush(span, err)
	if q.cfg.EnableMetrics {
		q.emitter.EmitBatchProcessed(events.BatchProcessed{
			Window:         w,
			OperationCount: n,
			ProcessingTime: elapsed,
		})
	}
	q.logger.Debug("batch flushed",
		zap.String("window", string(w)),
		zap.Int("operations", n),
		zap.Duration("elapsed", elapsed),
	)
}

func entryKeys(entries []store.Entry) []string {
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}
