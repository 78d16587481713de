// Package events is the in-process publish/subscribe channel through which
// the batch queue reports flush statistics and store failures.
//
// Delivery is synchronous: Emit calls every current subscriber in
// subscription order before returning. There is no buffering and no replay;
// a subscriber registered after an event was emitted never sees it.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Window identifies which batching window produced an event.
type Window string

const (
	WindowWrite Window = "write"
	WindowRead  Window = "read"
)

// Op names the grouped store call an [Error] refers to.
type Op string

const (
	OpSet    Op = "set"
	OpDelete Op = "delete"
	OpGet    Op = "get"
)

// BatchProcessed is emitted once per flushed window.
type BatchProcessed struct {
	Window         Window
	OperationCount int
	ProcessingTime time.Duration
}

// ProcessingTimeMs returns the processing time in whole milliseconds.
func (b BatchProcessed) ProcessingTimeMs() int64 {
	return b.ProcessingTime.Milliseconds()
}

// Error is emitted for every failed grouped store call.
type Error struct {
	Window Window
	Op     Op
	Keys   []string
	Err    error
}

func (e Error) Error() string {
	return "events: " + string(e.Window) + " " + string(e.Op) + ": " + e.Err.Error()
}

func (e Error) Unwrap() error { return e.Err }

// Emitter fans events out to subscribers. The zero value is not usable;
// create one with [NewEmitter].
type Emitter struct {
	mu     sync.RWMutex
	nextID uint64
	batch  []subscriber[BatchProcessed]
	errs   []subscriber[Error]
	logger *zap.Logger
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// NewEmitter creates an Emitter. A nil logger is replaced by a no-op logger.
func NewEmitter(logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{logger: logger}
}

// OnBatchProcessed registers fn and returns a function that removes it.
func (e *Emitter) OnBatchProcessed(fn func(BatchProcessed)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.batch = append(e.batch, subscriber[BatchProcessed]{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.batch = remove(e.batch, id)
	}
}

// OnError registers fn and returns a function that removes it.
func (e *Emitter) OnError(fn func(Error)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.errs = append(e.errs, subscriber[Error]{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.errs = remove(e.errs, id)
	}
}

// EmitBatchProcessed delivers ev to every BatchProcessed subscriber.
func (e *Emitter) EmitBatchProcessed(ev BatchProcessed) {
	e.mu.RLock()
	subs := e.batch
	e.mu.RUnlock()
	for _, s := range subs {
		e.call("batch_processed", func() { s.fn(ev) })
	}
}

// EmitError delivers ev to every Error subscriber.
func (e *Emitter) EmitError(ev Error) {
	e.mu.RLock()
	subs := e.errs
	e.mu.RUnlock()
	for _, s := range subs {
		e.call("error", func() { s.fn(ev) })
	}
}

// call runs a subscriber and keeps its panic from reaching the emitter.
func (e *Emitter) call(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event subscriber panicked",
				zap.String("event", event),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	fn()
}

// remove returns subs without the entry id. It always allocates a new slice
// so that snapshots taken by in-flight emits stay valid.
func remove[T any](subs []subscriber[T], id uint64) []subscriber[T] {
	out := make([]subscriber[T], 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
