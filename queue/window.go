package queue

import (
	"sync"
	"time"

	"github.com/Keksclan/rawrqueue/events"
	"github.com/Keksclan/rawrqueue/store"
)

type getOp struct {
	key string
	res *Result
}

// batch is the content of one window, kept as one buffer per kind so the
// flush order SET, DELETE, GET does not depend on sorting.
type batch struct {
	sets    []store.Entry
	deletes []string
	gets    []getOp

	// deleted holds the keys of deletes, used to keep a DELETE followed by
	// a SET of the same key in enqueue order.
	deleted map[string]struct{}
}

func (b *batch) len() int { return len(b.sets) + len(b.deletes) + len(b.gets) }

// touches reports whether any write in b refers to one of keys.
func (b *batch) touches(keys map[string]struct{}) bool {
	for _, e := range b.sets {
		if _, ok := keys[e.Key]; ok {
			return true
		}
	}
	for _, k := range b.deletes {
		if _, ok := keys[k]; ok {
			return true
		}
	}
	return false
}

// barrierReq asks the write dispatcher to flush every pending write that
// precedes a read of keys.
type barrierReq struct {
	keys map[string]struct{}
	ack  chan struct{}
}

// window buffers operations of one side (writes or reads). Enqueue only
// appends to the open batch under mu; sealed batches are handed to a single
// dispatcher goroutine that flushes them one at a time in sealing order.
type window struct {
	name     events.Window
	interval time.Duration
	max      int

	mu     sync.Mutex
	open   *batch
	sealed []*batch
	closed bool

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	barrier  chan barrierReq
}

func newWindow(name events.Window, interval time.Duration, size int) *window {
	return &window{
		name:     name,
		interval: interval,
		max:      size,
		open:     &batch{},
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		barrier:  make(chan barrierReq),
	}
}

// add runs fn against the open batch and seals the batch once it reaches
// max. When split reports true for the open batch, that batch is sealed
// before fn runs. add returns false once the window is closed.
func (w *window) add(split func(*batch) bool, fn func(*batch)) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	wake := false
	if split != nil && split(w.open) {
		w.sealLocked()
		wake = true
	}
	fn(w.open)
	if w.open.len() >= w.max {
		w.sealLocked()
		wake = true
	}
	w.mu.Unlock()

	if wake {
		w.signal()
	}
	return true
}

func (w *window) sealLocked() {
	if w.open.len() == 0 {
		return
	}
	w.sealed = append(w.sealed, w.open)
	w.open = &batch{}
}

func (w *window) seal() {
	w.mu.Lock()
	w.sealLocked()
	w.mu.Unlock()
}

// sealIfTouches seals the open batch when it writes one of keys.
func (w *window) sealIfTouches(keys map[string]struct{}) {
	w.mu.Lock()
	if w.open.touches(keys) {
		w.sealLocked()
	}
	w.mu.Unlock()
}

func (w *window) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest sealed batch.
func (w *window) next() *batch {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.sealed) == 0 {
		return nil
	}
	b := w.sealed[0]
	w.sealed[0] = nil
	w.sealed = w.sealed[1:]
	return b
}

// refuse makes add fail from now on.
func (w *window) refuse() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// shutdown refuses further operations and tells the dispatcher to flush
// what is left and exit.
func (w *window) shutdown() {
	w.refuse()
	w.stopOnce.Do(func() { close(w.stop) })
}

// pending counts buffered operations, sealed batches included.
func (w *window) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.open.len()
	for _, b := range w.sealed {
		n += b.len()
	}
	return n
}

// run is the dispatcher loop. It exits after stop is closed and everything
// buffered has been flushed.
func (w *window) run(flush func(*batch)) {
	defer close(w.done)

	t := time.NewTicker(w.interval)
	defer t.Stop()

	drain := func() {
		for b := w.next(); b != nil; b = w.next() {
			flush(b)
		}
	}

	for {
		select {
		case <-t.C:
			w.seal()
		case <-w.wake:
		case req := <-w.barrier:
			w.sealIfTouches(req.keys)
			drain()
			close(req.ack)
			continue
		case <-w.stop:
			w.seal()
			drain()
			return
		}
		drain()
	}
}
