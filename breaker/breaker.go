// Package breaker provides a small, thread-safe circuit breaker used to stop
// hammering an unavailable key-value store.
//
// States:
//   - Closed: calls flow normally; consecutive failures are counted.
//   - Open: calls are rejected with [ErrOpen] until OpenTimeout elapses.
//   - HalfOpen: up to HalfOpenMaxSuccess probe calls are let through; if all
//     succeed the breaker closes, any failure reopens it.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("breaker: circuit open")

// State represents the current circuit breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config holds the circuit breaker parameters. Zero fields fall back to the
// values of [DefaultConfig].
type Config struct {
	// FailureThreshold is the number of consecutive failures in Closed state
	// before the breaker trips to Open.
	FailureThreshold int `yaml:"failure_threshold"`

	// OpenTimeout is how long the breaker stays Open before letting probes
	// through.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// HalfOpenMaxSuccess is the number of consecutive probe successes
	// required to close the breaker again.
	HalfOpenMaxSuccess int `yaml:"half_open_max_success"`

	// OnStateChange, when set, is called after every transition. It runs
	// with the breaker lock released.
	OnStateChange func(from, to State) `yaml:"-"`
}

// DefaultConfig returns the breaker settings used for store calls.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		OpenTimeout:        5 * time.Second,
		HalfOpenMaxSuccess: 1,
	}
}

// Breaker is a minimal circuit breaker. All methods are safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state     State
	failures  int
	successes int
	inflight  int // probes admitted in HalfOpen and not yet reported
	openedAt  time.Time
	nowFunc   func() time.Time
}

// New creates a Breaker with the given configuration.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenMaxSuccess <= 0 {
		cfg.HalfOpenMaxSuccess = def.HalfOpenMaxSuccess
	}
	return &Breaker{
		cfg:     cfg,
		state:   Closed,
		nowFunc: time.Now,
	}
}

// State returns the current state. An Open breaker whose timeout has elapsed
// reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to := b.checkOpenTimeout()
	s := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return s
}

// Do runs fn when the breaker admits the call and records its outcome.
// It returns [ErrOpen] without calling fn when the breaker rejects the call.
func (b *Breaker) Do(fn func() error) error {
	if !b.allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		b.onFailure()
	} else {
		b.onSuccess()
	}
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	from, to := b.checkOpenTimeout()
	ok := false
	switch b.state {
	case Closed:
		ok = true
	case HalfOpen:
		if b.successes+b.inflight < b.cfg.HalfOpenMaxSuccess {
			b.inflight++
			ok = true
		}
	}
	b.mu.Unlock()
	b.notify(from, to)
	return ok
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	from, to := b.state, b.state
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.inflight = max(b.inflight-1, 0)
		b.successes++
		if b.successes >= b.cfg.HalfOpenMaxSuccess {
			b.state = Closed
			b.failures = 0
			b.successes = 0
			to = Closed
		}
	}
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	from, to := b.state, b.state
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.toOpen()
			to = Open
		}
	case HalfOpen:
		b.toOpen()
		to = Open
	}
	b.mu.Unlock()
	b.notify(from, to)
}

// checkOpenTimeout moves Open to HalfOpen once the timeout has elapsed.
// Must be called with b.mu held.
func (b *Breaker) checkOpenTimeout() (from, to State) {
	if b.state == Open && b.nowFunc().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = HalfOpen
		b.successes = 0
		b.inflight = 0
		return Open, HalfOpen
	}
	return b.state, b.state
}

func (b *Breaker) toOpen() {
	b.state = Open
	b.openedAt = b.nowFunc()
	b.successes = 0
	b.inflight = 0
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
