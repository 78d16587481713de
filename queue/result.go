package queue

import "context"

// Result is the completion handle of a queued GET. It resolves exactly once,
// when the read window holding the GET has been flushed.
type Result struct {
	done  chan struct{}
	value []byte
	found bool
	err   error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// resolve must be called exactly once.
func (r *Result) resolve(value []byte, found bool, err error) {
	r.value, r.found, r.err = value, found, err
	close(r.done)
}

// Done is closed once the result is available.
func (r *Result) Done() <-chan struct{} { return r.done }

// Wait blocks until the GET has been served or ctx is done. found is false
// for a missing key; err carries the store error of the whole flush.
// Giving up on ctx does not cancel the queued GET. The returned value is
// not shared with other handles and may be modified by the caller.
func (r *Result) Wait(ctx context.Context) (value []byte, found bool, err error) {
	select {
	case <-r.done:
		return r.value, r.found, r.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
