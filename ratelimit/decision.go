package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Header names written by [Decision.Headers].
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Decision is the outcome of one [Limiter.CheckAndRecord] call.
type Decision struct {
	Admitted  bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest counted request leaves the window.
	ResetAt time.Time
	// RetryAfter is set on rejections, rounded up to whole seconds.
	RetryAfter time.Duration
	// FailedOpen marks an admission granted because the record could not
	// be read.
	FailedOpen bool
}

// Headers renders the decision as response headers. Retry-After is only
// present on rejections.
func (d Decision) Headers() map[string]string {
	h := map[string]string{
		HeaderLimit:     strconv.Itoa(d.Limit),
		HeaderRemaining: strconv.Itoa(d.Remaining),
		HeaderReset:     strconv.FormatInt(d.ResetAt.Unix(), 10),
	}
	if !d.Admitted {
		h[HeaderRetryAfter] = strconv.FormatInt(int64(d.RetryAfter/time.Second), 10)
	}
	return h
}

// SetHeaders writes [Decision.Headers] into h.
func (d Decision) SetHeaders(h http.Header) {
	for k, v := range d.Headers() {
		h.Set(k, v)
	}
}
