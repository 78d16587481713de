package ratelimit

import "golang.org/x/time/rate"

// Gate is a process-local token bucket placed in front of the sliding-window
// checks. It sheds load before any cache round trip is spent.
type Gate struct {
	lim *rate.Limiter
}

// NewGate permits rps requests per second with the given burst.
func NewGate(rps float64, burst int) *Gate {
	return &Gate{lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow reports whether one request may proceed.
func (g *Gate) Allow() bool {
	return g.lim.Allow()
}
