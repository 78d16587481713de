// Package contextx carries per-call values between the interceptors and
// handlers: the caller identity, the request id, the resolved method group
// and the rate limit decision.
package contextx

import (
	"context"

	"github.com/Keksclan/rawrqueue/ratelimit"
)

type contextKey int

const (
	actorKey contextKey = iota
	requestIDKey
	groupKey
	decisionKey
)

// Actor is the authenticated caller, placed in the context by whatever
// authentication runs in front of the rate limiter. Its Subject is the
// preferred rate limit key.
type Actor struct {
	Subject string `yaml:"subject"`
	Tenant  string `yaml:"tenant"`
}

// WithActor returns a context carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the Actor in ctx, if any.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request id in ctx or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithGroup returns a context carrying the method group name.
func WithGroup(ctx context.Context, group string) context.Context {
	return context.WithValue(ctx, groupKey, group)
}

// GroupFromContext returns the method group in ctx or "".
func GroupFromContext(ctx context.Context) string {
	g, _ := ctx.Value(groupKey).(string)
	return g
}

// WithDecision returns a context carrying the rate limit decision of the
// current call.
func WithDecision(ctx context.Context, d ratelimit.Decision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// DecisionFromContext returns the rate limit decision in ctx, if any.
func DecisionFromContext(ctx context.Context) (ratelimit.Decision, bool) {
	d, ok := ctx.Value(decisionKey).(ratelimit.Decision)
	return d, ok
}
