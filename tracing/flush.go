package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FlushSpanName is the name of the span recorded for every queue flush.
const FlushSpanName = "rawrqueue.flush"

// StartFlush starts the span of one queue flush. On a nil Config it returns
// ctx and the non-recording span already in ctx.
func (c *Config) StartFlush(ctx context.Context, window string, operations int) (context.Context, trace.Span) {
	if c == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return c.tracer().Start(ctx, FlushSpanName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("queue.window", window),
			attribute.Int("queue.operations", operations),
		),
	)
}

// EndFlush records err on span and ends it.
func (c *Config) EndFlush(span trace.Span, err error) {
	if c == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
