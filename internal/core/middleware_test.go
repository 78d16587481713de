package core

import (
	"context"
	"slices"
	"testing"

	"google.golang.org/grpc"
)

func tagUnary(trace *[]string, tag string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		*trace = append(*trace, tag)
		return handler(ctx, req)
	}
}

func TestChain_SortsByOrder(t *testing.T) {
	var c Chain
	c.Add("ratelimit", OrderRateLimit, nil, nil)
	c.Add("recovery", OrderRecovery, nil, nil)
	c.Add("user", OrderUser, nil, nil)
	c.Add("requestid", OrderRequestID, nil, nil)

	want := []string{"recovery", "requestid", "ratelimit", "user"}
	if got := c.Names(); !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestChain_StableForEqualOrder(t *testing.T) {
	var c Chain
	c.Add("a", OrderUser, nil, nil)
	c.Add("b", OrderUser, nil, nil)
	c.Add("c", OrderUser, nil, nil)

	if got := c.Names(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("registration order lost: %v", got)
	}
}

func TestChain_BuildSkipsNil(t *testing.T) {
	var trace []string
	var c Chain
	c.Add("second", OrderRateLimit, tagUnary(&trace, "second"), nil)
	c.Add("stream-only", OrderTracing, nil, func(any, grpc.ServerStream, *grpc.StreamServerInfo, grpc.StreamHandler) error {
		return nil
	})
	c.Add("first", OrderRecovery, tagUnary(&trace, "first"), nil)

	unary, stream := c.Build()
	if len(unary) != 2 || len(stream) != 1 {
		t.Fatalf("expected 2 unary and 1 stream interceptor, got %d and %d", len(unary), len(stream))
	}

	for _, ic := range unary {
		_, _ = ic(t.Context(), nil, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) { return nil, nil })
	}
	if !slices.Equal(trace, []string{"first", "second"}) {
		t.Fatalf("unexpected execution order %v", trace)
	}
}

func TestChain_ServerOptions(t *testing.T) {
	var c Chain
	if opts := c.ServerOptions(); len(opts) != 0 {
		t.Fatalf("empty chain produced %d options", len(opts))
	}
	c.Add("x", OrderUser, tagUnary(new([]string), "x"), nil)
	if opts := c.ServerOptions(); len(opts) != 1 {
		t.Fatalf("expected 1 option, got %d", len(opts))
	}
}
