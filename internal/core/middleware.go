// Package core assembles the server interceptor chain in a fixed order.
package core

import (
	"cmp"
	"slices"

	"google.golang.org/grpc"
)

// Positions of the built-in interceptors. Lower values run first, so a
// panic anywhere below recovery is caught and every later stage sees the
// request id.
const (
	OrderRecovery  = 0
	OrderRequestID = 10
	OrderTracing   = 20
	OrderActor     = 25
	OrderRateLimit = 30
	OrderUser      = 100
)

// stage is one interceptor pair at a fixed position in the chain.
type stage struct {
	name   string
	order  int
	unary  grpc.UnaryServerInterceptor
	stream grpc.StreamServerInterceptor
}

// Chain collects interceptor stages and turns them into server options.
type Chain struct {
	stages []stage
}

// Add registers a stage. Either interceptor may be nil. Stages with equal
// order keep their registration order.
func (c *Chain) Add(name string, order int, unary grpc.UnaryServerInterceptor, stream grpc.StreamServerInterceptor) {
	c.stages = append(c.stages, stage{name: name, order: order, unary: unary, stream: stream})
}

// Names returns the stage names in execution order.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.stages))
	for _, s := range c.sorted() {
		names = append(names, s.name)
	}
	return names
}

// Build returns the sorted unary and stream interceptors.
func (c *Chain) Build() ([]grpc.UnaryServerInterceptor, []grpc.StreamServerInterceptor) {
	var unary []grpc.UnaryServerInterceptor
	var stream []grpc.StreamServerInterceptor
	for _, s := range c.sorted() {
		if s.unary != nil {
			unary = append(unary, s.unary)
		}
		if s.stream != nil {
			stream = append(stream, s.stream)
		}
	}
	return unary, stream
}

// ServerOptions wraps [Chain.Build] into grpc.NewServer options.
func (c *Chain) ServerOptions() []grpc.ServerOption {
	unary, stream := c.Build()
	var opts []grpc.ServerOption
	if len(unary) > 0 {
		opts = append(opts, grpc.ChainUnaryInterceptor(unary...))
	}
	if len(stream) > 0 {
		opts = append(opts, grpc.ChainStreamInterceptor(stream...))
	}
	return opts
}

func (c *Chain) sorted() []stage {
	out := slices.Clone(c.stages)
	slices.SortStableFunc(out, func(a, b stage) int {
		return cmp.Compare(a.order, b.order)
	})
	return out
}
