package interceptors

import (
	"context"

	"github.com/Keksclan/rawrqueue/auth"
	"github.com/Keksclan/rawrqueue/contextx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var errUnauthenticated = status.Error(codes.Unauthenticated, "unauthenticated")

// identify runs fn and stores the actor it finds. Errors that already carry
// a gRPC status are returned as is, others become codes.Unauthenticated.
func identify(ctx context.Context, fn auth.ActorFunc, method string) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	a, ok, err := fn(ctx, method, md)
	if err != nil {
		if _, isStatus := status.FromError(err); isStatus {
			return ctx, err
		}
		return ctx, errUnauthenticated
	}
	if ok {
		ctx = contextx.WithActor(ctx, a)
	}
	return ctx, nil
}

// ActorUnary resolves the caller with fn before the handler runs.
func ActorUnary(fn auth.ActorFunc) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := identify(ctx, fn, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// ActorStream is the streaming counterpart of [ActorUnary].
func ActorStream(fn auth.ActorFunc) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := identify(ss.Context(), fn, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &contextStream{ServerStream: ss, ctx: ctx})
	}
}
