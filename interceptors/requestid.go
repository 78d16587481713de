package interceptors

import (
	"context"

	"github.com/Keksclan/rawrqueue/contextx"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// RequestIDHeader is the metadata key carrying the request id in both
// directions.
const RequestIDHeader = "x-request-id"

const maxRequestIDLen = 128

// requestID returns the caller's id when it sent a usable one, otherwise a
// new UUID.
func requestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(RequestIDHeader); len(v) > 0 && v[0] != "" && len(v[0]) <= maxRequestIDLen {
			return v[0]
		}
	}
	return uuid.NewString()
}

// RequestIDUnary stores a request id in the context and echoes it in the
// response header.
func RequestIDUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if contextx.RequestIDFromContext(ctx) == "" {
			id := requestID(ctx)
			ctx = contextx.WithRequestID(ctx, id)
			_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, id))
		}
		return handler(ctx, req)
	}
}

// RequestIDStream is the streaming counterpart of [RequestIDUnary].
func RequestIDStream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		if contextx.RequestIDFromContext(ctx) != "" {
			return handler(srv, ss)
		}
		id := requestID(ctx)
		_ = ss.SetHeader(metadata.Pairs(RequestIDHeader, id))
		return handler(srv, &contextStream{ServerStream: ss, ctx: contextx.WithRequestID(ctx, id)})
	}
}

// contextStream replaces the context of a server stream.
type contextStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *contextStream) Context() context.Context { return s.ctx }
