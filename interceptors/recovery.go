// Package interceptors holds the gRPC server interceptors of the rawrqueue
// server: panic recovery, request ids, caller identification and sliding-window
// rate limiting.
package interceptors

import (
	"context"

	"github.com/Keksclan/rawrqueue/contextx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errInternal = status.Error(codes.Internal, "internal server error")

// RecoveryUnary turns a handler panic into codes.Internal and logs it with
// the request id.
func RecoveryUnary(logger *zap.Logger) grpc.UnaryServerInterceptor {
	logger = orNop(logger)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logPanic(ctx, logger, info.FullMethod, r)
				resp, err = nil, errInternal
			}
		}()
		return handler(ctx, req)
	}
}

// RecoveryStream is the streaming counterpart of [RecoveryUnary].
func RecoveryStream(logger *zap.Logger) grpc.StreamServerInterceptor {
	logger = orNop(logger)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logPanic(ss.Context(), logger, info.FullMethod, r)
				err = errInternal
			}
		}()
		return handler(srv, ss)
	}
}

func logPanic(ctx context.Context, logger *zap.Logger, method string, r any) {
	logger.Error("panic recovered",
		zap.String("method", method),
		zap.String("request_id", contextx.RequestIDFromContext(ctx)),
		zap.Any("panic", r),
		zap.Stack("stack"),
	)
}

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
