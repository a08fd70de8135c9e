package interceptors

import (
	"context"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingUnary logs every RPC with its status code and duration.
// skipMethods is the set of full method names not to log (e.g. health checks).
func LoggingUnary(logger *zap.Logger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if skipMethods[info.FullMethod] {
			return resp, err
		}
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("duration", time.Since(start)),
		}
		switch code {
		case codes.OK:
			logger.Debug("rpc", fields...)
		case codes.Unavailable, codes.Internal, codes.Unknown:
			logger.Error("rpc", append(fields, zap.Error(err))...)
		default:
			logger.Info("rpc", fields...)
		}
		return resp, err
	}
}

// RecoveryUnary converts a handler panic into codes.Internal.
func RecoveryUnary(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in rpc handler",
					zap.String("method", info.FullMethod),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
