package rpcapi

import (
	"context"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/grps-serving/grps/pkg/grpslog"
)

// UnaryInterceptors chains recovery -> logging for every unary method.
// Recovery runs outermost so a panicking handler surfaces as a transport
// Internal error instead of killing the serving goroutine.
func UnaryInterceptors(logger *grpslog.Loggers) []grpc.UnaryServerInterceptor {
	return []grpc.UnaryServerInterceptor{
		recovery.UnaryServerInterceptor(recovery.WithRecoveryHandler(recoveryHandler(logger))),
		loggingInterceptor(logger),
	}
}

// StreamInterceptors mirrors UnaryInterceptors for the streaming method.
func StreamInterceptors(logger *grpslog.Loggers) []grpc.StreamServerInterceptor {
	return []grpc.StreamServerInterceptor{
		recovery.StreamServerInterceptor(recovery.WithRecoveryHandler(recoveryHandler(logger))),
		streamLoggingInterceptor(logger),
	}
}

func recoveryHandler(logger *grpslog.Loggers) recovery.RecoveryHandlerFunc {
	return func(p any) error {
		logger.Framework.Error("rpc handler panicked", "panic", p)
		return status.Errorf(codes.Internal, "internal error: %v", p)
	}
}

func loggingInterceptor(logger *grpslog.Loggers) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		st, _ := status.FromError(err)
		if err != nil {
			logger.Framework.Error("rpc request failed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds(),
				"code", st.Code().String(),
				"error", err.Error(),
			)
		} else {
			logger.Framework.Info("rpc request completed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds(),
				"code", st.Code().String(),
			)
		}
		return resp, err
	}
}

func streamLoggingInterceptor(logger *grpslog.Loggers) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		duration := time.Since(start)

		if err != nil {
			logger.Framework.Error("rpc stream failed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds(),
				"error", err.Error(),
			)
		} else {
			logger.Framework.Info("rpc stream completed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds(),
			)
		}
		return err
	}
}
