package api

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnaryInterceptor logs every unary gRPC call and turns handler panics into
// Internal errors.
func UnaryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				logger.Error().Str("method", info.FullMethod).Interface("panic", p).Msg("gRPC handler panicked")
				err = status.Errorf(codes.Internal, "internal error in %s", info.FullMethod)
			}
			logger.Debug().
				Str("method", info.FullMethod).
				Str("code", status.Code(err).String()).
				Dur("duration", time.Since(start)).
				Msg("gRPC call")
		}()
		return handler(ctx, req)
	}
}
