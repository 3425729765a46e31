package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"connectrpc.com/connect"
)

// LoggingInterceptor returns a Connect interceptor that logs every unary call.
// It works on both clients and handlers and logs the procedure, the side,
// the session identity, the duration and any error code.
func LoggingInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			procedure := req.Spec().Procedure
			side := "server"
			if req.Spec().IsClient {
				side = "client"
			}

			resp, err := next(ctx, req)

			duration := time.Since(start).Milliseconds()
			identity := GetIdentity(ctx)
			if err != nil {
				var connectErr *connect.Error
				if errors.As(err, &connectErr) {
					logger.Warn("RPC error",
						"procedure", procedure,
						"side", side,
						"code", connectErr.Code(),
						"error", connectErr.Message(),
						"identity", identity,
						"duration_ms", duration,
					)
				} else {
					logger.Error("RPC error",
						"procedure", procedure,
						"side", side,
						"error", err,
						"identity", identity,
						"duration_ms", duration,
					)
				}
			} else {
				logger.Debug("RPC ok",
					"procedure", procedure,
					"side", side,
					"identity", identity,
					"duration_ms", duration,
				)
			}

			return resp, err
		}
	}
}
