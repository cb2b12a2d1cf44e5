package middleware

import (
	"context"
	"time"

	"atom-rpc/message"

	"go.uber.org/zap"
)

// LoggingMiddleware records the service method and handling time of every
// request. Faults are logged at warn level with the fault text attached.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Body) *message.Body {
			start := time.Now()
			resp := next(ctx, req)
			// Method and time taken, plus the fault if any.
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod()),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Fault != "" {
				logger.Warn("rpc failed", append(fields, zap.String("fault", resp.Fault))...)
			} else {
				logger.Info("rpc handled", fields...)
			}
			return resp
		}
	}
}
