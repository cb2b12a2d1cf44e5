package middleware

import (
	"context"
	"strings"
	"time"

	"atom-rpc/message"

	"go.uber.org/zap"
)

// RetryMiddleware re-runs next with exponential backoff while the fault looks
// transient (timeouts, refused connections). It stops early when ctx is done.
//
// The wait before attempt i+1 is baseDelay * 2^i, so with baseDelay 10ms the
// retries go out after 10ms, 20ms, 40ms and so on. Business faults are
// returned as-is on the first try.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Body) *message.Body {
			resp := next(ctx, req)
			for i := 0; i < maxRetries && retryable(resp.Fault); i++ {
				logger.Debug("retrying",
					zap.Int("attempt", i+1),
					zap.String("method", req.ServiceMethod()),
					zap.String("fault", resp.Fault))
				// Exponential backoff.
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}

// retryable reports whether fault names a transient condition.
func retryable(fault string) bool {
	return fault != "" && (strings.Contains(fault, "timed out") ||
		strings.Contains(fault, "timeout") ||
		strings.Contains(fault, "connection refused"))
}
