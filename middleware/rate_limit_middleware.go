package middleware

import (
	"context"

	"atom-rpc/message"

	"golang.org/x/time/rate"
)

// FaultRateLimited is the fault text returned when the token bucket is empty.
const FaultRateLimited = "rate limit exceeded"

// RateLimitMiddleware is a token bucket limiter: the bucket refills at r
// tokens per second and holds at most burst. A request that finds it empty
// is rejected with FaultRateLimited instead of waiting.
//
// The limiter is shared by every request passing through the returned middleware.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Body) *message.Body {
			if !limiter.Allow() {
				return &message.Body{Fault: FaultRateLimited}
			}
			return next(ctx, req)
		}
	}
}
