package middleware

import (
	"context"
	"time"

	"atom-rpc/message"
)

// FaultTimeout is the fault text returned when a request runs out of time.
const FaultTimeout = "request timed out"

// TimeOutMiddleware bounds each request by timeout. The handler runs in its
// own goroutine; if the deadline fires first the caller gets FaultTimeout
// while the handler finishes in the background and its result is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Body) *message.Body {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			// Buffered so a late handler never blocks on send.
			done := make(chan *message.Body, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Body{Fault: FaultTimeout}
			}
		}
	}
}
