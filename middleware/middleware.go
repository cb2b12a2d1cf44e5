// Package middleware wraps the server's business handler in an onion of
// cross-cutting concerns: logging, timeouts, rate limiting and retries.
package middleware

import (
	"context"

	"atom-rpc/message"
)

// HandlerFunc handles one decoded request body and returns the response body.
type HandlerFunc func(ctx context.Context, req *message.Body) *message.Body

// Middleware wraps a HandlerFunc and returns the decorated one.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is the outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
