package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"atom-rpc/message"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newReq() *message.Body {
	return &message.Body{Service: "Arith", Method: &message.Method{Name: "Add"}}
}

// echoHandler returns a successful response immediately.
func echoHandler(ctx context.Context, req *message.Body) *message.Body {
	return &message.Body{Service: req.Service, Method: req.Method, Return: "ok"}
}

// slowHandler takes 200ms.
func slowHandler(ctx context.Context, req *message.Body) *message.Body {
	time.Sleep(200 * time.Millisecond)
	return &message.Body{Service: req.Service, Method: req.Method, Return: "ok"}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	resp := handler(context.Background(), newReq())

	if resp.Return != "ok" {
		t.Fatalf("expect return 'ok', got '%v'", resp.Return)
	}
	entries := logs.FilterMessage("rpc handled").All()
	if len(entries) != 1 {
		t.Fatalf("expect 1 log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["method"]; got != "Arith.Add" {
		t.Fatalf("expect method field 'Arith.Add', got %v", got)
	}
}

func TestLoggingFault(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	failing := func(ctx context.Context, req *message.Body) *message.Body {
		return &message.Body{Fault: "boom"}
	}
	LoggingMiddleware(zap.New(core))(failing)(context.Background(), newReq())

	if logs.FilterMessage("rpc failed").Len() != 1 {
		t.Fatalf("expect a 'rpc failed' entry, got %v", logs.All())
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), newReq())
	if resp.Fault != "" {
		t.Fatalf("expect no fault, got '%s'", resp.Fault)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), newReq())
	if resp.Fault != FaultTimeout {
		t.Fatalf("expect timeout fault, got '%s'", resp.Fault)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := newReq()

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		if resp.Fault != "" {
			t.Fatalf("request %d should pass, got fault: %s", i, resp.Fault)
		}
	}

	resp := handler(context.Background(), req)
	if resp.Fault != FaultRateLimited {
		t.Fatalf("request 3 should be rate limited, got: '%s'", resp.Fault)
	}
}

func TestRetry(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, req *message.Body) *message.Body {
		if calls.Add(1) < 3 {
			return &message.Body{Fault: "dial tcp: connection refused"}
		}
		return &message.Body{Return: "ok"}
	}

	resp := RetryMiddleware(3, time.Millisecond, nil)(flaky)(context.Background(), newReq())
	if resp.Fault != "" {
		t.Fatalf("expect success after retries, got '%s'", resp.Fault)
	}
	if calls.Load() != 3 {
		t.Fatalf("expect 3 calls, got %d", calls.Load())
	}
}

func TestRetryNonRetryable(t *testing.T) {
	var calls atomic.Int32
	failing := func(ctx context.Context, req *message.Body) *message.Body {
		calls.Add(1)
		return &message.Body{Fault: "division by zero"}
	}

	RetryMiddleware(3, time.Millisecond, nil)(failing)(context.Background(), newReq())
	if calls.Load() != 1 {
		t.Fatalf("non-retryable fault should not be retried, got %d calls", calls.Load())
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Body) *message.Body {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	chained := Chain(mark("a"), mark("b"), LoggingMiddleware(nil), TimeOutMiddleware(500*time.Millisecond))
	resp := chained(echoHandler)(context.Background(), newReq())

	if resp.Fault != "" {
		t.Fatalf("expect no fault, got '%s'", resp.Fault)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expect outer-to-inner order [a b], got %v", order)
	}
}
