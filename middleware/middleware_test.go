package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc/codes"

	"github.com/andeya/lrcall/callctx"
	"github.com/andeya/lrcall/message"
)

func echoHandler(ctx context.Context, req *message.Request) *message.Response {
	return &message.Response{ID: req.ID, Payload: []byte("ok")}
}

func slowHandler(ctx context.Context, req *message.Request) *message.Response {
	time.Sleep(200 * time.Millisecond)
	return &message.Response{ID: req.ID, Payload: []byte("ok")}
}

func newRequest() *message.Request {
	return &message.Request{ID: 1, Context: callctx.Default(callctx.Remote), Method: "Arith.Add"}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := Logging(zap.New(core))(echoHandler)

	req := newRequest()
	ctx, cancel := callctx.NewContext(context.Background(), req.Context)
	defer cancel()
	resp := handler(ctx, req)
	if string(resp.Payload) != "ok" {
		t.Fatalf("expect payload 'ok', got '%s'", resp.Payload)
	}

	entries := logs.All()
	if len(entries) != 1 || entries[0].Message != "request served" {
		t.Fatalf("unexpected log entries %v", entries)
	}
	if got := entries[0].ContextMap()["trace_id"]; got != req.Context.TraceID().String() {
		t.Fatalf("expect trace_id %s, got %v", req.Context.TraceID(), got)
	}

	failing := Logging(zap.New(core))(func(ctx context.Context, req *message.Request) *message.Response {
		return message.ErrorResponse(req.ID, message.NewServerError(codes.NotFound, "nope"))
	})
	failing(context.Background(), req)
	if n := logs.FilterMessage("request failed").Len(); n != 1 {
		t.Fatalf("expect one failure entry, got %d", n)
	}
}

func TestDeadlinePass(t *testing.T) {
	req := newRequest()
	ctx, cancel := callctx.NewContext(context.Background(), req.Context.WithTimeout(500*time.Millisecond))
	defer cancel()

	resp := Deadline()(echoHandler)(ctx, req)
	if resp.Error != nil {
		t.Fatalf("expect no error, got %v", resp.Error)
	}
}

func TestDeadlineExceeded(t *testing.T) {
	req := newRequest()
	ctx, cancel := callctx.NewContext(context.Background(), req.Context.WithTimeout(50*time.Millisecond))
	defer cancel()

	start := time.Now()
	resp := Deadline()(slowHandler)(ctx, req)
	if resp.Error == nil || resp.Error.Code != codes.DeadlineExceeded {
		t.Fatalf("expect DeadlineExceeded, got %v", resp.Error)
	}
	if resp.ID != req.ID {
		t.Fatalf("expect response id %d, got %d", req.ID, resp.ID)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("expect to stop waiting at the deadline, took %v", elapsed)
	}
}

func TestDeadlineFromCallContext(t *testing.T) {
	// A context carrying only the call context value, without a deadline.
	req := newRequest()
	req.Context = req.Context.WithTimeout(50 * time.Millisecond)
	bound, cancel := callctx.NewContext(context.Background(), req.Context)
	defer cancel()
	ctx := context.WithoutCancel(bound)

	resp := Deadline()(slowHandler)(ctx, req)
	if resp.Error == nil || resp.Error.Code != codes.DeadlineExceeded {
		t.Fatalf("expect DeadlineExceeded, got %v", resp.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	resp := Timeout(50*time.Millisecond)(slowHandler)(context.Background(), newRequest())
	if resp.Error == nil || resp.Error.Code != codes.DeadlineExceeded {
		t.Fatalf("expect DeadlineExceeded, got %v", resp.Error)
	}
}

func TestBeforeShortCircuit(t *testing.T) {
	var order []string
	hook1 := func(ctx context.Context, req *message.Request) error {
		order = append(order, "hook1")
		return message.NewServerError(codes.PermissionDenied, "nope")
	}
	hook2 := func(ctx context.Context, req *message.Request) error {
		order = append(order, "hook2")
		return nil
	}
	handler := Before(hook1, hook2)(func(ctx context.Context, req *message.Request) *message.Response {
		order = append(order, "handler")
		return echoHandler(ctx, req)
	})

	resp := handler(context.Background(), newRequest())
	if resp.Error == nil || *resp.Error != *message.NewServerError(codes.PermissionDenied, "nope") {
		t.Fatalf("expect hook1's error verbatim, got %v", resp.Error)
	}
	if len(order) != 1 || order[0] != "hook1" {
		t.Fatalf("expect only hook1 to run, got %v", order)
	}
}

func TestBeforeOrder(t *testing.T) {
	var order []string
	hook := func(name string) Hook {
		return func(ctx context.Context, req *message.Request) error {
			order = append(order, name)
			return nil
		}
	}
	handler := Before(hook("a"), hook("b"), hook("c"))(echoHandler)
	if resp := handler(context.Background(), newRequest()); resp.Error != nil {
		t.Fatal(resp.Error)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("expect hooks in registration order, got %v", order)
	}
}

func TestBeforePlainError(t *testing.T) {
	handler := Before(func(ctx context.Context, req *message.Request) error {
		return errors.New("boom")
	})(echoHandler)
	resp := handler(context.Background(), newRequest())
	if resp.Error == nil || resp.Error.Code != codes.Unknown || resp.Error.Detail != "boom" {
		t.Fatalf("expect Unknown(boom), got %v", resp.Error)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected.
	handler := Before(RateLimit(1, 2))(echoHandler)
	req := newRequest()

	for i := 0; i < 2; i++ {
		if resp := handler(context.Background(), req); resp.Error != nil {
			t.Fatalf("request %d should pass, got error: %v", i, resp.Error)
		}
	}
	resp := handler(context.Background(), req)
	if resp.Error == nil || resp.Error.Code != codes.ResourceExhausted {
		t.Fatalf("request 3 should be rate limited, got: %v", resp.Error)
	}
}

func TestRecover(t *testing.T) {
	handler := Recover(nil)(func(ctx context.Context, req *message.Request) *message.Response {
		panic("kaboom")
	})
	resp := handler(context.Background(), newRequest())
	if resp.Error == nil || resp.Error.Code != codes.Internal {
		t.Fatalf("expect Internal, got %v", resp.Error)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	resp := Chain(mw("A"), mw("B"), Logging(nil), Deadline())(echoHandler)(context.Background(), newRequest())
	if resp == nil || resp.Error != nil {
		t.Fatalf("expect success, got %v", resp)
	}
	want := []string{"A.before", "B.before", "B.after", "A.after"}
	if len(order) != len(want) {
		t.Fatalf("expect %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expect %v, got %v", want, order)
		}
	}
}
