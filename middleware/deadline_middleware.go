package middleware

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/andeya/lrcall/callctx"
	"github.com/andeya/lrcall/message"
)

// Deadline races the wrapped handler against the request deadline. If the
// deadline passes first the caller gets a codes.DeadlineExceeded response
// right away; the handler keeps running in the background, sees its ctx
// cancelled, and its result is discarded.
//
// The deadline is ctx's own, or the bound call context's when ctx has none.
func Deadline() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if _, ok := ctx.Deadline(); !ok {
				if cc, ok := callctx.FromContext(ctx); ok {
					var cancel context.CancelFunc
					ctx, cancel = context.WithDeadline(ctx, cc.Deadline)
					defer cancel()
				}
			}
			return race(ctx, req, next)
		}
	}
}

// Timeout caps every request at d on top of its own deadline.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return race(ctx, req, next)
		}
	}
}

func race(ctx context.Context, req *message.Request, next HandlerFunc) *message.Response {
	if ctx.Err() != nil {
		return deadlineResponse(ctx, req)
	}

	done := make(chan *message.Response, 1)
	go func() {
		done <- next(ctx, req)
	}()

	select {
	case resp := <-done:
		return resp
	case <-ctx.Done():
		return deadlineResponse(ctx, req)
	}
}

func deadlineResponse(ctx context.Context, req *message.Request) *message.Response {
	if ctx.Err() == context.Canceled {
		return message.ErrorResponse(req.ID, message.Errorf(codes.Canceled, "%s: request canceled", req.Method))
	}
	return message.ErrorResponse(req.ID, message.Errorf(codes.DeadlineExceeded, "%s: deadline exceeded", req.Method))
}
