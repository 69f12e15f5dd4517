package middleware

import (
	"context"

	"github.com/andeya/lrcall/message"
)

// Hook inspects a request before its operation runs. Returning an error
// short-circuits the request: the operation never runs and the error
// becomes the response. A *message.ServerError is returned verbatim; any
// other error is reported as codes.Unknown.
//
// Hooks may run concurrently for different requests; state shared between
// calls is the hook's to synchronize.
type Hook func(ctx context.Context, req *message.Request) error

// Before runs hooks in order ahead of the wrapped handler and stops at the
// first one that fails.
func Before(hooks ...Hook) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			for _, hook := range hooks {
				if err := hook(ctx, req); err != nil {
					return message.ErrorResponse(req.ID, message.AsServerError(err))
				}
			}
			return next(ctx, req)
		}
	}
}
