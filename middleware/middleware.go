// Package middleware wraps server-side request handling.
//
// A HandlerFunc turns one request into one response. Middleware decorate a
// HandlerFunc and are composed with Chain into an onion: the first
// middleware sees the request first and the response last.
//
//	Chain(A, B, C)(h) == A(B(C(h)))
//	A.before → B.before → C.before → h → C.after → B.after → A.after
package middleware

import (
	"context"

	"github.com/andeya/lrcall/message"
)

// HandlerFunc handles one request. ctx carries the request's call context
// (see callctx.FromContext) and its deadline. The returned response must
// not be nil.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, applied in the order given.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
