package callctx

import (
	"context"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/andeya/lrcall/trace"
)

type ctxKey struct{}

// NewContext binds c as the ambient call context of the returned
// context.Context. The returned context also carries c's deadline and, for
// OpenTelemetry instrumentation, c's trace identity as the remote parent
// span.
//
// The binding is scoped by construction: parent is never modified, so the
// previous ambient context is back in effect on every exit path of the code
// that used the derived one. Callers must call cancel once the call ends.
func NewContext(parent context.Context, c Context) (context.Context, context.CancelFunc) {
	ctx := context.WithValue(parent, ctxKey{}, c)
	if c.Trace.IsValid() {
		ctx = oteltrace.ContextWithRemoteSpanContext(ctx, c.Trace.SpanContext())
	}
	return context.WithDeadline(ctx, c.Deadline)
}

// FromContext returns the ambient call context bound to ctx, if any.
func FromContext(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	c, ok := ctx.Value(ctxKey{}).(Context)
	return c, ok
}

// Current returns the context for a call made from ctx.
//
// When ctx carries an ambient call context (the caller is itself serving a
// request) the result inherits its trace id, sampling decision and deadline
// and gets a fresh span id. Otherwise a valid OpenTelemetry span in ctx
// supplies the trace identity and ctx's own deadline, if any, bounds the
// call. With neither, Current behaves like Default.
func Current(ctx context.Context, callType CallType) Context {
	if parent, ok := FromContext(ctx); ok {
		return Context{
			Deadline: parent.Deadline,
			Trace:    parent.Trace.NewChild(),
			CallType: callType,
		}
	}

	c := Default(callType)
	if ctx == nil {
		return c
	}
	if tc, ok := trace.FromSpanContext(oteltrace.SpanContextFromContext(ctx)); ok {
		c.Trace = tc.NewChild()
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.Deadline = deadline
	}
	return c
}

// LocalCurrent is Current(ctx, Local).
func LocalCurrent(ctx context.Context) Context {
	return Current(ctx, Local)
}

// RemoteCurrent is Current(ctx, Remote).
func RemoteCurrent(ctx context.Context) Context {
	return Current(ctx, Remote)
}

// Run calls fn with c bound as the ambient context and releases the binding
// when fn returns or panics.
func Run(parent context.Context, c Context, fn func(ctx context.Context) error) error {
	ctx, cancel := NewContext(parent, c)
	defer cancel()
	return fn(ctx)
}
