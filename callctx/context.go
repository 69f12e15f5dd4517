// Package callctx provides the per-call execution context: a deadline, the
// trace identity and the call type. A Context travels from client to server
// with every request; the server uses it to enforce the response deadline
// and to correlate the call with its trace.
//
// A Context is an immutable value and is safe to share between goroutines.
// Inside a process it rides on a context.Context (see NewContext and
// Current) instead of living in goroutine-local state.
package callctx

import (
	"fmt"
	"time"

	"github.com/andeya/lrcall/trace"
)

// DefaultTimeout is the deadline window given to calls that do not nest
// inside another call.
const DefaultTimeout = 10 * time.Second

// CallType is informational: it records whether the call stays inside the
// process or crosses a process boundary.
type CallType uint8

const (
	Local  CallType = 0
	Remote CallType = 1
)

func (t CallType) String() string {
	switch t {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return fmt.Sprintf("CallType(%d)", uint8(t))
	}
}

// Context carries request-scoped information for one call. The server should
// stop waiting on a call once Deadline has passed.
//
// A Context should not be stored in a server implementation: every request
// carries its own.
type Context struct {
	Deadline time.Time
	Trace    trace.Context
	CallType CallType
}

// Default returns a context with a fresh trace and a deadline DefaultTimeout
// from now.
func Default(callType CallType) Context {
	return Context{
		Deadline: time.Now().Add(DefaultTimeout),
		Trace:    trace.New(),
		CallType: callType,
	}
}

// WithTimeout returns a copy of c with its deadline set to d from now.
func (c Context) WithTimeout(d time.Duration) Context {
	c.Deadline = time.Now().Add(d)
	return c
}

// WithDeadline returns a copy of c with the given deadline.
func (c Context) WithDeadline(deadline time.Time) Context {
	c.Deadline = deadline
	return c
}

// TraceID returns the id of the request-scoped trace.
func (c Context) TraceID() trace.TraceID {
	return c.Trace.TraceID
}

// Remaining returns the time left until the deadline at now, saturating at zero.
func (c Context) Remaining(now time.Time) time.Duration {
	return EncodeDeadline(c.Deadline, now)
}

// Expired reports whether the deadline has passed at now.
func (c Context) Expired(now time.Time) bool {
	return !now.Before(c.Deadline)
}

func (c Context) String() string {
	return fmt.Sprintf("callctx{trace=%s deadline=%s type=%s}", c.Trace, c.Deadline.Format(time.RFC3339Nano), c.CallType)
}
