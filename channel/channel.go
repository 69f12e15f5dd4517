// Package channel defines the bidirectional conduit of typed messages that
// every lrcall layer speaks. A server reads requests and writes responses on
// a Channel[*message.Request, *message.Response]; a client holds the mirror
// image. Middleware such as compression wraps one Channel in another with
// the same shape, so layers stack in any order without touching transport
// code or service logic.
package channel

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Channel moves whole typed messages in order.
//
// Recv blocks until the next message arrives, the stream ends (io.EOF) or
// the transport fails. Send may block under backpressure; sends are
// delivered in the order they were made. Close flushes buffered output on a
// best-effort basis and releases the transport; afterwards Recv reports
// io.EOF and Send fails with ErrClosed.
//
// A Channel is owned by exactly one driver (a client or a dispatcher).
// Implementations allow one concurrent reader and serialize concurrent
// senders, but nothing more.
type Channel[In, Out any] interface {
	Recv(ctx context.Context) (In, error)
	Send(ctx context.Context, msg Out) error
	Close() error
}

// ErrClosed is returned by Send on a closed channel.
var ErrClosed = errors.New("channel: closed")

// TransportError reports a failure of the underlying connection. It is
// surfaced to the caller and never retried by the channel itself.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("channel: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
