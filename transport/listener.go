package transport

import (
	"context"
	"net"
	"time"

	"github.com/andeya/lrcall/channel"
	"github.com/andeya/lrcall/codec"
)

// Listener accepts connections and hands each one out as a Conn.
type Listener[In, Out any] struct {
	ln    net.Listener
	codec codec.Codec
	opts  []Option
}

// Listen announces on the local network address.
func Listen[In, Out any](network, addr string, cdc codec.Codec, opts ...Option) (*Listener[In, Out], error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, &channel.TransportError{Op: "listen", Err: err}
	}
	return NewListener[In, Out](ln, cdc, opts...), nil
}

// NewListener wraps an existing net.Listener.
func NewListener[In, Out any](ln net.Listener, cdc codec.Codec, opts ...Option) *Listener[In, Out] {
	return &Listener[In, Out]{ln: ln, codec: cdc, opts: opts}
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Accept waits for the next connection. When ctx is done it returns
// ctx.Err(); listeners that cannot take a deadline are closed instead.
func (l *Listener[In, Out]) Accept(ctx context.Context) (channel.Channel[In, Out], error) {
	stop := context.AfterFunc(ctx, func() {
		if d, ok := l.ln.(deadliner); ok {
			_ = d.SetDeadline(time.Unix(1, 0))
			return
		}
		_ = l.ln.Close()
	})
	defer stop()

	nc, err := l.ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if d, ok := l.ln.(deadliner); ok {
				_ = d.SetDeadline(time.Time{})
			}
			return nil, ctxErr
		}
		return nil, &channel.TransportError{Op: "accept", Err: err}
	}
	return NewConn[In, Out](nc, l.codec, l.opts...), nil
}

// Addr returns the listener's network address.
func (l *Listener[In, Out]) Addr() net.Addr { return l.ln.Addr() }

// Close stops listening. Connections already accepted stay open.
func (l *Listener[In, Out]) Close() error { return l.ln.Close() }
