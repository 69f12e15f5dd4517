// Package transport carries typed messages over stream connections.
//
// A Conn frames each encoded message with the protocol package header and
// implements channel.Channel, so it can be driven directly by a client or a
// dispatcher, or wrapped by channel middleware such as compression.
//
//	Send(msg) ──codec.Encode──> protocol frame ──bufio──> net.Conn
//	Recv()    <──codec.Decode── protocol frame <──bufio── net.Conn
package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/andeya/lrcall/channel"
	"github.com/andeya/lrcall/codec"
	"github.com/andeya/lrcall/internal/logging"
	"github.com/andeya/lrcall/protocol"
)

// Option configures a Conn.
type Option func(*options)

type options struct {
	heartbeat time.Duration
	logger    *zap.Logger
}

// WithHeartbeat sends an empty heartbeat frame every interval so idle
// connections are kept alive and dead ones are noticed. Zero disables it.
func WithHeartbeat(interval time.Duration) Option {
	return func(o *options) { o.heartbeat = interval }
}

// WithLogger sets the logger; the default is logging.L().
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Conn is a framed channel.Channel over a net.Conn. It allows one reader
// and any number of concurrent senders.
type Conn[In, Out any] struct {
	nc    net.Conn
	codec codec.Codec
	r     *bufio.Reader
	log   *zap.Logger

	writeMu sync.Mutex // one frame at a time, and guards w
	w       *bufio.Writer

	broken    atomic.Bool // a cancelled Recv may have consumed part of a frame
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ channel.Channel[int, int] = (*Conn[int, int])(nil)

// NewConn wraps nc. Messages are encoded with cdc.
func NewConn[In, Out any](nc net.Conn, cdc codec.Codec, opts ...Option) *Conn[In, Out] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	c := &Conn[In, Out]{
		nc:    nc,
		codec: cdc,
		r:     bufio.NewReader(nc),
		w:     bufio.NewWriter(nc),
		log:   logging.Or(o.logger).With(zap.Stringer("remote", nc.RemoteAddr())),
		done:  make(chan struct{}),
	}
	if o.heartbeat > 0 {
		go c.heartbeatLoop(o.heartbeat)
	}
	return c
}

// Dial connects to addr and returns a Conn that sends Out and receives In.
func Dial[In, Out any](ctx context.Context, network, addr string, cdc codec.Codec, opts ...Option) (*Conn[In, Out], error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, &channel.TransportError{Op: "dial", Err: err}
	}
	return NewConn[In, Out](nc, cdc, opts...), nil
}

// Recv reads the next message, skipping heartbeats. It returns io.EOF when
// the peer closed the stream cleanly or this Conn was closed.
//
// A Recv interrupted by ctx leaves the Conn unusable for reading, since a
// frame may have been partly consumed.
func (c *Conn[In, Out]) Recv(ctx context.Context) (In, error) {
	var zero In
	if c.closed.Load() {
		return zero, io.EOF
	}
	if c.broken.Load() {
		return zero, &channel.TransportError{Op: "read", Err: errors.New("stream interrupted by an earlier cancelled read")}
	}

	_ = c.nc.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.nc.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		header, body, err := protocol.Decode(c.r)
		if err != nil {
			return zero, c.readError(ctx, err)
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if header.CodecType != byte(c.codec.Type()) {
			return zero, &channel.TransportError{Op: "read",
				Err: errors.Errorf("peer sent codec %d, expect %d", header.CodecType, c.codec.Type())}
		}
		msg, err := codec.Unmarshal[In](c.codec, body)
		if err != nil {
			return zero, err
		}
		return msg, nil
	}
}

func (c *Conn[In, Out]) readError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.broken.Store(true)
		return ctxErr
	}
	if c.closed.Load() || err == io.EOF || errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	return &channel.TransportError{Op: "read", Err: err}
}

// Send encodes msg and writes it as one frame, flushed before returning.
// A ctx deadline bounds the write.
func (c *Conn[In, Out]) Send(ctx context.Context, msg Out) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, protocol.MsgTypeData, body)
}

func (c *Conn[In, Out]) writeFrame(ctx context.Context, mt protocol.MsgType, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return channel.ErrClosed
	}

	deadline, _ := ctx.Deadline()
	_ = c.nc.SetWriteDeadline(deadline)

	header := &protocol.Header{CodecType: byte(c.codec.Type()), MsgType: mt}
	if err := protocol.Encode(c.w, header, body); err != nil {
		return &channel.TransportError{Op: "write", Err: err}
	}
	if err := c.w.Flush(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &channel.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *Conn[In, Out]) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := c.writeFrame(ctx, protocol.MsgTypeHeartbeat, nil)
		cancel()
		if err != nil {
			if !errors.Is(err, channel.ErrClosed) {
				c.log.Debug("heartbeat failed", zap.Error(err))
			}
			return
		}
	}
}

// Close flushes buffered output on a best-effort basis and closes the
// connection. Calling it more than once is harmless.
func (c *Conn[In, Out]) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.closed.Store(true)
		_ = c.nc.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.w.Flush()
		c.writeMu.Unlock()
		err = c.nc.Close()
	})
	return err
}

// LocalAddr returns the local network address.
func (c *Conn[In, Out]) LocalAddr() net.Addr { return c.nc.LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *Conn[In, Out]) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }
