package client

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/andeya/lrcall/callctx"
	"github.com/andeya/lrcall/channel"
	"github.com/andeya/lrcall/codec"
	"github.com/andeya/lrcall/compression"
	"github.com/andeya/lrcall/internal/logging"
	"github.com/andeya/lrcall/message"
	"github.com/andeya/lrcall/transport"
)

var (
	// ErrDeadlineExceeded is returned when the call deadline passes before
	// a response arrives, or has already passed when the call starts.
	ErrDeadlineExceeded = errors.New("client: deadline exceeded")
	// ErrShutdown is returned for calls on a Channel whose receive loop
	// has stopped.
	ErrShutdown = errors.New("client: channel is shut down")
)

// Option configures a Channel or Dial.
type Option func(*options)

type options struct {
	codec       codec.CodecType
	compression compression.Algorithm
	minSize     int
	heartbeat   time.Duration
	logger      *zap.Logger
}

// WithCodec selects the wire codec used by Dial. Default JSON.
func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

// WithCompression makes Dial compress every message with alg; messages
// shorter than minSize bytes travel uncompressed.
func WithCompression(alg compression.Algorithm, minSize int) Option {
	return func(o *options) {
		o.compression = alg
		o.minSize = minSize
	}
}

// WithHeartbeat makes Dial send keep-alive frames every interval.
func WithHeartbeat(interval time.Duration) Option {
	return func(o *options) { o.heartbeat = interval }
}

// WithLogger sets the logger; the default is logging.L().
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Channel multiplexes concurrent calls over one channel.Channel. Each
// request gets a unique ID and a background goroutine (recvLoop) routes
// responses, which may arrive in any order, back to their callers.
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──> one channel ──> server
//	goroutine-3 ──Call(id=3)──┘
//
//	recvLoop: <── response(id=2) ──> pending[2] ──> goroutine-2 wakes up
type Channel struct {
	ch  channel.Channel[*message.Response, *message.Request]
	log *zap.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *message.Response
	err     error // set when recvLoop exits

	done      chan struct{}
	closeOnce sync.Once
}

var _ Stub = (*Channel)(nil)

// NewChannel takes ownership of ch and starts its receive loop.
func NewChannel(ch channel.Channel[*message.Response, *message.Request], opts ...Option) *Channel {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	c := &Channel{
		ch:      ch,
		log:     logging.Or(o.logger),
		pending: make(map[uint64]chan *message.Response),
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

// Dial connects to a server and returns a Channel over the connection.
func Dial(ctx context.Context, network, addr string, opts ...Option) (*Channel, error) {
	o := options{codec: codec.CodecTypeJSON}
	for _, opt := range opts {
		opt(&o)
	}
	cdc, err := codec.Lookup(o.codec)
	if err != nil {
		return nil, err
	}
	topts := []transport.Option{transport.WithHeartbeat(o.heartbeat), transport.WithLogger(o.logger)}

	var ch channel.Channel[*message.Response, *message.Request]
	if o.compression != "" {
		if _, err := compression.Lookup(o.compression); err != nil {
			return nil, err
		}
		conn, err := transport.Dial[compression.Message[*message.Response], compression.Message[*message.Request]](ctx, network, addr, cdc, topts...)
		if err != nil {
			return nil, err
		}
		ch = compression.Wrap(conn, cdc, compression.WithAlgorithm(o.compression), compression.WithMinSize(o.minSize))
	} else {
		conn, err := transport.Dial[*message.Response, *message.Request](ctx, network, addr, cdc, topts...)
		if err != nil {
			return nil, err
		}
		ch = conn
	}
	return NewChannel(ch, opts...), nil
}

// Call sends one request and waits for its response, the call deadline,
// ctx cancellation, or the failure of the underlying channel, whichever
// comes first.
func (c *Channel) Call(ctx context.Context, cc callctx.Context, method string, payload []byte) ([]byte, error) {
	if cc.Expired(time.Now()) {
		return nil, errors.Wrapf(ErrDeadlineExceeded, "%s: deadline already passed", method)
	}

	id := c.nextID.Add(1)
	respCh := make(chan *message.Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	callCtx, cancel := context.WithDeadline(ctx, cc.Deadline)
	defer cancel()

	req := &message.Request{ID: id, Context: cc, Method: method, Payload: payload}
	if err := c.ch.Send(callCtx, req); err != nil {
		c.removePending(id)
		return nil, c.waitError(ctx, method, err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Payload, nil
	case <-callCtx.Done():
		c.removePending(id)
		return nil, c.waitError(ctx, method, callCtx.Err())
	case <-c.done:
		c.removePending(id)
		// The response may have been routed just before the loop exited.
		select {
		case resp := <-respCh:
			if resp.Error != nil {
				return nil, resp.Error
			}
			return resp.Payload, nil
		default:
		}
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
}

// waitError maps an expired call deadline to ErrDeadlineExceeded; caller
// cancellation and transport errors pass through.
func (c *Channel) waitError(ctx context.Context, method string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(ErrDeadlineExceeded, "%s", method)
	}
	return err
}

func (c *Channel) removePending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// recvLoop is the only reader of the channel. It routes each response to
// the caller waiting on its ID and fails every pending call when the
// channel ends.
func (c *Channel) recvLoop() {
	for {
		resp, err := c.ch.Recv(context.Background())
		if err != nil {
			if perMessage(err) {
				// The frame was consumed; the stream is still in sync.
				c.log.Warn("dropping malformed response", zap.Error(err))
				continue
			}
			c.failAll(err)
			return
		}

		c.mu.Lock()
		respCh, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()

		if !ok {
			// The caller gave up (deadline or cancellation) before the
			// response arrived.
			c.log.Debug("dropping response for unknown request", zap.Uint64("id", resp.ID))
			continue
		}
		respCh <- resp
	}
}

// perMessage reports errors that spoil one response but leave the stream
// usable.
func perMessage(err error) bool {
	var se *codec.SerializationError
	return errors.As(err, &se) || errors.Is(err, compression.ErrInvalidData)
}

// shutdownError is the error of every call on a Channel whose receive loop
// failed. It matches ErrShutdown and unwraps to the receive error.
type shutdownError struct {
	cause error
}

func (e *shutdownError) Error() string        { return e.cause.Error() + ": " + ErrShutdown.Error() }
func (e *shutdownError) Unwrap() error        { return e.cause }
func (e *shutdownError) Is(target error) bool { return target == ErrShutdown }

func (c *Channel) failAll(err error) {
	if err == io.EOF {
		err = ErrShutdown
	} else {
		c.log.Warn("client channel receive failed", zap.Error(err))
		err = &shutdownError{cause: err}
	}

	c.mu.Lock()
	c.err = err
	n := len(c.pending)
	c.pending = make(map[uint64]chan *message.Response)
	c.mu.Unlock()

	if n > 0 {
		c.log.Debug("failing pending calls", zap.Int("pending", n), zap.Error(err))
	}
	close(c.done)
}

// Close releases the underlying channel. Calls still waiting fail with
// ErrShutdown.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ch.Close()
	})
	return err
}

// Done is closed once the Channel can no longer carry calls.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}
