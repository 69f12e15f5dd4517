package server

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/andeya/lrcall/callctx"
	"github.com/andeya/lrcall/channel"
	"github.com/andeya/lrcall/codec"
	"github.com/andeya/lrcall/compression"
	"github.com/andeya/lrcall/message"
	"github.com/andeya/lrcall/middleware"
)

// State is the lifecycle stage of a Dispatcher.
type State int32

const (
	Idle        State = iota // created, not running
	Receiving                // waiting for the next request, none in flight
	Dispatching              // at least one request in flight
	Draining                 // no longer receiving, waiting for in-flight requests
	Closed                   // drained and the channel released
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Receiving:
		return "Receiving"
	case Dispatching:
		return "Dispatching"
	case Draining:
		return "Draining"
	case Closed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Dispatcher drives one server-side channel: it receives requests, runs
// each one concurrently through the handler chain under its own call
// context, and sends back the responses in completion order.
type Dispatcher struct {
	ch          channel.Channel[*message.Request, *message.Response]
	handler     middleware.HandlerFunc
	log         *zap.Logger
	sendTimeout time.Duration

	mu       sync.Mutex
	state    State
	inflight int
	wg       sync.WaitGroup
}

func newDispatcher(ch channel.Channel[*message.Request, *message.Response], handler middleware.HandlerFunc, log *zap.Logger, sendTimeout time.Duration) *Dispatcher {
	return &Dispatcher{ch: ch, handler: handler, log: log, sendTimeout: sendTimeout}
}

// State returns the current lifecycle stage.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// InFlight returns the number of requests being handled.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight
}

func (d *Dispatcher) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Run receives until the channel ends, fails, or ctx is done, then drains
// in-flight requests and closes the channel. Cancelling ctx stops
// receiving but does not cancel requests already dispatched; they are
// bounded by their own deadlines.
//
// Run returns nil when the peer closed the stream or ctx ended, and the
// transport error otherwise.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.state != Idle {
		state := d.state
		d.mu.Unlock()
		return errors.Errorf("server: dispatcher already %s", state)
	}
	d.state = Receiving
	d.mu.Unlock()

	err := d.receive(ctx)

	d.setState(Draining)
	d.wg.Wait()
	if cerr := d.ch.Close(); cerr != nil {
		d.log.Debug("closing channel", zap.Error(cerr))
	}
	d.setState(Closed)
	return err
}

func (d *Dispatcher) receive(ctx context.Context) error {
	detached := context.WithoutCancel(ctx)
	for {
		req, err := d.ch.Recv(ctx)
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			if perMessage(err) {
				d.log.Warn("dropping malformed request", zap.Error(err))
				continue
			}
			return err
		}
		d.dispatch(detached, req)
	}
}

// perMessage reports errors that spoil one message but leave the stream
// usable.
func perMessage(err error) bool {
	var se *codec.SerializationError
	return errors.As(err, &se) || errors.Is(err, compression.ErrInvalidData)
}

func (d *Dispatcher) dispatch(ctx context.Context, req *message.Request) {
	d.wg.Add(1)
	d.mu.Lock()
	d.inflight++
	if d.state == Receiving {
		d.state = Dispatching
	}
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			d.inflight--
			if d.inflight == 0 && d.state == Dispatching {
				d.state = Receiving
			}
			d.mu.Unlock()
			d.wg.Done()
		}()

		var resp *message.Response
		_ = callctx.Run(ctx, req.Context, func(ctx context.Context) error {
			resp = d.handler(ctx, req)
			return nil
		})
		if resp == nil {
			d.log.Error("handler returned no response", zap.String("method", req.Method), zap.Uint64("id", req.ID))
			resp = message.ErrorResponse(req.ID, message.Errorf(codes.Internal, "%s: no response", req.Method))
		}
		resp.ID = req.ID

		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
		if err := d.ch.Send(sendCtx, resp); err != nil {
			d.log.Warn("sending response failed",
				zap.String("method", req.Method),
				zap.Uint64("id", req.ID),
				zap.Stringer("trace_id", req.Context.TraceID()),
				zap.Error(err),
			)
		}
	}()
}
