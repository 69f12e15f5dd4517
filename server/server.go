// Package server implements the serving side of lrcall: a dispatch table
// of named operations, a middleware chain, and one Dispatcher per accepted
// channel.
//
// Request processing pipeline:
//
//	Incoming.Accept → Dispatcher (one goroutine receives)
//	  → for each request: go handle (parallel processing, bound to its call context)
//	    → Middleware chain → Deadline race → Hooks → Operation (decode → handle → encode)
//	    → Send response (completion order, correlated by ID)
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/andeya/lrcall/channel"
	"github.com/andeya/lrcall/codec"
	"github.com/andeya/lrcall/compression"
	"github.com/andeya/lrcall/internal/logging"
	"github.com/andeya/lrcall/message"
	"github.com/andeya/lrcall/middleware"
	"github.com/andeya/lrcall/registry"
	"github.com/andeya/lrcall/transport"
)

// DefaultSendTimeout bounds how long a dispatcher waits to write one
// response before giving up on it.
const DefaultSendTimeout = 5 * time.Second

// ErrServerClosed is returned by the Serve methods after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Option configures a Server.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	payloadCodec codec.Codec
	codec        codec.CodecType
	compression  compression.Algorithm
	minSize      int
	heartbeat    time.Duration
	sendTimeout  time.Duration

	registry      registry.Registry
	advertiseAddr string
	ttl           time.Duration
}

// WithLogger sets the logger; the default is logging.L().
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPayloadCodec sets the codec for operation arguments and results.
// Default codec.JSON.
func WithPayloadCodec(c codec.Codec) Option {
	return func(o *options) { o.payloadCodec = c }
}

// WithCodec selects the wire codec used by ServeListener. Default JSON.
func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

// WithCompression makes ServeListener expect compressed messages and
// compress responses with alg; responses shorter than minSize bytes travel
// uncompressed.
func WithCompression(alg compression.Algorithm, minSize int) Option {
	return func(o *options) {
		o.compression = alg
		o.minSize = minSize
	}
}

// WithHeartbeat makes accepted connections send keep-alive frames.
func WithHeartbeat(interval time.Duration) Option {
	return func(o *options) { o.heartbeat = interval }
}

// WithSendTimeout bounds each response write. Default DefaultSendTimeout.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) { o.sendTimeout = d }
}

// WithRegistry publishes every service of the server in reg while
// ServeListener runs. advertiseAddr is the routable address clients should
// dial; when empty the listener's address is used. A ttl of zero means
// registry.DefaultTTL.
func WithRegistry(reg registry.Registry, advertiseAddr string, ttl time.Duration) Option {
	return func(o *options) {
		o.registry = reg
		o.advertiseAddr = advertiseAddr
		o.ttl = ttl
	}
}

type registration struct {
	service, addr string
}

// Server holds the dispatch table and serves it on any number of channels.
type Server struct {
	opts options
	log  *zap.Logger

	mu          sync.RWMutex
	ops         map[string]*Operation
	middlewares []middleware.Middleware
	hooks       []middleware.Hook

	base     context.Context // cancelled by Shutdown
	stop     context.CancelFunc
	lifeMu   sync.Mutex     // orders wg.Add against Shutdown
	wg       sync.WaitGroup // running dispatchers
	shutdown atomic.Bool

	regMu      sync.Mutex
	registered []registration
}

// NewServer creates a server with an empty dispatch table.
func NewServer(opts ...Option) *Server {
	o := options{
		payloadCodec: codec.JSON,
		codec:        codec.CodecTypeJSON,
		sendTimeout:  DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = registry.DefaultTTL
	}
	if o.sendTimeout <= 0 {
		o.sendTimeout = DefaultSendTimeout
	}
	base, stop := context.WithCancel(context.Background())
	return &Server{
		opts: o,
		log:  logging.Or(o.logger),
		ops:  make(map[string]*Operation),
		base: base,
		stop: stop,
	}
}

// Use appends a middleware. Middlewares run in the order they are added,
// outside the deadline race; channels accepted before the call are not
// affected.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
}

// BeforeRequest appends request hooks. Hooks run in the order they are
// added, inside the deadline race, ahead of the operation.
func (s *Server) BeforeRequest(hooks ...middleware.Hook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, hooks...)
	s.mu.Unlock()
}

// handler builds the chain once per dispatcher:
//
//	Recover → user middlewares → Deadline → Recover → hooks → invoke
//
// The operation runs on the deadline race's goroutine, so it needs a
// Recover of its own.
func (s *Server) handler() middleware.HandlerFunc {
	s.mu.RLock()
	mws := make([]middleware.Middleware, 0, len(s.middlewares)+4)
	mws = append(mws, middleware.Recover(s.log))
	mws = append(mws, s.middlewares...)
	hooks := append([]middleware.Hook(nil), s.hooks...)
	s.mu.RUnlock()

	mws = append(mws,
		middleware.Deadline(),
		middleware.Recover(s.log),
		middleware.Before(hooks...),
	)
	return middleware.Chain(mws...)(s.invoke)
}

// NewDispatcher returns an idle dispatcher that serves s on ch. Most
// callers use ServeChannel instead.
func (s *Server) NewDispatcher(ch channel.Channel[*message.Request, *message.Response]) *Dispatcher {
	return newDispatcher(ch, s.handler(), s.log, s.opts.sendTimeout)
}

// ServeChannel serves one channel until it ends, ctx is done, or the
// server shuts down. See Dispatcher.Run.
func (s *Server) ServeChannel(ctx context.Context, ch channel.Channel[*message.Request, *message.Response]) error {
	if !s.track() {
		_ = ch.Close()
		return ErrServerClosed
	}
	defer s.wg.Done()
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.NewDispatcher(ch).Run(ctx)
}

// track counts one more running dispatcher unless the server is shutting
// down.
func (s *Server) track() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

// Serve accepts channels from in and serves each one on its own
// goroutine. It returns nil once ctx is done or the server shuts down,
// and the accept error otherwise.
func (s *Server) Serve(ctx context.Context, in Incoming) error {
	if s.shutdown.Load() {
		return ErrServerClosed
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()

	for {
		ch, err := in.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.shutdown.Load() {
				return nil
			}
			return err
		}

		if !s.track() {
			_ = ch.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			if err := s.NewDispatcher(ch).Run(ctx); err != nil {
				s.log.Warn("channel failed", zap.Error(err))
			}
		}()
	}
}

// ServeListener serves connections accepted from ln using the configured
// wire codec and compression, and publishes the server's services in the
// registry for as long as it runs. ln is closed on return.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	in, err := s.incoming(ln)
	if err != nil {
		return err
	}
	if err := s.register(ctx, ln.Addr()); err != nil {
		return err
	}
	defer s.deregister(context.WithoutCancel(ctx))
	s.log.Info("serving",
		zap.Stringer("addr", ln.Addr()),
		zap.Stringer("codec", s.opts.codec),
		zap.Strings("services", s.Services()),
	)
	return s.Serve(ctx, in)
}

// ListenAndServe announces on network/addr and calls ServeListener.
func (s *Server) ListenAndServe(ctx context.Context, network, addr string) error {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return &channel.TransportError{Op: "listen", Err: err}
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) incoming(ln net.Listener) (Incoming, error) {
	cdc, err := codec.Lookup(s.opts.codec)
	if err != nil {
		return nil, err
	}
	topts := []transport.Option{transport.WithHeartbeat(s.opts.heartbeat), transport.WithLogger(s.log)}

	if s.opts.compression == "" {
		return transport.NewListener[*message.Request, *message.Response](ln, cdc, topts...), nil
	}
	if _, err := compression.Lookup(s.opts.compression); err != nil {
		return nil, err
	}
	tl := transport.NewListener[compression.Message[*message.Request], compression.Message[*message.Response]](ln, cdc, topts...)
	copts := []compression.Option{compression.WithAlgorithm(s.opts.compression), compression.WithMinSize(s.opts.minSize)}
	return IncomingFunc(func(ctx context.Context) (channel.Channel[*message.Request, *message.Response], error) {
		conn, err := tl.Accept(ctx)
		if err != nil {
			return nil, err
		}
		return compression.Wrap(conn, cdc, copts...), nil
	}), nil
}

func (s *Server) register(ctx context.Context, addr net.Addr) error {
	reg := s.opts.registry
	if reg == nil {
		return nil
	}
	advertise := s.opts.advertiseAddr
	if advertise == "" {
		advertise = addr.String()
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()
	for _, svc := range s.Services() {
		inst := registry.ServiceInstance{Addr: advertise, Weight: 1}
		if err := reg.Register(ctx, svc, inst, s.opts.ttl); err != nil {
			return errors.Wrapf(err, "server: register %s at %s", svc, advertise)
		}
		s.registered = append(s.registered, registration{service: svc, addr: advertise})
		s.log.Info("registered", zap.String("service", svc), zap.String("addr", advertise))
	}
	return nil
}

func (s *Server) deregister(ctx context.Context) {
	s.regMu.Lock()
	regs := s.registered
	s.registered = nil
	s.regMu.Unlock()

	for _, r := range regs {
		if err := s.opts.registry.Deregister(ctx, r.service, r.addr); err != nil {
			s.log.Warn("deregister failed", zap.String("service", r.service), zap.Error(err))
		}
	}
}

// bind derives a context that also ends when the server shuts down.
func (s *Server) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister every published service (clients stop routing here)
//  2. Set the shutdown flag so Serve treats the accept error as intentional
//  3. Stop receiving on every channel
//  4. Wait for in-flight requests to finish (with timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.deregister(ctx)

	s.lifeMu.Lock()
	s.shutdown.Store(true)
	s.lifeMu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("server: timeout waiting for ongoing requests to finish")
	}
}
