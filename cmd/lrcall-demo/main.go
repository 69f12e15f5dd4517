// Command lrcall-demo runs a small traced call graph in one process:
//
//	caller ──Math.Double──> doubler ──Arith.Add──> RoundRobin+Retry ──> adder-0 / adder-1
//
// adder-0 can be made to fail (-fault), in which case the retry layer moves
// the call to adder-1. Every hop logs the same trace id.
package main

import (
	"context"
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/andeya/lrcall/callctx"
	"github.com/andeya/lrcall/client"
	"github.com/andeya/lrcall/codec"
	"github.com/andeya/lrcall/config"
	"github.com/andeya/lrcall/internal/logging"
	"github.com/andeya/lrcall/loadbalance"
	"github.com/andeya/lrcall/message"
	"github.com/andeya/lrcall/middleware"
	"github.com/andeya/lrcall/registry"
	"github.com/andeya/lrcall/retry"
	"github.com/andeya/lrcall/server"
)

type AddArgs struct {
	A, B int
}

type DoubleArgs struct {
	X int
}

type Result struct {
	Value int
}

func main() {
	var (
		configPath = flag.String("config", "", "YAML configuration file")
		fault      = flag.Bool("fault", true, "make the first Add server fail every call")
		calls      = flag.Int("calls", 5, "number of Double calls to make")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			zap.NewExample().Fatal("loading config", zap.Error(err))
		}
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		zap.NewExample().Fatal("building logger", zap.Error(err))
	}
	defer log.Sync()
	logging.Set(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, log, *fault, *calls); err != nil {
		log.Fatal("demo failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger, fault bool, calls int) error {
	reg, err := newRegistry(cfg, log)
	if err != nil {
		return err
	}
	if c, ok := reg.(io.Closer); ok {
		defer c.Close()
	}

	sopts, err := serverOptions(cfg, log, reg)
	if err != nil {
		return err
	}
	copts, err := clientOptions(cfg, log)
	if err != nil {
		return err
	}

	var servers []*server.Server
	defer func() {
		for _, s := range servers {
			if err := s.Shutdown(5 * time.Second); err != nil {
				log.Warn("shutdown", zap.Error(err))
			}
		}
	}()

	// Two Add servers; with fault set the first one fails every call.
	var adderAddrs []string
	for i := 0; i < 2; i++ {
		s := server.NewServer(sopts...)
		name := []string{"adder-0", "adder-1"}[i]
		s.Use(middleware.Logging(log.Named(name)))
		if cfg.Server.RateLimit > 0 {
			s.BeforeRequest(middleware.RateLimit(cfg.Server.RateLimit, cfg.Server.Burst))
		}
		if i == 0 && fault {
			s.BeforeRequest(func(ctx context.Context, req *message.Request) error {
				return message.NewServerError(codes.Unavailable, "Gamma Ray!")
			})
		}
		err := server.Register(s, "Arith.Add", func(ctx context.Context, args *AddArgs) (*Result, error) {
			return &Result{Value: args.A + args.B}, nil
		})
		if err != nil {
			return err
		}
		addr, err := start(ctx, s, cfg, log)
		if err != nil {
			return err
		}
		servers = append(servers, s)
		adderAddrs = append(adderAddrs, addr)
	}

	adder, closeAdder, err := addStub(ctx, cfg, log, reg, adderAddrs, copts)
	if err != nil {
		return err
	}
	defer closeAdder()

	doubler := server.NewServer(sopts...)
	doubler.Use(middleware.Logging(log.Named("doubler")))
	err = server.Register(doubler, "Math.Double", func(ctx context.Context, args *DoubleArgs) (*Result, error) {
		// The ambient call context carries the caller's trace and deadline.
		cc := callctx.RemoteCurrent(ctx)
		sum, err := client.Invoke[*AddArgs, *Result](ctx, adder, cc, "Arith.Add", codec.JSON, &AddArgs{A: args.X, B: args.X})
		if err != nil {
			return nil, err
		}
		return sum, nil
	})
	if err != nil {
		return err
	}
	doublerAddr, err := start(ctx, doubler, cfg, log)
	if err != nil {
		return err
	}
	servers = append(servers, doubler)

	caller, err := client.Dial(ctx, "tcp", doublerAddr, copts...)
	if err != nil {
		return err
	}
	defer caller.Close()

	for i := 1; i <= calls && ctx.Err() == nil; i++ {
		cc := callctx.Default(callctx.Remote).WithTimeout(cfg.Client.Timeout.Std())
		res, err := client.Invoke[*DoubleArgs, *Result](ctx, caller, cc, "Math.Double", codec.JSON, &DoubleArgs{X: i})
		if err != nil {
			log.Error("Math.Double failed", zap.Stringer("trace_id", cc.TraceID()), zap.Int("x", i), zap.Error(err))
			continue
		}
		log.Info("Math.Double", zap.Stringer("trace_id", cc.TraceID()), zap.Int("x", i), zap.Int("result", res.Value))
	}
	return nil
}

func start(ctx context.Context, s *server.Server, cfg *config.Config, log *zap.Logger) (string, error) {
	ln, err := net.Listen(cfg.Server.Network, cfg.Server.Addr)
	if err != nil {
		return "", err
	}
	go func() {
		if err := s.ServeListener(ctx, ln); err != nil {
			log.Error("serve", zap.Error(err))
		}
	}()
	return ln.Addr().String(), nil
}

func newRegistry(cfg *config.Config, log *zap.Logger) (registry.Registry, error) {
	if len(cfg.Registry.Endpoints) == 0 {
		return nil, nil
	}
	return registry.NewEtcdRegistry(cfg.Registry.Endpoints,
		registry.WithPrefix(cfg.Registry.Prefix),
		registry.WithDialTimeout(cfg.Registry.DialTimeout.Std()),
		registry.WithLogger(log),
	)
}

// addStub returns the stub for Arith.Add: discovery through the registry
// when one is configured, a fixed round robin over addrs otherwise, with
// retries on Unavailable either way.
func addStub(ctx context.Context, cfg *config.Config, log *zap.Logger, reg registry.Registry, addrs []string, copts []client.Option) (client.Stub, func(), error) {
	var (
		base    client.Stub
		closers []func()
	)
	if reg != nil {
		bal, err := loadbalance.ByName(cfg.Client.Balancer)
		if err != nil {
			return nil, nil, err
		}
		d := loadbalance.NewDiscovery(reg, "Arith", bal, loadbalance.ChannelDialer(copts...))
		closers = append(closers, func() { d.Close() })
		base = d
	} else {
		var stubs []client.Stub
		for _, addr := range addrs {
			c, err := client.Dial(ctx, "tcp", addr, copts...)
			if err != nil {
				return nil, nil, err
			}
			closers = append(closers, func() { c.Close() })
			stubs = append(stubs, c)
		}
		base = loadbalance.NewRoundRobin(stubs...)
	}

	stub := retry.New(base, retry.OnCodes(codes.Unavailable),
		retry.WithMaxAttempts(cfg.Client.MaxAttempts),
		retry.WithBackoff(cfg.Client.Backoff.Std()),
		retry.WithLogger(log),
	)
	return stub, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

func serverOptions(cfg *config.Config, log *zap.Logger, reg registry.Registry) ([]server.Option, error) {
	sc := cfg.Server
	ct, err := sc.CodecType()
	if err != nil {
		return nil, err
	}
	alg, err := sc.Algorithm()
	if err != nil {
		return nil, err
	}
	opts := []server.Option{
		server.WithLogger(log),
		server.WithCodec(ct),
		server.WithHeartbeat(sc.Heartbeat.Std()),
		server.WithSendTimeout(sc.SendTimeout.Std()),
	}
	if alg != "" {
		opts = append(opts, server.WithCompression(alg, sc.MinCompressSize))
	}
	if reg != nil {
		opts = append(opts, server.WithRegistry(reg, "", cfg.Registry.TTL.Std()))
	}
	return opts, nil
}

func clientOptions(cfg *config.Config, log *zap.Logger) ([]client.Option, error) {
	cc := cfg.Client
	ct, err := cc.CodecType()
	if err != nil {
		return nil, err
	}
	alg, err := cc.Algorithm()
	if err != nil {
		return nil, err
	}
	opts := []client.Option{
		client.WithLogger(log),
		client.WithCodec(ct),
		client.WithHeartbeat(cc.Heartbeat.Std()),
	}
	if alg != "" {
		opts = append(opts, client.WithCompression(alg, cc.MinCompressSize))
	}
	return opts, nil
}
