package loadbalance

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/andeya/lrcall/callctx"
	"github.com/andeya/lrcall/client"
	"github.com/andeya/lrcall/internal/logging"
	"github.com/andeya/lrcall/registry"
)

// Dialer opens a stub to one instance address.
type Dialer func(ctx context.Context, addr string) (client.Stub, error)

// ChannelDialer dials TCP client.Channels with the given options.
func ChannelDialer(opts ...client.Option) Dialer {
	return func(ctx context.Context, addr string) (client.Stub, error) {
		return client.Dial(ctx, "tcp", addr, opts...)
	}
}

// Discovery is a client.Stub that resolves the target instance of every
// call through a registry and a Balancer. The instance list of each service
// is watched from its first call on, so calls do not query the registry.
// Stubs are dialed lazily, one per address, and redialed once their
// connection is gone.
type Discovery struct {
	reg      registry.Registry
	service  string
	balancer Balancer
	dial     Dialer
	log      *zap.Logger

	ctx    context.Context // ends the watches
	cancel context.CancelFunc

	viewMu sync.Mutex
	views  map[string]*view

	mu    sync.Mutex
	stubs map[string]client.Stub
}

// view is the latest instance list of one watched service.
type view struct {
	ready     chan struct{} // closed once the first list or a watch error is in
	mu        sync.RWMutex
	instances []registry.ServiceInstance
	err       error
}

func (v *view) list() ([]registry.ServiceInstance, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.instances, v.err
}

func (v *view) set(instances []registry.ServiceInstance, err error) {
	v.mu.Lock()
	v.instances, v.err = instances, err
	v.mu.Unlock()
}

var _ client.Stub = (*Discovery)(nil)

// NewDiscovery returns a Discovery stub for service. An empty service
// resolves each call by the prefix of its method name, "Arith" for
// "Arith.Add".
func NewDiscovery(reg registry.Registry, service string, balancer Balancer, dial Dialer) *Discovery {
	if balancer == nil {
		balancer = &RoundRobinBalancer{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Discovery{
		reg:      reg,
		service:  service,
		balancer: balancer,
		dial:     dial,
		log:      logging.L(),
		ctx:      ctx,
		cancel:   cancel,
		views:    make(map[string]*view),
		stubs:    make(map[string]client.Stub),
	}
}

func (d *Discovery) Call(ctx context.Context, cc callctx.Context, method string, payload []byte) ([]byte, error) {
	service := d.service
	if service == "" {
		var ok bool
		if service, _, ok = strings.Cut(method, "."); !ok {
			return nil, errors.Errorf("loadbalance: invalid method %q, expect Service.Method", method)
		}
	}

	instances, err := d.instances(ctx, service)
	if err != nil {
		return nil, err
	}
	inst, err := d.balancer.Pick(cc, instances)
	if err != nil {
		return nil, errors.Wrapf(err, "service %s", service)
	}
	stub, err := d.stub(ctx, inst.Addr)
	if err != nil {
		return nil, err
	}
	return stub.Call(ctx, cc, method, payload)
}

// instances returns the cached instance list of service, starting a watch
// on first use.
func (d *Discovery) instances(ctx context.Context, service string) ([]registry.ServiceInstance, error) {
	d.viewMu.Lock()
	v, ok := d.views[service]
	if !ok {
		v = &view{ready: make(chan struct{})}
		d.views[service] = v
		go d.watch(service, v)
	}
	d.viewMu.Unlock()

	select {
	case <-v.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return v.list()
}

// watch follows service until the watch ends, then forgets v so the next
// call starts a new one.
func (d *Discovery) watch(service string, v *view) {
	var once sync.Once
	markReady := func() { once.Do(func() { close(v.ready) }) }
	defer func() {
		d.viewMu.Lock()
		if d.views[service] == v {
			delete(d.views, service)
		}
		d.viewMu.Unlock()
		markReady()
	}()

	ch, err := d.reg.Watch(d.ctx, service)
	if err != nil {
		d.log.Warn("watching service failed", zap.String("service", service), zap.Error(err))
		v.set(nil, errors.Wrapf(err, "loadbalance: watch %s", service))
		return
	}
	for instances := range ch {
		v.set(instances, nil)
		markReady()
	}
	if d.ctx.Err() == nil {
		d.log.Debug("service watch ended", zap.String("service", service))
		v.set(nil, errors.Errorf("loadbalance: watch %s ended", service))
	}
}

type doner interface {
	Done() <-chan struct{}
}

func (d *Discovery) stub(ctx context.Context, addr string) (client.Stub, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.stubs[addr]; ok {
		if dn, ok := s.(doner); !ok || !isDone(dn.Done()) {
			return s, nil
		}
		closeStub(s)
		delete(d.stubs, addr)
	}

	s, err := d.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	d.stubs[addr] = s
	return s, nil
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func closeStub(s client.Stub) {
	if c, ok := s.(io.Closer); ok {
		c.Close()
	}
}

// Close stops every watch and closes every dialed stub.
func (d *Discovery) Close() error {
	d.cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	for addr, s := range d.stubs {
		closeStub(s)
		delete(d.stubs, addr)
	}
	return nil
}
