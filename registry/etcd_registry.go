package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/andeya/lrcall/internal/logging"
)

// DefaultPrefix is the etcd key prefix under which instances live:
//
//	Key:   /lrcall/{service}/{addr}
//	Value: JSON-encoded ServiceInstance
const DefaultPrefix = "/lrcall/"

// EtcdRegistry implements Registry on etcd v3. Entries are attached to TTL
// leases: if a server dies without deregistering, its lease expires and
// the entry disappears.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]lease // key -> lease kept alive by this process
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// EtcdOption configures an EtcdRegistry.
type EtcdOption func(*etcdOptions)

type etcdOptions struct {
	prefix      string
	dialTimeout time.Duration
	logger      *zap.Logger
}

// WithPrefix sets the key prefix. Default DefaultPrefix.
func WithPrefix(prefix string) EtcdOption {
	return func(o *etcdOptions) { o.prefix = prefix }
}

// WithDialTimeout bounds the initial connection to etcd.
func WithDialTimeout(d time.Duration) EtcdOption {
	return func(o *etcdOptions) { o.dialTimeout = d }
}

// WithLogger sets the logger, which is handed to the etcd client as well.
func WithLogger(l *zap.Logger) EtcdOption {
	return func(o *etcdOptions) { o.logger = l }
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	o := etcdOptions{prefix: DefaultPrefix, dialTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	log := logging.Or(o.logger)

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: o.dialTimeout,
		Logger:      log.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "registry: connect etcd")
	}
	return &EtcdRegistry{
		client: c,
		prefix: o.prefix,
		log:    log,
		leases: make(map[string]lease),
	}, nil
}

func (r *EtcdRegistry) serviceKey(service string) string {
	return r.prefix + service + "/"
}

// Register grants a lease of ttl, stores the instance under it and keeps
// the lease alive in the background until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, service string, inst ServiceInstance, ttl time.Duration) error {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	grant, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return errors.Wrapf(err, "registry: grant lease for %s", service)
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	key := r.serviceKey(service) + inst.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return errors.Wrapf(err, "registry: put %s", key)
	}

	// The keep-alive must outlive ctx, which only bounds registration.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		return errors.Wrapf(err, "registry: keep alive %s", key)
	}

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.cancel()
	}
	r.leases[key] = lease{id: grant.ID, cancel: cancel}
	r.mu.Unlock()

	go func() {
		for range ch {
		}
		if kaCtx.Err() == nil {
			r.log.Warn("registry lease keep-alive stopped", zap.String("key", key))
		}
	}()
	return nil
}

// Deregister deletes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, service, addr string) error {
	key := r.serviceKey(service) + addr

	r.mu.Lock()
	l, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		l.cancel()
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "registry: delete %s", key)
	}
	if ok {
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			r.log.Debug("registry lease revoke failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Discover lists every instance under the service prefix. Malformed
// entries are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.serviceKey(service), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "registry: discover %s", service)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.log.Debug("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch follows the service prefix with etcd's watch API and re-reads the
// full list on every change.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) (<-chan []ServiceInstance, error) {
	initial, err := r.Discover(ctx, service)
	if err != nil {
		return nil, err
	}
	ch := make(chan []ServiceInstance, 1)
	ch <- initial

	watchChan := r.client.Watch(ctx, r.serviceKey(service), clientv3.WithPrefix())
	go func() {
		defer close(ch)
		for wresp := range watchChan {
			if err := wresp.Err(); err != nil {
				r.log.Warn("registry watch failed", zap.String("service", service), zap.Error(err))
				return
			}
			instances, err := r.Discover(ctx, service)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Warn("registry rediscover failed", zap.String("service", service), zap.Error(err))
				}
				continue
			}
			sendLatest(ch, instances)
		}
	}()
	return ch, nil
}

// Close stops every keep-alive and disconnects from etcd. Leases then
// expire on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, l := range r.leases {
		l.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
