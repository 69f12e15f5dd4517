// Package registry publishes and discovers the addresses of running servers.
//
// Servers Register each service they serve under a TTL; clients Discover
// the live instances of a service, or Watch them to follow changes, and
// pick one with a loadbalance.Balancer.
package registry

import (
	"context"
	"time"
)

// ServiceInstance is one server address offering a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"` // for weighted balancing
	Version string `json:"version,omitempty"`
}

// Registry is a directory of service instances.
type Registry interface {
	// Register publishes inst under service. The entry expires after ttl
	// unless the registry keeps it alive, which it does until Deregister.
	Register(ctx context.Context, service string, inst ServiceInstance, ttl time.Duration) error
	// Deregister removes the instance at addr.
	Deregister(ctx context.Context, service, addr string) error
	// Discover returns the instances currently registered under service.
	Discover(ctx context.Context, service string) ([]ServiceInstance, error)
	// Watch sends the full instance list of service once at start and again
	// after every change. The channel is closed when ctx is done.
	Watch(ctx context.Context, service string) (<-chan []ServiceInstance, error)
}

// DefaultTTL is the registration lease used by servers.
const DefaultTTL = 10 * time.Second

// sendLatest replaces any unread value in ch with v, so a slow watcher
// always sees the newest list.
func sendLatest(ch chan []ServiceInstance, v []ServiceInstance) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
