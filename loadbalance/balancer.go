// Package loadbalance spreads calls across several backends.
//
// RoundRobin is a client.Stub decorator over a fixed set of stubs. For
// dynamic sets, Discovery looks instances up in a registry and chooses
// one with a Balancer strategy:
//   - RoundRobinBalancer:     stateless services, equal-capacity instances
//   - WeightedRandomBalancer: heterogeneous instances
//   - ConsistentHashBalancer: affinity, every call of one trace lands on
//     the same instance
//
// None of them is health-aware: a failing backend surfaces its error to
// the caller, typically a retry.Retry, whose next attempt moves on.
package loadbalance

import (
	"github.com/pkg/errors"

	"github.com/andeya/lrcall/callctx"
	"github.com/andeya/lrcall/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects the instance that serves one call. Pick is called on
// every call and must be safe for concurrent use.
type Balancer interface {
	Pick(cc callctx.Context, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// ByName returns a new Balancer for "round_robin", "weighted_random" or
// "consistent_hash".
func ByName(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.Errorf("loadbalance: unknown balancer %q", name)
}
