package loadbalance

import (
	"context"
	"sync/atomic"

	"github.com/andeya/lrcall/callctx"
	"github.com/andeya/lrcall/client"
	"github.com/andeya/lrcall/registry"
)

// RoundRobin is a client.Stub that sends each call to the next stub in
// cyclic order. The first call goes to stubs[0]. The rotating index is an
// atomic counter shared by all concurrent calls.
type RoundRobin struct {
	stubs []client.Stub
	next  atomic.Uint64
}

var _ client.Stub = (*RoundRobin)(nil)

// NewRoundRobin balances over stubs in the order given.
func NewRoundRobin(stubs ...client.Stub) *RoundRobin {
	return &RoundRobin{stubs: stubs}
}

func (r *RoundRobin) Call(ctx context.Context, cc callctx.Context, method string, payload []byte) ([]byte, error) {
	if len(r.stubs) == 0 {
		return nil, ErrNoInstances
	}
	i := (r.next.Add(1) - 1) % uint64(len(r.stubs))
	return r.stubs[i].Call(ctx, cc, method, payload)
}

// Len returns the number of backends.
func (r *RoundRobin) Len() int { return len(r.stubs) }

// RoundRobinBalancer picks instances in order, ignoring weights.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(_ callctx.Context, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
