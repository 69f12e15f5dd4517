package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"github.com/andeya/lrcall/callctx"
	"github.com/andeya/lrcall/registry"
)

// ConsistentHashBalancer maps keys to instances on a hash ring. The same
// key maps to the same instance until the ring changes. As a Balancer it
// keys on the call's trace id, so all calls of one trace reach the same
// instance.
//
// Each instance is placed on the ring as many virtual nodes so a handful
// of instances still spreads evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.RWMutex
	ring  []uint32                             // sorted virtual node hashes
	nodes map[uint32]*registry.ServiceInstance // virtual node hash -> instance
	addrs string                               // instance set the ring was built from
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

// Add places an instance on the ring.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
}

func (b *ConsistentHashBalancer) addLocked(instance *registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// PickKey returns the instance responsible for key: the first virtual node
// at or after the key's hash, wrapping around past the end of the ring.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// Pick rebuilds the ring when the instance set changed since the last call
// and returns the instance for cc's trace id.
func (b *ConsistentHashBalancer) Pick(cc callctx.Context, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	set := strings.Join(addrs, ",")

	b.mu.RLock()
	stale := set != b.addrs
	b.mu.RUnlock()
	if stale {
		b.mu.Lock()
		if set != b.addrs {
			b.ring = b.ring[:0]
			b.nodes = make(map[uint32]*registry.ServiceInstance, len(instances)*b.replicas)
			for i := range instances {
				inst := instances[i]
				b.addLocked(&inst)
			}
			b.addrs = set
		}
		b.mu.Unlock()
	}
	return b.PickKey(cc.TraceID().String())
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
