package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Registry, for tests and single-process setups.
// Registrations never expire.
type Memory struct {
	mu        sync.Mutex
	instances map[string]map[string]ServiceInstance
	watchers  map[string]map[chan []ServiceInstance]struct{}
}

var _ Registry = (*Memory)(nil)

// NewMemory returns an empty Memory registry.
func NewMemory() *Memory {
	return &Memory{
		instances: make(map[string]map[string]ServiceInstance),
		watchers:  make(map[string]map[chan []ServiceInstance]struct{}),
	}
}

func (m *Memory) Register(_ context.Context, service string, inst ServiceInstance, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instances[service] == nil {
		m.instances[service] = make(map[string]ServiceInstance)
	}
	m.instances[service][inst.Addr] = inst
	m.notifyLocked(service)
	return nil
}

func (m *Memory) Deregister(_ context.Context, service, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[service][addr]; !ok {
		return nil
	}
	delete(m.instances[service], addr)
	m.notifyLocked(service)
	return nil
}

func (m *Memory) Discover(_ context.Context, service string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(service), nil
}

func (m *Memory) Watch(ctx context.Context, service string) (<-chan []ServiceInstance, error) {
	ch := make(chan []ServiceInstance, 1)

	m.mu.Lock()
	if m.watchers[service] == nil {
		m.watchers[service] = make(map[chan []ServiceInstance]struct{})
	}
	m.watchers[service][ch] = struct{}{}
	ch <- m.listLocked(service)
	m.mu.Unlock()

	context.AfterFunc(ctx, func() {
		m.mu.Lock()
		delete(m.watchers[service], ch)
		m.mu.Unlock()
		close(ch)
	})
	return ch, nil
}

// listLocked returns the instances of service sorted by address.
func (m *Memory) listLocked(service string) []ServiceInstance {
	list := make([]ServiceInstance, 0, len(m.instances[service]))
	for _, inst := range m.instances[service] {
		list = append(list, inst)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Addr < list[j].Addr })
	return list
}

func (m *Memory) notifyLocked(service string) {
	if len(m.watchers[service]) == 0 {
		return
	}
	list := m.listLocked(service)
	for ch := range m.watchers[service] {
		sendLatest(ch, list)
	}
}
