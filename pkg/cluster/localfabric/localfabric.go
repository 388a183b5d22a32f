// Package localfabric is the process-local cluster.Fabric used when
// clustering is disabled (spec.md §4.8): the bus delivers synchronously
// in-process, the lock is a plain mutex keyed by name, and the map is a
// plain guarded map — there is exactly one node, so every primitive
// degrades to a no-op over local state.
package localfabric

import (
	"context"
	"sync"
	"time"

	"github.com/nodeforge/brokercore/pkg/cluster"
)

type Fabric struct {
	nodeID string
	bus    *bus
	lock   *lock
	kv     *kvMap
}

func New(nodeID string) *Fabric {
	return &Fabric{
		nodeID: nodeID,
		bus:    &bus{subscribers: make(map[string][]cluster.MessageHandler)},
		lock:   &lock{held: make(map[string]struct{})},
		kv:     &kvMap{maps: make(map[string]map[string][]byte)},
	}
}

func (f *Fabric) NodeID() string { return f.nodeID }
func (f *Fabric) Bus() cluster.Bus { return f.bus }
func (f *Fabric) Lock() cluster.Lock { return f.lock }
func (f *Fabric) Map() cluster.Map { return f.kv }
func (f *Fabric) Close() error { return nil }

type bus struct {
	mu          sync.RWMutex
	subscribers map[string][]cluster.MessageHandler
}

func (b *bus) Publish(ctx context.Context, address string, payload []byte) error {
	b.mu.RLock()
	handlers := append([]cluster.MessageHandler(nil), b.subscribers[address]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		if h != nil {
			h(payload)
		}
	}
	return nil
}

func (b *bus) Subscribe(ctx context.Context, address string, handler cluster.MessageHandler) (func(), error) {
	b.mu.Lock()
	b.subscribers[address] = append(b.subscribers[address], handler)
	idx := len(b.subscribers[address]) - 1
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.subscribers[address]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
	return unsubscribe, nil
}

// lock is a process-local named mutex; since there is only ever one node,
// Acquire never genuinely contends with a peer — it exists so Archive Group
// purge code paths are identical whether clustering is on or off.
type lock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (l *lock) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[name]; taken {
		return nil, false, nil
	}
	l.held[name] = struct{}{}
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, name)
	}
	return release, true, nil
}

type kvMap struct {
	mu   sync.RWMutex
	maps map[string]map[string][]byte
}

func (k *kvMap) Get(ctx context.Context, name, key string) ([]byte, bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	m, ok := k.maps[name]
	if !ok {
		return nil, false, nil
	}
	v, ok := m[key]
	return v, ok, nil
}

func (k *kvMap) Set(ctx context.Context, name, key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.maps[name]
	if !ok {
		m = make(map[string][]byte)
		k.maps[name] = m
	}
	m[key] = value
	return nil
}

func (k *kvMap) Delete(ctx context.Context, name, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if m, ok := k.maps[name]; ok {
		delete(m, key)
	}
	return nil
}

var (
	_ cluster.Fabric = (*Fabric)(nil)
	_ cluster.Bus    = (*bus)(nil)
	_ cluster.Lock   = (*lock)(nil)
	_ cluster.Map    = (*kvMap)(nil)
)
