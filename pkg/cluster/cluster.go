// Package cluster defines the Cluster Fabric abstractions of spec.md §4.8:
// a stable node identity, a pub/sub bus, a cluster-wide named lock, and an
// ephemeral key→value map. Nothing in the core reaches across nodes except
// through a Fabric.
package cluster

import (
	"context"
	"time"
)

// MessageHandler receives one decoded bus frame.
type MessageHandler func(payload []byte)

// Bus is the cross-node pub/sub transport (spec.md §4.3/§4.8). Addresses are
// plain strings agreed on by every peer (node/<id>/deliver, store/<name>/add,
// store/<name>/del, ...).
type Bus interface {
	Publish(ctx context.Context, address string, payload []byte) error
	Subscribe(ctx context.Context, address string, handler MessageHandler) (unsubscribe func(), err error)
}

// Lock is a cluster-wide named mutex with a bounded acquisition timeout,
// used by the Archive Group's retention purge (spec.md §4.5) to ensure at
// most one node purges a given (group, role) per tick.
type Lock interface {
	// Acquire blocks up to the Fabric's configured acquisition timeout trying
	// to take the named lock for ttl. release must be called exactly once on
	// success; ok is false (err nil) on a clean timeout, which the caller
	// treats as LockAcquisitionFailed and skips this tick.
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Map is an ephemeral cluster-wide key→value store for routing hints (e.g.
// which node most recently accepted a client). Values are opaque bytes.
type Map interface {
	Get(ctx context.Context, name, key string) ([]byte, bool, error)
	Set(ctx context.Context, name, key string, value []byte) error
	Delete(ctx context.Context, name, key string) error
}

// Fabric bundles the node identity plus the three primitives a clustered
// deployment needs. A process-local no-op implementation (localfabric)
// satisfies this when clustering is disabled.
type Fabric interface {
	NodeID() string
	Bus() Bus
	Lock() Lock
	Map() Map
	Close() error
}
