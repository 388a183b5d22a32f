// Package archive implements the Archive Group pipeline of spec.md §4.5: a
// named, configuration-driven filter that fans an accepted message out to a
// last-value store and/or an append-only archive store, plus a
// cluster-lock-guarded retention purge.
//
// Grounded on the teacher's internal/broker.handleRetainedMessage for the
// "accept, then write under a worker" shape, generalized with a filter-tree
// accept rule and dual store fan-out per spec.md §4.5, and on SPEC_FULL.md
// §5's errgroup/semaphore worker-pool pattern (the teacher itself prefers
// bare goroutines/tickers; x/sync supplies the pool discipline this
// component needs that the teacher's QoSManager ticker doesn't).
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nodeforge/brokercore/pkg/broker"
	"github.com/nodeforge/brokercore/pkg/cluster"
	brokerer "github.com/nodeforge/brokercore/pkg/er"
	"github.com/nodeforge/brokercore/pkg/logger"
	"github.com/nodeforge/brokercore/pkg/store"
	"github.com/nodeforge/brokercore/pkg/topic"
)

// utf8BOM is the three-byte UTF-8 byte-order mark. JSON payloads produced by
// some bridges are prefixed with it; stripping it before json.Valid is the
// only way a BOM-prefixed JSON document is still recognized as parseable.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// maxConcurrentWrites bounds how many store writes a single Group runs at
// once (spec.md §5 worker-pool executor, "distinct from the network loop").
const maxConcurrentWrites = 8

// Group is one named archive-group pipeline (spec.md §4.5).
type Group struct {
	cfg     store.ArchiveGroupConfig
	lastVal store.MessageStore  // optional, may be nil
	archive store.MessageArchive // optional, may be nil
	fabric  cluster.Fabric       // optional, may be nil if retention is disabled
	log     *logger.Logger

	sem *semaphore.Weighted
}

// NewGroup constructs a Group. lastVal and archive may each be nil if the
// group isn't configured to write to that store; fabric may be nil if no
// retention purge is configured.
func NewGroup(cfg store.ArchiveGroupConfig, lastVal store.MessageStore, archive store.MessageArchive, fabric cluster.Fabric, log *logger.Logger) *Group {
	return &Group{
		cfg:     cfg,
		lastVal: lastVal,
		archive: archive,
		fabric:  fabric,
		log:     log,
		sem:     semaphore.NewWeighted(maxConcurrentWrites),
	}
}

// Accept implements spec.md §4.5 rule 1: accept iff any configured filter
// matches the message's topic, AND (¬retainedOnly ∨ retainFlag).
func (g *Group) Accept(msg broker.Message) bool {
	if g.cfg.RetainedOnly && !msg.RetainFlag {
		return false
	}
	for _, filter := range g.cfg.Filters {
		if topic.MatchesFilter(filter, msg.TopicName) {
			return true
		}
	}
	return false
}

// Ingest runs a message through the group: if Accept rejects it, Ingest is a
// no-op. Otherwise it fans the (possibly reformatted) message out to the
// last-value store and the archive store concurrently, bounded by the
// group's write semaphore.
func (g *Group) Ingest(ctx context.Context, msg broker.Message) error {
	if !g.Accept(msg) {
		return nil
	}
	out := msg
	out.Payload = formatPayload(g.cfg.PayloadFormat, msg.Payload)

	eg, ctx := errgroup.WithContext(ctx)
	if g.lastVal != nil {
		eg.Go(func() error {
			if err := g.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer g.sem.Release(1)
			if err := g.lastVal.AddAll(ctx, []broker.Message{out}); err != nil {
				return brokerer.Wrap(brokerer.StoreUnavailable, "Group.Ingest: lastVal", err)
			}
			return nil
		})
	}
	if g.archive != nil {
		eg.Go(func() error {
			if err := g.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer g.sem.Release(1)
			if err := g.archive.AddHistory(ctx, []broker.Message{out}); err != nil {
				return brokerer.Wrap(brokerer.StoreUnavailable, "Group.Ingest: archive", err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		if g.log != nil {
			g.log.LogArchive(g.cfg.Name, "ingest-failed")
		}
		return err
	}
	return nil
}

// formatPayload implements spec.md §4.5's payload-format policy:
// JSON-if-parseable attempts to parse the payload (after stripping a leading
// UTF-8 BOM, per DESIGN.md Open Question 4) and, on success, stores the
// canonical re-marshaled document; on failure, or in RAW mode, the raw bytes
// pass through unchanged.
func formatPayload(format string, payload []byte) []byte {
	if format != "JSON" {
		return payload
	}
	trimmed := bytes.TrimPrefix(payload, utf8BOM)
	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return payload
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return payload
	}
	return canonical
}

// lockRole names the two purge roles a Group's retention loop can hold a
// cluster lock for.
type lockRole string

const (
	roleLastVal lockRole = "lastval"
	roleArchive lockRole = "archive"
)

// purgeLockTTL is how long a retention-purge lock is held once acquired.
// The acquisition timeout itself (spec.md §4.5: 30s) is the Fabric
// implementation's concern (see cluster.Lock.Acquire).
const purgeLockTTL = 30 * time.Second

// RunRetentionLoop runs the periodic retention purge of spec.md §4.5 until
// ctx is canceled. It is a no-op (never returns early) if the group has no
// PurgeInterval configured — callers may still invoke it unconditionally.
func (g *Group) RunRetentionLoop(ctx context.Context) error {
	if g.cfg.PurgeInterval == nil || *g.cfg.PurgeInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(*g.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.purgeTick(ctx)
		}
	}
}

func (g *Group) purgeTick(ctx context.Context) {
	if g.lastVal != nil && g.cfg.LastValRetention != nil {
		g.purgeOne(ctx, roleLastVal, *g.cfg.LastValRetention, g.lastVal.PurgeOldMessages)
	}
	if g.archive != nil && g.cfg.ArchiveRetention != nil {
		g.purgeOne(ctx, roleArchive, *g.cfg.ArchiveRetention, g.archive.PurgeOldMessages)
	}
}

type purgeFunc func(ctx context.Context, cutoff time.Time) (int, time.Duration, error)

func (g *Group) purgeOne(ctx context.Context, role lockRole, retention time.Duration, purge purgeFunc) {
	lockName := "purge-lock-" + g.cfg.Name + "-" + string(role)

	if g.fabric == nil {
		g.runPurge(ctx, lockName, retention, purge)
		return
	}
	release, ok, err := g.fabric.Lock().Acquire(ctx, lockName, purgeLockTTL)
	if err != nil {
		if g.log != nil {
			g.log.LogError(err, "archive purge lock acquisition errored",
				slog.String("group", g.cfg.Name), slog.String("role", string(role)))
		}
		return
	}
	if !ok {
		// LockAcquisitionFailed: another node holds this tick's purge. Skip.
		if g.log != nil {
			g.log.LogArchive(g.cfg.Name, "purge-lock-skipped")
		}
		return
	}
	defer release()
	g.runPurge(ctx, lockName, retention, purge)
}

func (g *Group) runPurge(ctx context.Context, lockName string, retention time.Duration, purge purgeFunc) {
	cutoff := time.Now().Add(-retention)
	deleted, elapsed, err := purge(ctx, cutoff)
	if err != nil {
		if g.log != nil {
			g.log.LogError(err, "archive purge failed", slog.String("group", g.cfg.Name), slog.String("lock", lockName))
		}
		return
	}
	if g.log != nil {
		g.log.LogArchive(g.cfg.Name, "purged", slog.Int("deleted", deleted), slog.Duration("elapsed", elapsed))
	}
	if elapsed > purgeLockTTL {
		if g.log != nil {
			g.log.Warn("archive purge exceeded lock TTL",
				slog.String("group", g.cfg.Name), slog.Duration("elapsed", elapsed), slog.Int("deleted", deleted))
		}
	}
}
