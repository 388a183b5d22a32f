// Package retained implements the Retained Handler of spec.md §4.4:
// a buffered write queue in front of a store.MessageStore, plus wildcard
// retained lookup and the retain-handling replay rules invoked on SUBSCRIBE.
//
// Grounded on the teacher's internal/broker.handleRetainedMessage /
// sendRetainedMessages (map write under a mutex, linear scan + TopicMatches
// on replay), generalized from an unbounded direct map write into the
// bounded add/del queue + worker-loop shape spec.md §4.4/§5 requires.
package retained

import (
	"context"
	"log/slog"

	"github.com/nodeforge/brokercore/pkg/broker"
	brokerer "github.com/nodeforge/brokercore/pkg/er"
	"github.com/nodeforge/brokercore/pkg/logger"
	"github.com/nodeforge/brokercore/pkg/store"
)

const drainBatch = 1000

// Handler is the Retained Handler. Construct with NewHandler and call Run in
// its own goroutine (or via an errgroup alongside the rest of the broker).
type Handler struct {
	store   store.MessageStore
	archive store.MessageArchive // optional history sink; may be nil

	addQueue chan broker.Message
	delQueue chan string

	log *logger.Logger
}

// NewHandler constructs a Handler with bounded add/del queues of the given
// capacity (spec.md §5 names ~10,000 for the session handler's queues; the
// retained handler's queues are sized the same way by default).
func NewHandler(s store.MessageStore, archive store.MessageArchive, capacity int, log *logger.Logger) *Handler {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &Handler{
		store:    s,
		archive:  archive,
		addQueue: make(chan broker.Message, capacity),
		delQueue: make(chan string, capacity),
		log:      log,
	}
}

// SaveMessage schedules a retained-store write: an empty payload schedules a
// delete of the topic's retained entry, a non-empty payload schedules an
// upsert. Returns BackpressureExceeded if the relevant queue is full.
func (h *Handler) SaveMessage(msg broker.Message) error {
	if len(msg.Payload) == 0 {
		select {
		case h.delQueue <- msg.TopicName:
			return nil
		default:
			return brokerer.New(brokerer.BackpressureExceeded, "SaveMessage: del queue full")
		}
	}
	select {
	case h.addQueue <- msg:
		return nil
	default:
		return brokerer.New(brokerer.BackpressureExceeded, "SaveMessage: add queue full")
	}
}

// Run drains the add/del queues in batches of up to drainBatch until ctx is
// canceled. It is meant to run for the lifetime of the broker.
func (h *Handler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case first := <-h.addQueue:
			h.drainAdds(ctx, first)
		case first := <-h.delQueue:
			h.drainDels(ctx, first)
		}
	}
}

func (h *Handler) drainAdds(ctx context.Context, first broker.Message) {
	batch := make([]broker.Message, 0, drainBatch)
	batch = append(batch, first)
collect:
	for len(batch) < drainBatch {
		select {
		case m := <-h.addQueue:
			batch = append(batch, m)
		default:
			break collect
		}
	}
	if err := h.store.AddAll(ctx, batch); err != nil && h.log != nil {
		h.log.Error("retained add batch failed", slog.Int("count", len(batch)), slog.Any("error", err))
	}
	if h.archive != nil {
		if err := h.archive.AddHistory(ctx, batch); err != nil && h.log != nil {
			h.log.Error("retained history batch failed", slog.Int("count", len(batch)), slog.Any("error", err))
		}
	}
}

func (h *Handler) drainDels(ctx context.Context, first string) {
	batch := make([]string, 0, drainBatch)
	batch = append(batch, first)
collect:
	for len(batch) < drainBatch {
		select {
		case t := <-h.delQueue:
			batch = append(batch, t)
		default:
			break collect
		}
	}
	if err := h.store.DelAll(ctx, batch); err != nil && h.log != nil {
		h.log.Error("retained del batch failed", slog.Int("count", len(batch)), slog.Any("error", err))
	}
}

// FindMatching invokes the store's wildcard match, stopping early if cb
// returns false. max == 0 means unlimited.
func (h *Handler) FindMatching(ctx context.Context, topicFilter string, cb func(broker.Message) bool, max int) error {
	n := 0
	return h.store.FindMatchingMessages(ctx, topicFilter, func(msg broker.Message) bool {
		n++
		if max > 0 && n > max {
			return false
		}
		return cb(msg)
	})
}

// Deliver is the callback signature ReplayForSubscription uses to hand a
// matched retained message to the session handler for dispatch.
type Deliver func(msg broker.Message) error

// ReplayForSubscription implements the retain-handling rules of spec.md §4.4:
// for a new subscription, replay matching retained messages with
// retainFlag=true and qos = min(msg.qos, sub.qos). alreadySubscribed
// indicates whether (clientId, filter) already existed before this call
// (the re-subscribe case SendOnNewSubscribe must skip).
func (h *Handler) ReplayForSubscription(ctx context.Context, sub broker.Subscription, alreadySubscribed bool, deliver Deliver) error {
	switch sub.RetainHandling {
	case broker.DoNotSend:
		return nil
	case broker.SendOnNewSubscribe:
		if alreadySubscribed {
			return nil
		}
	case broker.SendOnSubscribe:
		// always replay
	}

	var firstErr error
	err := h.FindMatching(ctx, sub.TopicFilter, func(msg broker.Message) bool {
		out := msg.WithRetain(true).WithQoS(broker.Min(msg.QoS, sub.QoS))
		if err := deliver(out); err != nil {
			firstErr = err
			return false
		}
		return true
	}, 0)
	if err != nil {
		return err
	}
	return firstErr
}
