// Package session implements the Session Handler of spec.md §4.2: the
// source of truth for the cluster-wide routing table, owner of the local
// session registry, and dispatcher for outbound traffic.
//
// Grounded on the teacher's internal/broker.Broker (HandleSubscribe/
// HandleUnsubscribe/HandlePublish/HandleClientDisconnect/deliverMessage
// over a SubscriptionTree + retainedMsgs map), generalized onto a
// store.SessionStore-backed routing table with bounded, batched persistence
// queues (the same add/del-queue-plus-worker-loop shape as pkg/retained),
// an injected pkg/delivery.Machine for the actual PENDING/IN_FLIGHT
// dispatch, and pkg/cluster.Fabric for cross-node presence and forwarding.
package session

import (
	"context"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/nodeforge/brokercore/pkg/archive"
	"github.com/nodeforge/brokercore/pkg/broker"
	"github.com/nodeforge/brokercore/pkg/cluster"
	"github.com/nodeforge/brokercore/pkg/delivery"
	brokerer "github.com/nodeforge/brokercore/pkg/er"
	"github.com/nodeforge/brokercore/pkg/logger"
	"github.com/nodeforge/brokercore/pkg/retained"
	"github.com/nodeforge/brokercore/pkg/store"
	"github.com/nodeforge/brokercore/pkg/topic"
)

const (
	drainBatch      = 1000
	presenceAddress = "store/sessions/presence"
)

func deliverAddress(nodeID string) string { return "node/" + nodeID + "/deliver" }

// presenceEvent is the wire frame broadcast on SetClient so peer nodes'
// owner caches converge (spec.md §4.2: "publishes an online/offline event
// so peers update their local caches").
type presenceEvent struct {
	ClientID  string
	NodeID    string
	Connected bool
}

// deliverFrame is the wire frame forwarded to a subscriber's owning node
// (spec.md §4.3 node/<id>/deliver): a non-nil Msg means "deliver this QoS 0
// message directly", a nil Msg means "your durable queue for this client has
// new work, pump it".
type deliverFrame struct {
	ClientID string
	Msg      *broker.QueuedMessage
}

// Handler is the Session Handler.
type Handler struct {
	nodeID   string
	index    *topic.Index[string, broker.Subscription]
	sessions store.SessionStore
	retained *retained.Handler
	archives []*archive.Group
	delivery *delivery.Machine
	fabric   cluster.Fabric // nil degrades to single-node (no cross-node forwarding)
	local    delivery.Online
	log      *logger.Logger

	mu    sync.RWMutex
	ready bool
	owner map[string]string // clientID -> owning nodeID, local cache

	subAddQueue  chan broker.Subscription
	subDelQueue  chan broker.SubscriptionKey
	enqueueQueue chan store.EnqueueRequest
	removeQueue  chan store.RemoveRequest
}

// Config bundles Handler's collaborators.
type Config struct {
	NodeID   string
	Sessions store.SessionStore
	Retained *retained.Handler
	Archives []*archive.Group
	Delivery *delivery.Machine
	Fabric   cluster.Fabric // may be nil
	Local    delivery.Online
	Capacity int // bounded queue capacity; <= 0 defaults to 10,000
	Log      *logger.Logger
}

// NewHandler constructs a Handler. Call Rebuild once before serving traffic
// and Run in its own goroutine for the lifetime of the broker.
func NewHandler(cfg Config) *Handler {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 10_000
	}
	return &Handler{
		nodeID:       cfg.NodeID,
		index:        topic.NewIndex[string, broker.Subscription](),
		sessions:     cfg.Sessions,
		retained:     cfg.Retained,
		archives:     cfg.Archives,
		delivery:     cfg.Delivery,
		fabric:       cfg.Fabric,
		local:        cfg.Local,
		log:          cfg.Log,
		owner:        make(map[string]string),
		subAddQueue:  make(chan broker.Subscription, capacity),
		subDelQueue:  make(chan broker.SubscriptionKey, capacity),
		enqueueQueue: make(chan store.EnqueueRequest, capacity),
		removeQueue:  make(chan store.RemoveRequest, capacity),
	}
}

// Rebuild reloads the local topic index from the session store's persisted
// subscriptions (spec.md §4.2: "Local topic index is rebuilt at startup").
// While it runs, IsReady reports false and CONNECTs must be rejected with
// ServiceUnavailable.
func (h *Handler) Rebuild(ctx context.Context) error {
	h.mu.Lock()
	h.ready = false
	h.mu.Unlock()

	err := h.sessions.IterateSubscriptions(ctx, func(row store.SubscriptionRow) bool {
		sub := broker.Subscription{
			ClientID:          row.ClientID,
			TopicFilter:       row.TopicFilter,
			QoS:               row.QoS,
			NoLocal:           row.NoLocal,
			RetainAsPublished: row.RetainAsPublished,
			RetainHandling:    row.RetainHandling,
		}
		_ = h.index.Add(row.TopicFilter, row.ClientID, sub)
		return true
	})
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "Rebuild", err)
	}

	h.mu.Lock()
	h.ready = true
	h.mu.Unlock()
	return nil
}

// IsReady reports whether the startup rebuild has completed.
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

func (h *Handler) requireReady(op string) error {
	if !h.IsReady() {
		return brokerer.New(brokerer.ServiceUnavailable, op+": startup rebuild in progress")
	}
	return nil
}

// Start subscribes to this node's presence and deliver bus addresses. It is
// a no-op if the Handler was constructed without a Fabric. The returned
// func unsubscribes both.
func (h *Handler) Start(ctx context.Context) (func(), error) {
	if h.fabric == nil {
		return func() {}, nil
	}
	unsubPresence, err := h.fabric.Bus().Subscribe(ctx, presenceAddress, h.onPresenceEvent)
	if err != nil {
		return nil, brokerer.Wrap(brokerer.StoreUnavailable, "Start: presence subscribe", err)
	}
	unsubDeliver, err := h.fabric.Bus().Subscribe(ctx, deliverAddress(h.nodeID), h.onDeliverFrame)
	if err != nil {
		unsubPresence()
		return nil, brokerer.Wrap(brokerer.StoreUnavailable, "Start: deliver subscribe", err)
	}
	return func() {
		unsubPresence()
		unsubDeliver()
	}, nil
}

func (h *Handler) onPresenceEvent(payload []byte) {
	var ev presenceEvent
	if err := msgpack.Unmarshal(payload, &ev); err != nil {
		return
	}
	h.mu.Lock()
	if ev.Connected {
		h.owner[ev.ClientID] = ev.NodeID
	} else {
		delete(h.owner, ev.ClientID)
	}
	h.mu.Unlock()
}

func (h *Handler) onDeliverFrame(payload []byte) {
	var frame deliverFrame
	if err := msgpack.Unmarshal(payload, &frame); err != nil {
		return
	}
	if !h.local(frame.ClientID) {
		return
	}
	ctx := context.Background()
	if frame.Msg != nil {
		_ = h.delivery.DeliverQoS0(ctx, frame.ClientID, *frame.Msg)
		return
	}
	_, _ = h.delivery.Pump(ctx, frame.ClientID)
}

// SetClient upserts the session row and broadcasts a presence event so peer
// nodes' owner caches converge (spec.md §4.2).
func (h *Handler) SetClient(ctx context.Context, clientID, nodeID string, cleanSession, connected bool, info []byte) error {
	if err := h.requireReady("SetClient"); err != nil {
		return err
	}
	if err := h.sessions.SetClient(ctx, clientID, nodeID, cleanSession, connected, info); err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "SetClient", err)
	}

	h.mu.Lock()
	if connected {
		h.owner[clientID] = nodeID
	} else {
		delete(h.owner, clientID)
	}
	h.mu.Unlock()

	if h.fabric != nil {
		payload, err := msgpack.Marshal(presenceEvent{ClientID: clientID, NodeID: nodeID, Connected: connected})
		if err == nil {
			_ = h.fabric.Bus().Publish(ctx, presenceAddress, payload)
		}
	}
	return nil
}

// AddSubscription inserts sub into the local topic index immediately and
// stages a persistence write onto the bounded subscription-add queue (spec.md
// §4.2: "in-memory index update happens immediately; persistence is
// eventually consistent"). Returns BackpressureExceeded if the queue is
// full; the caller must pause that client's frame intake.
func (h *Handler) AddSubscription(ctx context.Context, sub broker.Subscription) error {
	if err := h.requireReady("AddSubscription"); err != nil {
		return err
	}
	if err := h.index.Add(sub.TopicFilter, sub.ClientID, sub); err != nil {
		return err
	}
	select {
	case h.subAddQueue <- sub:
	default:
		return brokerer.New(brokerer.BackpressureExceeded, "AddSubscription: queue full")
	}
	h.broadcastIndexChange(ctx, "add", sub.TopicFilter)
	return nil
}

// DelSubscription is the symmetric removal (spec.md §4.2).
func (h *Handler) DelSubscription(ctx context.Context, key broker.SubscriptionKey) error {
	if err := h.requireReady("DelSubscription"); err != nil {
		return err
	}
	h.index.Remove(key.TopicFilter, key.ClientID)
	select {
	case h.subDelQueue <- key:
	default:
		return brokerer.New(brokerer.BackpressureExceeded, "DelSubscription: queue full")
	}
	h.broadcastIndexChange(ctx, "del", key.TopicFilter)
	return nil
}

func (h *Handler) broadcastIndexChange(ctx context.Context, action, topicFilter string) {
	if h.fabric == nil {
		return
	}
	payload, err := msgpack.Marshal([]string{topicFilter})
	if err != nil {
		return
	}
	_ = h.fabric.Bus().Publish(ctx, "store/subscriptions/"+action, payload)
}

// FindClients returns every (clientId, subscription) pair whose filter
// matches topic (spec.md §4.2, backed by pkg/topic.Index.MatchTopic).
func (h *Handler) FindClients(topic string) []topic.Pair[string, broker.Subscription] {
	return h.index.MatchTopic(topic)
}

// HandleClientDisconnect removes every subscription a disconnecting client
// owns, from both the store and the local index (spec.md §4.2, generalizing
// the teacher's HandleClientDisconnect/UnsubscribeAll).
func (h *Handler) HandleClientDisconnect(ctx context.Context, clientID string) error {
	var removed []store.SubscriptionRow
	err := h.sessions.DelClient(ctx, clientID, func(row store.SubscriptionRow) {
		removed = append(removed, row)
	})
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "HandleClientDisconnect", err)
	}
	for _, row := range removed {
		h.index.Remove(row.TopicFilter, row.ClientID)
	}
	return nil
}

// DequeueMessages lists clientID's pending queued-message links in order.
func (h *Handler) DequeueMessages(ctx context.Context, clientID string, cb func(msg broker.QueuedMessage, link broker.ClientLink) bool) error {
	return h.sessions.DequeueMessages(ctx, clientID, cb)
}

// PublishMessage runs the full publish pipeline of spec.md §4.2: retained
// write, archive fan-out, subscriber lookup, and per-subscriber dispatch
// (direct push for locally-connected QoS 0, durable enqueue + dispatch for
// QoS >= 1, cluster-bus forward for remote owners).
func (h *Handler) PublishMessage(ctx context.Context, msg broker.Message) error {
	if err := h.requireReady("PublishMessage"); err != nil {
		return err
	}
	if msg.MessageUuid == "" {
		msg.MessageUuid = broker.NewUUID()
	}

	if msg.RetainFlag {
		if err := h.retained.SaveMessage(msg); err != nil && h.log != nil {
			h.log.LogError(err, "retained save failed")
		}
	}
	for _, g := range h.archives {
		if err := g.Ingest(ctx, msg); err != nil && h.log != nil {
			h.log.LogError(err, "archive ingest failed")
		}
	}

	pairs := h.index.MatchTopic(msg.TopicName)

	// QoS >= 1 subscribers are grouped by their downgraded effective QoS:
	// each distinct group gets its own durable QueuedMessage copy (and its
	// own messageUuid), since QueuedMessages carries a single shared qos
	// column (spec.md §6 persisted-state layout) and a link has no
	// per-subscriber qos field of its own.
	groups := make(map[broker.QoS][]string)

	for _, pair := range pairs {
		sub := pair.Value
		if delivery.SuppressNoLocal(msg.ClientID, sub.ClientID, sub.NoLocal) {
			continue
		}
		effective := broker.Min(msg.QoS, sub.QoS)
		if effective == broker.QoS0 {
			out := delivery.ApplyRetainAsPublished(msg, sub.RetainAsPublished)
			h.dispatchQoS0(ctx, sub.ClientID, out)
			continue
		}
		groups[effective] = append(groups[effective], sub.ClientID)
	}

	for qos, clientIDs := range groups {
		qmsg := broker.QueuedMessage{
			MessageUuid:     broker.NewUUID(),
			MessageID:       msg.MessageID,
			TopicName:       msg.TopicName,
			Payload:         msg.Payload,
			QoS:             qos,
			Retain:          msg.RetainFlag,
			PublisherClient: msg.ClientID,
		}
		if err := h.enqueueAndDispatch(ctx, qmsg, clientIDs); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) dispatchQoS0(ctx context.Context, clientID string, msg broker.Message) {
	qmsg := broker.QueuedMessage{
		MessageUuid:     msg.MessageUuid,
		TopicName:       msg.TopicName,
		Payload:         msg.Payload,
		QoS:             msg.QoS,
		Retain:          msg.RetainFlag,
		PublisherClient: msg.ClientID,
	}
	if h.local(clientID) {
		_ = h.delivery.DeliverQoS0(ctx, clientID, qmsg)
		return
	}
	h.forwardToOwner(ctx, clientID, &qmsg)
}

// enqueueAndDispatch stages the durable write onto the async enqueue queue.
// The dispatch half — pumping local clients and notifying remote owners —
// runs from drainEnqueues once the batch containing this request has
// actually been persisted, since FetchNextPendingMessage reads the store and
// must never race ahead of the write that makes the message visible there.
func (h *Handler) enqueueAndDispatch(ctx context.Context, qmsg broker.QueuedMessage, clientIDs []string) error {
	select {
	case h.enqueueQueue <- store.EnqueueRequest{Message: qmsg, ClientIDs: clientIDs}:
	default:
		return brokerer.New(brokerer.BackpressureExceeded, "PublishMessage: enqueue queue full")
	}
	return nil
}

// dispatchEnqueued pumps clientID's queue if this node owns it locally, or
// notifies the owning node over the bus otherwise (spec.md §4.3: delivery
// crossing nodes routes into the delivery state machine identically to
// local publishes). Called only after the enqueue that made clientID's
// message visible has committed.
func (h *Handler) dispatchEnqueued(ctx context.Context, clientID string) {
	if h.local(clientID) {
		if _, err := h.delivery.Pump(ctx, clientID); err != nil && h.log != nil {
			h.log.LogError(err, "delivery pump failed")
		}
		return
	}
	h.forwardToOwner(ctx, clientID, nil)
}

// forwardToOwner relays a direct-deliver frame (msg != nil) or a
// pump-your-queue wake notification (msg == nil) to clientID's owning node.
func (h *Handler) forwardToOwner(ctx context.Context, clientID string, msg *broker.QueuedMessage) {
	if h.fabric == nil {
		return
	}
	h.mu.RLock()
	owner, ok := h.owner[clientID]
	h.mu.RUnlock()
	if !ok || owner == "" || owner == h.nodeID {
		return
	}
	payload, err := msgpack.Marshal(deliverFrame{ClientID: clientID, Msg: msg})
	if err != nil {
		return
	}
	if err := h.fabric.Bus().Publish(ctx, deliverAddress(owner), payload); err != nil && h.log != nil {
		h.log.LogError(err, "bus forward failed")
	}
}

// Run drives the four bounded queues each in their own drain loop, under one
// errgroup, until ctx is canceled (SPEC_FULL.md §5: "one [errgroup] for the
// session handler's four drain loops" — independent loops so a slow
// subscription-persistence batch never stalls message delivery or vice
// versa, unlike pkg/retained's single two-queue select loop, which is fine
// at two queues but would serialize unrelated work at four).
func (h *Handler) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return h.runSubAdds(ctx) })
	eg.Go(func() error { return h.runSubDels(ctx) })
	eg.Go(func() error { return h.runEnqueues(ctx) })
	eg.Go(func() error { return h.runRemoves(ctx) })
	return eg.Wait()
}

func (h *Handler) runSubAdds(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case first := <-h.subAddQueue:
			h.drainSubAdds(ctx, first)
		}
	}
}

func (h *Handler) runSubDels(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case first := <-h.subDelQueue:
			h.drainSubDels(ctx, first)
		}
	}
}

func (h *Handler) runEnqueues(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case first := <-h.enqueueQueue:
			h.drainEnqueues(ctx, first)
		}
	}
}

func (h *Handler) runRemoves(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case first := <-h.removeQueue:
			h.drainRemoves(ctx, first)
		}
	}
}

func (h *Handler) drainSubAdds(ctx context.Context, first broker.Subscription) {
	batch := make([]broker.Subscription, 0, drainBatch)
	batch = append(batch, first)
collect:
	for len(batch) < drainBatch {
		select {
		case s := <-h.subAddQueue:
			batch = append(batch, s)
		default:
			break collect
		}
	}
	if err := h.sessions.AddSubscriptions(ctx, batch); err != nil && h.log != nil {
		h.log.LogError(err, "subscription add batch failed")
	}
}

func (h *Handler) drainSubDels(ctx context.Context, first broker.SubscriptionKey) {
	batch := make([]broker.SubscriptionKey, 0, drainBatch)
	batch = append(batch, first)
collect:
	for len(batch) < drainBatch {
		select {
		case k := <-h.subDelQueue:
			batch = append(batch, k)
		default:
			break collect
		}
	}
	if err := h.sessions.DelSubscriptions(ctx, batch); err != nil && h.log != nil {
		h.log.LogError(err, "subscription del batch failed")
	}
}

func (h *Handler) drainEnqueues(ctx context.Context, first store.EnqueueRequest) {
	batch := make([]store.EnqueueRequest, 0, drainBatch)
	batch = append(batch, first)
collect:
	for len(batch) < drainBatch {
		select {
		case r := <-h.enqueueQueue:
			batch = append(batch, r)
		default:
			break collect
		}
	}
	if err := h.sessions.EnqueueMessages(ctx, batch); err != nil {
		if h.log != nil {
			h.log.LogError(err, "message enqueue batch failed")
		}
		return
	}
	for _, req := range batch {
		for _, clientID := range req.ClientIDs {
			h.dispatchEnqueued(ctx, clientID)
		}
	}
}

func (h *Handler) drainRemoves(ctx context.Context, first store.RemoveRequest) {
	batch := make([]store.RemoveRequest, 0, drainBatch)
	batch = append(batch, first)
collect:
	for len(batch) < drainBatch {
		select {
		case r := <-h.removeQueue:
			batch = append(batch, r)
		default:
			break collect
		}
	}
	if err := h.sessions.RemoveMessages(ctx, batch); err != nil && h.log != nil {
		h.log.LogError(err, "message remove batch failed")
	}
}

// RemoveMessage stages a (clientId, messageUuid) link removal onto the
// bounded remove-after-ack queue (spec.md §4.2: "Remove-after-ack uses a
// separate queue").
func (h *Handler) RemoveMessage(ctx context.Context, clientID, messageUuid string) error {
	select {
	case h.removeQueue <- store.RemoveRequest{ClientID: clientID, MessageUuid: messageUuid}:
		return nil
	default:
		return brokerer.New(brokerer.BackpressureExceeded, "RemoveMessage: queue full")
	}
}
