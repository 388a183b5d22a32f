// Package delivery implements the Delivery State Machine of spec.md §4.6:
// per (clientId, messageUuid) link transitions PENDING -> IN_FLIGHT ->
// (PUBREC_RECEIVED for QoS 2) -> DELIVERED/EXPIRED -> removed.
//
// Grounded on the teacher's internal/broker.QoSManager (pendingQoS1/
// pendingQoS2/qos2Received maps with a retry ticker), generalized away from
// in-memory ack-tracking maps onto store.SessionStore's durable link state so
// that IN_FLIGHT links survive a node restart and reset to PENDING on
// reconnect, per spec.md §4.6.
package delivery

import (
	"context"
	"time"

	"github.com/nodeforge/brokercore/pkg/broker"
	brokerer "github.com/nodeforge/brokercore/pkg/er"
	"github.com/nodeforge/brokercore/pkg/logger"
	"github.com/nodeforge/brokercore/pkg/store"
)

// Sender pushes a queued message to a connected client and is supplied by the
// transport layer. It must not block past its own write deadline; a timeout
// is treated as a failed send.
type Sender func(ctx context.Context, clientID string, msg broker.QueuedMessage) error

// Online reports whether clientID currently has a live connection on this
// node. The dispatcher only attempts QoS 0 sends and queue-drains for online
// clients.
type Online func(clientID string) bool

// Machine drives the per-subscriber delivery pipeline described in spec.md
// §4.6 against a store.SessionStore. It owns no network state itself; Sender
// and Online are supplied by the session/transport layer.
type Machine struct {
	sessions store.SessionStore
	send     Sender
	online   Online
	log      *logger.Logger
}

// NewMachine constructs a delivery Machine.
func NewMachine(sessions store.SessionStore, send Sender, online Online, log *logger.Logger) *Machine {
	return &Machine{sessions: sessions, send: send, online: online, log: log}
}

// DeliverQoS0 sends msg directly to clientID without ever touching the
// store: QoS 0 outbound never enters the queue (spec.md §4.6). It is a no-op,
// returning nil, if the client is offline or the send fails under
// backpressure — QoS 0 may be silently dropped.
func (m *Machine) DeliverQoS0(ctx context.Context, clientID string, msg broker.QueuedMessage) error {
	if !m.online(clientID) {
		return nil
	}
	if err := m.send(ctx, clientID, msg); err != nil {
		if m.log != nil {
			m.log.LogDelivery(clientID, msg.MessageUuid, "PENDING", "DROPPED")
		}
		return nil
	}
	return nil
}

// Enqueue writes the QoS 1/2 link as PENDING for every clientID before any
// send is attempted (spec.md §4.6: "link written as PENDING before the first
// send"). Suppresses No-Local recipients (publisherClientId == clientID with
// subscription.noLocal) by omitting them from clientIDs before calling this.
func (m *Machine) Enqueue(ctx context.Context, msg broker.QueuedMessage, clientIDs []string) error {
	if len(clientIDs) == 0 {
		return nil
	}
	err := m.sessions.EnqueueMessages(ctx, []store.EnqueueRequest{
		{Message: msg, ClientIDs: clientIDs},
	})
	if err != nil {
		return brokerer.Wrap(brokerer.BackpressureExceeded, "Enqueue", err)
	}
	return nil
}

// Pump drains clientID's pending backlog in queue-first order: it fetches
// the single oldest PENDING link, sends it, marks IN_FLIGHT, and stops —
// callers are expected to call Pump again once that message is acknowledged
// (PUBACK/PUBCOMP), so no second live publish jumps the queue while a
// message is outstanding (spec.md §4.6 queue-first semantics, strict
// per-subscriber order). Returns (false, nil) when there is nothing to send.
func (m *Machine) Pump(ctx context.Context, clientID string) (sent bool, err error) {
	if !m.online(clientID) {
		return false, nil
	}
	msg, link, err := m.sessions.FetchNextPendingMessage(ctx, clientID)
	if err != nil {
		return false, err
	}
	if msg == nil || link == nil {
		return false, nil
	}
	if err := m.send(ctx, clientID, *msg); err != nil {
		return false, nil // leave PENDING, retry on next Pump
	}
	if err := m.sessions.MarkMessageInFlight(ctx, clientID, msg.MessageUuid); err != nil {
		return false, err
	}
	if m.log != nil {
		m.log.LogDelivery(clientID, msg.MessageUuid, "PENDING", "IN_FLIGHT")
	}
	return true, nil
}

// HandlePubAck acknowledges a QoS 1 delivery: IN_FLIGHT -> DELIVERED.
func (m *Machine) HandlePubAck(ctx context.Context, clientID, messageUuid string) error {
	if err := m.sessions.MarkMessageDelivered(ctx, clientID, messageUuid); err != nil {
		return err
	}
	if m.log != nil {
		m.log.LogDelivery(clientID, messageUuid, "IN_FLIGHT", "DELIVERED")
	}
	return nil
}

// HandlePubRec advances a QoS 2 delivery through its first acknowledgment:
// IN_FLIGHT -> PUBREC_RECEIVED. The caller is responsible for sending the
// resulting PUBREL.
func (m *Machine) HandlePubRec(ctx context.Context, clientID, messageUuid string) error {
	if err := m.sessions.MarkMessagePubrecReceived(ctx, clientID, messageUuid); err != nil {
		return err
	}
	if m.log != nil {
		m.log.LogDelivery(clientID, messageUuid, "IN_FLIGHT", "PUBREC_RECEIVED")
	}
	return nil
}

// HandlePubComp completes a QoS 2 delivery: PUBREC_RECEIVED -> DELIVERED.
func (m *Machine) HandlePubComp(ctx context.Context, clientID, messageUuid string) error {
	if err := m.sessions.MarkMessageDelivered(ctx, clientID, messageUuid); err != nil {
		return err
	}
	if m.log != nil {
		m.log.LogDelivery(clientID, messageUuid, "PUBREC_RECEIVED", "DELIVERED")
	}
	return nil
}

// OnReconnect resets every IN_FLIGHT (and PUBREC_RECEIVED) link for clientID
// back to PENDING so delivery resumes from the head of the backlog (spec.md
// §4.6: "On reconnect of a persistent session, all IN_FLIGHT links for that
// client are reset to PENDING").
func (m *Machine) OnReconnect(ctx context.Context, clientID string) error {
	if err := m.sessions.ResetInFlightMessages(ctx, clientID); err != nil {
		return err
	}
	if m.log != nil {
		m.log.LogDelivery(clientID, "*", "IN_FLIGHT", "PENDING")
	}
	return nil
}

// ExpireMessage marks a link EXPIRED once its message-expiry-interval has
// elapsed (spec.md §4.6). A periodic purge later removes EXPIRED and
// DELIVERED links via PurgeExpired/PurgeDelivered.
func (m *Machine) ExpireMessage(ctx context.Context, clientID, messageUuid string) error {
	if err := m.sessions.MarkMessageExpired(ctx, clientID, messageUuid); err != nil {
		return err
	}
	if m.log != nil {
		m.log.LogDelivery(clientID, messageUuid, "PENDING", "EXPIRED")
	}
	return nil
}

// PurgeDelivered removes every DELIVERED link across all clients, freeing
// any QueuedMessage that no other client still links to.
func (m *Machine) PurgeDelivered(ctx context.Context) (int, error) {
	return m.sessions.PurgeDeliveredMessages(ctx)
}

// PurgeExpired removes every EXPIRED link across all clients.
func (m *Machine) PurgeExpired(ctx context.Context) (int, error) {
	return m.sessions.PurgeExpiredMessages(ctx)
}

// SweepExpiry marks links EXPIRED once their ExpiryAt deadline has passed
// (delegated to the store, which tracks ExpiryAt per link) and should be
// invoked on the same periodic cadence as PurgeDelivered/PurgeExpired.
func (m *Machine) SweepExpiry(ctx context.Context) error {
	return m.sessions.PurgeQueuedMessages(ctx)
}

// RunPeriodicPurge runs SweepExpiry/PurgeDelivered/PurgeExpired on interval
// until ctx is canceled, matching the teacher's retryLoop/ticker shape in
// internal/broker.QoSManager generalized from an in-process retry ticker to
// a store-level purge sweep.
func (m *Machine) RunPeriodicPurge(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.SweepExpiry(ctx); err != nil && m.log != nil {
				m.log.LogError(err, "delivery expiry sweep failed")
			}
			if _, err := m.PurgeDelivered(ctx); err != nil && m.log != nil {
				m.log.LogError(err, "delivery purge delivered failed")
			}
			if _, err := m.PurgeExpired(ctx); err != nil && m.log != nil {
				m.log.LogError(err, "delivery purge expired failed")
			}
		}
	}
}

// ApplyRetainAsPublished implements spec.md §4.6's Retain-As-Published rule:
// if the subscription has retainAsPublished=false, the subscriber sees
// retainFlag=false regardless of the source flag.
func ApplyRetainAsPublished(msg broker.Message, retainAsPublished bool) broker.Message {
	if retainAsPublished {
		return msg
	}
	return msg.WithRetain(false)
}

// SuppressNoLocal implements spec.md §4.6's No-Local rule: a publish whose
// publisherClientId equals the subscriber clientId is suppressed when the
// subscription has noLocal set.
func SuppressNoLocal(publisherClientID, subscriberClientID string, noLocal bool) bool {
	return noLocal && publisherClientID == subscriberClientID
}
