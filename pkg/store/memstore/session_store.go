// Package memstore provides process-local, mutex-guarded implementations of
// every store.* contract, used for tests and for single-node deployments
// that don't need durability across restarts.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/nodeforge/brokercore/pkg/broker"
	"github.com/nodeforge/brokercore/pkg/er"
	"github.com/nodeforge/brokercore/pkg/store"
)

// SessionStore is an in-memory store.SessionStore.
type SessionStore struct {
	mu sync.RWMutex

	sessions      map[string]broker.Session
	subscriptions map[broker.SubscriptionKey]broker.Subscription
	queued        map[string]broker.QueuedMessage          // by messageUuid
	links         map[string]map[string]broker.ClientLink // clientID -> messageUuid -> link
}

// NewSessionStore constructs an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:      make(map[string]broker.Session),
		subscriptions: make(map[broker.SubscriptionKey]broker.Subscription),
		queued:        make(map[string]broker.QueuedMessage),
		links:         make(map[string]map[string]broker.ClientLink),
	}
}

func (s *SessionStore) IterateOfflineClients(ctx context.Context, cb func(clientID string) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, sess := range s.sessions {
		if !sess.Connected {
			if !cb(id) {
				return nil
			}
		}
	}
	return nil
}

func (s *SessionStore) IterateConnectedClients(ctx context.Context, cb func(clientID, nodeID string) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, sess := range s.sessions {
		if sess.Connected {
			if !cb(id, sess.NodeID) {
				return nil
			}
		}
	}
	return nil
}

func (s *SessionStore) IterateAllSessions(ctx context.Context, cb func(s broker.Session) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if !cb(sess) {
			return nil
		}
	}
	return nil
}

func (s *SessionStore) IterateNodeClients(ctx context.Context, nodeID string, cb func(clientID string) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, sess := range s.sessions {
		if sess.NodeID == nodeID {
			if !cb(id) {
				return nil
			}
		}
	}
	return nil
}

func (s *SessionStore) IterateSubscriptions(ctx context.Context, cb func(row store.SubscriptionRow) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscriptions {
		row := store.SubscriptionRow{
			TopicFilter:       sub.TopicFilter,
			ClientID:          sub.ClientID,
			QoS:               sub.QoS,
			NoLocal:           sub.NoLocal,
			RetainHandling:    sub.RetainHandling,
			RetainAsPublished: sub.RetainAsPublished,
		}
		if !cb(row) {
			return nil
		}
	}
	return nil
}

func (s *SessionStore) SetClient(ctx context.Context, clientID, nodeID string, cleanSession, connected bool, info []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[clientID]
	sess := broker.Session{
		ClientID:     clientID,
		NodeID:       nodeID,
		CleanSession: cleanSession,
		Connected:    connected,
		UpdateTime:   time.Now(),
		Information:  info,
	}
	if ok {
		sess.LastWill = existing.LastWill
	}
	s.sessions[clientID] = sess
	return nil
}

func (s *SessionStore) SetLastWill(ctx context.Context, clientID string, will *broker.LastWill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[clientID]
	if !ok {
		return er.New(er.StoreUnavailable, "no session for client "+clientID)
	}
	sess.LastWill = will
	s.sessions[clientID] = sess
	return nil
}

func (s *SessionStore) SetConnected(ctx context.Context, clientID string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[clientID]
	if !ok {
		return er.New(er.StoreUnavailable, "no session for client "+clientID)
	}
	sess.Connected = connected
	sess.UpdateTime = time.Now()
	s.sessions[clientID] = sess
	return nil
}

func (s *SessionStore) IsConnected(ctx context.Context, clientID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[clientID].Connected, nil
}

func (s *SessionStore) IsPresent(ctx context.Context, clientID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[clientID]
	return ok, nil
}

func (s *SessionStore) AddSubscriptions(ctx context.Context, subs []broker.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range subs {
		s.subscriptions[sub.Key()] = sub
	}
	return nil
}

func (s *SessionStore) DelSubscriptions(ctx context.Context, keys []broker.SubscriptionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.subscriptions, k)
	}
	return nil
}

func (s *SessionStore) DelClient(ctx context.Context, clientID string, perRow func(row store.SubscriptionRow)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, sub := range s.subscriptions {
		if k.ClientID == clientID {
			if perRow != nil {
				perRow(store.SubscriptionRow{
					TopicFilter:       sub.TopicFilter,
					ClientID:          sub.ClientID,
					QoS:               sub.QoS,
					NoLocal:           sub.NoLocal,
					RetainHandling:    sub.RetainHandling,
					RetainAsPublished: sub.RetainAsPublished,
				})
			}
			delete(s.subscriptions, k)
		}
	}
	delete(s.sessions, clientID)
	delete(s.links, clientID)
	return nil
}

func (s *SessionStore) EnqueueMessages(ctx context.Context, reqs []store.EnqueueRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range reqs {
		if _, exists := s.queued[req.Message.MessageUuid]; !exists {
			s.queued[req.Message.MessageUuid] = req.Message
		}
		for _, clientID := range req.ClientIDs {
			if s.links[clientID] == nil {
				s.links[clientID] = make(map[string]broker.ClientLink)
			}
			if _, exists := s.links[clientID][req.Message.MessageUuid]; exists {
				continue // DuplicateUuid: idempotent no-op
			}
			s.links[clientID][req.Message.MessageUuid] = broker.ClientLink{
				ClientID:         clientID,
				MessageUuid:      req.Message.MessageUuid,
				Status:           broker.Pending,
				LastStatusChange: time.Now(),
				ExpiryAt:         req.Message.MessageExpiresAt,
			}
		}
	}
	return nil
}

func (s *SessionStore) DequeueMessages(ctx context.Context, clientID string, cb func(msg broker.QueuedMessage, link broker.ClientLink) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ordered := s.orderedLinksLocked(clientID)
	for _, link := range ordered {
		msg, ok := s.queued[link.MessageUuid]
		if !ok {
			continue
		}
		if !cb(msg, link) {
			return nil
		}
	}
	return nil
}

// orderedLinksLocked returns clientID's links ordered by ascending
// messageUuid (time-ordered), per spec.md §3 QueuedMessage invariant. Caller
// must hold s.mu.
func (s *SessionStore) orderedLinksLocked(clientID string) []broker.ClientLink {
	links := s.links[clientID]
	out := make([]broker.ClientLink, 0, len(links))
	for _, l := range links {
		out = append(out, l)
	}
	sortLinksByUuid(out)
	return out
}

func sortLinksByUuid(links []broker.ClientLink) {
	for i := 1; i < len(links); i++ {
		for j := i; j > 0 && links[j].MessageUuid < links[j-1].MessageUuid; j-- {
			links[j], links[j-1] = links[j-1], links[j]
		}
	}
}

func (s *SessionStore) RemoveMessages(ctx context.Context, reqs []store.RemoveRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range reqs {
		delete(s.links[req.ClientID], req.MessageUuid)
		s.purgeIfOrphanedLocked(req.MessageUuid)
	}
	return nil
}

// purgeIfOrphanedLocked removes the QueuedMessage once no client link
// references it anymore (spec.md §3: "When the last link is removed the
// message becomes purgeable"). Caller must hold s.mu.
func (s *SessionStore) purgeIfOrphanedLocked(messageUuid string) {
	for _, byMsg := range s.links {
		if _, ok := byMsg[messageUuid]; ok {
			return
		}
	}
	delete(s.queued, messageUuid)
}

func (s *SessionStore) FetchNextPendingMessage(ctx context.Context, clientID string) (*broker.QueuedMessage, *broker.ClientLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, link := range s.orderedLinksLocked(clientID) {
		if link.Status == broker.Pending {
			msg := s.queued[link.MessageUuid]
			l := link
			return &msg, &l, nil
		}
	}
	return nil, nil, nil
}

func (s *SessionStore) FetchPendingMessages(ctx context.Context, clientID string, limit int) ([]broker.QueuedMessage, []broker.ClientLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var msgs []broker.QueuedMessage
	var links []broker.ClientLink
	for _, link := range s.orderedLinksLocked(clientID) {
		if link.Status != broker.Pending {
			continue
		}
		msgs = append(msgs, s.queued[link.MessageUuid])
		links = append(links, link)
		if limit > 0 && len(links) >= limit {
			break
		}
	}
	return msgs, links, nil
}

func (s *SessionStore) transitionLocked(clientID, messageUuid string, to broker.LinkStatus) error {
	byMsg, ok := s.links[clientID]
	if !ok {
		return er.New(er.StoreUnavailable, "no links for client "+clientID)
	}
	link, ok := byMsg[messageUuid]
	if !ok {
		return er.New(er.StoreUnavailable, "no link for "+clientID+"/"+messageUuid)
	}
	link.Status = to
	link.LastStatusChange = time.Now()
	byMsg[messageUuid] = link
	return nil
}

func (s *SessionStore) MarkMessageInFlight(ctx context.Context, clientID, messageUuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(clientID, messageUuid, broker.InFlight)
}

func (s *SessionStore) MarkMessagesInFlight(ctx context.Context, clientID string, messageUuids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, uuid := range messageUuids {
		if err := s.transitionLocked(clientID, uuid, broker.InFlight); err != nil {
			return err
		}
	}
	return nil
}

func (s *SessionStore) MarkMessagePubrecReceived(ctx context.Context, clientID, messageUuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(clientID, messageUuid, broker.PubrecReceived)
}

func (s *SessionStore) MarkMessageDelivered(ctx context.Context, clientID, messageUuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(clientID, messageUuid, broker.Delivered)
}

func (s *SessionStore) MarkMessageExpired(ctx context.Context, clientID, messageUuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(clientID, messageUuid, broker.Expired)
}

func (s *SessionStore) ResetInFlightMessages(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byMsg, ok := s.links[clientID]
	if !ok {
		return nil
	}
	for uuid, link := range byMsg {
		if link.Status == broker.InFlight || link.Status == broker.PubrecReceived {
			link.Status = broker.Pending
			link.LastStatusChange = time.Now()
			byMsg[uuid] = link
		}
	}
	return nil
}

func (s *SessionStore) PurgeDeliveredMessages(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for clientID, byMsg := range s.links {
		for uuid, link := range byMsg {
			if link.Status == broker.Delivered {
				delete(byMsg, uuid)
				s.purgeIfOrphanedLocked(uuid)
				n++
			}
		}
		if len(byMsg) == 0 {
			delete(s.links, clientID)
		}
	}
	return n, nil
}

func (s *SessionStore) PurgeExpiredMessages(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for clientID, byMsg := range s.links {
		for uuid, link := range byMsg {
			if link.Status == broker.Expired {
				delete(byMsg, uuid)
				s.purgeIfOrphanedLocked(uuid)
				n++
			}
		}
		if len(byMsg) == 0 {
			delete(s.links, clientID)
		}
	}
	return n, nil
}

func (s *SessionStore) PurgeQueuedMessages(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, byMsg := range s.links {
		for uuid, link := range byMsg {
			if link.ExpiryAt != nil && !now.Before(*link.ExpiryAt) && link.Status != broker.Expired {
				link.Status = broker.Expired
				link.LastStatusChange = now
				byMsg[uuid] = link
			}
		}
	}
	return nil
}

func (s *SessionStore) PurgeSessions(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for clientID, sess := range s.sessions {
		if sess.CleanSession && !sess.Connected {
			delete(s.sessions, clientID)
			delete(s.links, clientID)
			for k := range s.subscriptions {
				if k.ClientID == clientID {
					delete(s.subscriptions, k)
				}
			}
		}
	}
	return nil
}

func (s *SessionStore) CountQueuedMessages(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queued), nil
}

func (s *SessionStore) CountQueuedMessagesForClient(ctx context.Context, clientID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.links[clientID]), nil
}

var _ store.SessionStore = (*SessionStore)(nil)
