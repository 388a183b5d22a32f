package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/nodeforge/brokercore/pkg/broker"
	"github.com/nodeforge/brokercore/pkg/store"
)

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSessionStore(db)
}

func TestSessionStore_SetClientAndConnection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SetClient(ctx, "c1", "node-a", true, true, []byte("meta")); err != nil {
		t.Fatal(err)
	}
	connected, err := s.IsConnected(ctx, "c1")
	if err != nil || !connected {
		t.Fatalf("expected connected, got %v, err %v", connected, err)
	}
	present, err := s.IsPresent(ctx, "c1")
	if err != nil || !present {
		t.Fatalf("expected present, got %v, err %v", present, err)
	}

	if err := s.SetConnected(ctx, "c1", false); err != nil {
		t.Fatal(err)
	}
	connected, err = s.IsConnected(ctx, "c1")
	if err != nil || connected {
		t.Fatalf("expected disconnected, got %v, err %v", connected, err)
	}
}

func TestSessionStore_SubscriptionsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.SetClient(ctx, "c1", "node-a", true, true, nil)

	subs := []broker.Subscription{
		{ClientID: "c1", TopicFilter: "a/+", QoS: broker.QoS1},
		{ClientID: "c1", TopicFilter: "a/#", QoS: broker.QoS0},
	}
	if err := s.AddSubscriptions(ctx, subs); err != nil {
		t.Fatal(err)
	}

	var rows []store.SubscriptionRow
	if err := s.IterateSubscriptions(ctx, func(r store.SubscriptionRow) bool {
		rows = append(rows, r)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 subscription rows, got %d", len(rows))
	}

	if err := s.DelSubscriptions(ctx, []broker.SubscriptionKey{{ClientID: "c1", TopicFilter: "a/+"}}); err != nil {
		t.Fatal(err)
	}
	rows = nil
	_ = s.IterateSubscriptions(ctx, func(r store.SubscriptionRow) bool {
		rows = append(rows, r)
		return true
	})
	if len(rows) != 1 || rows[0].TopicFilter != "a/#" {
		t.Fatalf("expected only a/# to remain, got %+v", rows)
	}
}

func TestSessionStore_EnqueueDequeueDeliver(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.SetClient(ctx, "c1", "node-a", true, true, nil)

	msg := broker.QueuedMessage{MessageUuid: broker.NewUUID(), TopicName: "a/b", Payload: []byte("hi"), QoS: broker.QoS1}
	if err := s.EnqueueMessages(ctx, []store.EnqueueRequest{{Message: msg, ClientIDs: []string{"c1"}}}); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountQueuedMessagesForClient(ctx, "c1")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 queued message, got %d, err %v", n, err)
	}

	next, link, err := s.FetchNextPendingMessage(ctx, "c1")
	if err != nil || next == nil || next.MessageUuid != msg.MessageUuid {
		t.Fatalf("expected pending message, got %v, err %v", next, err)
	}
	if link.Status != broker.Pending {
		t.Fatalf("expected PENDING status, got %v", link.Status)
	}

	if err := s.MarkMessageInFlight(ctx, "c1", msg.MessageUuid); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkMessageDelivered(ctx, "c1", msg.MessageUuid); err != nil {
		t.Fatal(err)
	}

	purged, err := s.PurgeDeliveredMessages(ctx)
	if err != nil || purged != 1 {
		t.Fatalf("expected 1 purged link, got %d, err %v", purged, err)
	}
	n, err = s.CountQueuedMessagesForClient(ctx, "c1")
	if err != nil || n != 0 {
		t.Fatalf("expected 0 queued messages after purge, got %d, err %v", n, err)
	}
}

func TestSessionStore_ResetInFlightMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.SetClient(ctx, "c1", "node-a", true, true, nil)
	msg := broker.QueuedMessage{MessageUuid: broker.NewUUID(), TopicName: "a/b", QoS: broker.QoS1}
	_ = s.EnqueueMessages(ctx, []store.EnqueueRequest{{Message: msg, ClientIDs: []string{"c1"}}})
	_ = s.MarkMessageInFlight(ctx, "c1", msg.MessageUuid)

	if err := s.ResetInFlightMessages(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	_, link, err := s.FetchNextPendingMessage(ctx, "c1")
	if err != nil || link == nil || link.Status != broker.Pending {
		t.Fatalf("expected reset to PENDING, got %+v, err %v", link, err)
	}
}

func TestSessionStore_PurgeQueuedMessagesExpiresByDeadline(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.SetClient(ctx, "c1", "node-a", true, true, nil)

	past := time.Now().Add(-time.Minute)
	msg := broker.QueuedMessage{MessageUuid: broker.NewUUID(), TopicName: "sensors/t1", MessageExpiresAt: &past}
	if err := s.EnqueueMessages(ctx, []store.EnqueueRequest{{Message: msg, ClientIDs: []string{"c1"}}}); err != nil {
		t.Fatal(err)
	}

	if err := s.PurgeQueuedMessages(ctx); err != nil {
		t.Fatal(err)
	}
	_, link, err := s.FetchNextPendingMessage(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if link != nil {
		t.Fatal("expected no pending message after expiry sweep")
	}
}

func TestSessionStore_PurgeSessionsOnlyCleanDisconnected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.SetClient(ctx, "clean", "node-a", true, false, nil)
	_ = s.SetClient(ctx, "durable", "node-a", false, false, nil)

	if err := s.PurgeSessions(ctx); err != nil {
		t.Fatal(err)
	}
	if present, _ := s.IsPresent(ctx, "clean"); present {
		t.Fatal("expected clean-session disconnected client purged")
	}
	if present, _ := s.IsPresent(ctx, "durable"); !present {
		t.Fatal("expected durable session to survive purge")
	}
}

func TestSessionStore_DelClient(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.SetClient(ctx, "c1", "node-a", true, true, nil)
	_ = s.AddSubscriptions(ctx, []broker.Subscription{{ClientID: "c1", TopicFilter: "a/b"}})

	var seen []store.SubscriptionRow
	if err := s.DelClient(ctx, "c1", func(r store.SubscriptionRow) { seen = append(seen, r) }); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 {
		t.Fatalf("expected DelClient to report 1 subscription row, got %d", len(seen))
	}
	present, err := s.IsPresent(ctx, "c1")
	if err != nil || present {
		t.Fatalf("expected client gone, got %v, err %v", present, err)
	}
}
