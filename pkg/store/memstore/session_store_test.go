package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/nodeforge/brokercore/pkg/broker"
	"github.com/nodeforge/brokercore/pkg/store"
)

func TestSessionStore_SetClientAndConnection(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()

	if err := s.SetClient(ctx, "c1", "node1", true, true, nil); err != nil {
		t.Fatal(err)
	}
	connected, err := s.IsConnected(ctx, "c1")
	if err != nil || !connected {
		t.Fatalf("expected connected=true, got %v err=%v", connected, err)
	}
	present, _ := s.IsPresent(ctx, "c1")
	if !present {
		t.Fatal("expected present=true")
	}
	if err := s.SetConnected(ctx, "c1", false); err != nil {
		t.Fatal(err)
	}
	connected, _ = s.IsConnected(ctx, "c1")
	if connected {
		t.Fatal("expected connected=false after SetConnected(false)")
	}
}

func TestSessionStore_SubscriptionsRoundTrip(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()
	sub := broker.Subscription{ClientID: "c1", TopicFilter: "sensors/#", QoS: broker.QoS1}
	if err := s.AddSubscriptions(ctx, []broker.Subscription{sub}); err != nil {
		t.Fatal(err)
	}
	var rows []store.SubscriptionRow
	_ = s.IterateSubscriptions(ctx, func(row store.SubscriptionRow) bool {
		rows = append(rows, row)
		return true
	})
	if len(rows) != 1 || rows[0].TopicFilter != "sensors/#" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if err := s.DelSubscriptions(ctx, []broker.SubscriptionKey{sub.Key()}); err != nil {
		t.Fatal(err)
	}
	rows = nil
	_ = s.IterateSubscriptions(ctx, func(row store.SubscriptionRow) bool {
		rows = append(rows, row)
		return true
	})
	if len(rows) != 0 {
		t.Fatalf("expected no subscriptions after delete, got %d", len(rows))
	}
}

func TestSessionStore_EnqueueDequeueLinkLifecycle(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()

	msg := broker.QueuedMessage{MessageUuid: "m1", TopicName: "sensors/t1"}
	if err := s.EnqueueMessages(ctx, []store.EnqueueRequest{
		{Message: msg, ClientIDs: []string{"c1"}},
	}); err != nil {
		t.Fatal(err)
	}

	next, link, err := s.FetchNextPendingMessage(ctx, "c1")
	if err != nil || next == nil || link == nil {
		t.Fatalf("expected a pending message, got %v %v err=%v", next, link, err)
	}
	if link.Status != broker.Pending {
		t.Fatalf("expected Pending, got %v", link.Status)
	}

	if err := s.MarkMessageInFlight(ctx, "c1", "m1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkMessagePubrecReceived(ctx, "c1", "m1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ResetInFlightMessages(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	_, link, _ = s.FetchNextPendingMessage(ctx, "c1")
	if link == nil || link.Status != broker.Pending {
		t.Fatalf("expected reset to Pending, got %+v", link)
	}

	if err := s.MarkMessageInFlight(ctx, "c1", "m1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkMessageDelivered(ctx, "c1", "m1"); err != nil {
		t.Fatal(err)
	}
	n, err := s.PurgeDeliveredMessages(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged delivered link, got %d err=%v", n, err)
	}
	count, _ := s.CountQueuedMessages(ctx)
	if count != 0 {
		t.Fatalf("expected orphaned message purged, got count=%d", count)
	}
}

func TestSessionStore_MarkMessageExpiredAndPurge(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()

	msg := broker.QueuedMessage{MessageUuid: "m1", TopicName: "sensors/t1"}
	_ = s.EnqueueMessages(ctx, []store.EnqueueRequest{{Message: msg, ClientIDs: []string{"c1"}}})

	if err := s.MarkMessageExpired(ctx, "c1", "m1"); err != nil {
		t.Fatal(err)
	}
	n, err := s.PurgeExpiredMessages(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged expired link, got %d err=%v", n, err)
	}
}

func TestSessionStore_PurgeQueuedMessagesExpiresByDeadline(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	msg := broker.QueuedMessage{MessageUuid: "m1", TopicName: "sensors/t1", MessageExpiresAt: &past}
	_ = s.EnqueueMessages(ctx, []store.EnqueueRequest{{Message: msg, ClientIDs: []string{"c1"}}})

	if err := s.PurgeQueuedMessages(ctx); err != nil {
		t.Fatal(err)
	}
	_, link, _ := s.FetchNextPendingMessage(ctx, "c1")
	if link != nil {
		t.Fatal("expected no pending message after expiry sweep")
	}
}

func TestSessionStore_DelClient(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()
	_ = s.SetClient(ctx, "c1", "node1", true, true, nil)
	sub := broker.Subscription{ClientID: "c1", TopicFilter: "sensors/#"}
	_ = s.AddSubscriptions(ctx, []broker.Subscription{sub})

	var removed []store.SubscriptionRow
	if err := s.DelClient(ctx, "c1", func(row store.SubscriptionRow) { removed = append(removed, row) }); err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 {
		t.Fatalf("expected 1 removed subscription row, got %d", len(removed))
	}
	present, _ := s.IsPresent(ctx, "c1")
	if present {
		t.Fatal("expected session removed")
	}
}

func TestSessionStore_PurgeSessionsOnlyCleanDisconnected(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()
	_ = s.SetClient(ctx, "clean", "node1", true, false, nil)
	_ = s.SetClient(ctx, "durable", "node1", false, false, nil)

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
