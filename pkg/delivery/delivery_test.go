package delivery

import (
	"context"
	"testing"

	"github.com/nodeforge/brokercore/pkg/broker"
	"github.com/nodeforge/brokercore/pkg/store"
	"github.com/nodeforge/brokercore/pkg/store/memstore"
)

func newTestMachine(online map[string]bool) (*Machine, []broker.QueuedMessage, store.SessionStore) {
	sessions := memstore.NewSessionStore()
	var sent []broker.QueuedMessage
	send := func(ctx context.Context, clientID string, msg broker.QueuedMessage) error {
		sent = append(sent, msg)
		return nil
	}
	isOnline := func(clientID string) bool { return online[clientID] }
	m := NewMachine(sessions, send, isOnline, nil)
	return m, sent, sessions
}

func TestMachine_DeliverQoS0_OnlineOnly(t *testing.T) {
	m, _, _ := newTestMachine(map[string]bool{"c1": true})
	ctx := context.Background()
	if err := m.DeliverQoS0(ctx, "c1", broker.QueuedMessage{MessageUuid: "m1"}); err != nil {
		t.Fatal(err)
	}
	m2, _, _ := newTestMachine(map[string]bool{})
	if err := m2.DeliverQoS0(ctx, "offline", broker.QueuedMessage{MessageUuid: "m1"}); err != nil {
		t.Fatal(err)
	}
}

func TestMachine_EnqueueAndPump(t *testing.T) {
	m, _, sessions := newTestMachine(map[string]bool{"c1": true})
	ctx := context.Background()

	msg := broker.QueuedMessage{MessageUuid: "m1", TopicName: "t", QoS: broker.QoS1}
	if err := m.Enqueue(ctx, msg, []string{"c1"}); err != nil {
		t.Fatal(err)
	}

	sentOk, err := m.Pump(ctx, "c1")
	if err != nil || !sentOk {
		t.Fatalf("expected a send, got sent=%v err=%v", sentOk, err)
	}

	_, link, err := sessions.FetchNextPendingMessage(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if link != nil {
		t.Fatal("expected no pending message while one is in flight")
	}

	sentOk, err = m.Pump(ctx, "c1")
	if err != nil || sentOk {
		t.Fatalf("expected no second send while one in flight, got sent=%v err=%v", sentOk, err)
	}
}

func TestMachine_QoS1AckLifecycle(t *testing.T) {
	m, _, sessions := newTestMachine(map[string]bool{"c1": true})
	ctx := context.Background()
	msg := broker.QueuedMessage{MessageUuid: "m1", TopicName: "t", QoS: broker.QoS1}
	_ = m.Enqueue(ctx, msg, []string{"c1"})
	if _, err := m.Pump(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := m.HandlePubAck(ctx, "c1", "m1"); err != nil {
		t.Fatal(err)
	}
	n, err := m.PurgeDelivered(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged delivered link, got %d err=%v", n, err)
	}
	count, _ := sessions.CountQueuedMessages(ctx)
	if count != 0 {
		t.Fatalf("expected message purged once orphaned, got count=%d", count)
	}
}

func TestMachine_QoS2Handshake(t *testing.T) {
	m, _, _ := newTestMachine(map[string]bool{"c1": true})
	ctx := context.Background()
	msg := broker.QueuedMessage{MessageUuid: "m1", TopicName: "t", QoS: broker.QoS2}
	_ = m.Enqueue(ctx, msg, []string{"c1"})
	if _, err := m.Pump(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := m.HandlePubRec(ctx, "c1", "m1"); err != nil {
		t.Fatal(err)
	}
	if err := m.HandlePubComp(ctx, "c1", "m1"); err != nil {
		t.Fatal(err)
	}
	n, err := m.PurgeDelivered(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged delivered link, got %d err=%v", n, err)
	}
}

func TestMachine_OnReconnectResetsInFlight(t *testing.T) {
	m, _, sessions := newTestMachine(map[string]bool{"c1": true})
	ctx := context.Background()
	msg := broker.QueuedMessage{MessageUuid: "m1", TopicName: "t", QoS: broker.QoS1}
	_ = m.Enqueue(ctx, msg, []string{"c1"})
	_, _ = m.Pump(ctx, "c1")

	if err := m.OnReconnect(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	_, link, _ := sessions.FetchNextPendingMessage(ctx, "c1")
	if link == nil || link.Status != broker.Pending {
		t.Fatalf("expected link reset to PENDING, got %+v", link)
	}
}

func TestMachine_ExpireAndPurge(t *testing.T) {
	m, _, _ := newTestMachine(map[string]bool{"c1": true})
	ctx := context.Background()
	msg := broker.QueuedMessage{MessageUuid: "m1", TopicName: "t", QoS: broker.QoS1}
	_ = m.Enqueue(ctx, msg, []string{"c1"})

	if err := m.ExpireMessage(ctx, "c1", "m1"); err != nil {
		t.Fatal(err)
	}
	n, err := m.PurgeExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged expired link, got %d err=%v", n, err)
	}
}

func TestApplyRetainAsPublished(t *testing.T) {
	msg := broker.Message{RetainFlag: true}
	if out := ApplyRetainAsPublished(msg, true); !out.RetainFlag {
		t.Fatal("expected retainFlag preserved when retainAsPublished=true")
	}
	if out := ApplyRetainAsPublished(msg, false); out.RetainFlag {
		t.Fatal("expected retainFlag cleared when retainAsPublished=false")
	}
}

func TestSuppressNoLocal(t *testing.T) {
	if !SuppressNoLocal("c1", "c1", true) {
		t.Fatal("expected suppression for self-publish with noLocal=true")
	}
	if SuppressNoLocal("c1", "c2", true) {
		t.Fatal("expected no suppression for a different subscriber")
	}
	if SuppressNoLocal("c1", "c1", false) {
		t.Fatal("expected no suppression when noLocal=false")
	}
}
