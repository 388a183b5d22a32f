package retained

import (
	"context"
	"testing"
	"time"

	"github.com/nodeforge/brokercore/pkg/broker"
	"github.com/nodeforge/brokercore/pkg/store/memstore"
)

func newTestHandler(t *testing.T) (*Handler, *memstore.MessageStore) {
	t.Helper()
	s := memstore.NewMessageStore()
	h := NewHandler(s, nil, 100, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h, s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHandler_SaveAndGet(t *testing.T) {
	h, s := newTestHandler(t)
	ctx := context.Background()

	msg := broker.Message{TopicName: "sensors/t1", Payload: []byte("22.5"), Time: time.Now()}
	if err := h.SaveMessage(msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		got, _ := s.Get(ctx, "sensors/t1")
		return got != nil
	})
}

func TestHandler_EmptyPayloadDeletes(t *testing.T) {
	h, s := newTestHandler(t)
	ctx := context.Background()

	_ = s.AddAll(ctx, []broker.Message{{TopicName: "sensors/t1", Payload: []byte("x"), Time: time.Now()}})
	if err := h.SaveMessage(broker.Message{TopicName: "sensors/t1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		got, _ := s.Get(ctx, "sensors/t1")
		return got == nil
	})
}

func TestHandler_ReplayForSubscription_SendOnSubscribe(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	_ = h.SaveMessage(broker.Message{TopicName: "sensors/t1", Payload: []byte("22.5"), QoS: broker.QoS0, Time: time.Now()})
	waitFor(t, func() bool {
		var found bool
		_ = h.FindMatching(ctx, "sensors/#", func(broker.Message) bool { found = true; return false }, 0)
		return found
	})

	sub := broker.Subscription{ClientID: "A", TopicFilter: "sensors/#", QoS: broker.QoS1, RetainHandling: broker.SendOnSubscribe}
	var delivered []broker.Message
	err := h.ReplayForSubscription(ctx, sub, false, func(msg broker.Message) error {
		delivered = append(delivered, msg)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(delivered) != 1 {
		t.Fatalf("expected 1 replayed message, got %d", len(delivered))
	}
	if !delivered[0].RetainFlag {
		t.Fatal("expected retainFlag=true on replay")
	}
	if delivered[0].QoS != broker.QoS0 {
		t.Fatalf("expected qos downgraded to min(0,1)=0, got %d", delivered[0].QoS)
	}
}

func TestHandler_ReplayForSubscription_DoNotSend(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	_ = h.SaveMessage(broker.Message{TopicName: "sensors/t1", Payload: []byte("1"), Time: time.Now()})
	waitFor(t, func() bool {
		var found bool
		_ = h.FindMatching(ctx, "sensors/#", func(broker.Message) bool { found = true; return false }, 0)
		return found
	})

	sub := broker.Subscription{ClientID: "A", TopicFilter: "sensors/#", RetainHandling: broker.DoNotSend}
	var delivered int
	err := h.ReplayForSubscription(ctx, sub, false, func(broker.Message) error { delivered++; return nil })
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 0 {
		t.Fatalf("expected no replay for DoNotSend, got %d", delivered)
	}
}

func TestHandler_ReplayForSubscription_SendOnNewSubscribeSkipsResubscribe(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	_ = h.SaveMessage(broker.Message{TopicName: "sensors/t1", Payload: []byte("1"), Time: time.Now()})
	waitFor(t, func() bool {
		var found bool
		_ = h.FindMatching(ctx, "sensors/#", func(broker.Message) bool { found = true; return false }, 0)
		return found
	})

	sub := broker.Subscription{ClientID: "A", TopicFilter: "sensors/#", RetainHandling: broker.SendOnNewSubscribe}
	var delivered int
	err := h.ReplayForSubscription(ctx, sub, true, func(broker.Message) error { delivered++; return nil })
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 0 {
		t.Fatalf("expected re-subscribe to skip replay, got %d", delivered)
	}
}
