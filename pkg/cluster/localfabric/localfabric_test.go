package localfabric

import (
	"context"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	f := New("node-a")
	ctx := context.Background()

	received := make(chan []byte, 1)
	unsub, err := f.Bus().Subscribe(ctx, "node/a/deliver", func(payload []byte) {
		received <- payload
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	if err := f.Bus().Publish(ctx, "node/a/deliver", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Fatalf("expected hello, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestLock_AcquireRelease(t *testing.T) {
	f := New("node-a")
	ctx := context.Background()

	release, ok, err := f.Lock().Acquire(ctx, "purge-lock-grp1-writer", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected to acquire lock, got ok=%v err=%v", ok, err)
	}

	_, ok2, err := f.Lock().Acquire(ctx, "purge-lock-grp1-writer", 5*time.Second)
	if err != nil || ok2 {
		t.Fatalf("expected second acquire to fail while held, got ok=%v err=%v", ok2, err)
	}

	release()
	_, ok3, err := f.Lock().Acquire(ctx, "purge-lock-grp1-writer", 5*time.Second)
	if err != nil || !ok3 {
		t.Fatalf("expected acquire to succeed after release, got ok=%v err=%v", ok3, err)
	}
}

func TestMap_SetGetDelete(t *testing.T) {
	f := New("node-a")
	ctx := context.Background()

	if err := f.Map().Set(ctx, "routing", "client-1", []byte("node-a")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := f.Map().Get(ctx, "routing", "client-1")
	if err != nil || !ok || string(v) != "node-a" {
		t.Fatalf("expected node-a, got %q ok=%v err=%v", v, ok, err)
	}
	if err := f.Map().Delete(ctx, "routing", "client-1"); err != nil {
		t.Fatal(err)
	}
	_, ok, err = f.Map().Get(ctx, "routing", "client-1")
	if err != nil || ok {
		t.Fatalf("expected miss after delete, got ok=%v err=%v", ok, err)
	}
}
