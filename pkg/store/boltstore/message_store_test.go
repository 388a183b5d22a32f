package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nodeforge/brokercore/pkg/broker"
)

func openTestDB(t *testing.T) *MessageStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "retained.db"))
	if err != nil {
		t.Fatalf("open bbolt: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewMessageStore(db)
}

func TestMessageStore_AddGetDel(t *testing.T) {
	ctx := context.Background()
	ms := openTestDB(t)

	msg := broker.Message{TopicName: "a/b", Payload: []byte("hi"), Time: time.Now()}
	if err := ms.AddAll(ctx, []broker.Message{msg}); err != nil {
		t.Fatal(err)
	}
	got, err := ms.Get(ctx, "a/b")
	if err != nil || got == nil || string(got.Payload) != "hi" {
		t.Fatalf("expected retained message, got %+v, err %v", got, err)
	}

	if err := ms.DelAll(ctx, []string{"a/b"}); err != nil {
		t.Fatal(err)
	}
	got, err = ms.Get(ctx, "a/b")
	if err != nil || got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}

func TestMessageStore_FindMatchingMessages(t *testing.T) {
	ctx := context.Background()
	ms := openTestDB(t)
	_ = ms.AddAll(ctx, []broker.Message{
		{TopicName: "a/b", Time: time.Now()},
		{TopicName: "a/c", Time: time.Now()},
		{TopicName: "x/y", Time: time.Now()},
	})

	var found []string
	err := ms.FindMatchingMessages(ctx, "a/+", func(m broker.Message) bool {
		found = append(found, m.TopicName)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 matches, got %v", found)
	}
}

func TestMessageStore_PurgeOldMessages(t *testing.T) {
	ctx := context.Background()
	ms := openTestDB(t)
	old := time.Now().Add(-time.Hour)
	_ = ms.AddAll(ctx, []broker.Message{
		{TopicName: "a/b", Time: old},
		{TopicName: "a/c", Time: time.Now()},
	})
	n, _, err := ms.PurgeOldMessages(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
}
