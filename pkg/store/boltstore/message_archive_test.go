package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nodeforge/brokercore/pkg/broker"
	"github.com/nodeforge/brokercore/pkg/store"
)

func openTestArchive(t *testing.T) *MessageArchive {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open bbolt: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	a := NewMessageArchive(db, "grp1")
	if err := a.CreateTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestMessageArchive_GetHistoryOrdered(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)

	base := time.Now().Add(-time.Hour)
	_ = a.AddHistory(ctx, []broker.Message{
		{TopicName: "sensor/temp", Payload: []byte("1"), Time: base.Add(2 * time.Minute)},
		{TopicName: "sensor/temp", Payload: []byte("2"), Time: base},
		{TopicName: "sensor/humidity", Payload: []byte("3"), Time: base},
	})

	got, err := a.GetHistory(ctx, "sensor/temp", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].Time.After(got[1].Time) {
		t.Fatal("expected ascending time order from the prefix scan")
	}
}

func TestMessageArchive_PurgeOldMessages(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)
	old := time.Now().Add(-2 * time.Hour)
	_ = a.AddHistory(ctx, []broker.Message{
		{TopicName: "t", Time: old},
		{TopicName: "t", Time: time.Now()},
	})
	n, _, err := a.PurgeOldMessages(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}
}

func TestMessageArchive_GetAggregatedHistory(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)
	base := time.Now().Truncate(time.Minute)
	_ = a.AddHistory(ctx, []broker.Message{
		{TopicName: "sensor/temp", Payload: []byte("10"), Time: base},
		{TopicName: "sensor/temp", Payload: []byte("30"), Time: base.Add(10 * time.Second)},
	})

	res, err := a.GetAggregatedHistory(ctx, []string{"sensor/temp"}, base.Add(-time.Minute), base.Add(time.Minute),
		1, []store.AggregateFunc{store.AggAvg}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(res.Rows))
	}
	if avg := res.Rows[0][2].(float64); avg != 20 {
		t.Fatalf("expected avg 20, got %v", avg)
	}
}
