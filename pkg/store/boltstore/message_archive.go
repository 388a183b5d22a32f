package boltstore

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nodeforge/brokercore/pkg/broker"
	brokerer "github.com/nodeforge/brokercore/pkg/er"
	"github.com/nodeforge/brokercore/pkg/store"
	"github.com/vmihailenco/msgpack/v5"
)

// MessageArchive is a durable store.MessageArchive with one bucket per
// archive group; keys are topic\x00<big-endian nanosecond time> so a bucket
// cursor range-scan over a topic prefix yields ascending-time history
// directly (SPEC_FULL.md §4.7).
type MessageArchive struct {
	db     *bolt.DB
	bucket []byte
}

// NewMessageArchive returns a MessageArchive writing to the named archive
// group's bucket, created by CreateTable or by the first AddHistory call.
func NewMessageArchive(db *bolt.DB, groupName string) *MessageArchive {
	return &MessageArchive{db: db, bucket: []byte("archive:" + groupName)}
}

func (a *MessageArchive) CreateTable(ctx context.Context) error {
	err := a.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(a.bucket)
		return err
	})
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "CreateTable", err)
	}
	return nil
}

func (a *MessageArchive) TableExists(ctx context.Context) (bool, error) {
	exists := false
	err := a.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(a.bucket) != nil
		return nil
	})
	if err != nil {
		return false, brokerer.Wrap(brokerer.StoreUnavailable, "TableExists", err)
	}
	return exists, nil
}

func (a *MessageArchive) AddHistory(ctx context.Context, msgs []broker.Message) error {
	err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(a.bucket)
		if b == nil {
			var err error
			b, err = tx.CreateBucket(a.bucket)
			if err != nil {
				return err
			}
		}
		for _, msg := range msgs {
			enc, err := msgpack.Marshal(msg)
			if err != nil {
				return err
			}
			if err := b.Put(archiveKey(msg.TopicName, msg.Time), enc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "AddHistory", err)
	}
	return nil
}

func (a *MessageArchive) PurgeOldMessages(ctx context.Context, cutoff time.Time) (int, time.Duration, error) {
	start := time.Now()
	n := 0
	err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(a.bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var stale [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			_, at := splitArchiveKey(k)
			if !at.After(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, 0, brokerer.Wrap(brokerer.StoreUnavailable, "PurgeOldMessages", err)
	}
	return n, time.Since(start), nil
}

func (a *MessageArchive) DropStorage(ctx context.Context) error {
	err := a.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(a.bucket) == nil {
			return nil
		}
		return tx.DeleteBucket(a.bucket)
	})
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "DropStorage", err)
	}
	return nil
}

func (a *MessageArchive) GetConnectionStatus(ctx context.Context) error {
	return a.db.View(func(tx *bolt.Tx) error { return nil })
}

func (a *MessageArchive) GetHistory(ctx context.Context, topicName string, start, end *time.Time, limit int) ([]broker.Message, error) {
	var out []broker.Message
	prefix := append([]byte(topicName), 0)
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(a.bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var msg broker.Message
			if err := msgpack.Unmarshal(v, &msg); err != nil {
				return err
			}
			if start != nil && msg.Time.Before(*start) {
				continue
			}
			if end != nil && msg.Time.After(*end) {
				continue
			}
			out = append(out, msg)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, brokerer.Wrap(brokerer.StoreUnavailable, "GetHistory", err)
	}
	return out, nil
}

func (a *MessageArchive) GetAggregatedHistory(ctx context.Context, topics []string, start, end time.Time, bucketMinutes int, funcs []store.AggregateFunc, fields []string) (store.AggregateResult, error) {
	bucket := time.Duration(bucketMinutes) * time.Minute
	if bucket <= 0 {
		bucket = time.Minute
	}

	type bucketKey struct {
		topic string
		slot  int64
	}
	buckets := make(map[bucketKey][]float64)

	for _, t := range topics {
		rows, err := a.GetHistory(ctx, t, &start, &end, 0)
		if err != nil {
			return store.AggregateResult{}, err
		}
		for _, msg := range rows {
			v, err := strconv.ParseFloat(string(msg.Payload), 64)
			if err != nil {
				continue
			}
			slot := int64(msg.Time.Sub(start) / bucket)
			buckets[bucketKey{topic: t, slot: slot}] = append(buckets[bucketKey{topic: t, slot: slot}], v)
		}
	}

	columns := []string{"topic", "bucket_start"}
	for _, f := range funcs {
		columns = append(columns, string(f))
	}
	result := store.AggregateResult{Columns: columns}

	var keys []bucketKey
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].topic != keys[j].topic {
			return keys[i].topic < keys[j].topic
		}
		return keys[i].slot < keys[j].slot
	})

	for _, k := range keys {
		values := buckets[k]
		row := []any{k.topic, start.Add(time.Duration(k.slot) * bucket)}
		for _, f := range funcs {
			row = append(row, aggregateOne(f, values))
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

func aggregateOne(f store.AggregateFunc, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	switch f {
	case store.AggCount:
		return float64(len(values))
	case store.AggMin:
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case store.AggMax:
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m
	default:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
}

var _ store.MessageArchive = (*MessageArchive)(nil)
