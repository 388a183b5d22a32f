// Package boltstore provides durable store.MessageStore / store.MessageArchive
// implementations backed by go.etcd.io/bbolt, generalizing the teacher's
// map-based retained-message store into an on-disk key/value layout
// (SPEC_FULL.md §4.7).
package boltstore

import (
	"context"
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nodeforge/brokercore/pkg/broker"
	brokerer "github.com/nodeforge/brokercore/pkg/er"
	"github.com/nodeforge/brokercore/pkg/store"
	"github.com/nodeforge/brokercore/pkg/topic"
	"github.com/vmihailenco/msgpack/v5"
)

var retainedBucket = []byte("retained")

// MessageStore is a durable store.MessageStore with one bucket keyed by
// topic name; values are msgpack-encoded broker.Message.
type MessageStore struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt database at path and ensures
// the retained bucket exists.
func Open(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(retainedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func NewMessageStore(db *bolt.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (m *MessageStore) Get(ctx context.Context, topicName string) (*broker.Message, error) {
	var msg *broker.Message
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(retainedBucket).Get([]byte(topicName))
		if v == nil {
			return nil
		}
		var decoded broker.Message
		if err := msgpack.Unmarshal(v, &decoded); err != nil {
			return err
		}
		msg = &decoded
		return nil
	})
	if err != nil {
		return nil, brokerer.Wrap(brokerer.StoreUnavailable, "Get", err)
	}
	return msg, nil
}

func (m *MessageStore) GetAsync(ctx context.Context, topicName string, cb func(*broker.Message, error)) {
	go func() {
		msg, err := m.Get(ctx, topicName)
		cb(msg, err)
	}()
}

func (m *MessageStore) AddAll(ctx context.Context, msgs []broker.Message) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(retainedBucket)
		for _, msg := range msgs {
			enc, err := msgpack.Marshal(msg)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(msg.TopicName), enc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "AddAll", err)
	}
	return nil
}

func (m *MessageStore) DelAll(ctx context.Context, topics []string) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(retainedBucket)
		for _, t := range topics {
			if err := b.Delete([]byte(t)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "DelAll", err)
	}
	return nil
}

func (m *MessageStore) FindMatchingMessages(ctx context.Context, pattern string, cb func(broker.Message) bool) error {
	var snapshot []broker.Message
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(retainedBucket).ForEach(func(k, v []byte) error {
			var msg broker.Message
			if err := msgpack.Unmarshal(v, &msg); err != nil {
				return err
			}
			snapshot = append(snapshot, msg)
			return nil
		})
	})
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "FindMatchingMessages", err)
	}
	for _, msg := range snapshot {
		if topic.MatchesFilter(pattern, msg.TopicName) {
			if !cb(msg) {
				return nil
			}
		}
	}
	return nil
}

func (m *MessageStore) FindMatchingTopics(ctx context.Context, pattern string, cb func(topicName string) bool) error {
	var topics []string
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(retainedBucket).ForEach(func(k, v []byte) error {
			topics = append(topics, string(k))
			return nil
		})
	})
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "FindMatchingTopics", err)
	}
	for _, t := range topics {
		if topic.MatchesFilter(pattern, t) {
			if !cb(t) {
				return nil
			}
		}
	}
	return nil
}

func (m *MessageStore) PurgeOldMessages(ctx context.Context, cutoff time.Time) (int, time.Duration, error) {
	start := time.Now()
	n := 0
	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(retainedBucket)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg broker.Message
			if err := msgpack.Unmarshal(v, &msg); err != nil {
				return err
			}
			if !msg.Time.After(cutoff) {
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

func (m *MessageStore) DropStorage(ctx context.Context) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(retainedBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(retainedBucket)
		return err
	})
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "DropStorage", err)
	}
	return nil
}

func (m *MessageStore) GetConnectionStatus(ctx context.Context) error {
	return m.db.View(func(tx *bolt.Tx) error { return nil })
}

// archiveKey packs a big-endian nanosecond timestamp after the topic name so
// that a prefix cursor scan over a bucket yields ascending-time order
// directly (SPEC_FULL.md §4.7).
func archiveKey(t string, at time.Time) []byte {
	key := make([]byte, 0, len(t)+1+8)
	key = append(key, []byte(t)...)
	key = append(key, 0)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(at.UnixNano()))
	return append(key, buf[:]...)
}

func splitArchiveKey(k []byte) (string, time.Time) {
	i := 0
	for ; i < len(k); i++ {
		if k[i] == 0 {
			break
		}
	}
	t := string(k[:i])
	if i+9 > len(k) {
		return t, time.Time{}
	}
	nanos := binary.BigEndian.Uint64(k[i+1 : i+9])
	return t, time.Unix(0, int64(nanos))
}

var _ store.MessageStore = (*MessageStore)(nil)
