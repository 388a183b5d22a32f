package memstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nodeforge/brokercore/pkg/broker"
	"github.com/nodeforge/brokercore/pkg/store"
)

// MessageArchive is an in-memory, size-bounded append-only store.MessageArchive,
// intended for tests rather than production retention (see boltstore for the
// durable implementation).
type MessageArchive struct {
	mu          sync.RWMutex
	rows        []broker.Message
	maxRows     int
	tableExists bool
}

// NewMessageArchive constructs a MessageArchive bounded to maxRows entries
// (oldest dropped first); maxRows <= 0 means unbounded.
func NewMessageArchive(maxRows int) *MessageArchive {
	return &MessageArchive{maxRows: maxRows}
}

func (a *MessageArchive) AddHistory(ctx context.Context, msgs []broker.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, msg := range msgs {
		a.upsertLocked(msg)
	}
	if a.maxRows > 0 && len(a.rows) > a.maxRows {
		a.rows = a.rows[len(a.rows)-a.maxRows:]
	}
	return nil
}

// upsertLocked implements the "duplicates on identical key are treated as
// update" rule of spec.md §4.5: key is (topicName, time).
func (a *MessageArchive) upsertLocked(msg broker.Message) {
	for i, existing := range a.rows {
		if existing.TopicName == msg.TopicName && existing.Time.Equal(msg.Time) {
			a.rows[i] = msg
			return
		}
	}
	a.rows = append(a.rows, msg)
}

func (a *MessageArchive) PurgeOldMessages(ctx context.Context, cutoff time.Time) (int, time.Duration, error) {
	start := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.rows[:0]
	n := 0
	for _, msg := range a.rows {
		if msg.Time.After(cutoff) {
			kept = append(kept, msg)
		} else {
			n++
		}
	}
	a.rows = kept
	return n, time.Since(start), nil
}

func (a *MessageArchive) DropStorage(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = nil
	return nil
}

func (a *MessageArchive) GetConnectionStatus(ctx context.Context) error { return nil }

func (a *MessageArchive) TableExists(ctx context.Context) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tableExists, nil
}

func (a *MessageArchive) CreateTable(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tableExists = true
	return nil
}

func (a *MessageArchive) GetHistory(ctx context.Context, t string, start, end *time.Time, limit int) ([]broker.Message, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []broker.Message
	for _, msg := range a.rows {
		if msg.TopicName != t {
			continue
		}
		if start != nil && msg.Time.Before(*start) {
			continue
		}
		if end != nil && msg.Time.After(*end) {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (a *MessageArchive) GetAggregatedHistory(ctx context.Context, topics []string, start, end time.Time, bucketMinutes int, funcs []store.AggregateFunc, fields []string) (store.AggregateResult, error) {
	a.mu.RLock()
	rows := make([]broker.Message, 0, len(a.rows))
	wanted := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		wanted[t] = struct{}{}
	}
	for _, msg := range a.rows {
		if _, ok := wanted[msg.TopicName]; !ok {
			continue
		}
		if msg.Time.Before(start) || msg.Time.After(end) {
			continue
		}
		rows = append(rows, msg)
	}
	a.mu.RUnlock()

	bucket := time.Duration(bucketMinutes) * time.Minute
	if bucket <= 0 {
		bucket = time.Minute
	}

	type bucketKey struct {
		topic string
		slot  int64
	}
	buckets := make(map[bucketKey][]float64)
	for _, msg := range rows {
		slot := msg.Time.Sub(start) / bucket
		k := bucketKey{topic: msg.TopicName, slot: int64(slot)}
		v, ok := payloadAsFloat(msg.Payload)
		if !ok {
			continue
		}
		buckets[k] = append(buckets[k], v)
	}

	columns := append([]string{"topic", "bucket_start"}, funcNames(funcs)...)
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
			row = append(row, aggregate(f, values))
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

func funcNames(funcs []store.AggregateFunc) []string {
	out := make([]string, len(funcs))
	for i, f := range funcs {
		out[i] = string(f)
	}
	return out
}

func aggregate(f store.AggregateFunc, values []float64) float64 {
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
	default: // AggAvg
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
}

// payloadAsFloat attempts to parse a numeric payload; non-numeric payloads
// are excluded from aggregation (there is no field-selection since rows
// only carry an opaque payload in this core — bridges with structured
// payloads layer their own field extraction on top).
func payloadAsFloat(payload []byte) (float64, bool) {
	v, err := strconv.ParseFloat(string(payload), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var _ store.MessageArchive = (*MessageArchive)(nil)
