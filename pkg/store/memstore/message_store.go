package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/nodeforge/brokercore/pkg/broker"
	"github.com/nodeforge/brokercore/pkg/store"
	"github.com/nodeforge/brokercore/pkg/topic"
)

// MessageStore is an in-memory retained / last-value store.MessageStore,
// keyed by topic name, generalizing the teacher's
// map[string]*RetainedMessage (Pyr33x-goqtt internal/broker/broker.go) to the
// full store.MessageStore contract.
type MessageStore struct {
	mu      sync.RWMutex
	byTopic map[string]broker.Message
}

// NewMessageStore constructs an empty MessageStore.
func NewMessageStore() *MessageStore {
	return &MessageStore{byTopic: make(map[string]broker.Message)}
}

func (m *MessageStore) Get(ctx context.Context, topicName string) (*broker.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.byTopic[topicName]
	if !ok {
		return nil, nil
	}
	return &msg, nil
}

func (m *MessageStore) GetAsync(ctx context.Context, topicName string, cb func(*broker.Message, error)) {
	go func() {
		msg, err := m.Get(ctx, topicName)
		cb(msg, err)
	}()
}

func (m *MessageStore) AddAll(ctx context.Context, msgs []broker.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.byTopic[msg.TopicName] = msg
	}
	return nil
}

func (m *MessageStore) DelAll(ctx context.Context, topics []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		delete(m.byTopic, t)
	}
	return nil
}

func (m *MessageStore) FindMatchingMessages(ctx context.Context, pattern string, cb func(broker.Message) bool) error {
	m.mu.RLock()
	snapshot := make([]broker.Message, 0, len(m.byTopic))
	for _, msg := range m.byTopic {
		snapshot = append(snapshot, msg)
	}
	m.mu.RUnlock()

	for _, msg := range snapshot {
		if topic.MatchesFilter(pattern, msg.TopicName) {
			if !cb(msg) {
				return nil
			}
		}
	}
	return nil
}

func (m *MessageStore) FindMatchingTopics(ctx context.Context, pattern string, cb func(topic string) bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for t := range m.byTopic {
		if topic.MatchesFilter(pattern, t) {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			if !cb(t) {
				return nil
			}
		}
	}
	return nil
}

func (m *MessageStore) PurgeOldMessages(ctx context.Context, cutoff time.Time) (int, time.Duration, error) {
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for t, msg := range m.byTopic {
		if !msg.Time.After(cutoff) {
			delete(m.byTopic, t)
			n++
		}
	}
	return n, time.Since(start), nil
}

func (m *MessageStore) DropStorage(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTopic = make(map[string]broker.Message)
	return nil
}

func (m *MessageStore) GetConnectionStatus(ctx context.Context) error {
	return nil
}

var _ store.MessageStore = (*MessageStore)(nil)
