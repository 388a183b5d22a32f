// Package store defines the pluggable storage contracts of spec.md §4.7:
// SessionStore, MessageStore, MessageArchive, DeviceConfigStore, ConfigStore
// and MetricsStore. Concrete implementations live in the memstore, sqlstore,
// boltstore and promstore subpackages.
package store

import (
	"context"
	"time"

	"github.com/nodeforge/brokercore/pkg/broker"
)

// SubscriptionRow is the payload iterateSubscriptions hands to its callback.
type SubscriptionRow struct {
	TopicFilter       string
	ClientID          string
	QoS               broker.QoS
	NoLocal           bool
	RetainHandling    broker.RetainHandling
	RetainAsPublished bool
}

// EnqueueRequest pairs a QueuedMessage with the set of clients it should be
// linked to.
type EnqueueRequest struct {
	Message   broker.QueuedMessage
	ClientIDs []string
}

// RemoveRequest identifies one client-link to remove.
type RemoveRequest struct {
	ClientID    string
	MessageUuid string
}

// SessionStore is the source of truth for sessions, subscriptions and
// queued-message client links (spec.md §4.7).
type SessionStore interface {
	IterateOfflineClients(ctx context.Context, cb func(clientID string) bool) error
	IterateConnectedClients(ctx context.Context, cb func(clientID, nodeID string) bool) error
	IterateAllSessions(ctx context.Context, cb func(s broker.Session) bool) error
	IterateNodeClients(ctx context.Context, nodeID string, cb func(clientID string) bool) error
	IterateSubscriptions(ctx context.Context, cb func(row SubscriptionRow) bool) error

	SetClient(ctx context.Context, clientID, nodeID string, cleanSession, connected bool, info []byte) error
	SetLastWill(ctx context.Context, clientID string, will *broker.LastWill) error
	SetConnected(ctx context.Context, clientID string, connected bool) error
	IsConnected(ctx context.Context, clientID string) (bool, error)
	IsPresent(ctx context.Context, clientID string) (bool, error)

	AddSubscriptions(ctx context.Context, subs []broker.Subscription) error
	DelSubscriptions(ctx context.Context, keys []broker.SubscriptionKey) error
	DelClient(ctx context.Context, clientID string, perRow func(row SubscriptionRow)) error

	EnqueueMessages(ctx context.Context, reqs []EnqueueRequest) error
	DequeueMessages(ctx context.Context, clientID string, cb func(msg broker.QueuedMessage, link broker.ClientLink) bool) error
	RemoveMessages(ctx context.Context, reqs []RemoveRequest) error

	FetchNextPendingMessage(ctx context.Context, clientID string) (*broker.QueuedMessage, *broker.ClientLink, error)
	FetchPendingMessages(ctx context.Context, clientID string, limit int) ([]broker.QueuedMessage, []broker.ClientLink, error)

	MarkMessageInFlight(ctx context.Context, clientID, messageUuid string) error
	MarkMessagesInFlight(ctx context.Context, clientID string, messageUuids []string) error
	MarkMessagePubrecReceived(ctx context.Context, clientID, messageUuid string) error
	MarkMessageDelivered(ctx context.Context, clientID, messageUuid string) error
	ResetInFlightMessages(ctx context.Context, clientID string) error
	MarkMessageExpired(ctx context.Context, clientID, messageUuid string) error

	PurgeDeliveredMessages(ctx context.Context) (int, error)
	PurgeExpiredMessages(ctx context.Context) (int, error)
	PurgeQueuedMessages(ctx context.Context) error
	PurgeSessions(ctx context.Context) error

	CountQueuedMessages(ctx context.Context) (int, error)
	CountQueuedMessagesForClient(ctx context.Context, clientID string) (int, error)
}

// MessageStore is the retained / last-value store contract (spec.md §4.7).
type MessageStore interface {
	Get(ctx context.Context, topicName string) (*broker.Message, error)
	GetAsync(ctx context.Context, topicName string, cb func(*broker.Message, error))
	AddAll(ctx context.Context, msgs []broker.Message) error
	DelAll(ctx context.Context, topics []string) error
	FindMatchingMessages(ctx context.Context, pattern string, cb func(broker.Message) bool) error
	FindMatchingTopics(ctx context.Context, pattern string, cb func(topic string) bool) error
	PurgeOldMessages(ctx context.Context, cutoff time.Time) (deleted int, elapsed time.Duration, err error)
	DropStorage(ctx context.Context) error
	GetConnectionStatus(ctx context.Context) error
}

// AggregateFunc is one of the supported aggregation functions for
// getAggregatedHistory.
type AggregateFunc string

const (
	AggAvg   AggregateFunc = "AVG"
	AggMin   AggregateFunc = "MIN"
	AggMax   AggregateFunc = "MAX"
	AggCount AggregateFunc = "COUNT"
)

// AggregateResult is the {columns, rows} shape getAggregatedHistory returns.
type AggregateResult struct {
	Columns []string
	Rows    [][]any
}

// MessageArchive is the append-only history store contract (spec.md §4.7).
type MessageArchive interface {
	AddHistory(ctx context.Context, msgs []broker.Message) error
	PurgeOldMessages(ctx context.Context, cutoff time.Time) (deleted int, elapsed time.Duration, err error)
	DropStorage(ctx context.Context) error
	GetConnectionStatus(ctx context.Context) error
	TableExists(ctx context.Context) (bool, error)
	CreateTable(ctx context.Context) error

	GetHistory(ctx context.Context, topic string, start, end *time.Time, limit int) ([]broker.Message, error)
	GetAggregatedHistory(ctx context.Context, topics []string, start, end time.Time, bucketMinutes int, funcs []AggregateFunc, fields []string) (AggregateResult, error)
}

// DeviceConfig is one named device-integration-bridge configuration row.
type DeviceConfig struct {
	Name    string
	NodeID  string
	Enabled bool
	Params  map[string]string
}

// DeviceConfigStore is the device-bridge configuration contract (spec.md
// §4.7). The bridges themselves are out of scope (spec.md §1); this
// interface exists so a future bridge implementation has somewhere to plug
// in.
type DeviceConfigStore interface {
	SaveDevice(ctx context.Context, cfg DeviceConfig) error
	GetDevice(ctx context.Context, name string) (*DeviceConfig, error)
	DeleteDevice(ctx context.Context, name string) error
	GetEnabledDevicesByNode(ctx context.Context, nodeID string) ([]DeviceConfig, error)
}

// ArchiveGroupConfig is a named archive-group definition as persisted by
// ConfigStore.
type ArchiveGroupConfig struct {
	Name             string
	Filters          []string
	RetainedOnly     bool
	PayloadFormat    string // "RAW" or "JSON"
	LastValStoreKind string
	ArchiveStoreKind string
	LastValRetention *time.Duration
	ArchiveRetention *time.Duration
	PurgeInterval    *time.Duration
}

// ConfigStore holds named archive-group definitions (spec.md §4.7).
type ConfigStore interface {
	SaveArchiveGroup(ctx context.Context, cfg ArchiveGroupConfig) error
	GetArchiveGroup(ctx context.Context, name string) (*ArchiveGroupConfig, error)
	DeleteArchiveGroup(ctx context.Context, name string) error
	ListArchiveGroups(ctx context.Context) ([]ArchiveGroupConfig, error)
}

// MetricKind tags a periodic counter recorded in MetricsStore.
type MetricKind string

const (
	MetricBroker  MetricKind = "broker"
	MetricSession MetricKind = "session"
	MetricBridge  MetricKind = "bridge"
)

// MetricSample is one time-bucketed counter reading.
type MetricSample struct {
	Time  time.Time
	Value float64
}

// MetricsStore is the thin, optional metrics contract (spec.md §4.7).
type MetricsStore interface {
	Record(ctx context.Context, kind MetricKind, name string, value float64) error
	Latest(ctx context.Context, kind MetricKind, name string) (MetricSample, error)
	History(ctx context.Context, kind MetricKind, name string, since time.Time) ([]MetricSample, error)
}
