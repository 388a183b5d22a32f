// Package broker holds the broker-core data model of spec.md §3:
// BrokerMessage, Subscription, Session, LastWill and QueuedMessage.
package broker

import (
	"time"

	"github.com/google/uuid"
)

// QoS is an MQTT quality-of-service level.
type QoS byte

const (
	QoS0 QoS = 0
	QoS1 QoS = 1
	QoS2 QoS = 2
)

// Min returns the lesser of two QoS levels.
func Min(a, b QoS) QoS {
	if a < b {
		return a
	}
	return b
}

// RetainHandling controls retained-message replay on SUBSCRIBE (MQTT 5
// subscription option, spec.md §3 Subscription).
type RetainHandling byte

const (
	SendOnSubscribe RetainHandling = iota
	SendOnNewSubscribe
	DoNotSend
)

// Message is an immutable BrokerMessage (spec.md §3). Once constructed it
// must not be mutated; handlers that need a variant (e.g. with RetainFlag
// cleared for RetainAsPublished=false) call WithRetain/WithQoS to get a copy.
type Message struct {
	MessageUuid string // time-ordered, total-order, 36 chars
	MessageID   uint16 // per-session
	TopicName   string
	Payload     []byte
	QoS         QoS
	RetainFlag  bool
	DupFlag     bool
	Time        time.Time
	ClientID    string // publisher
}

// NewUUID returns a time-ordered, process-wide-unique, monotonically
// non-decreasing-within-this-node message UUID (spec.md §3 invariant).
// Backed by UUIDv7, which is itself timestamp-prefixed and therefore
// orderable by generation time.
func NewUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system clock/rand source is broken beyond
		// repair; fall back to a random v4 rather than panicking the caller.
		id = uuid.New()
	}
	return id.String()
}

// WithRetain returns a copy of m with RetainFlag set to retain.
func (m Message) WithRetain(retain bool) Message {
	m.RetainFlag = retain
	return m
}

// WithQoS returns a copy of m with QoS set to qos.
func (m Message) WithQoS(qos QoS) Message {
	m.QoS = qos
	return m
}

// WithDup returns a copy of m with DupFlag set to dup.
func (m Message) WithDup(dup bool) Message {
	m.DupFlag = dup
	return m
}

// Subscription is a (clientId, topicFilter) -> options row. Uniqueness key:
// (ClientID, TopicFilter); re-subscribing with the same filter replaces the
// previous entry (spec.md §3).
type Subscription struct {
	ClientID          string
	TopicFilter       string
	QoS               QoS
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    RetainHandling
}

// Key returns the (ClientID, TopicFilter) uniqueness key as a comparable value.
func (s Subscription) Key() SubscriptionKey {
	return SubscriptionKey{ClientID: s.ClientID, TopicFilter: s.TopicFilter}
}

// SubscriptionKey is the uniqueness key of a Subscription.
type SubscriptionKey struct {
	ClientID    string
	TopicFilter string
}

// LastWill is a BrokerMessage with a delay-until instant, published on
// ungraceful disconnect unless cleared by a normal DISCONNECT (spec.md §3).
type LastWill struct {
	Message    Message
	DelayUntil time.Time
}

// Session is the per-client lifecycle state of spec.md §3.
type Session struct {
	ClientID     string
	NodeID       string // owner
	CleanSession bool
	Connected    bool
	UpdateTime   time.Time
	Information  []byte // opaque metadata
	LastWill     *LastWill
}

// LinkStatus is a QueuedMessage-to-client link status (spec.md §4.6,
// extended with PubrecReceived per DESIGN.md Open Question 3 to model the
// QoS 2 handshake explicitly rather than via a side table).
type LinkStatus byte

const (
	Pending LinkStatus = iota
	InFlight
	PubrecReceived
	Delivered
	Expired
)

func (s LinkStatus) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case InFlight:
		return "IN_FLIGHT"
	case PubrecReceived:
		return "PUBREC_RECEIVED"
	case Delivered:
		return "DELIVERED"
	case Expired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// QueuedMessage is the globally-keyed (by MessageUuid) durable message body
// of spec.md §3; the per-client reference is ClientLink.
type QueuedMessage struct {
	MessageUuid      string
	MessageID        uint16
	TopicName        string
	Payload          []byte
	QoS              QoS
	Retain           bool
	PublisherClient  string
	MessageExpiresAt *time.Time // optional message-expiry-interval deadline
}

// ClientLink references a QueuedMessage for one subscriber client.
type ClientLink struct {
	ClientID         string
	MessageUuid      string
	Status           LinkStatus
	LastStatusChange time.Time
	ExpiryAt         *time.Time
}
