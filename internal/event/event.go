package event

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	TypeRiskUpdate         = "risk_update"
	TypeEmergencyAlert     = "emergency_alert"
	TypeSystemNotification = "system_notification"
	TypeAdminMessage       = "admin_message"

	// Local-only control types. Never relayed, sequence is always 0.
	TypeHeartbeat             = "heartbeat"
	TypeConnectionEstablished = "connection_established"
	TypeSubscribed            = "subscribed"
	TypeUnsubscribed          = "unsubscribed"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Topics.
const (
	TopicRiskUpdate         = "risk-update"
	TopicEmergencyAlert     = "emergency-alert"
	TopicSystemNotification = "system-notification"
	// TopicAdmin carries operator traffic and is only delivered to admins.
	TopicAdmin = "admin"

	// TopicAll is the subscription wildcard. It never includes TopicAdmin
	// for non-admin subscribers.
	TopicAll = "all"
)

// KnownTopics lists the topics a subscriber may ask for.
var KnownTopics = []string{TopicRiskUpdate, TopicEmergencyAlert, TopicSystemNotification, TopicAdmin, TopicAll}

// RequiresAdmin reports whether only admin identities may receive topic.
func RequiresAdmin(topic string) bool {
	return topic == TopicAdmin
}

// IsKnownTopic reports whether topic can be subscribed to.
func IsKnownTopic(topic string) bool {
	for _, t := range KnownTopics {
		if t == topic {
			return true
		}
	}
	return false
}

// Event is the unit delivered to subscribers and exchanged between replicas.
type Event struct {
	Type           string          `json:"type" cbor:"type"`
	Topic          string          `json:"topic,omitempty" cbor:"topic"`
	Payload        json.RawMessage `json:"payload,omitempty" cbor:"payload"`
	OriginInstance string          `json:"origin_instance,omitempty" cbor:"origin_instance"`
	Sequence       uint64          `json:"sequence,omitempty" cbor:"sequence"`
	Timestamp      time.Time       `json:"timestamp" cbor:"timestamp"`
}

// IsPriority reports whether the event bypasses per-connection rate suppression.
func (e Event) IsPriority() bool {
	return e.Type == TypeEmergencyAlert
}

// IsControl reports whether the event is local-only connection chatter.
func (e Event) IsControl() bool {
	switch e.Type {
	case TypeRiskUpdate, TypeEmergencyAlert, TypeSystemNotification, TypeAdminMessage:
		return false
	default:
		return true
	}
}

// Control builds a local-only event addressed to a single connection.
func Control(eventType string, data interface{}) Event {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	return Event{
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
}

// Sequencer hands out strictly increasing sequence numbers per topic for a
// single origin instance.
type Sequencer struct {
	origin   string
	mu       sync.RWMutex
	counters map[string]*uint64
}

// NewSequencer creates a sequencer for the given origin instance.
func NewSequencer(origin string) *Sequencer {
	return &Sequencer{
		origin:   origin,
		counters: make(map[string]*uint64),
	}
}

// Origin returns the origin instance the sequencer stamps on events.
func (s *Sequencer) Origin() string {
	return s.origin
}

// Next returns the next sequence number for topic.
func (s *Sequencer) Next(topic string) uint64 {
	s.mu.RLock()
	counter, exists := s.counters[topic]
	s.mu.RUnlock()

	if exists {
		return atomic.AddUint64(counter, 1)
	}

	s.mu.Lock()
	// Another goroutine may have created it in between.
	counter, exists = s.counters[topic]
	if !exists {
		var initial uint64
		counter = &initial
		s.counters[topic] = counter
	}
	s.mu.Unlock()

	return atomic.AddUint64(counter, 1)
}

// Stamp fills in origin, sequence and timestamp for a routable event.
func (s *Sequencer) Stamp(ev Event) Event {
	ev.OriginInstance = s.origin
	ev.Sequence = s.Next(ev.Topic)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev
}
