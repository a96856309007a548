// Package registry tracks live subscriber connections and their topic
// subscriptions on the local instance.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floodguard/floodguard/internal/event"
)

// Roles a subscriber identity may carry.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// IsAdmin reports whether the identity carries the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Conn is the outbound side of a subscriber link.
type Conn interface {
	// Send queues ev for delivery. It must not block on network I/O.
	Send(ev event.Event) error
	// Close tears the link down. Safe to call more than once.
	Close(reason string)
}

// Record describes one live connection. Records are never mutated after
// they are stored; updates replace the whole record.
type Record struct {
	ID          string
	Identity    Identity
	Topics      map[string]struct{}
	InstanceID  string
	ConnectedAt time.Time
	Conn        Conn
}

// HasTopic reports whether the record receives events on topic. Admin-only
// topics are never delivered to other roles, whatever they subscribed to.
func (r *Record) HasTopic(topic string) bool {
	if event.RequiresAdmin(topic) && !r.Identity.IsAdmin() {
		return false
	}
	if _, ok := r.Topics[event.TopicAll]; ok {
		return true
	}
	_, ok := r.Topics[topic]
	return ok
}

// TopicList returns the subscribed topics in sorted order.
func (r *Record) TopicList() []string {
	out := make([]string, 0, len(r.Topics))
	for t := range r.Topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Stats summarizes the registry for operators.
type Stats struct {
	InstanceID  string         `json:"instance_id"`
	Connections int            `json:"connections"`
	ByTopic     map[string]int `json:"by_topic"`
	ByRole      map[string]int `json:"by_role"`
}

// Registry is the single shared-mutation point for connection state.
type Registry struct {
	mu         sync.RWMutex
	records    map[string]*Record
	instanceID string
	now        func() time.Time
}

// New creates an empty registry for the given local instance.
func New(instanceID string) *Registry {
	return &Registry{
		records:    make(map[string]*Record),
		instanceID: instanceID,
		now:        time.Now,
	}
}

// InstanceID returns the local instance the registry belongs to.
func (r *Registry) InstanceID() string {
	return r.instanceID
}

// Register stores a new connection and returns its freshly generated id.
func (r *Registry) Register(conn Conn, identity Identity, topics []string) string {
	id := uuid.NewString()
	rec := &Record{
		ID:          id,
		Identity:    identity,
		Topics:      toSet(nil, topics, nil),
		InstanceID:  r.instanceID,
		ConnectedAt: r.now().UTC(),
		Conn:        conn,
	}

	r.mu.Lock()
	r.records[id] = rec
	r.mu.Unlock()

	return id
}

// Subscribe adds topics to the connection. No-op if id is gone.
func (r *Registry) Subscribe(id string, topics []string) {
	r.update(id, func(cur map[string]struct{}) map[string]struct{} {
		return toSet(cur, topics, nil)
	})
}

// Unsubscribe removes topics from the connection. No-op if id is gone.
func (r *Registry) Unsubscribe(id string, topics []string) {
	r.update(id, func(cur map[string]struct{}) map[string]struct{} {
		return toSet(cur, nil, topics)
	})
}

func (r *Registry) update(id string, fn func(map[string]struct{}) map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.records[id]
	if !ok {
		return
	}
	next := *cur
	next.Topics = fn(cur.Topics)
	r.records[id] = &next
}

// Unregister removes the connection and reports whether it was present.
// Idempotent.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return false
	}
	delete(r.records, id)
	return true
}

// List returns a point-in-time snapshot of connection ids that receive
// events on topic.
func (r *Registry) List(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.records))
	for id, rec := range r.records {
		if rec.HasTopic(topic) {
			ids = append(ids, id)
		}
	}
	return ids
}

// All returns a snapshot of every connection id.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	return ids
}

// Lookup returns the current record for id. The returned record must be
// treated as read-only.
func (r *Registry) Lookup(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	return rec, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Stats returns connection counts by topic and role.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		InstanceID:  r.instanceID,
		Connections: len(r.records),
		ByTopic:     make(map[string]int),
		ByRole:      make(map[string]int),
	}
	for _, rec := range r.records {
		for t := range rec.Topics {
			s.ByTopic[t]++
		}
		s.ByRole[rec.Identity.Role]++
	}
	return s
}

// toSet returns a new set holding cur plus add minus remove.
func toSet(cur map[string]struct{}, add, remove []string) map[string]struct{} {
	out := make(map[string]struct{}, len(cur)+len(add))
	for t := range cur {
		out[t] = struct{}{}
	}
	for _, t := range add {
		if t != "" {
			out[t] = struct{}{}
		}
	}
	for _, t := range remove {
		delete(out, t)
	}
	return out
}
