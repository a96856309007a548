// Package device provides read access to registered sensor identities.
//
// The ingestion core only reads identities; registration and revocation
// are owned by the administrative side of the system.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when no identity is registered for a device id.
var ErrNotFound = errors.New("NOT_FOUND")

// Identity is an immutable registered sensor.
type Identity struct {
	DeviceID     string
	Secret       []byte
	RegisteredAt time.Time
	Revoked      bool
}

// Active reports whether the identity may submit readings.
func (i *Identity) Active() bool {
	return i != nil && !i.Revoked && len(i.Secret) > 0
}

// String redacts the secret.
func (i Identity) String() string {
	return fmt.Sprintf("Identity{DeviceID:%s Revoked:%t RegisteredAt:%s Secret:[redacted]}",
		i.DeviceID, i.Revoked, i.RegisteredAt.Format(time.RFC3339))
}

// Store looks up device identities.
type Store interface {
	Lookup(ctx context.Context, deviceID string) (*Identity, error)
}

// MemoryStore is a Store backed by a map, seeded from configuration.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]Identity
}

// NewMemoryStore creates an empty in-memory identity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{identities: make(map[string]Identity)}
}

// Put registers or replaces an identity.
func (s *MemoryStore) Put(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret := make([]byte, len(id.Secret))
	copy(secret, id.Secret)
	id.Secret = secret
	s.identities[id.DeviceID] = id
}

// Revoke marks a device as revoked. Unknown devices are ignored.
func (s *MemoryStore) Revoke(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.identities[deviceID]; ok {
		id.Revoked = true
		s.identities[deviceID] = id
	}
}

// Lookup returns a copy of the identity for deviceID.
func (s *MemoryStore) Lookup(_ context.Context, deviceID string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return &id, nil
}

var _ Store = (*MemoryStore)(nil)
