// Package storage persists accepted sensor readings.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrDuplicate is returned by Persist when a reading with the same Key is
// already stored. The stored record is left untouched.
var ErrDuplicate = errors.New("reading already stored")

// Reading is one accepted telemetry envelope as recorded by the service.
type Reading struct {
	Key        string          // envelope identity key, unique per (device, timestamp)
	DeviceID   string
	RecordedAt time.Time       // device clock
	ReceivedAt time.Time       // server clock
	Payload    json.RawMessage
}

// Writer durably records readings. Persisting the same Key twice must
// leave a single record and report ErrDuplicate the second time.
type Writer interface {
	Persist(ctx context.Context, r Reading) error
}

// MemoryWriter keeps readings in process memory.
type MemoryWriter struct {
	mu       sync.RWMutex
	readings map[string]Reading
	order    []string
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{readings: make(map[string]Reading)}
}

func (w *MemoryWriter) Persist(ctx context.Context, r Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.readings[r.Key]; ok {
		return ErrDuplicate
	}
	r.Payload = append(json.RawMessage(nil), r.Payload...)
	w.readings[r.Key] = r
	w.order = append(w.order, r.Key)
	return nil
}

// Get returns the reading stored under key.
func (w *MemoryWriter) Get(key string) (Reading, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.readings[key]
	return r, ok
}

// Len returns the number of stored readings.
func (w *MemoryWriter) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.readings)
}

// Recent returns up to n readings, newest first.
func (w *MemoryWriter) Recent(n int) []Reading {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Reading, 0, n)
	for i := len(w.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, w.readings[w.order[i]])
	}
	return out
}

var _ Writer = (*MemoryWriter)(nil)
