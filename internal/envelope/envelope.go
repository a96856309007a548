// Package envelope models one unit of signed sensor telemetry.
package envelope

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// ErrMalformed is returned when an envelope is structurally unusable.
var ErrMalformed = errors.New("MALFORMED")

// MaxDeviceIDLength bounds device identifiers.
const MaxDeviceIDLength = 50

// Envelope is a single ingestion unit as submitted by a device.
type Envelope struct {
	DeviceID  string          `json:"device_id"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds, device clock
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}

// Time returns the envelope timestamp as a time.Time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// Check performs structural validation independent of any secret.
func (e Envelope) Check() error {
	if e.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", ErrMalformed)
	}
	if len(e.DeviceID) > MaxDeviceIDLength {
		return fmt.Errorf("%w: device_id exceeds %d characters", ErrMalformed, MaxDeviceIDLength)
	}
	if strings.ContainsAny(e.DeviceID, "\n\r") {
		return fmt.Errorf("%w: device_id contains a line break", ErrMalformed)
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp is required", ErrMalformed)
	}
	trimmed := bytes.TrimSpace(e.Payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: payload must be a JSON object", ErrMalformed)
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrMalformed)
	}
	return nil
}

// Canonical returns the bytes covered by the device signature:
// device_id, decimal timestamp and the whitespace-compacted payload, joined
// by newlines.
func (e Envelope) Canonical() ([]byte, error) {
	var payload bytes.Buffer
	if err := json.Compact(&payload, e.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var b bytes.Buffer
	b.Grow(len(e.DeviceID) + 24 + payload.Len())
	b.WriteString(e.DeviceID)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(e.Timestamp, 10))
	b.WriteByte('\n')
	b.Write(payload.Bytes())
	return b.Bytes(), nil
}

// Key returns the envelope identity used for idempotent persistence. Two
// submissions of the same reading (same device and timestamp) share a key.
func (e Envelope) Key() string {
	sum := blake3.Sum256([]byte(e.DeviceID + "\n" + strconv.FormatInt(e.Timestamp, 10)))
	return hex.EncodeToString(sum[:])
}

// Decode reads a JSON envelope, rejecting unknown fields and trailing data.
func Decode(r io.Reader) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("%w: trailing data after JSON object", ErrMalformed)
	}
	return env, nil
}
