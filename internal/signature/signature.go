// Package signature verifies per-device HMAC signatures on telemetry
// envelopes and enforces the timestamp skew window used for replay defense.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/floodguard/floodguard/internal/device"
	"github.com/floodguard/floodguard/internal/envelope"
)

// Reason explains a verification outcome.
type Reason string

// Verification reasons.
const (
	ReasonOK            Reason = "OK"
	ReasonUnknownDevice Reason = "UNKNOWN_DEVICE"
	ReasonBadSignature  Reason = "BAD_SIGNATURE"
	ReasonStale         Reason = "STALE"
)

// Result is the outcome of a verification. Rejections are values, not errors.
type Result struct {
	Valid  bool
	Reason Reason
}

func reject(reason Reason) Result {
	return Result{Valid: false, Reason: reason}
}

// Window bounds accepted device timestamps relative to the server clock.
type Window struct {
	// Skew is how far in the past a timestamp may be.
	Skew time.Duration
	// Future is how far ahead of the server clock a timestamp may be.
	Future time.Duration
}

// DefaultWindow is a five minute replay window with thirty seconds of
// tolerance for device clocks running ahead.
var DefaultWindow = Window{Skew: 5 * time.Minute, Future: 30 * time.Second}

// Verifier checks envelopes against device identities.
type Verifier struct {
	window Window
}

// NewVerifier creates a verifier with the given window.
func NewVerifier(window Window) *Verifier {
	return &Verifier{window: window}
}

// Window returns the accepted timestamp window.
func (v *Verifier) Window() Window {
	return v.window
}

// Verify checks env against id at server time now. A nil or revoked
// identity is UNKNOWN_DEVICE; a signature mismatch is BAD_SIGNATURE; a
// correctly signed envelope outside the window is STALE.
func (v *Verifier) Verify(env envelope.Envelope, id *device.Identity, now time.Time) Result {
	if !id.Active() || id.DeviceID != env.DeviceID {
		return reject(ReasonUnknownDevice)
	}

	expected, err := compute(id.Secret, env)
	if err != nil {
		return reject(ReasonBadSignature)
	}
	given, err := hex.DecodeString(env.Signature)
	if err != nil || !hmac.Equal(given, expected) {
		return reject(ReasonBadSignature)
	}

	ts := env.Time()
	if ts.Before(now.Add(-v.window.Skew)) || ts.After(now.Add(v.window.Future)) {
		return reject(ReasonStale)
	}

	return Result{Valid: true, Reason: ReasonOK}
}

// Sign returns the lowercase hex HMAC-SHA256 of the envelope's canonical
// bytes under secret.
func Sign(secret []byte, env envelope.Envelope) (string, error) {
	mac, err := compute(secret, env)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac), nil
}

func compute(secret []byte, env envelope.Envelope) ([]byte, error) {
	canonical, err := env.Canonical()
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return mac.Sum(nil), nil
}
