// Package ingest runs sensor envelopes through authentication, validation,
// persistence and dispatch.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/floodguard/floodguard/internal/audit"
	"github.com/floodguard/floodguard/internal/classify"
	"github.com/floodguard/floodguard/internal/device"
	"github.com/floodguard/floodguard/internal/envelope"
	"github.com/floodguard/floodguard/internal/event"
	"github.com/floodguard/floodguard/internal/metrics"
	"github.com/floodguard/floodguard/internal/ratelimit"
	"github.com/floodguard/floodguard/internal/signature"
	"github.com/floodguard/floodguard/internal/storage"
	"github.com/floodguard/floodguard/internal/validate"
)

// Status is the terminal outcome of an ingestion.
type Status string

const (
	StatusAccepted         Status = "ACCEPTED"
	StatusRejected         Status = "REJECTED"
	StatusTransientFailure Status = "TRANSIENT_FAILURE"
)

// Stage is the furthest pipeline stage an envelope reached.
type Stage string

const (
	StageReceived   Stage = "RECEIVED"
	StageVerified   Stage = "VERIFIED"
	StageValidated  Stage = "VALIDATED"
	StagePersisted  Stage = "PERSISTED"
	StageDispatched Stage = "DISPATCHED"
)

// Rejection and failure reasons beyond the signature reasons.
const (
	ReasonMalformed           = "MALFORMED"
	ReasonRateLimited         = "RATE_LIMITED"
	ReasonDuplicate           = "DUPLICATE"
	ReasonValidationFailed    = "VALIDATION_FAILED"
	ReasonStorageUnavailable  = "STORAGE_UNAVAILABLE"
	ReasonIdentityUnavailable = "IDENTITY_UNAVAILABLE"
)

// Result describes what happened to one envelope.
type Result struct {
	Status     Status
	Stage      Stage
	Reason     string
	Field      string
	Key        string
	RiskLevel  classify.Level
	Event      *event.Event
	RetryAfter time.Duration
}

// IsAuthFailure reports whether the rejection came from device
// authentication.
func (r Result) IsAuthFailure() bool {
	switch signature.Reason(r.Reason) {
	case signature.ReasonUnknownDevice, signature.ReasonBadSignature, signature.ReasonStale:
		return true
	}
	return false
}

// Validator checks a payload and decodes the fields classification needs.
type Validator interface {
	Validate(payload json.RawMessage) (validate.Telemetry, error)
}

// Classifier derives a risk level from a reading.
type Classifier interface {
	Classify(waterLevelCm, rainfallMm float64) classify.Level
}

// Dispatcher receives derived events. It assigns origin and sequence and
// returns the event as delivered.
type Dispatcher interface {
	Dispatch(ev event.Event) event.Event
}

// AuditLogger records security-relevant outcomes.
type AuditLogger interface {
	LogAction(ctx context.Context, action, actor, outcome string, params map[string]interface{})
}

// Config tunes persistence retries and replay detection.
type Config struct {
	PersistAttempts       int
	PersistBackoffInitial time.Duration
	PersistBackoffMax     time.Duration
	ReplayCacheSize       int
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Devices    device.Store
	Verifier   *signature.Verifier
	Limiter    *ratelimit.Devices
	Validator  Validator
	Writer     storage.Writer
	Classifier Classifier
	Dispatcher Dispatcher
	Metrics    *metrics.Metrics
}

// Pipeline is safe for concurrent use; each Ingest call is independent.
type Pipeline struct {
	cfg  Config
	deps Deps

	auditLogger AuditLogger
	replay      *replayCache
	now         func() time.Time
}

// New creates a pipeline.
func New(deps Deps, cfg Config) *Pipeline {
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = 3
	}
	if cfg.PersistBackoffInitial <= 0 {
		cfg.PersistBackoffInitial = 100 * time.Millisecond
	}
	if cfg.PersistBackoffMax < cfg.PersistBackoffInitial {
		cfg.PersistBackoffMax = 2 * time.Second
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		replay: newReplayCache(cfg.ReplayCacheSize),
		now:    time.Now,
	}
}

// SetAuditLogger sets the audit logger.
func (p *Pipeline) SetAuditLogger(a AuditLogger) {
	p.auditLogger = a
}

// Ingest processes one envelope to a terminal result.
func (p *Pipeline) Ingest(ctx context.Context, env envelope.Envelope) Result {
	res := p.ingest(ctx, env)
	p.deps.Metrics.IngestResult(string(res.Status), res.Reason)

	ev := log.Info()
	if res.Status != StatusAccepted {
		ev = log.Warn()
	}
	ev.Str("device_id", env.DeviceID).
		Str("status", string(res.Status)).
		Str("stage", string(res.Stage)).
		Str("reason", res.Reason).
		Str("field", res.Field).
		Str("risk_level", string(res.RiskLevel)).
		Msg("ingest complete")
	return res
}

func (p *Pipeline) ingest(ctx context.Context, env envelope.Envelope) Result {
	now := p.now()

	// RECEIVED
	if err := env.Check(); err != nil {
		return Result{Status: StatusRejected, Stage: StageReceived, Reason: ReasonMalformed, Field: "envelope"}
	}
	key := env.Key()

	if p.deps.Limiter != nil {
		dec := p.deps.Limiter.Allow(env.DeviceID)
		if !dec.Allowed {
			if dec.Tripped {
				p.logAudit(ctx, audit.ActionRateLimit, env.DeviceID, "RATE_LIMITED", map[string]interface{}{
					"retryAfterMs": dec.RetryAfter.Milliseconds(),
				})
			}
			return Result{Status: StatusRejected, Stage: StageReceived, Reason: ReasonRateLimited, Key: key, RetryAfter: dec.RetryAfter}
		}
	}

	// VERIFIED
	id, err := p.deps.Devices.Lookup(ctx, env.DeviceID)
	if err != nil && !errors.Is(err, device.ErrNotFound) {
		log.Error().Err(err).Str("device_id", env.DeviceID).Msg("identity lookup failed")
		return Result{Status: StatusTransientFailure, Stage: StageReceived, Reason: ReasonIdentityUnavailable, Key: key, RetryAfter: p.cfg.PersistBackoffMax}
	}

	verdict := p.deps.Verifier.Verify(env, id, now)
	if !verdict.Valid {
		p.authFailure(ctx, env, string(verdict.Reason))
		return Result{Status: StatusRejected, Stage: StageReceived, Reason: string(verdict.Reason), Key: key}
	}

	window := p.deps.Verifier.Window()
	if !p.replay.reserve(key, env.Time().Add(window.Skew), now) {
		p.logAudit(ctx, audit.ActionIngest, env.DeviceID, ReasonDuplicate, map[string]interface{}{"key": key})
		return Result{Status: StatusRejected, Stage: StageVerified, Reason: ReasonDuplicate, Key: key}
	}

	// VALIDATED
	telemetry, err := p.deps.Validator.Validate(env.Payload)
	if err != nil {
		p.replay.release(key)
		field := ""
		var fe *validate.FieldError
		if errors.As(err, &fe) {
			field = fe.Field
		}
		return Result{Status: StatusRejected, Stage: StageVerified, Reason: ReasonValidationFailed, Field: field, Key: key}
	}

	// PERSISTED
	reading := storage.Reading{
		Key:        key,
		DeviceID:   env.DeviceID,
		RecordedAt: env.Time(),
		ReceivedAt: now.UTC(),
		Payload:    env.Payload,
	}
	start := time.Now()
	err = p.persist(ctx, reading)
	p.deps.Metrics.ObservePersist(time.Since(start))
	if errors.Is(err, storage.ErrDuplicate) {
		// Accepted earlier, by a sibling replica or before a restart.
		p.logAudit(ctx, audit.ActionIngest, env.DeviceID, ReasonDuplicate, map[string]interface{}{"key": key, "stage": string(StageValidated)})
		return Result{Status: StatusRejected, Stage: StageValidated, Reason: ReasonDuplicate, Key: key}
	}
	if err != nil {
		p.replay.release(key)
		log.Error().Err(err).Str("device_id", env.DeviceID).Str("key", key).Msg("persist failed, not dispatching")
		return Result{Status: StatusTransientFailure, Stage: StageValidated, Reason: ReasonStorageUnavailable, Key: key, RetryAfter: p.cfg.PersistBackoffMax}
	}

	// DISPATCHED
	level := p.deps.Classifier.Classify(telemetry.WaterLevel(), telemetry.Rainfall())
	ev, err := p.deriveEvent(env, key, level)
	if err != nil {
		// The reading is durable; a derivation problem only costs the broadcast.
		log.Error().Err(err).Str("key", key).Msg("derive event failed")
		return Result{Status: StatusAccepted, Stage: StagePersisted, Key: key, RiskLevel: level}
	}
	ev = p.deps.Dispatcher.Dispatch(ev)

	return Result{Status: StatusAccepted, Stage: StageDispatched, Key: key, RiskLevel: level, Event: &ev}
}

func (p *Pipeline) authFailure(ctx context.Context, env envelope.Envelope, reason string) {
	blocked := false
	if p.deps.Limiter != nil {
		blocked = p.deps.Limiter.RecordAuthFailure(env.DeviceID)
	}
	p.logAudit(ctx, audit.ActionIngest, env.DeviceID, reason, map[string]interface{}{
		"timestamp": env.Timestamp,
	})
	if blocked {
		p.logAudit(ctx, audit.ActionRateLimit, env.DeviceID, "BLOCKED", map[string]interface{}{
			"cause": "auth_failures",
		})
	}
}

// persist writes the reading, retrying with exponential backoff. A
// duplicate on the first attempt is returned as storage.ErrDuplicate; on a
// later attempt it is our own earlier write that reported failure.
func (p *Pipeline) persist(ctx context.Context, r storage.Reading) error {
	delay := p.cfg.PersistBackoffInitial
	for attempt := 1; ; attempt++ {
		err := p.deps.Writer.Persist(ctx, r)
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrDuplicate) {
			if attempt > 1 {
				return nil
			}
			return err
		}
		if attempt >= p.cfg.PersistAttempts {
			return fmt.Errorf("persist after %d attempts: %w", attempt, err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Str("key", r.Key).Msg("persist failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("persist interrupted: %w", ctx.Err())
		case <-timer.C:
		}
		delay *= 2
		if delay > p.cfg.PersistBackoffMax {
			delay = p.cfg.PersistBackoffMax
		}
	}
}

type riskPayload struct {
	RiskLevel  classify.Level  `json:"risk_level"`
	DeviceID   string          `json:"device_id"`
	ReadingKey string          `json:"reading_key"`
	RecordedAt time.Time       `json:"recorded_at"`
	Telemetry  json.RawMessage `json:"telemetry"`
}

func (p *Pipeline) deriveEvent(env envelope.Envelope, key string, level classify.Level) (event.Event, error) {
	payload, err := json.Marshal(riskPayload{
		RiskLevel:  level,
		DeviceID:   env.DeviceID,
		ReadingKey: key,
		RecordedAt: env.Time(),
		Telemetry:  env.Payload,
	})
	if err != nil {
		return event.Event{}, err
	}

	ev := event.Event{Type: event.TypeRiskUpdate, Topic: event.TopicRiskUpdate, Payload: payload}
	if level == classify.Critical {
		ev.Type = event.TypeEmergencyAlert
		ev.Topic = event.TopicEmergencyAlert
	}
	return ev, nil
}

// ErrUnknownTopic is returned by Announce for topics that cannot carry
// announcements.
var ErrUnknownTopic = errors.New("unknown announcement topic")

// Announce publishes an operator-originated event, such as an emergency
// alert, a system notification or an admin message, through the normal
// dispatch path.
func (p *Pipeline) Announce(ctx context.Context, actor, topic string, payload interface{}) (event.Event, error) {
	var eventType string
	switch topic {
	case event.TopicEmergencyAlert:
		eventType = event.TypeEmergencyAlert
	case event.TopicSystemNotification:
		eventType = event.TypeSystemNotification
	case event.TopicRiskUpdate:
		eventType = event.TypeRiskUpdate
	case event.TopicAdmin:
		eventType = event.TypeAdminMessage
	default:
		p.logAudit(ctx, audit.ActionAnnounce, actor, "INVALID_TOPIC", map[string]interface{}{"topic": topic})
		return event.Event{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("encode announcement: %w", err)
	}

	ev := p.deps.Dispatcher.Dispatch(event.Event{Type: eventType, Topic: topic, Payload: raw})

	p.logAudit(ctx, audit.ActionAnnounce, actor, "SUCCESS", map[string]interface{}{
		"topic":    topic,
		"sequence": ev.Sequence,
	})
	log.Info().Str("actor", actor).Str("topic", topic).Uint64("sequence", ev.Sequence).Msg("announcement dispatched")
	return ev, nil
}

func (p *Pipeline) logAudit(ctx context.Context, action, actor, outcome string, params map[string]interface{}) {
	if p.auditLogger != nil {
		p.auditLogger.LogAction(ctx, action, actor, outcome, params)
	}
}
