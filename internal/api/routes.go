//
//
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/floodguard/floodguard/internal/auth"
	"github.com/floodguard/floodguard/internal/envelope"
	"github.com/floodguard/floodguard/internal/event"
	"github.com/floodguard/floodguard/internal/ingest"
)

// SignatureHeader carries the envelope HMAC when it is not in the body.
const SignatureHeader = "X-Sensor-Signature"

// RegisterRoutes registers all v1 endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	apiV1 := "/api/v1"

	mux.HandleFunc(apiV1+"/health", s.handleHealth)
	mux.HandleFunc(apiV1+"/sensor-data/ingest", s.handleIngest)

	if s.opts.Subscribers != nil {
		// The subscriber handler authenticates the handshake itself so
		// browsers can pass the token in the query string.
		mux.Handle(apiV1+"/ws", s.opts.Subscribers)
	}
	if s.opts.Streams != nil {
		mux.Handle(apiV1+"/events", s.opts.Streams)
	}
	if s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics)
	}

	admin := s.requireAdmin
	mux.HandleFunc(apiV1+"/alerts/emergency", admin(s.announceHandler(event.TopicEmergencyAlert)))
	mux.HandleFunc(apiV1+"/notifications", admin(s.announceHandler(event.TopicSystemNotification)))
	mux.HandleFunc(apiV1+"/admin/messages", admin(s.announceHandler(event.TopicAdmin)))
	mux.HandleFunc(apiV1+"/connections", admin(s.handleConnections))
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.AuthMiddleware == nil {
		// Operator endpoints are never served unauthenticated.
		return func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Operator authentication is not configured", nil)
		}
	}
	return s.opts.AuthMiddleware.RequireAdmin(next)
}

// handleIngest handles POST /sensor-data/ingest.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			"Only POST method is allowed", nil)
		return
	}
	if s.opts.Pipeline == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Ingestion not available", nil)
		return
	}

	env, err := envelope.Decode(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "MALFORMED", "Request body too large", nil)
			return
		}
		writeAPIError(w, err)
		return
	}
	if sig := strings.TrimSpace(r.Header.Get(SignatureHeader)); sig != "" {
		if env.Signature != "" && env.Signature != sig {
			WriteError(w, http.StatusBadRequest, "MALFORMED",
				"Signature header and body disagree", nil)
			return
		}
		env.Signature = sig
	}

	res := s.opts.Pipeline.Ingest(r.Context(), env)
	writeIngestResult(w, res)
}

func writeIngestResult(w http.ResponseWriter, res ingest.Result) {
	status, code := ingestStatus(res)
	if status == http.StatusAccepted {
		data := map[string]interface{}{
			"status":      res.Status,
			"reading_key": res.Key,
			"risk_level":  res.RiskLevel,
		}
		if res.Event != nil {
			data["topic"] = res.Event.Topic
			data["sequence"] = res.Event.Sequence
		}
		WriteAccepted(w, data)
		return
	}

	if res.RetryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(res.RetryAfter))
	}
	details := map[string]interface{}{
		"status": res.Status,
		"stage":  res.Stage,
		"reason": res.Reason,
	}
	if code == "AUTH_FAILURE" {
		// Unknown device and bad signature must look the same to callers;
		// the precise reason stays in the log and the audit trail.
		details = map[string]interface{}{"status": res.Status, "reason": code}
	}
	if res.Field != "" {
		details["field"] = res.Field
	}
	WriteError(w, status, code, ingestMessage(code), details)
}

func ingestMessage(code string) string {
	switch code {
	case "AUTH_FAILURE":
		return "Envelope failed device authentication"
	case "MALFORMED":
		return "Envelope is malformed"
	case "DUPLICATE":
		return "Envelope was already accepted"
	case "VALIDATION_FAILURE":
		return "Payload failed validation"
	case "RATE_LIMITED":
		return "Too many requests from this device"
	case "TRANSIENT_FAILURE":
		return "Temporarily unable to accept readings, retry later"
	default:
		return "Envelope rejected"
	}
}

// announceHandler handles operator announcements on topic.
func (s *Server) announceHandler(topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
				"Only POST method is allowed", nil)
			return
		}
		if s.opts.Pipeline == nil {
			WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Dispatch not available", nil)
			return
		}

		payload, err := decodeAnnouncement(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}

		actor := "unknown"
		if claims := auth.GetClaimsFromRequest(r); claims != nil {
			actor = claims.Subject
		}
		payload["issued_by"] = actor

		ev, err := s.opts.Pipeline.Announce(r.Context(), actor, topic, payload)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		WriteAccepted(w, map[string]interface{}{
			"type":      ev.Type,
			"topic":     ev.Topic,
			"sequence":  ev.Sequence,
			"origin":    ev.OriginInstance,
			"timestamp": ev.Timestamp,
		})
	}
}

// decodeAnnouncement reads a JSON object with a non-empty message.
func decodeAnnouncement(body io.Reader) (map[string]interface{}, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.New("unable to read request body")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil || payload == nil {
		return nil, errors.New("body must be a JSON object")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("trailing data after JSON object")
	}
	msg, _ := payload["message"].(string)
	if strings.TrimSpace(msg) == "" {
		return nil, errors.New("message is required")
	}
	return payload, nil
}

// handleConnections handles GET /connections.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			"Only GET method is allowed", nil)
		return
	}
	if s.opts.Stats == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Registry not available", nil)
		return
	}
	WriteSuccess(w, s.opts.Stats.Stats())
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			"Only GET method is allowed", nil)
		return
	}

	subsystems := s.checkSubsystemHealth(r.Context())
	overallStatus := "ok"
	for _, status := range subsystems {
		if status != "ok" {
			overallStatus = "degraded"
		}
	}

	health := map[string]interface{}{
		"status":     overallStatus,
		"uptimeSec":  time.Since(s.startTime).Seconds(),
		"version":    s.opts.Version,
		"subsystems": subsystems,
	}

	if overallStatus == "ok" {
		WriteSuccess(w, health)
		return
	}
	WriteError(w, http.StatusServiceUnavailable, "SERVICE_DEGRADED",
		"One or more subsystems are unavailable", health)
}

func (s *Server) checkSubsystemHealth(ctx context.Context) map[string]string {
	s.mu.Lock()
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out := make(map[string]string, len(checks))
	for name, check := range checks {
		if err := check(ctx); err != nil {
			out[name] = err.Error()
			continue
		}
		out[name] = "ok"
	}
	return out
}
