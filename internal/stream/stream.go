//
//
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/floodguard/floodguard/internal/audit"
	"github.com/floodguard/floodguard/internal/broadcast"
	"github.com/floodguard/floodguard/internal/event"
	"github.com/floodguard/floodguard/internal/metrics"
	"github.com/floodguard/floodguard/internal/registry"
	"github.com/floodguard/floodguard/internal/subscriber"
)

// Config tunes event streams.
type Config struct {
	Outbound      broadcast.OutboundConfig
	DefaultTopics []string
	// WriteWait bounds a single frame write. A client that stops reading
	// is dropped once it elapses.
	WriteWait time.Duration
}

// Handler streams registry events to authenticated SSE clients.
type Handler struct {
	cfg      Config
	auth     subscriber.Authenticator
	registry *registry.Registry
	metrics  *metrics.Metrics

	auditLogger subscriber.AuditLogger
}

// NewHandler creates an SSE handler over reg.
func NewHandler(a subscriber.Authenticator, reg *registry.Registry, m *metrics.Metrics, cfg Config) *Handler {
	if len(cfg.DefaultTopics) == 0 {
		cfg.DefaultTopics = []string{event.TopicAll}
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &Handler{
		cfg:      cfg,
		auth:     a,
		registry: reg,
		metrics:  m,
	}
}

// SetAuditLogger sets the audit logger for refused streams.
func (h *Handler) SetAuditLogger(a subscriber.AuditLogger) {
	h.auditLogger = a
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.refuse(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET method is allowed", "anonymous")
		return
	}
	cred := subscriber.Credential(r)
	if cred == "" {
		h.refuse(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", "anonymous")
		return
	}
	identity, err := h.auth.Authenticate(cred)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("event stream rejected")
		h.refuse(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token", "anonymous")
		return
	}
	topics, err := subscriber.ParseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		h.refuse(w, r, http.StatusBadRequest, "INVALID_TOPIC", err.Error(), identity.Subject)
		return
	}
	if len(topics) == 0 {
		topics = h.cfg.DefaultTopics
	}
	if err := subscriber.AuthorizeTopics(identity, topics); err != nil {
		h.refuse(w, r, http.StatusForbidden, "FORBIDDEN_TOPIC", err.Error(), identity.Subject)
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout; each frame gets its own
	// deadline instead.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Warn().Err(err).Msg("failed to clear write deadline")
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	out := broadcast.NewOutbound(h.cfg.Outbound)
	id := h.registry.Register(out, identity, topics)
	h.metrics.SetConnections(h.registry.Count())
	log.Info().Str("connection_id", id).Str("subject", identity.Subject).
		Strs("topics", topics).Msg("event stream opened")

	c := &client{w: w, rc: rc, writeWait: h.cfg.WriteWait}
	err = c.send(event.Control(event.TypeConnectionEstablished, map[string]interface{}{
		"connection_id": id,
		"instance_id":   h.registry.InstanceID(),
		"subject":       identity.Subject,
		"role":          identity.Role,
		"topics":        topics,
		"transport":     "sse",
	}))
	if err != nil {
		out.Close(broadcast.ReasonWriteError)
	}

	// Blocks until the client goes away or the outbound queue closes.
	c.pump(r, out)

	h.registry.Unregister(id)
	reason := out.Reason()
	h.metrics.Disconnected(reason)
	h.metrics.SetConnections(h.registry.Count())
	log.Info().Str("connection_id", id).Str("reason", reason).Msg("event stream closed")
}

func (h *Handler) refuse(w http.ResponseWriter, r *http.Request, status int, code, message, actor string) {
	if h.auditLogger != nil {
		h.auditLogger.LogAction(r.Context(), audit.ActionSubscribe, actor, code, map[string]interface{}{
			"remote":    r.RemoteAddr,
			"transport": "sse",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"result":  "error",
		"code":    code,
		"message": message,
	})
}

type client struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	rc        *http.ResponseController
	writeWait time.Duration
}

func (c *client) pump(r *http.Request, out *broadcast.Outbound) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		// A closed queue must also unblock a write that is stuck on a
		// client that stopped reading.
		select {
		case <-out.Done():
			_ = c.rc.SetWriteDeadline(time.Now())
		case <-stop:
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			out.Close(broadcast.ReasonClient)
			return
		case <-out.Done():
			return
		case <-out.Ready():
			for {
				ev, ok := out.Pop()
				if !ok {
					break
				}
				if err := c.send(ev); err != nil {
					out.Close(broadcast.ReasonWriteError)
					return
				}
			}
		}
	}
}

// send writes one SSE frame and flushes it.
func (c *client) send(ev event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.rc.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if id := FrameID(ev); id != "" {
		if _, err := fmt.Fprintf(c.w, "id: %s\n", id); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return c.rc.Flush()
}

// FrameID identifies a sequenced event across replicas. Control events have
// no id.
func FrameID(ev event.Event) string {
	if ev.Sequence == 0 {
		return ""
	}
	return ev.OriginInstance + "/" + ev.Topic + "/" + strconv.FormatUint(ev.Sequence, 10)
}
