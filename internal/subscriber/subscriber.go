// Package subscriber serves websocket subscriptions: it authenticates the
// handshake, registers the connection and pumps events between the socket
// and the connection's outbound queue.
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/floodguard/floodguard/internal/audit"
	"github.com/floodguard/floodguard/internal/auth"
	"github.com/floodguard/floodguard/internal/broadcast"
	"github.com/floodguard/floodguard/internal/event"
	"github.com/floodguard/floodguard/internal/metrics"
	"github.com/floodguard/floodguard/internal/registry"
)

// Authenticator resolves a handshake credential to an identity.
type Authenticator interface {
	Authenticate(credential string) (registry.Identity, error)
}

// AuditLogger records refused handshakes.
type AuditLogger interface {
	LogAction(ctx context.Context, action, actor, outcome string, params map[string]interface{})
}

// Config tunes websocket sessions.
type Config struct {
	Outbound       broadcast.OutboundConfig
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	DefaultTopics  []string
	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string
}

func (c *Config) applyDefaults() {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if len(c.DefaultTopics) == 0 {
		c.DefaultTopics = []string{event.TopicAll}
	}
}

// Handler upgrades authenticated requests to subscriber sessions.
type Handler struct {
	cfg      Config
	auth     Authenticator
	registry *registry.Registry
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	auditLogger AuditLogger
}

// NewHandler creates a websocket handler.
func NewHandler(a Authenticator, reg *registry.Registry, m *metrics.Metrics, cfg Config) *Handler {
	cfg.applyDefaults()
	h := &Handler{
		cfg:      cfg,
		auth:     a,
		registry: reg,
		metrics:  m,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetAuditLogger sets the audit logger for refused handshakes.
func (h *Handler) SetAuditLogger(a AuditLogger) {
	h.auditLogger = a
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// Credential reads the token from the query string or a bearer header.
func Credential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	token, err := auth.BearerToken(r)
	if err != nil {
		return ""
	}
	return token
}

// ParseTopics splits a comma separated topic list and rejects unknown
// topics. An empty list returns nil.
func ParseTopics(raw string) ([]string, error) {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !event.IsKnownTopic(t) {
			return nil, &TopicError{Topic: t}
		}
		topics = append(topics, t)
	}
	return topics, nil
}

// TopicError names a topic nobody can subscribe to.
type TopicError struct {
	Topic string
}

func (e *TopicError) Error() string {
	return "unknown topic: " + e.Topic
}

// ForbiddenTopicError names a topic the identity's role may not receive.
type ForbiddenTopicError struct {
	Topic string
}

func (e *ForbiddenTopicError) Error() string {
	return "topic requires the admin role: " + e.Topic
}

// AuthorizeTopics checks that identity may subscribe to every topic.
func AuthorizeTopics(identity registry.Identity, topics []string) error {
	if identity.IsAdmin() {
		return nil
	}
	for _, t := range topics {
		if event.RequiresAdmin(t) {
			return &ForbiddenTopicError{Topic: t}
		}
	}
	return nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cred := Credential(r)
	if cred == "" {
		h.refuse(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", "anonymous")
		return
	}
	identity, err := h.auth.Authenticate(cred)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket handshake rejected")
		h.refuse(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token", "anonymous")
		return
	}

	topics, err := ParseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		h.refuse(w, r, http.StatusBadRequest, "INVALID_TOPIC", err.Error(), identity.Subject)
		return
	}
	if len(topics) == 0 {
		topics = h.cfg.DefaultTopics
	}
	if err := AuthorizeTopics(identity, topics); err != nil {
		h.refuse(w, r, http.StatusForbidden, "FORBIDDEN_TOPIC", err.Error(), identity.Subject)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		log.Warn().Err(err).Str("subject", identity.Subject).Msg("websocket upgrade failed")
		return
	}

	out := broadcast.NewOutbound(h.cfg.Outbound)
	id := h.registry.Register(out, identity, topics)
	h.metrics.SetConnections(h.registry.Count())
	log.Info().Str("connection_id", id).Str("subject", identity.Subject).Str("role", identity.Role).
		Strs("topics", topics).Msg("subscriber connected")

	s := &session{
		id:       id,
		identity: identity,
		cfg:      h.cfg,
		conn:     conn,
		out:      out,
		registry: h.registry,
	}
	s.reply(event.TypeConnectionEstablished, map[string]interface{}{
		"connection_id": id,
		"instance_id":   h.registry.InstanceID(),
		"subject":       identity.Subject,
		"role":          identity.Role,
		"topics":        topics,
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()
	s.readPump()

	out.Close(broadcast.ReasonClient)
	<-writerDone
	h.registry.Unregister(id)

	reason := out.Reason()
	h.metrics.Disconnected(reason)
	h.metrics.SetConnections(h.registry.Count())
	log.Info().Str("connection_id", id).Str("reason", reason).Msg("subscriber disconnected")
}

func (h *Handler) refuse(w http.ResponseWriter, r *http.Request, status int, code, message, actor string) {
	if h.auditLogger != nil {
		h.auditLogger.LogAction(r.Context(), audit.ActionSubscribe, actor, code, map[string]interface{}{
			"remote": r.RemoteAddr,
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

// session is one live websocket. The read pump runs on the HTTP handler
// goroutine; the write pump owns every write to conn.
type session struct {
	id       string
	identity registry.Identity
	cfg      Config
	conn     *websocket.Conn
	out      *broadcast.Outbound
	registry *registry.Registry
}

type clientMessage struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

func (s *session) reply(eventType string, data interface{}) {
	if err := s.out.Send(event.Control(eventType, data)); err != nil && !errors.Is(err, broadcast.ErrClosed) {
		log.Debug().Err(err).Str("connection_id", s.id).Str("type", eventType).Msg("control reply not queued")
	}
}

func (s *session) readPump() {
	defer s.conn.Close()

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("connection_id", s.id).Msg("websocket read failed")
			}
			return
		}
		// Any client traffic proves liveness.
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		s.handle(data)
	}
}

func (s *session) handle(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.reply(event.TypeError, map[string]string{"message": "invalid JSON"})
		return
	}

	switch msg.Type {
	case "subscribe", "unsubscribe":
		for _, t := range msg.Topics {
			if !event.IsKnownTopic(t) {
				s.reply(event.TypeError, map[string]string{"message": "unknown topic: " + t})
				return
			}
		}
		reply := event.TypeSubscribed
		if msg.Type == "subscribe" {
			if err := AuthorizeTopics(s.identity, msg.Topics); err != nil {
				s.reply(event.TypeError, map[string]string{"message": err.Error()})
				return
			}
			s.registry.Subscribe(s.id, msg.Topics)
		} else {
			s.registry.Unsubscribe(s.id, msg.Topics)
			reply = event.TypeUnsubscribed
		}
		var current []string
		if rec, ok := s.registry.Lookup(s.id); ok {
			current = rec.TopicList()
		}
		s.reply(reply, map[string]interface{}{"topics": msg.Topics, "subscriptions": current})
	case "ping":
		s.reply(event.TypePong, map[string]interface{}{"timestamp": time.Now().UTC()})
	default:
		s.reply(event.TypeError, map[string]string{"message": "unknown message type: " + msg.Type})
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.out.Ready():
			for {
				ev, ok := s.out.Pop()
				if !ok {
					break
				}
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
				if err := s.conn.WriteJSON(ev); err != nil {
					s.out.Close(broadcast.ReasonWriteError)
					return
				}
			}

		case <-s.out.Done():
			s.goodbye(s.out.Reason())
			return

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.out.Close(broadcast.ReasonWriteError)
				return
			}
		}
	}
}

// goodbye sends a close frame that tells the client why it was dropped.
func (s *session) goodbye(reason string) {
	code := websocket.CloseNormalClosure
	switch reason {
	case broadcast.ReasonSlowConsumer:
		code = websocket.CloseTryAgainLater
	case broadcast.ReasonShutdown:
		code = websocket.CloseGoingAway
	case broadcast.ReasonClient, broadcast.ReasonWriteError:
		return
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(s.cfg.WriteWait))
}
