//
//
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/floodguard/floodguard/internal/audit"
	"github.com/floodguard/floodguard/internal/registry"
)

// Claims are the token fields the service acts on.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
}

// Identity converts claims to a registry identity. Any role other than
// admin is treated as a plain user.
func (c *Claims) Identity() registry.Identity {
	role := registry.RoleUser
	if c.Role == registry.RoleAdmin {
		role = registry.RoleAdmin
	}
	return registry.Identity{Subject: c.Subject, Role: role}
}

// ContextKey is used for storing claims in request context.
type ContextKey string

const (
	ClaimsKey ContextKey = "claims"
)

// TokenVerifier turns a bearer token into claims.
type TokenVerifier interface {
	VerifyToken(token string) (*Claims, error)
}

// AuditLogger records refused operator requests.
type AuditLogger interface {
	LogAction(ctx context.Context, action, actor, outcome string, params map[string]interface{})
}

// Middleware guards operator endpoints.
type Middleware struct {
	verifier    TokenVerifier
	auditLogger AuditLogger
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(verifier TokenVerifier) *Middleware {
	return &Middleware{verifier: verifier}
}

// SetAuditLogger sets the audit logger for refused requests.
func (m *Middleware) SetAuditLogger(a AuditLogger) {
	m.auditLogger = a
}

// RequireAuth admits requests carrying a valid bearer token and stores its
// claims in the request context.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r)
		if err != nil {
			m.deny(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", "anonymous")
			return
		}

		claims, err := m.verifier.VerifyToken(token)
		if err != nil {
			m.deny(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token", "anonymous")
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		next(w, r.WithContext(ctx))
	}
}

// RequireRole admits authenticated callers holding one of roles. It must
// run after RequireAuth.
func (m *Middleware) RequireRole(roles ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaimsFromRequest(r)
			if claims == nil {
				m.deny(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", "anonymous")
				return
			}
			if !hasRequiredRoles(claims, roles) {
				m.deny(w, r, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions", claims.Subject)
				return
			}
			next(w, r)
		}
	}
}

// RequireAdmin is RequireAuth followed by RequireRole(admin).
func (m *Middleware) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return m.RequireAuth(m.RequireRole(registry.RoleAdmin)(next))
}

func (m *Middleware) deny(w http.ResponseWriter, r *http.Request, status int, code, message, actor string) {
	if m.auditLogger != nil {
		m.auditLogger.LogAction(r.Context(), audit.ActionOperator, actor, code, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"remote": r.RemoteAddr,
		})
	}
	writeError(w, status, code, message, nil)
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errors.New("invalid Authorization header format")
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

// hasRequiredRoles reports whether claims carry any of roles. No roles
// means any authenticated caller.
func hasRequiredRoles(claims *Claims, roles []string) bool {
	if claims == nil {
		return false
	}
	if len(roles) == 0 {
		return true
	}
	role := claims.Identity().Role
	for _, required := range roles {
		if role == required {
			return true
		}
	}
	return false
}

// GetClaimsFromRequest extracts claims from the request context.
func GetClaimsFromRequest(r *http.Request) *Claims {
	claims, _ := r.Context().Value(ClaimsKey).(*Claims)
	return claims
}

// writeError writes an error in the API response envelope.
func writeError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	body := map[string]interface{}{
		"result":        "error",
		"code":          code,
		"message":       message,
		"correlationId": uuid.NewString(),
	}
	if details != nil {
		body["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
