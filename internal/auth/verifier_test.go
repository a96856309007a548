package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/floodguard/floodguard/internal/registry"
)

const testSecret = "test-secret-key"

func hsToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return s
}

func validClaims(sub, role string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
}

func newHSVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(VerifierConfig{Algorithm: "HS256", SecretKey: testSecret})
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}
	return v
}

func TestNewVerifier(t *testing.T) {
	tests := []struct {
		name    string
		config  VerifierConfig
		wantErr bool
	}{
		{
			name:   "RS256 with PEM",
			config: VerifierConfig{Algorithm: "RS256", PublicKeyPEM: generateTestRSAPublicKeyPEM(t)},
		},
		{
			name:    "RS256 with unreachable JWKS",
			config:  VerifierConfig{Algorithm: "RS256", JWKSURL: "http://127.0.0.1:1/jwks.json"},
			wantErr: true,
		},
		{
			name:    "RS256 without key material",
			config:  VerifierConfig{Algorithm: "RS256"},
			wantErr: true,
		},
		{
			name:    "RS256 with garbage PEM",
			config:  VerifierConfig{Algorithm: "RS256", PublicKeyPEM: "not a pem"},
			wantErr: true,
		},
		{
			name:   "HS256",
			config: VerifierConfig{Algorithm: "HS256", SecretKey: testSecret},
		},
		{
			name:    "HS256 without secret",
			config:  VerifierConfig{Algorithm: "HS256"},
			wantErr: true,
		},
		{
			name:    "unsupported algorithm",
			config:  VerifierConfig{Algorithm: "ES256"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier, err := NewVerifier(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewVerifier() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && verifier == nil {
				t.Error("NewVerifier() returned nil verifier")
			}
		})
	}
}

func TestVerifyHS256Token(t *testing.T) {
	verifier := newHSVerifier(t)

	claims, err := verifier.VerifyToken(hsToken(t, testSecret, validClaims("alice", "admin")))
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if claims.Subject != "alice" || claims.Role != "admin" {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestVerifyRS256Token(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	verifier, err := NewVerifier(VerifierConfig{
		Algorithm:    "RS256",
		PublicKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
	})
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims("bob", "resident"))
	tokenString, err := token.SignedString(privateKey)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	claims, err := verifier.VerifyToken(tokenString)
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if claims.Subject != "bob" {
		t.Errorf("Expected subject 'bob', got '%s'", claims.Subject)
	}
	if got := claims.Identity().Role; got != registry.RoleUser {
		t.Errorf("Expected non-admin role to map to %q, got %q", registry.RoleUser, got)
	}
}

func TestVerifyTokenErrors(t *testing.T) {
	verifier := newHSVerifier(t)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims("eve", "admin")).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("Failed to build none token: %v", err)
	}

	expired := validClaims("alice", "user")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	noExpiry := validClaims("alice", "user")
	delete(noExpiry, "exp")

	noSubject := validClaims("", "user")

	noRole := validClaims("alice", "")
	delete(noRole, "role")

	tests := []struct {
		name        string
		tokenString string
	}{
		{"empty token", ""},
		{"invalid token format", "invalid.token.here"},
		{"wrong secret", hsToken(t, "other-secret", validClaims("alice", "admin"))},
		{"alg none", noneToken},
		{"expired token", hsToken(t, testSecret, expired)},
		{"missing expiry", hsToken(t, testSecret, noExpiry)},
		{"missing subject", hsToken(t, testSecret, noSubject)},
		{"missing role", hsToken(t, testSecret, noRole)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.VerifyToken(tt.tokenString)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("VerifyToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestRolesArrayClaim(t *testing.T) {
	verifier := newHSVerifier(t)

	claims := validClaims("carol", "")
	delete(claims, "role")
	claims["roles"] = []string{"resident", "admin"}

	got, err := verifier.VerifyToken(hsToken(t, testSecret, claims))
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if got.Role != registry.RoleAdmin {
		t.Errorf("Expected admin from roles array, got %q", got.Role)
	}
}

func TestAuthenticate(t *testing.T) {
	verifier := newHSVerifier(t)

	id, err := verifier.Authenticate(hsToken(t, testSecret, validClaims("ops", "admin")))
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id != (registry.Identity{Subject: "ops", Role: registry.RoleAdmin}) {
		t.Errorf("unexpected identity %+v", id)
	}

	if _, err := verifier.Authenticate("garbage"); err == nil {
		t.Error("Authenticate() accepted a garbage credential")
	}
}

func TestBase64URLDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "unpadded", input: "dGVzdA", want: "test"},
		{name: "empty", input: "", want: ""},
		{name: "standard alphabet", input: "dGVzdA+", wantErr: true},
		{name: "padded", input: "dGVzdA==", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := base64URLDecode(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("base64URLDecode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(got) != tt.want {
				t.Errorf("base64URLDecode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJWKSVerification(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}

	var fetches int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		_ = json.NewEncoder(w).Encode(JWKSet{Keys: []JWK{{
			Kty: "RSA",
			Kid: "key-1",
			Use: "sig",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(privateKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.E)).Bytes()),
		}}})
	}))
	defer server.Close()

	verifier, err := NewVerifier(VerifierConfig{
		Algorithm:           "RS256",
		JWKSURL:             server.URL,
		JWKSRefreshInterval: time.Hour,
		JWKSCacheTimeout:    time.Hour,
	})
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	sign := func(kid string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims("dave", "user"))
		token.Header["kid"] = kid
		s, err := token.SignedString(privateKey)
		if err != nil {
			t.Fatalf("Failed to sign token: %v", err)
		}
		return s
	}

	for i := 0; i < 3; i++ {
		if _, err := verifier.VerifyToken(sign("key-1")); err != nil {
			t.Fatalf("VerifyToken() error = %v", err)
		}
	}
	if _, err := verifier.VerifyToken(sign("unknown")); err == nil {
		t.Error("token with unknown kid was accepted")
	}
	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Errorf("Expected a single JWKS fetch within the refresh interval, got %d", got)
	}
}

func generateTestRSAPublicKeyPEM(t *testing.T) string {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}
