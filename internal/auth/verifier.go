package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/floodguard/floodguard/internal/registry"
)

// ErrInvalidToken wraps every token rejection.
var ErrInvalidToken = errors.New("invalid token")

// VerifierConfig holds configuration for JWT verification.
type VerifierConfig struct {
	// RS256 configuration
	PublicKeyPEM string
	JWKSURL      string

	// HS256 configuration
	SecretKey string

	Algorithm string // "RS256" or "HS256"

	JWKSRefreshInterval time.Duration
	JWKSCacheTimeout    time.Duration
}

// Verifier checks subscriber and operator bearer tokens. HS256 tokens are
// checked against a shared secret; RS256 tokens against a static public key,
// a JWKS endpoint, or both (tokens with a kid go to the JWKS).
type Verifier struct {
	config    VerifierConfig
	publicKey *rsa.PublicKey
	keys      *keySet
}

// NewVerifier creates a new JWT verifier.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	if config.JWKSRefreshInterval <= 0 {
		config.JWKSRefreshInterval = 5 * time.Minute
	}
	if config.JWKSCacheTimeout <= 0 {
		config.JWKSCacheTimeout = time.Hour
	}
	v := &Verifier{config: config}

	switch config.Algorithm {
	case "RS256":
		if config.PublicKeyPEM == "" && config.JWKSURL == "" {
			return nil, fmt.Errorf("RS256 requires a public key or a JWKS URL")
		}
		if config.PublicKeyPEM != "" {
			key, err := parseRSAPublicKey(config.PublicKeyPEM)
			if err != nil {
				return nil, fmt.Errorf("failed to load public key from PEM: %w", err)
			}
			v.publicKey = key
		}
		if config.JWKSURL != "" {
			v.keys = newKeySet(config.JWKSURL, config.JWKSRefreshInterval, config.JWKSCacheTimeout)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := v.keys.load(ctx); err != nil {
				return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
			}
		}
	case "HS256":
		if config.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires secret key")
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", config.Algorithm)
	}

	return v, nil
}

// VerifyToken verifies a JWT token and returns the claims.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("%w: token cannot be empty", ErrInvalidToken)
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.MapClaims{}, v.keyFunc,
		jwt.WithValidMethods([]string{v.config.Algorithm}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}
	return extractClaimsFromMap(*claims)
}

// Authenticate verifies credential and returns the subscriber identity it
// names.
func (v *Verifier) Authenticate(credential string) (registry.Identity, error) {
	claims, err := v.VerifyToken(credential)
	if err != nil {
		return registry.Identity{}, err
	}
	return claims.Identity(), nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	switch v.config.Algorithm {
	case "HS256":
		return []byte(v.config.SecretKey), nil
	case "RS256":
		kid, hasKid := token.Header["kid"].(string)
		if hasKid && v.keys != nil {
			return v.keys.key(context.Background(), kid)
		}
		if v.publicKey == nil {
			return nil, fmt.Errorf("no public key available")
		}
		return v.publicKey, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", v.config.Algorithm)
	}
}

// extractClaimsFromMap reads the subject and role out of raw claims.
func extractClaimsFromMap(claims jwt.MapClaims) (*Claims, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: missing or invalid 'sub' claim", ErrInvalidToken)
	}

	role, ok := claims["role"].(string)
	if !ok {
		roles, err := extractStringSlice(claims, "roles")
		if err != nil {
			return nil, fmt.Errorf("%w: missing role: %v", ErrInvalidToken, err)
		}
		role = registry.RoleUser
		for _, r := range roles {
			if r == registry.RoleAdmin {
				role = registry.RoleAdmin
			}
		}
	}
	if role == "" {
		return nil, fmt.Errorf("%w: empty 'role' claim", ErrInvalidToken)
	}

	return &Claims{Subject: sub, Role: role}, nil
}

// extractStringSlice extracts a string slice from claims.
func extractStringSlice(claims jwt.MapClaims, key string) ([]string, error) {
	value, ok := claims[key]
	if !ok {
		return nil, fmt.Errorf("missing claim: %s", key)
	}

	switch val := value.(type) {
	case []string:
		return val, nil
	case []interface{}:
		result := make([]string, len(val))
		for i, item := range val {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("invalid %s claim: not a string", key)
			}
			result[i] = str
		}
		return result, nil
	default:
		return nil, fmt.Errorf("invalid %s claim: not a string array", key)
	}
}

// parseRSAPublicKey decodes a PEM encoded PKIX RSA public key.
func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}
