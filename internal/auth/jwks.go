package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// JWK is one RSA signing key as published in a JWKS document.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet is a JWKS document.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// keySet caches the RS256 keys of an identity provider. Lookups for an
// unknown kid trigger at most one refetch per refresh interval so a flood of
// forged kids cannot hammer the provider.
type keySet struct {
	url     string
	client  *http.Client
	refresh time.Duration
	ttl     time.Duration

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time

	// fetchMu serializes refetches and is never held together with mu.
	fetchMu sync.Mutex
}

func newKeySet(url string, refresh, ttl time.Duration) *keySet {
	return &keySet{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		refresh: refresh,
		ttl:     ttl,
		keys:    make(map[string]*rsa.PublicKey),
	}
}

// key returns the key named kid.
func (s *keySet) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if k, ok := s.cached(kid); ok {
		return k, nil
	}

	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	// Another caller may have refreshed while we waited.
	if k, ok := s.cached(kid); ok {
		return k, nil
	}
	s.mu.RLock()
	due := time.Since(s.fetched) > s.refresh
	s.mu.RUnlock()
	if !due {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	if k, ok := s.cached(kid); ok {
		return k, nil
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

func (s *keySet) cached(kid string) (*rsa.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if time.Since(s.fetched) >= s.ttl {
		return nil, false
	}
	k, ok := s.keys[kid]
	return k, ok
}

// load replaces the cached keys with the provider's current set. Keys that
// are not RS256 signing keys are skipped.
func (s *keySet) load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("build JWKS request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch JWKS: unexpected status %d", resp.StatusCode)
	}

	var doc JWKSet
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return fmt.Errorf("decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kty != "RSA" || jwk.Use != "sig" || jwk.Alg != "RS256" {
			continue
		}
		k, err := rsaKey(jwk)
		if err != nil {
			continue
		}
		keys[jwk.Kid] = k
	}

	s.mu.Lock()
	s.keys = keys
	s.fetched = time.Now()
	s.mu.Unlock()
	return nil
}

func rsaKey(jwk JWK) (*rsa.PublicKey, error) {
	n, err := base64URLDecode(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64URLDecode(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	if len(n) == 0 || len(e) == 0 || len(e) > 4 {
		return nil, fmt.Errorf("malformed RSA key")
	}
	exp := 0
	for _, b := range e {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: exp}, nil
}

// base64URLDecode decodes unpadded base64url, as used by JWK members.
func base64URLDecode(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(data)
}
