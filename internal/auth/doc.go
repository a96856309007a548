// Package auth verifies subscriber and operator bearer tokens.
//
// Tokens are JWTs carrying a subject ("sub") and a role ("role", or the
// first admin entry of a "roles" array). HS256 shared secrets, RS256 PEM
// public keys and RS256 keys fetched from a JWKS endpoint are supported.
// Middleware guards the operator endpoints; the Verifier also serves the
// websocket handshake directly through Authenticate.
package auth
