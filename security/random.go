package security

import (
	"golang.org/x/oauth2"
)

// GenerateState generates a cryptographically random state parameter for
// CSRF protection. The value carries 32 bytes of entropy.
func GenerateState() string {
	return oauth2.GenerateVerifier()
}

// GenerateNonce generates a cryptographically random nonce for replay
// protection of identity tokens.
func GenerateNonce() string {
	return oauth2.GenerateVerifier()
}

// GenerateToken generates an opaque bearer credential (authorization codes,
// access tokens, refresh tokens, device codes). Uses the same generator as
// oauth2.GenerateVerifier for consistent entropy.
func GenerateToken() string {
	return oauth2.GenerateVerifier()
}
