// Package security provides the cryptographic primitives for the OAuth
// engine: PKCE generation and verification, random state/nonce generation,
// symmetric token encryption, rate limiting, and audit logging.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE code challenge methods (RFC 7636)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// RFC 7636 Section 4.1 bounds for code_verifier length
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// GenerateVerifier generates a PKCE code verifier: 32 bytes of entropy
// encoded as 43 base64url characters, the minimum length RFC 7636 allows
// and the length it recommends.
func GenerateVerifier() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; if it does the
		// process has no business issuing credentials.
		panic(fmt.Sprintf("security: crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// ChallengeS256 computes the S256 code challenge for a verifier:
// base64url(SHA-256(verifier)) without padding.
func ChallengeS256(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// ValidateVerifier enforces the RFC 7636 length and character constraints on
// a code_verifier. This runs before any hashing so malformed input is
// rejected cheaply and uniformly.
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinVerifierLength)
	}
	if len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxVerifierLength)
	}
	for _, ch := range verifier {
		if (ch < 'A' || ch > 'Z') && (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') &&
			ch != '-' && ch != '.' && ch != '_' && ch != '~' {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	return nil
}

// VerifyChallenge recomputes the challenge from the supplied verifier and
// compares it against the recorded challenge in constant time. The server
// must never trust the client's claim of a match.
func VerifyChallenge(challenge, method, verifier string, allowPlain bool) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if err := ValidateVerifier(verifier); err != nil {
		return err
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = ChallengeS256(verifier)
	case PKCEMethodPlain:
		if !allowPlain {
			return fmt.Errorf("'plain' code_challenge_method is not allowed (only S256 is supported)")
		}
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
