// Package tokenstore persists OAuth tokens on the client side. Three
// implementations are provided: an in-memory store, a plaintext store over a
// pluggable key-value backend, and an AES-GCM encrypted store over the same
// backend for tokens at rest on disk.
package tokenstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates no tokens are stored under the requested key
var ErrNotFound = errors.New("tokenstore: not found")

// keyPrefix namespaces token records inside a shared Backend so ClearAll
// never touches unrelated keys the caller keeps in the same storage.
const keyPrefix = "oauth-tokens/"

// Tokens is the credential set obtained from a token endpoint. Timestamps
// serialize as RFC 3339 so stored records remain readable across processes
// and languages.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

// Valid reports whether the access token is present and not expired.
// A small skew window treats tokens about to expire as already expired.
func (t *Tokens) Valid() bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().Add(30 * time.Second).Before(t.ExpiresAt)
}

// Store persists tokens under caller-chosen keys, typically one key per
// issuer and client pair.
type Store interface {
	// Get returns the tokens stored under key, or ErrNotFound
	Get(ctx context.Context, key string) (*Tokens, error)

	// Set stores tokens under key, replacing any previous value
	Set(ctx context.Context, key string, tokens *Tokens) error

	// Clear removes the tokens stored under key. Clearing an absent key is
	// not an error.
	Clear(ctx context.Context, key string) error

	// ClearAll removes every stored token set
	ClearAll(ctx context.Context) error
}

// Backend is the raw key-value layer the file-format stores write through.
// Implementations decide where bytes live (files, keychain, database).
type Backend interface {
	// Read returns the bytes stored under key, or ErrNotFound
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores bytes under key
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes the bytes under key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Keys lists all stored keys
	Keys(ctx context.Context) ([]string, error)
}
