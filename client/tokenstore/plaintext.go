package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// PlaintextStore serializes tokens as JSON through a Backend with no
// encryption. Use EncryptedStore for anything that touches disk outside a
// protected home directory.
type PlaintextStore struct {
	backend Backend
}

var _ Store = (*PlaintextStore)(nil)

// NewPlaintextStore creates a plaintext store over backend
func NewPlaintextStore(backend Backend) *PlaintextStore {
	return &PlaintextStore{backend: backend}
}

// Get returns the tokens stored under key. A record that no longer parses
// is purged and reported as missing so one corrupt entry cannot wedge the
// client.
func (s *PlaintextStore) Get(ctx context.Context, key string) (*Tokens, error) {
	data, err := s.backend.Read(ctx, keyPrefix+key)
	if err != nil {
		return nil, err
	}
	var tokens Tokens
	if err := json.Unmarshal(data, &tokens); err != nil {
		_ = s.backend.Delete(ctx, keyPrefix+key)
		return nil, ErrNotFound
	}
	return &tokens, nil
}

// Set stores tokens under key
func (s *PlaintextStore) Set(ctx context.Context, key string, tokens *Tokens) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to serialize tokens: %w", err)
	}
	return s.backend.Write(ctx, keyPrefix+key, data)
}

// Clear removes the tokens stored under key
func (s *PlaintextStore) Clear(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, keyPrefix+key)
}

// ClearAll removes every stored token set, leaving any unrelated keys in the
// backend untouched.
func (s *PlaintextStore) ClearAll(ctx context.Context) error {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, keyPrefix) {
			continue
		}
		if err := s.backend.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
