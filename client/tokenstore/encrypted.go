package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openshelf/oauth/security"
)

// EncryptedStore serializes tokens as JSON and encrypts each record with
// AES-256-GCM before it reaches the Backend. The key is derived from the
// configured KeySource, so a password-protected store on disk survives
// process restarts while the ciphertext alone is useless.
type EncryptedStore struct {
	backend   Backend
	encryptor *security.Encryptor
}

var _ Store = (*EncryptedStore)(nil)

// NewEncryptedStore creates an encrypted store over backend. The key source
// is either a password (stretched with PBKDF2) or a raw 32-byte key.
func NewEncryptedStore(backend Backend, source security.KeySource) (*EncryptedStore, error) {
	encryptor, err := security.NewEncryptor(source)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	return &EncryptedStore{backend: backend, encryptor: encryptor}, nil
}

// Get returns the tokens stored under key. A record that fails to decrypt,
// whether corrupt or written under a different key, is purged and reported
// as missing; the caller re-authenticates instead of fighting the store.
func (s *EncryptedStore) Get(ctx context.Context, key string) (*Tokens, error) {
	data, err := s.backend.Read(ctx, keyPrefix+key)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.encryptor.Decrypt(string(data))
	if err != nil {
		_ = s.backend.Delete(ctx, keyPrefix+key)
		return nil, ErrNotFound
	}
	var tokens Tokens
	if err := json.Unmarshal([]byte(plaintext), &tokens); err != nil {
		_ = s.backend.Delete(ctx, keyPrefix+key)
		return nil, ErrNotFound
	}
	return &tokens, nil
}

// Set stores tokens under key
func (s *EncryptedStore) Set(ctx context.Context, key string, tokens *Tokens) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to serialize tokens: %w", err)
	}
	ciphertext, err := s.encryptor.Encrypt(string(data))
	if err != nil {
		return fmt.Errorf("failed to encrypt tokens: %w", err)
	}
	return s.backend.Write(ctx, keyPrefix+key, []byte(ciphertext))
}

// Clear removes the tokens stored under key
func (s *EncryptedStore) Clear(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, keyPrefix+key)
}

// ClearAll removes every stored token set, leaving any unrelated keys in the
// backend untouched.
func (s *EncryptedStore) ClearAll(ctx context.Context) error {
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
