package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters for password-based keys. The salt is an
// application-level constant; the derived key protects tokens cached on a
// single machine, not a password database.
const (
	kdfIterations = 310000
	keyLength     = 32 // AES-256
)

var kdfSalt = []byte("openshelf-oauth/tokenstore/v1")

// KeySource yields the symmetric key for an Encryptor. It is a closed set:
// Password derives a key via PBKDF2-SHA256, RawKey supplies pre-derived key
// material directly. The key is resolved once and cached for the encryptor's
// lifetime.
type KeySource interface {
	resolve() ([]byte, error)
}

// Password derives an encryption key from a caller secret using
// PBKDF2-SHA256 with a fixed application salt and 310k iterations.
type Password string

func (p Password) resolve() ([]byte, error) {
	if p == "" {
		return nil, fmt.Errorf("password must not be empty")
	}
	return pbkdf2.Key([]byte(p), kdfSalt, kdfIterations, keyLength, sha256.New), nil
}

// RawKey supplies a pre-derived 32-byte key directly, skipping derivation
type RawKey []byte

func (k RawKey) resolve() ([]byte, error) {
	if len(k) != keyLength {
		return nil, fmt.Errorf("raw key must be exactly %d bytes for AES-256, got %d", keyLength, len(k))
	}
	return k, nil
}

// Encryptor handles token encryption at rest using AES-256-GCM:
// a random 96-bit nonce per write and a 128-bit authentication tag.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an encryptor from a key source. The key is resolved
// exactly once; construction fails fast on an unusable key.
func NewEncryptor(source KeySource) (*Encryptor, error) {
	if source == nil {
		return nil, fmt.Errorf("key source is required")
	}
	key, err := source.resolve()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt encrypts plaintext and returns base64-encoded ciphertext in the
// storage format [nonce][ciphertext+tag].
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends to the nonce slice, producing [nonce][ciphertext]
	ciphertext := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts base64-encoded ciphertext produced by Encrypt. Any
// tampering, truncation, or wrong-key decryption fails the GCM tag check
// and returns an error.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// GenerateKey generates a new random 32-byte key for use with RawKey
func GenerateKey() ([]byte, error) {
	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}
