package tokenstore

import (
	"context"
	"sync"
)

// MemoryStore keeps tokens in process memory. Suitable for tests and for
// short-lived tools that should not leave credentials behind.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Tokens
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory token store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Tokens)}
}

// Get returns the tokens stored under key
func (s *MemoryStore) Get(_ context.Context, key string) (*Tokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens, ok := s.tokens[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := tokens
	return &cp, nil
}

// Set stores tokens under key
func (s *MemoryStore) Set(_ context.Context, key string, tokens *Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = *tokens
	return nil
}

// Clear removes the tokens stored under key
func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, key)
	return nil
}

// ClearAll removes every stored token set
func (s *MemoryStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]Tokens)
	return nil
}

// MapBackend is an in-memory Backend for tests and composition
type MapBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ Backend = (*MapBackend)(nil)

// NewMapBackend creates an empty in-memory backend
func NewMapBackend() *MapBackend {
	return &MapBackend{data: make(map[string][]byte)}
}

// Read returns the bytes stored under key
func (b *MapBackend) Read(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Write stores bytes under key
func (b *MapBackend) Write(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.data[key] = cp
	return nil
}

// Delete removes the bytes under key
func (b *MapBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

// Keys lists all stored keys
func (b *MapBackend) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.data))
	for key := range b.data {
		keys = append(keys, key)
	}
	return keys, nil
}
