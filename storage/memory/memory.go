// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments; the atomic consume operations are serialized under one mutex,
// which is exactly the serialization the storage contract demands.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/openshelf/oauth/instrumentation"
	"github.com/openshelf/oauth/security"
	"github.com/openshelf/oauth/storage"
)

// tombstoneRetention is how long a consumed authorization code is remembered
// for reuse detection after consumption
const tombstoneRetention = time.Hour

// consumedCode is the tombstone left behind by ConsumeAuthorizationCode
type consumedCode struct {
	record    *storage.AuthorizationCode
	expiresAt time.Time
}

// Store is an in-memory implementation of ClientStore, FlowStore,
// DeviceStore, and TokenStore.
type Store struct {
	mu sync.RWMutex

	clients  map[string]*storage.Client
	requests map[string]*storage.AuthorizationRequest
	codes    map[string]*storage.AuthorizationCode
	consumed map[string]*consumedCode // code -> tombstone
	pushed   map[string]*storage.PushedRequest

	devices   map[string]*storage.DeviceAuthorization // device code -> record
	userCodes map[string]string                       // user code -> device code

	// tokens are keyed by SHA-256 of the token value; with an encryptor set
	// the record itself is stored as AES-GCM ciphertext, so a memory dump
	// (or a persistent snapshot of it) never contains usable credentials.
	tokens map[string]*tokenEntry

	encryptor *security.Encryptor

	// Atomic counters for metrics (lock-free reads during collection)
	tokenCount  atomic.Int64
	codeCount   atomic.Int64
	deviceCount atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// tokenEntry holds either a plain record or its encrypted serialization
type tokenEntry struct {
	record     *storage.Token // nil when encrypted
	ciphertext string
	expiresAt  time.Time // kept in clear for the sweep
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.DeviceStore = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. A non-positive interval falls back to 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		requests:        make(map[string]*storage.AuthorizationRequest),
		codes:           make(map[string]*storage.AuthorizationCode),
		consumed:        make(map[string]*consumedCode),
		pushed:          make(map[string]*storage.PushedRequest),
		devices:         make(map[string]*storage.DeviceAuthorization),
		userCodes:       make(map[string]string),
		tokens:          make(map[string]*tokenEntry),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}
	go s.cleanupLoop()
	return s
}

// SetLogger sets the logger used for sweep and corruption messages
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor enables token encryption at rest. Set before first use.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
}

// RegisterInstrumentation registers storage size gauges with the given
// instrumentation instance.
func (s *Store) RegisterInstrumentation(inst *instrumentation.Instrumentation) error {
	return inst.Metrics().RegisterStorageGauges(
		s.tokenCount.Load,
		s.codeCount.Load,
		s.deviceCount.Load,
	)
}

// Stop stops the background cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ==================== ClientStore ====================

// SaveClient registers a client. Exposed for application bootstrap and
// tests; the protocol engine itself never writes clients.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client with an ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *client
	s.clients[client.ID] = &cp
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *client
	return &cp, nil
}

// ValidateClientSecret validates a confidential client's secret against its
// bcrypt hash. bcrypt's comparison is constant-time by construction.
func (s *Store) ValidateClientSecret(_ context.Context, clientID, clientSecret string) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return storage.ErrNotFound
	}
	if client.SecretHash == "" {
		return fmt.Errorf("client %s has no secret", clientID)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
		return fmt.Errorf("invalid client secret")
	}
	return nil
}

// ==================== FlowStore ====================

// SaveAuthorizationRequest saves a transient authorization request
func (s *Store) SaveAuthorizationRequest(_ context.Context, req *storage.AuthorizationRequest) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("authorization request with an ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

// GetAuthorizationRequest retrieves an authorization request by ID
func (s *Store) GetAuthorizationRequest(_ context.Context, id string) (*storage.AuthorizationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if time.Now().After(req.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	cp := *req
	return &cp, nil
}

// ConsumeAuthorizationRequest atomically retrieves and destroys an
// authorization request. The lookup and delete happen under one lock, so
// only one of any number of concurrent consumers can win.
func (s *Store) ConsumeAuthorizationRequest(_ context.Context, id string) (*storage.AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.requests, id)
	if time.Now().After(req.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	cp := *req
	return &cp, nil
}

// DeleteAuthorizationRequest removes an authorization request
func (s *Store) DeleteAuthorizationRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
	return nil
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code with a value is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *code
	s.codes[code.Code] = &cp
	s.codeCount.Store(int64(len(s.codes)))
	return nil
}

// ConsumeAuthorizationCode atomically retrieves and destroys an
// authorization code. The delete happens under the same lock as the lookup,
// so two concurrent exchanges of one code cannot both succeed. A tombstone
// is kept so a replay of the consumed code is distinguishable from garbage.
func (s *Store) ConsumeAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tomb, ok := s.consumed[code]; ok {
		cp := *tomb.record
		return &cp, storage.ErrAlreadyUsed
	}

	record, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.codes, code)
	s.codeCount.Store(int64(len(s.codes)))

	if time.Now().After(record.ExpiresAt) {
		return nil, storage.ErrExpired
	}

	s.consumed[code] = &consumedCode{
		record:    record,
		expiresAt: time.Now().Add(tombstoneRetention),
	}

	cp := *record
	return &cp, nil
}

// DeleteAuthorizationCode removes an authorization code without consuming it
func (s *Store) DeleteAuthorizationCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	s.codeCount.Store(int64(len(s.codes)))
	return nil
}

// SavePushedRequest saves a pushed authorization request
func (s *Store) SavePushedRequest(_ context.Context, req *storage.PushedRequest) error {
	if req == nil || req.RequestURI == "" {
		return fmt.Errorf("pushed request with a request URI is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.pushed[req.RequestURI] = &cp
	return nil
}

// ConsumePushedRequest atomically retrieves and destroys a pushed request
func (s *Store) ConsumePushedRequest(_ context.Context, requestURI string) (*storage.PushedRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pushed[requestURI]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.pushed, requestURI)

	if time.Now().After(req.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	cp := *req
	return &cp, nil
}

// ==================== DeviceStore ====================

// SaveDeviceAuthorization saves a new device authorization and indexes its
// user code
func (s *Store) SaveDeviceAuthorization(_ context.Context, auth *storage.DeviceAuthorization) error {
	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return fmt.Errorf("device authorization with device and user codes is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *auth
	s.devices[auth.DeviceCode] = &cp
	s.userCodes[auth.UserCode] = auth.DeviceCode
	s.deviceCount.Store(int64(len(s.devices)))
	return nil
}

// GetDeviceAuthorizationByUserCode retrieves a device authorization by user code
func (s *Store) GetDeviceAuthorizationByUserCode(_ context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deviceCode, ok := s.userCodes[userCode]
	if !ok {
		return nil, storage.ErrNotFound
	}
	auth, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if time.Now().After(auth.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	cp := *auth
	return &cp, nil
}

// PollDeviceAuthorization returns the device authorization and stamps the
// poll time in one critical section. The returned record carries
// LastPolledAt as of the previous poll, which is what the slow_down check
// needs.
func (s *Store) PollDeviceAuthorization(_ context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cp := *auth
	auth.LastPolledAt = time.Now()
	return &cp, nil
}

// SetDeviceAuthorizationStatus transitions a device authorization by user code
func (s *Store) SetDeviceAuthorizationStatus(_ context.Context, userCode string, status storage.DeviceStatus, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deviceCode, ok := s.userCodes[userCode]
	if !ok {
		return storage.ErrNotFound
	}
	auth, ok := s.devices[deviceCode]
	if !ok {
		return storage.ErrNotFound
	}
	if time.Now().After(auth.ExpiresAt) {
		return storage.ErrExpired
	}
	if auth.Status != storage.DeviceStatusPending {
		return storage.ErrAlreadyUsed
	}

	auth.Status = status
	if status == storage.DeviceStatusApproved {
		auth.UserID = userID
	}
	return nil
}

// DeleteDeviceAuthorization removes a device authorization and its user-code index
func (s *Store) DeleteDeviceAuthorization(_ context.Context, deviceCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if auth, ok := s.devices[deviceCode]; ok {
		delete(s.userCodes, auth.UserCode)
		delete(s.devices, deviceCode)
	}
	s.deviceCount.Store(int64(len(s.devices)))
	return nil
}

// ==================== TokenStore ====================

// tokenKey derives the map key for a token value. Values are never used as
// keys directly so the index alone cannot leak credentials.
func tokenKey(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// SaveToken saves an issued token, encrypting the record when an encryptor
// is configured
func (s *Store) SaveToken(_ context.Context, token *storage.Token) error {
	if token == nil || token.Value == "" {
		return fmt.Errorf("token with a value is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &tokenEntry{expiresAt: token.ExpiresAt}
	if s.encryptor != nil {
		blob, err := json.Marshal(token)
		if err != nil {
			return fmt.Errorf("failed to serialize token: %w", err)
		}
		ciphertext, err := s.encryptor.Encrypt(string(blob))
		if err != nil {
			return fmt.Errorf("failed to encrypt token: %w", err)
		}
		entry.ciphertext = ciphertext
	} else {
		cp := *token
		entry.record = &cp
	}

	s.tokens[tokenKey(token.Value)] = entry
	s.tokenCount.Store(int64(len(s.tokens)))
	return nil
}

// GetToken retrieves a token by value. Expiry and revocation are the
// caller's to interpret; only unknown values are errors.
func (s *Store) GetToken(_ context.Context, value string) (*storage.Token, error) {
	s.mu.RLock()
	entry, ok := s.tokens[tokenKey(value)]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.decodeEntry(value, entry)
}

// RevokeToken revokes a token by value. Unknown tokens are not an error.
func (s *Store) RevokeToken(ctx context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeLocked(value)
}

// ConsumeRefreshToken atomically retrieves and revokes a refresh token. An
// already-revoked token comes back with Revoked still set so the engine can
// flag the replay.
func (s *Store) ConsumeRefreshToken(_ context.Context, value string) (*storage.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tokenKey(value)
	entry, ok := s.tokens[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	token, err := s.decodeEntry(value, entry)
	if err != nil {
		return nil, err
	}
	if token.Kind != storage.TokenKindRefresh {
		return nil, storage.ErrNotFound
	}
	if token.Expired(time.Now()) {
		return nil, storage.ErrExpired
	}
	if token.Revoked {
		return token, nil
	}

	result := *token
	if err := s.revokeLocked(value); err != nil {
		return nil, err
	}
	return &result, nil
}

// RevokeAllForUserClient revokes every live token for a user+client pair.
// With encryption enabled this decrypts each entry; revocation after code
// reuse is rare enough that the scan cost is irrelevant.
func (s *Store) RevokeAllForUserClient(_ context.Context, userID, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for key, entry := range s.tokens {
		token, err := s.decodeEntryLocked(key, entry)
		if err != nil {
			continue
		}
		if token.UserID != userID || token.ClientID != clientID || token.Revoked {
			continue
		}
		token.Revoked = true
		if err := s.storeEntryLocked(key, token); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// revokeLocked marks the token for value revoked. Must be called with the
// mutex held.
func (s *Store) revokeLocked(value string) error {
	key := tokenKey(value)
	entry, ok := s.tokens[key]
	if !ok {
		return nil
	}
	token, err := s.decodeEntryLocked(key, entry)
	if err != nil {
		// Corrupt entry: purge instead of propagating
		delete(s.tokens, key)
		s.tokenCount.Store(int64(len(s.tokens)))
		return nil
	}
	token.Revoked = true
	return s.storeEntryLocked(key, token)
}

// decodeEntry resolves a token entry outside the write lock
func (s *Store) decodeEntry(value string, entry *tokenEntry) (*storage.Token, error) {
	if entry.record != nil {
		cp := *entry.record
		return &cp, nil
	}
	return s.decrypt(entry.ciphertext)
}

// decodeEntryLocked resolves a token entry while holding the mutex
func (s *Store) decodeEntryLocked(_ string, entry *tokenEntry) (*storage.Token, error) {
	if entry.record != nil {
		cp := *entry.record
		return &cp, nil
	}
	return s.decrypt(entry.ciphertext)
}

func (s *Store) decrypt(ciphertext string) (*storage.Token, error) {
	if s.encryptor == nil {
		return nil, fmt.Errorf("encrypted token entry without an encryptor")
	}
	blob, err := s.encryptor.Decrypt(ciphertext)
	if err != nil {
		return nil, storage.ErrNotFound
	}
	var token storage.Token
	if err := json.Unmarshal([]byte(blob), &token); err != nil {
		return nil, storage.ErrNotFound
	}
	return &token, nil
}

// storeEntryLocked writes a token record back. Must be called with the mutex held.
func (s *Store) storeEntryLocked(key string, token *storage.Token) error {
	entry := &tokenEntry{expiresAt: token.ExpiresAt}
	if s.encryptor != nil {
		blob, err := json.Marshal(token)
		if err != nil {
			return fmt.Errorf("failed to serialize token: %w", err)
		}
		ciphertext, err := s.encryptor.Encrypt(string(blob))
		if err != nil {
			return fmt.Errorf("failed to encrypt token: %w", err)
		}
		entry.ciphertext = ciphertext
	} else {
		cp := *token
		entry.record = &cp
	}
	s.tokens[key] = entry
	s.tokenCount.Store(int64(len(s.tokens)))
	return nil
}

// ==================== Cleanup ====================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCleanup:
			return
		}
	}
}

// sweep removes expired records of every kind
func (s *Store) sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, req := range s.requests {
		if now.After(req.ExpiresAt) {
			delete(s.requests, id)
			removed++
		}
	}
	for code, record := range s.codes {
		if now.After(record.ExpiresAt) {
			delete(s.codes, code)
			removed++
		}
	}
	for code, tomb := range s.consumed {
		if now.After(tomb.expiresAt) {
			delete(s.consumed, code)
			removed++
		}
	}
	for uri, req := range s.pushed {
		if now.After(req.ExpiresAt) {
			delete(s.pushed, uri)
			removed++
		}
	}
	for deviceCode, auth := range s.devices {
		if now.After(auth.ExpiresAt) {
			delete(s.userCodes, auth.UserCode)
			delete(s.devices, deviceCode)
			removed++
		}
	}
	for key, entry := range s.tokens {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(s.tokens, key)
			removed++
		}
	}

	s.codeCount.Store(int64(len(s.codes)))
	s.deviceCount.Store(int64(len(s.devices)))
	s.tokenCount.Store(int64(len(s.tokens)))

	if removed > 0 {
		s.logger.Debug("Storage sweep completed", "removed", removed)
	}
}
