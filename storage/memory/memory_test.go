package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/openshelf/oauth/security"
	"github.com/openshelf/oauth/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewWithInterval(time.Hour)
	t.Cleanup(s.Stop)
	return s
}

func TestClientStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	client := &storage.Client{
		ID:           "web-app",
		SecretHash:   string(hash),
		Confidential: true,
		RedirectURIs: []string{"https://app.example.com/callback"},
	}
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}

	got, err := s.GetClient(ctx, "web-app")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if got.ID != "web-app" || !got.Confidential {
		t.Errorf("unexpected client: %+v", got)
	}

	if _, err := s.GetClient(ctx, "unknown"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.ValidateClientSecret(ctx, "web-app", "s3cret"); err != nil {
		t.Errorf("valid secret rejected: %v", err)
	}
	if err := s.ValidateClientSecret(ctx, "web-app", "wrong"); err == nil {
		t.Error("invalid secret accepted")
	}
	if err := s.ValidateClientSecret(ctx, "unknown", "s3cret"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConsumeAuthorizationCodeSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:      "abc123",
		ClientID:  "web-app",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode: %v", err)
	}

	got, err := s.ConsumeAuthorizationCode(ctx, "abc123")
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("unexpected record: %+v", got)
	}

	// Replay returns the tombstone with ErrAlreadyUsed
	replay, err := s.ConsumeAuthorizationCode(ctx, "abc123")
	if !errors.Is(err, storage.ErrAlreadyUsed) {
		t.Fatalf("expected ErrAlreadyUsed, got %v", err)
	}
	if replay == nil || replay.UserID != "user-1" {
		t.Errorf("tombstone should carry the original record, got %+v", replay)
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, "never-issued"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConsumeAuthorizationCodeConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "raced",
		ClientID:  "web-app",
		ExpiresAt: time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatalf("SaveAuthorizationCode: %v", err)
	}

	const workers = 50
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(ctx, "raced"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly 1 successful consume, got %d", count)
	}
}

func TestConsumeAuthorizationRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationRequest(ctx, &storage.AuthorizationRequest{
		ID:        "req-1",
		ClientID:  "web-app",
		Scope:     "read",
		ExpiresAt: time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatalf("SaveAuthorizationRequest: %v", err)
	}

	req, err := s.ConsumeAuthorizationRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("ConsumeAuthorizationRequest: %v", err)
	}
	if req.ClientID != "web-app" {
		t.Errorf("ClientID = %q", req.ClientID)
	}

	if _, err := s.ConsumeAuthorizationRequest(ctx, "req-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second consume: expected ErrNotFound, got %v", err)
	}

	if err := s.SaveAuthorizationRequest(ctx, &storage.AuthorizationRequest{
		ID:        "req-2",
		ClientID:  "web-app",
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("SaveAuthorizationRequest: %v", err)
	}
	if _, err := s.ConsumeAuthorizationRequest(ctx, "req-2"); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("expired consume: expected ErrExpired, got %v", err)
	}
}

func TestConsumeAuthorizationRequestConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationRequest(ctx, &storage.AuthorizationRequest{
		ID:        "raced-request",
		ClientID:  "web-app",
		ExpiresAt: time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatalf("SaveAuthorizationRequest: %v", err)
	}

	const workers = 50
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationRequest(ctx, "raced-request"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly 1 successful consume, got %d", count)
	}
}

func TestConsumeAuthorizationCodeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "stale",
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("SaveAuthorizationCode: %v", err)
	}
	if _, err := s.ConsumeAuthorizationCode(ctx, "stale"); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
	// Expired codes are destroyed, not tombstoned
	if _, err := s.ConsumeAuthorizationCode(ctx, "stale"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry consume, got %v", err)
	}
}

func TestPushedRequestSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := &storage.PushedRequest{
		RequestURI: "urn:ietf:params:oauth:request_uri:xyz",
		ClientID:   "web-app",
		ExpiresAt:  time.Now().Add(time.Minute),
	}
	if err := s.SavePushedRequest(ctx, req); err != nil {
		t.Fatalf("SavePushedRequest: %v", err)
	}
	if _, err := s.ConsumePushedRequest(ctx, req.RequestURI); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, err := s.ConsumePushedRequest(ctx, req.RequestURI); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on replay, got %v", err)
	}
}

func TestDeviceAuthorizationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	auth := &storage.DeviceAuthorization{
		DeviceCode: "dev-code-1",
		UserCode:   "BCDF-GHJK",
		ClientID:   "cli",
		Status:     storage.DeviceStatusPending,
		Interval:   5,
		ExpiresAt:  time.Now().Add(15 * time.Minute),
	}
	if err := s.SaveDeviceAuthorization(ctx, auth); err != nil {
		t.Fatalf("SaveDeviceAuthorization: %v", err)
	}

	byUser, err := s.GetDeviceAuthorizationByUserCode(ctx, "BCDF-GHJK")
	if err != nil {
		t.Fatalf("GetDeviceAuthorizationByUserCode: %v", err)
	}
	if byUser.DeviceCode != "dev-code-1" {
		t.Errorf("unexpected record: %+v", byUser)
	}

	// First poll sees the zero LastPolledAt, second poll sees the first stamp
	first, err := s.PollDeviceAuthorization(ctx, "dev-code-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !first.LastPolledAt.IsZero() {
		t.Errorf("first poll should see zero LastPolledAt, got %v", first.LastPolledAt)
	}
	second, err := s.PollDeviceAuthorization(ctx, "dev-code-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if second.LastPolledAt.IsZero() {
		t.Error("second poll should see the previous poll time")
	}

	if err := s.SetDeviceAuthorizationStatus(ctx, "BCDF-GHJK", storage.DeviceStatusApproved, "user-1"); err != nil {
		t.Fatalf("SetDeviceAuthorizationStatus: %v", err)
	}
	approved, err := s.PollDeviceAuthorization(ctx, "dev-code-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if approved.Status != storage.DeviceStatusApproved || approved.UserID != "user-1" {
		t.Errorf("unexpected record after approval: %+v", approved)
	}

	// Decided authorizations cannot be re-decided
	if err := s.SetDeviceAuthorizationStatus(ctx, "BCDF-GHJK", storage.DeviceStatusDenied, ""); !errors.Is(err, storage.ErrAlreadyUsed) {
		t.Errorf("expected ErrAlreadyUsed, got %v", err)
	}

	if err := s.DeleteDeviceAuthorization(ctx, "dev-code-1"); err != nil {
		t.Fatalf("DeleteDeviceAuthorization: %v", err)
	}
	if _, err := s.GetDeviceAuthorizationByUserCode(ctx, "BCDF-GHJK"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestTokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := &storage.Token{
		Value:     "access-1",
		Kind:      storage.TokenKindAccess,
		ClientID:  "web-app",
		UserID:    "user-1",
		Scope:     "read write",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	got, err := s.GetToken(ctx, "access-1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got.Scope != "read write" || got.Revoked {
		t.Errorf("unexpected token: %+v", got)
	}

	if err := s.RevokeToken(ctx, "access-1"); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	got, err = s.GetToken(ctx, "access-1")
	if err != nil {
		t.Fatalf("GetToken after revoke: %v", err)
	}
	if !got.Revoked {
		t.Error("token should be revoked")
	}

	// Revoking unknown tokens must not error (no existence oracle)
	if err := s.RevokeToken(ctx, "never-issued"); err != nil {
		t.Errorf("RevokeToken on unknown value: %v", err)
	}
}

func TestConsumeRefreshToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	refresh := &storage.Token{
		Value:     "refresh-1",
		Kind:      storage.TokenKindRefresh,
		ClientID:  "web-app",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	if err := s.SaveToken(ctx, refresh); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	first, err := s.ConsumeRefreshToken(ctx, "refresh-1")
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if first.Revoked {
		t.Error("first consume should return the live record")
	}

	// Replay of a rotated token comes back revoked, not as an error
	replay, err := s.ConsumeRefreshToken(ctx, "refresh-1")
	if err != nil {
		t.Fatalf("replay consume: %v", err)
	}
	if !replay.Revoked {
		t.Error("replayed token should be marked revoked")
	}

	// Access tokens are invisible to refresh consumption
	access := &storage.Token{
		Value:     "access-2",
		Kind:      storage.TokenKindAccess,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.SaveToken(ctx, access); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	if _, err := s.ConsumeRefreshToken(ctx, "access-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for access token, got %v", err)
	}
}

func TestRevokeAllForUserClient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tokens := []*storage.Token{
		{Value: "t1", Kind: storage.TokenKindAccess, UserID: "user-1", ClientID: "app-a", ExpiresAt: time.Now().Add(time.Hour)},
		{Value: "t2", Kind: storage.TokenKindRefresh, UserID: "user-1", ClientID: "app-a", ExpiresAt: time.Now().Add(time.Hour)},
		{Value: "t3", Kind: storage.TokenKindAccess, UserID: "user-1", ClientID: "app-b", ExpiresAt: time.Now().Add(time.Hour)},
		{Value: "t4", Kind: storage.TokenKindAccess, UserID: "user-2", ClientID: "app-a", ExpiresAt: time.Now().Add(time.Hour)},
	}
	for _, tok := range tokens {
		if err := s.SaveToken(ctx, tok); err != nil {
			t.Fatalf("SaveToken %s: %v", tok.Value, err)
		}
	}

	revoked, err := s.RevokeAllForUserClient(ctx, "user-1", "app-a")
	if err != nil {
		t.Fatalf("RevokeAllForUserClient: %v", err)
	}
	if revoked != 2 {
		t.Errorf("expected 2 revoked, got %d", revoked)
	}

	for value, want := range map[string]bool{"t1": true, "t2": true, "t3": false, "t4": false} {
		got, err := s.GetToken(ctx, value)
		if err != nil {
			t.Fatalf("GetToken %s: %v", value, err)
		}
		if got.Revoked != want {
			t.Errorf("token %s: revoked=%v, want %v", value, got.Revoked, want)
		}
	}
}

func TestEncryptedTokenStorage(t *testing.T) {
	enc, err := security.NewEncryptor(security.Password("correct horse battery staple"))
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	s := newTestStore(t)
	s.SetEncryptor(enc)
	ctx := context.Background()

	token := &storage.Token{
		Value:     "secret-token",
		Kind:      storage.TokenKindAccess,
		UserID:    "user-1",
		ClientID:  "web-app",
		Scope:     "read",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	// The stored entry must not be a plain record
	s.mu.RLock()
	for _, entry := range s.tokens {
		if entry.record != nil {
			t.Error("token stored in plaintext despite encryptor")
		}
		if entry.ciphertext == "" {
			t.Error("missing ciphertext")
		}
	}
	s.mu.RUnlock()

	got, err := s.GetToken(ctx, "secret-token")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got.Scope != "read" || got.UserID != "user-1" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// Revocation survives the encrypt/decrypt cycle
	if err := s.RevokeToken(ctx, "secret-token"); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	got, err = s.GetToken(ctx, "secret-token")
	if err != nil {
		t.Fatalf("GetToken after revoke: %v", err)
	}
	if !got.Revoked {
		t.Error("revocation lost through encryption")
	}
}

func TestSweepRemovesExpiredRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	if err := s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{Code: "old", ExpiresAt: past}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{Code: "new", ExpiresAt: future}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveToken(ctx, &storage.Token{Value: "old-token", Kind: storage.TokenKindAccess, ExpiresAt: past}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveDeviceAuthorization(ctx, &storage.DeviceAuthorization{
		DeviceCode: "old-dev", UserCode: "AAAA-BBBB", Status: storage.DeviceStatusPending, ExpiresAt: past,
	}); err != nil {
		t.Fatal(err)
	}

	s.sweep()

	if _, err := s.ConsumeAuthorizationCode(ctx, "old"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired code should be swept, got %v", err)
	}
	if _, err := s.ConsumeAuthorizationCode(ctx, "new"); err != nil {
		t.Errorf("live code swept: %v", err)
	}
	if _, err := s.GetToken(ctx, "old-token"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired token should be swept, got %v", err)
	}
	if _, err := s.GetDeviceAuthorizationByUserCode(ctx, "AAAA-BBBB"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired device authorization should be swept, got %v", err)
	}
}
