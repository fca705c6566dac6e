package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/openshelf/oauth"
	"github.com/openshelf/oauth/instrumentation"
	"github.com/openshelf/oauth/security"
	"github.com/openshelf/oauth/storage"
)

// userCodeAlphabet excludes vowels and lookalike characters so codes are
// unambiguous when read aloud or transcribed from a TV screen
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

// DeviceAuthorizationRequest is a parsed RFC 8628 device authorization request
type DeviceAuthorizationRequest struct {
	ClientID     string
	ClientSecret string
	AuthMethod   string
	Scope        string
}

// HandleDeviceAuthorizationRequest starts a device flow: it mints a device
// code and a human-readable user code and stores the pending authorization
func (s *AuthorizationServer) HandleDeviceAuthorizationRequest(ctx context.Context, req *DeviceAuthorizationRequest) (*oauth.DeviceAuthorizationResponse, error) {
	if !s.cfg.Features.DeviceFlow {
		return nil, oauth.ErrInvalidRequest("the device authorization grant is not supported")
	}

	client, err := s.authenticateClient(ctx, &TokenEndpointRequest{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		AuthMethod:   req.AuthMethod,
	})
	if err != nil {
		s.countDevice(ctx, "auth_failed")
		return nil, err
	}

	scopes := splitScope(req.Scope)
	if len(client.Scopes) > 0 && !client.AllowsScope(scopes) {
		s.countDevice(ctx, "rejected")
		return nil, oauth.ErrInvalidScope("requested scope exceeds the client grant")
	}

	userCode, err := generateUserCode()
	if err != nil {
		return nil, oauth.ErrServerError("failed to generate user code")
	}

	now := time.Now()
	auth := &storage.DeviceAuthorization{
		DeviceCode: security.GenerateToken(),
		UserCode:   userCode,
		ClientID:   client.ID,
		Scope:      req.Scope,
		Status:     storage.DeviceStatusPending,
		Interval:   s.cfg.Lifetimes.DevicePollInterval,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Lifetimes.DeviceCodeTTL),
	}
	if err := s.cfg.Devices.SaveDeviceAuthorization(ctx, auth); err != nil {
		return nil, oauth.ErrServerError("failed to persist device authorization")
	}

	s.auditor.LogEvent(security.Event{
		Type:     security.EventDeviceAuthorizationStarted,
		ClientID: client.ID,
		Details:  map[string]any{"scope": req.Scope},
	})
	s.countDevice(ctx, "success")

	verificationURI := strings.TrimSuffix(s.cfg.Issuer, "/") + DeviceVerifyPath
	return &oauth.DeviceAuthorizationResponse{
		DeviceCode:              auth.DeviceCode,
		UserCode:                auth.UserCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?user_code=" + userCode,
		ExpiresIn:               int64(s.cfg.Lifetimes.DeviceCodeTTL.Seconds()),
		Interval:                auth.Interval,
	}, nil
}

// ApproveDeviceAuthorization records user approval for the authorization
// identified by user code. userID is the authenticated user granting access.
func (s *AuthorizationServer) ApproveDeviceAuthorization(ctx context.Context, userCode, userID string) error {
	if userID == "" {
		return oauth.ErrAccessDenied("user authentication required")
	}
	if err := s.decideDeviceAuthorization(ctx, userCode, storage.DeviceStatusApproved, userID); err != nil {
		return err
	}
	s.auditor.LogEvent(security.Event{
		Type:   security.EventDeviceApproved,
		UserID: userID,
	})
	return nil
}

// DenyDeviceAuthorization records user denial for the authorization
// identified by user code
func (s *AuthorizationServer) DenyDeviceAuthorization(ctx context.Context, userCode string) error {
	if err := s.decideDeviceAuthorization(ctx, userCode, storage.DeviceStatusDenied, ""); err != nil {
		return err
	}
	s.auditor.LogEvent(security.Event{
		Type: security.EventDeviceDenied,
	})
	return nil
}

func (s *AuthorizationServer) decideDeviceAuthorization(ctx context.Context, userCode string, status storage.DeviceStatus, userID string) error {
	if !s.cfg.Features.DeviceFlow {
		return oauth.ErrInvalidRequest("the device authorization grant is not supported")
	}
	err := s.cfg.Devices.SetDeviceAuthorizationStatus(ctx, normalizeUserCode(userCode), status, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return oauth.ErrInvalidRequest("unknown user code")
	case errors.Is(err, storage.ErrExpired):
		return oauth.ErrExpiredToken("the user code has expired")
	case errors.Is(err, storage.ErrAlreadyUsed):
		return oauth.ErrInvalidRequest("the authorization was already decided")
	case err != nil:
		return oauth.ErrServerError("failed to update device authorization")
	}
	return nil
}

// GetDeviceAuthorizationByUserCode returns the pending authorization for
// display on a verification page (client name, scope)
func (s *AuthorizationServer) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	if !s.cfg.Features.DeviceFlow {
		return nil, oauth.ErrInvalidRequest("the device authorization grant is not supported")
	}
	auth, err := s.cfg.Devices.GetDeviceAuthorizationByUserCode(ctx, normalizeUserCode(userCode))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, oauth.ErrInvalidRequest("unknown user code")
	case errors.Is(err, storage.ErrExpired):
		return nil, oauth.ErrExpiredToken("the user code has expired")
	case err != nil:
		return nil, oauth.ErrServerError("device authorization lookup failed")
	}
	return auth, nil
}

// generateUserCode produces an XXXX-XXXX code over the unambiguous alphabet
func generateUserCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	chars := make([]byte, 9)
	for i, b := range buf {
		pos := i
		if i >= 4 {
			pos++
		}
		chars[pos] = userCodeAlphabet[int(b)%len(userCodeAlphabet)]
	}
	chars[4] = '-'
	return string(chars), nil
}

// normalizeUserCode canonicalizes user input: uppercase, with stray spaces
// and a missing hyphen tolerated
func normalizeUserCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, " ", "")
	if len(code) == 8 && !strings.Contains(code, "-") {
		code = code[:4] + "-" + code[4:]
	}
	return code
}

// countDevice records a device authorization endpoint outcome metric
func (s *AuthorizationServer) countDevice(ctx context.Context, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.DeviceAuthorizationsTotal.Add(ctx, 1, metric.WithAttributes(
		instrumentation.OutcomeAttr(outcome),
	))
}
