package grant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openshelf/oauth"
	"github.com/openshelf/oauth/security"
	"github.com/openshelf/oauth/storage"
)

// DeviceCode implements the device authorization grant (RFC 8628 Section 3.4).
// The device polls the token endpoint with its device_code; while the user
// has not acted the handler answers authorization_pending, polling faster
// than the advertised interval earns slow_down, and expiry or denial end the
// flow. Tokens are issued exactly once, after which the device authorization
// is destroyed.
type DeviceCode struct {
	core
	devices storage.DeviceStore
}

// DeviceCodeConfig configures the device_code grant
type DeviceCodeConfig struct {
	Devices storage.DeviceStore
	Tokens  storage.TokenStore
	Options Options
	Auditor *security.Auditor
	Logger  *slog.Logger
}

// NewDeviceCode creates the device_code grant handler
func NewDeviceCode(cfg DeviceCodeConfig) *DeviceCode {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceCode{
		core: core{
			tokens:  cfg.Tokens,
			opts:    cfg.Options,
			auditor: cfg.Auditor,
			logger:  logger,
		},
		devices: cfg.Devices,
	}
}

// Name returns the grant_type tag
func (g *DeviceCode) Name() string { return TypeDeviceCode }

// Validate polls the device authorization state. The poll itself is atomic
// at the storage layer: the returned record carries the previous poll time,
// so the slow_down decision requires no internal scheduling, only a
// timestamp comparison against the configured interval.
func (g *DeviceCode) Validate(ctx context.Context, req *TokenRequest) (*Context, error) {
	if req.DeviceCode == "" {
		return nil, oauth.ErrInvalidRequest("device_code parameter is required")
	}

	auth, err := g.devices.PollDeviceAuthorization(ctx, req.DeviceCode)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, oauth.ErrInvalidGrant("invalid device code")
	case err != nil:
		return nil, fmt.Errorf("failed to poll device authorization: %w", err)
	}

	if auth.ClientID != req.Client.ID {
		return nil, oauth.ErrInvalidGrant("device code was not issued to this client")
	}

	now := time.Now()
	if now.After(auth.ExpiresAt) {
		// Expired codes are garbage; delete eagerly rather than waiting
		// for the storage sweep.
		_ = g.devices.DeleteDeviceAuthorization(ctx, req.DeviceCode)
		return nil, oauth.ErrExpiredToken("device code expired before approval")
	}

	// Enforce the polling interval against the previous poll timestamp
	if !auth.LastPolledAt.IsZero() && now.Sub(auth.LastPolledAt) < time.Duration(auth.Interval)*time.Second {
		return nil, oauth.ErrSlowDown(fmt.Sprintf("polling faster than the %ds interval", auth.Interval))
	}

	switch auth.Status {
	case storage.DeviceStatusPending:
		return nil, oauth.ErrAuthorizationPending("user has not yet approved the device")
	case storage.DeviceStatusDenied:
		_ = g.devices.DeleteDeviceAuthorization(ctx, req.DeviceCode)
		return nil, oauth.ErrAccessDenied("user denied the device authorization")
	case storage.DeviceStatusApproved:
		return &Context{
			Client:      req.Client,
			UserID:      auth.UserID,
			Scope:       auth.Scope,
			deviceCode:  auth.DeviceCode,
			withRefresh: true,
		}, nil
	default:
		return nil, fmt.Errorf("device authorization in unknown state %q", auth.Status)
	}
}

// Issue mints tokens for the approved device and destroys the device
// authorization so a second poll with the same device_code fails.
func (g *DeviceCode) Issue(ctx context.Context, gc *Context) (*oauth.TokenResponse, error) {
	resp, err := g.issueTokens(ctx, gc)
	if err != nil {
		return nil, err
	}

	if err := g.devices.DeleteDeviceAuthorization(ctx, gc.deviceCode); err != nil {
		g.logger.Warn("Failed to delete device authorization after issuance", "error", err)
	}

	if g.auditor != nil {
		g.auditor.LogTokenIssued(gc.UserID, gc.Client.ID, TypeDeviceCode, gc.Scope)
	}
	return resp, nil
}

// compile-time interface check
var _ Type = (*DeviceCode)(nil)
