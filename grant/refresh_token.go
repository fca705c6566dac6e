package grant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openshelf/oauth"
	"github.com/openshelf/oauth/security"
	"github.com/openshelf/oauth/storage"
)

// RefreshToken implements the refresh_token grant (RFC 6749 Section 6).
// With rotation enabled (the default) the presented token is atomically
// consumed and a replacement issued; the old token never validates again.
// Presenting a token that was already rotated out or revoked is treated as a
// reuse signal and audited.
type RefreshToken struct {
	core
}

// RefreshTokenConfig configures the refresh_token grant
type RefreshTokenConfig struct {
	Tokens  storage.TokenStore
	Options Options
	Auditor *security.Auditor
	Logger  *slog.Logger
}

// NewRefreshToken creates the refresh_token grant handler
func NewRefreshToken(cfg RefreshTokenConfig) *RefreshToken {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshToken{
		core: core{
			tokens:  cfg.Tokens,
			opts:    cfg.Options,
			auditor: cfg.Auditor,
			logger:  logger,
		},
	}
}

// Name returns the grant_type tag
func (g *RefreshToken) Name() string { return TypeRefreshToken }

// Validate checks the presented refresh token against persistence. Under
// rotation the token is consumed here, atomically, so two concurrent
// refreshes with the same token cannot both succeed.
func (g *RefreshToken) Validate(ctx context.Context, req *TokenRequest) (*Context, error) {
	if req.RefreshToken == "" {
		return nil, oauth.ErrInvalidRequest("refresh_token parameter is required")
	}

	rotate := !g.opts.DisableRefreshRotation

	var token *storage.Token
	var err error
	if rotate {
		token, err = g.tokens.ConsumeRefreshToken(ctx, req.RefreshToken)
	} else {
		token, err = g.tokens.GetToken(ctx, req.RefreshToken)
	}
	switch {
	case errors.Is(err, storage.ErrExpired):
		return nil, oauth.ErrInvalidGrant("refresh token expired")
	case errors.Is(err, storage.ErrNotFound):
		g.auditFailure(req.Client.ID, "refresh_token_not_found")
		return nil, oauth.ErrInvalidGrant("invalid refresh token")
	case err != nil:
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}

	if token.Kind != storage.TokenKindRefresh {
		return nil, oauth.ErrInvalidGrant("presented token is not a refresh token")
	}
	if token.Revoked {
		// A revoked token resurfacing means the value leaked or was
		// rotated out and replayed.
		if g.auditor != nil {
			g.auditor.LogEvent(security.Event{
				Type:     security.EventRefreshTokenReuseDetected,
				UserID:   token.UserID,
				ClientID: req.Client.ID,
				Details:  map[string]any{"severity": "critical"},
			})
		}
		return nil, oauth.ErrInvalidGrant("refresh token has been revoked")
	}
	if token.Expired(time.Now()) {
		return nil, oauth.ErrInvalidGrant("refresh token expired")
	}
	if token.ClientID != req.Client.ID {
		g.auditFailure(req.Client.ID, "refresh_token_client_mismatch")
		return nil, oauth.ErrInvalidGrant("refresh token was not issued to this client")
	}

	// Scope may narrow on refresh but never widen (RFC 6749 Section 6)
	scope := token.Scope
	if req.Scope != "" {
		if !scopesWithin(scopeList(req.Scope), scopeList(token.Scope)) {
			return nil, oauth.ErrInvalidScope("requested scope exceeds the original grant")
		}
		scope = strings.Join(scopeList(req.Scope), " ")
	}

	return &Context{
		Client:      req.Client,
		UserID:      token.UserID,
		Scope:       scope,
		withRefresh: rotate,
	}, nil
}

// Issue mints a new access token, plus a replacement refresh token when
// rotation is enabled. Without rotation the client keeps using the token it
// presented, so none is returned.
func (g *RefreshToken) Issue(ctx context.Context, gc *Context) (*oauth.TokenResponse, error) {
	resp, err := g.issueTokens(ctx, gc)
	if err != nil {
		return nil, err
	}

	if g.auditor != nil {
		g.auditor.LogEvent(security.Event{
			Type:     security.EventTokenRefreshed,
			UserID:   gc.UserID,
			ClientID: gc.Client.ID,
			Details:  map[string]any{"rotated": gc.withRefresh},
		})
	}
	return resp, nil
}

func (g *RefreshToken) auditFailure(clientID, reason string) {
	if g.auditor != nil {
		g.auditor.LogAuthFailure("", clientID, "", reason)
	}
}

// compile-time interface check
var _ Type = (*RefreshToken)(nil)
