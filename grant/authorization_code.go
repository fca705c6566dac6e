package grant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openshelf/oauth"
	"github.com/openshelf/oauth/security"
	"github.com/openshelf/oauth/storage"
)

// AuthorizationCode implements the authorization_code grant (RFC 6749
// Section 4.1) with PKCE verification (RFC 7636) and code-reuse incident
// response: a consumed code presented a second time revokes every token
// issued for that user+client pair.
type AuthorizationCode struct {
	core
	flows storage.FlowStore

	// AllowPlainPKCE permits the deprecated 'plain' code_challenge_method.
	// S256 only when false.
	allowPlainPKCE bool
}

// AuthorizationCodeConfig configures the authorization_code grant
type AuthorizationCodeConfig struct {
	Flows          storage.FlowStore
	Tokens         storage.TokenStore
	AllowPlainPKCE bool
	Options        Options
	Auditor        *security.Auditor
	Logger         *slog.Logger
}

// NewAuthorizationCode creates the authorization_code grant handler
func NewAuthorizationCode(cfg AuthorizationCodeConfig) *AuthorizationCode {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthorizationCode{
		core: core{
			tokens:  cfg.Tokens,
			opts:    cfg.Options,
			auditor: cfg.Auditor,
			logger:  logger,
		},
		flows:          cfg.Flows,
		allowPlainPKCE: cfg.AllowPlainPKCE,
	}
}

// Name returns the grant_type tag
func (g *AuthorizationCode) Name() string { return TypeAuthorizationCode }

// Validate consumes the authorization code and checks every binding the code
// carries: client, expiry, redirect URI, and PKCE. Consumption is atomic at
// the storage layer, so of two concurrent exchanges of the same code at most
// one reaches Issue.
func (g *AuthorizationCode) Validate(ctx context.Context, req *TokenRequest) (*Context, error) {
	if req.Code == "" {
		return nil, oauth.ErrInvalidRequest("code parameter is required")
	}

	authCode, err := g.flows.ConsumeAuthorizationCode(ctx, req.Code)
	switch {
	case errors.Is(err, storage.ErrAlreadyUsed):
		// Code reuse is a token theft indicator (RFC 9700): revoke
		// everything issued under the original exchange.
		g.handleCodeReuse(ctx, authCode, req.Client.ID)
		return nil, oauth.ErrInvalidGrant("authorization code already used")
	case errors.Is(err, storage.ErrExpired):
		g.auditFailure(req.Client.ID, "authorization_code_expired")
		return nil, oauth.ErrInvalidGrant("authorization code expired")
	case errors.Is(err, storage.ErrNotFound):
		g.auditFailure(req.Client.ID, "authorization_code_not_found")
		return nil, oauth.ErrInvalidGrant("invalid authorization code")
	case err != nil:
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	if authCode.ClientID != req.Client.ID {
		g.auditFailure(req.Client.ID, "authorization_code_client_mismatch")
		return nil, oauth.ErrInvalidGrant("authorization code was not issued to this client")
	}

	// redirect_uri must match the value used at authorization time exactly
	if authCode.RedirectURI != req.RedirectURI {
		g.auditFailure(req.Client.ID, "redirect_uri_mismatch")
		return nil, oauth.ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	if authCode.CodeChallenge != "" {
		if err := security.VerifyChallenge(authCode.CodeChallenge, authCode.CodeChallengeMethod, req.CodeVerifier, g.allowPlainPKCE); err != nil {
			if g.auditor != nil {
				g.auditor.LogEvent(security.Event{
					Type:     security.EventInvalidPKCE,
					UserID:   authCode.UserID,
					ClientID: req.Client.ID,
					Details:  map[string]any{"reason": err.Error()},
				})
			}
			return nil, oauth.ErrInvalidGrant(fmt.Sprintf("PKCE validation failed: %v", err))
		}
	}

	return &Context{
		Client:      req.Client,
		UserID:      authCode.UserID,
		Scope:       authCode.Scope,
		Nonce:       authCode.Nonce,
		withRefresh: true,
	}, nil
}

// Issue mints an access token and a refresh token for the validated context
func (g *AuthorizationCode) Issue(ctx context.Context, gc *Context) (*oauth.TokenResponse, error) {
	resp, err := g.issueTokens(ctx, gc)
	if err != nil {
		return nil, err
	}
	if g.auditor != nil {
		g.auditor.LogTokenIssued(gc.UserID, gc.Client.ID, TypeAuthorizationCode, gc.Scope)
	}
	return resp, nil
}

// handleCodeReuse revokes all tokens for the user+client the reused code was
// bound to. The reused record comes from the storage tombstone; when the
// store cannot supply it, only the audit trail is written.
func (g *AuthorizationCode) handleCodeReuse(ctx context.Context, reused *storage.AuthorizationCode, clientID string) {
	if reused == nil {
		g.logger.Error("Authorization code reuse detected without record", "client_id", clientID)
		return
	}

	revoked, err := g.tokens.RevokeAllForUserClient(ctx, reused.UserID, reused.ClientID)
	if err != nil {
		g.logger.Error("Failed to revoke tokens after code reuse",
			"client_id", reused.ClientID,
			"error", err)
	}
	if g.auditor != nil {
		g.auditor.LogCodeReuse(reused.UserID, reused.ClientID, revoked)
	}
	g.logger.Error("Authorization code reuse detected, tokens revoked",
		"client_id", reused.ClientID,
		"tokens_revoked", revoked)
}

func (g *AuthorizationCode) auditFailure(clientID, reason string) {
	if g.auditor != nil {
		g.auditor.LogAuthFailure("", clientID, "", reason)
	}
}

// compile-time interface check
var _ Type = (*AuthorizationCode)(nil)

// scopeList splits a space-separated scope string, returning nil for empty
func scopeList(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
