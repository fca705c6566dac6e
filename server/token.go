package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"go.opentelemetry.io/otel/metric"

	"github.com/openshelf/oauth"
	"github.com/openshelf/oauth/grant"
	"github.com/openshelf/oauth/instrumentation"
	"github.com/openshelf/oauth/security"
	"github.com/openshelf/oauth/storage"
)

// Client authentication methods at the token endpoint
const (
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
	AuthMethodNone  = "none"
)

// TokenEndpointRequest is a parsed, transport-independent token request.
// AuthMethod records how the client credentials arrived so it can be checked
// against the client's registered method.
type TokenEndpointRequest struct {
	ClientID     string
	ClientSecret string
	AuthMethod   string

	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	DeviceCode   string
	Scope        string
}

// HandleTokenRequest authenticates the client, enforces rate limits, and
// dispatches to the registered grant type. Errors are always *oauth.OAuthError.
func (s *AuthorizationServer) HandleTokenRequest(ctx context.Context, req *TokenEndpointRequest) (*oauth.TokenResponse, error) {
	if req.GrantType == "" {
		return nil, oauth.ErrInvalidRequest("grant_type is required")
	}

	if s.limiter != nil && req.ClientID != "" && !s.limiter.Allow(req.ClientID) {
		s.auditor.LogEvent(security.Event{
			Type:     security.EventRateLimitExceeded,
			ClientID: req.ClientID,
		})
		s.countToken(ctx, req.GrantType, "rate_limited")
		return nil, oauth.NewOAuthError(oauth.ErrorCodeRateLimitExceeded, "too many requests", http.StatusTooManyRequests)
	}

	client, err := s.authenticateClient(ctx, req)
	if err != nil {
		s.countToken(ctx, req.GrantType, "auth_failed")
		return nil, err
	}

	resp, err := s.registry.Handle(ctx, &grant.TokenRequest{
		GrantType:    req.GrantType,
		Client:       client,
		Code:         req.Code,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
		RefreshToken: req.RefreshToken,
		DeviceCode:   req.DeviceCode,
		Scope:        req.Scope,
	})
	if err != nil {
		s.countToken(ctx, req.GrantType, "error")
		return nil, err
	}
	s.countToken(ctx, req.GrantType, "success")
	return resp, nil
}

// authenticateClient resolves and authenticates the requesting client.
// Failures are deliberately uniform: an unknown client, a revoked client,
// and a wrong secret all produce the same invalid_client error.
func (s *AuthorizationServer) authenticateClient(ctx context.Context, req *TokenEndpointRequest) (*storage.Client, error) {
	if req.ClientID == "" {
		return nil, oauth.ErrInvalidClient("client authentication required")
	}
	if req.AuthMethod != "" && !s.allowsAuthMethod(req.AuthMethod) {
		s.auditor.LogAuthFailure("", req.ClientID, "",
			fmt.Sprintf("auth method %s not accepted at this token endpoint", req.AuthMethod))
		return nil, oauth.ErrInvalidClient("client authentication failed")
	}

	client, err := s.cfg.Clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.auditor.LogAuthFailure("", req.ClientID, "", "unknown client")
			return nil, oauth.ErrInvalidClient("client authentication failed")
		}
		return nil, oauth.ErrServerError("client lookup failed")
	}
	if client.Revoked {
		s.auditor.LogAuthFailure("", req.ClientID, "", "revoked client")
		return nil, oauth.ErrInvalidClient("client authentication failed")
	}

	if !client.Confidential {
		// Public clients authenticate by identifier only
		if req.ClientSecret != "" {
			s.auditor.LogAuthFailure("", req.ClientID, "", "secret presented by public client")
			return nil, oauth.ErrInvalidClient("client authentication failed")
		}
		return client, nil
	}

	if req.ClientSecret == "" {
		s.auditor.LogAuthFailure("", req.ClientID, "", "missing client secret")
		return nil, oauth.ErrInvalidClient("client authentication failed")
	}
	if client.TokenAuthMethod != "" && req.AuthMethod != client.TokenAuthMethod {
		s.auditor.LogAuthFailure("", req.ClientID, "",
			fmt.Sprintf("auth method %s not registered for client", req.AuthMethod))
		return nil, oauth.ErrInvalidClient("client authentication failed")
	}
	if err := s.cfg.Clients.ValidateClientSecret(ctx, req.ClientID, req.ClientSecret); err != nil {
		s.auditor.LogAuthFailure("", req.ClientID, "", "invalid client secret")
		return nil, oauth.ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

// allowsAuthMethod reports whether the deployment accepts the given client
// authentication method at the token endpoint.
func (s *AuthorizationServer) allowsAuthMethod(method string) bool {
	return slices.Contains(s.cfg.TokenEndpointAuthMethods, method)
}

// countToken records a token endpoint outcome metric
func (s *AuthorizationServer) countToken(ctx context.Context, grantType, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.TokenRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		instrumentation.GrantTypeAttr(grantType),
		instrumentation.OutcomeAttr(outcome),
	))
}
