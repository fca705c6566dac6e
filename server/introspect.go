package server

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/openshelf/oauth"
	"github.com/openshelf/oauth/instrumentation"
	"github.com/openshelf/oauth/storage"
)

// IntrospectionRequest is a parsed RFC 7662 introspection request. Callers
// must be authenticated clients; this endpoint is never public.
type IntrospectionRequest struct {
	ClientID     string
	ClientSecret string
	AuthMethod   string

	Token         string
	TokenTypeHint string
}

// HandleIntrospectionRequest reports whether a token is active. Unknown,
// expired, and revoked tokens all yield {"active": false}; only a failed
// client authentication is an error, so the endpoint does not reveal
// whether a token ever existed.
func (s *AuthorizationServer) HandleIntrospectionRequest(ctx context.Context, req *IntrospectionRequest) (*oauth.IntrospectionResponse, error) {
	if !s.cfg.Features.Introspection {
		return nil, oauth.ErrInvalidRequest("token introspection is not supported")
	}

	if _, err := s.authenticateClient(ctx, &TokenEndpointRequest{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		AuthMethod:   req.AuthMethod,
	}); err != nil {
		s.countIntrospection(ctx, "auth_failed")
		return nil, err
	}
	if req.Token == "" {
		return nil, oauth.ErrInvalidRequest("token is required")
	}

	token, err := s.cfg.Tokens.GetToken(ctx, req.Token)
	if err != nil || token.Revoked || token.Expired(time.Now()) {
		s.countIntrospection(ctx, "inactive")
		return &oauth.IntrospectionResponse{Active: false}, nil
	}

	s.countIntrospection(ctx, "active")
	return &oauth.IntrospectionResponse{
		Active:    true,
		Scope:     token.Scope,
		ClientID:  token.ClientID,
		Sub:       token.UserID,
		TokenType: tokenTypeName(token.Kind),
		Exp:       token.ExpiresAt.Unix(),
		Iat:       token.CreatedAt.Unix(),
		Iss:       s.cfg.Issuer,
	}, nil
}

// tokenTypeName maps the storage token kind to the RFC 7662 token_type value
func tokenTypeName(kind storage.TokenKind) string {
	if kind == storage.TokenKindRefresh {
		return "refresh_token"
	}
	return "Bearer"
}

// countIntrospection records an introspection endpoint outcome metric
func (s *AuthorizationServer) countIntrospection(ctx context.Context, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.IntrospectionsTotal.Add(ctx, 1, metric.WithAttributes(
		instrumentation.OutcomeAttr(outcome),
	))
}
