package server

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/metric"

	"github.com/openshelf/oauth"
	"github.com/openshelf/oauth/instrumentation"
	"github.com/openshelf/oauth/storage"
)

// RevocationRequest is a parsed RFC 7009 revocation request
type RevocationRequest struct {
	ClientID     string
	ClientSecret string
	AuthMethod   string

	Token         string
	TokenTypeHint string
}

// HandleRevocationRequest revokes a token. Per RFC 7009 the endpoint
// succeeds whether or not the token exists; only a failed client
// authentication or a token belonging to a different client is an error,
// and the latter is reported as success to avoid leaking ownership.
func (s *AuthorizationServer) HandleRevocationRequest(ctx context.Context, req *RevocationRequest) error {
	if !s.cfg.Features.Revocation {
		return oauth.ErrInvalidRequest("token revocation is not supported")
	}

	client, err := s.authenticateClient(ctx, &TokenEndpointRequest{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		AuthMethod:   req.AuthMethod,
	})
	if err != nil {
		s.countRevocation(ctx, "auth_failed")
		return err
	}
	if req.Token == "" {
		return oauth.ErrInvalidRequest("token is required")
	}

	token, err := s.cfg.Tokens.GetToken(ctx, req.Token)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Unknown tokens revoke successfully
		s.countRevocation(ctx, "success")
		return nil
	case err != nil:
		return oauth.ErrServerError("token lookup failed")
	}

	if token.ClientID != client.ID {
		// A client may only revoke its own tokens, but saying so would
		// confirm the token exists
		s.countRevocation(ctx, "foreign_token")
		return nil
	}

	if err := s.cfg.Tokens.RevokeToken(ctx, req.Token); err != nil {
		return oauth.ErrServerError("failed to revoke token")
	}

	s.auditor.LogTokenRevoked(client.ID, "")
	s.countRevocation(ctx, "success")
	return nil
}

// countRevocation records a revocation endpoint outcome metric
func (s *AuthorizationServer) countRevocation(ctx context.Context, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RevocationsTotal.Add(ctx, 1, metric.WithAttributes(
		instrumentation.OutcomeAttr(outcome),
	))
}
