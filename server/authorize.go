package server

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/openshelf/oauth"
	"github.com/openshelf/oauth/instrumentation"
	"github.com/openshelf/oauth/security"
	"github.com/openshelf/oauth/storage"
)

// AuthorizationRequest is a parsed, transport-independent authorization
// request. When RequestURI is set (RFC 9126) the remaining parameters are
// taken from the stored pushed request and must not also appear here.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	RequestURI          string
}

// AuthorizationResult is the outcome of a successful code issuance: the
// exact redirect the user agent should be sent to.
type AuthorizationResult struct {
	// RedirectURI carries code, state, and iss as query parameters
	RedirectURI string
}

// HandleAuthorizationRequest validates an authorization request and, given
// an authenticated user, issues an authorization code bound to the request's
// client, redirect URI, scope, and PKCE challenge. The caller is responsible
// for having authenticated userID; the server has no opinion about how
// users log in.
//
// Validation errors fall in two classes. Problems with the client or the
// redirect URI must never cause a redirect; for those the result is nil.
// For errors detected after the redirect URI is validated, the result is
// non-nil and carries the error rendered onto the redirect URI, and the
// transport should send the user agent there.
func (s *AuthorizationServer) HandleAuthorizationRequest(ctx context.Context, req *AuthorizationRequest, userID string) (*AuthorizationResult, error) {
	if userID == "" {
		return nil, oauth.ErrAccessDenied("user authentication required")
	}

	if req.RequestURI != "" {
		pushed, err := s.resolvePushedRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		req = pushed
	} else if s.cfg.Features.RequirePushedAuthorizationRequests {
		return nil, oauth.ErrInvalidRequest("this server only accepts pushed authorization requests")
	}

	client, redirectURI, err := s.validateClientAndRedirect(ctx, req.ClientID, req.RedirectURI)
	if err != nil {
		s.countAuthorization(ctx, "rejected")
		return nil, err
	}

	if err := s.validateAuthorizationParams(req, client); err != nil {
		s.countAuthorization(ctx, "rejected")
		var oerr *oauth.OAuthError
		if errors.As(err, &oerr) {
			return &AuthorizationResult{
				RedirectURI: s.BuildErrorRedirect(redirectURI, req.State, oerr),
			}, err
		}
		return nil, err
	}

	ar, err := s.parkRequest(ctx, req, redirectURI)
	if err != nil {
		return nil, err
	}
	return s.CompleteAuthorization(ctx, ar.ID, userID)
}

// BeginAuthorization validates an authorization request and parks it while
// the application authenticates the user, for transports that have to send
// the user through a login page before any code can be issued. The returned
// record's ID is the handle for CompleteAuthorization; an abandoned record
// expires after AuthorizationRequestTTL.
func (s *AuthorizationServer) BeginAuthorization(ctx context.Context, req *AuthorizationRequest) (*storage.AuthorizationRequest, error) {
	if req.RequestURI != "" {
		pushed, err := s.resolvePushedRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		req = pushed
	} else if s.cfg.Features.RequirePushedAuthorizationRequests {
		return nil, oauth.ErrInvalidRequest("this server only accepts pushed authorization requests")
	}

	client, redirectURI, err := s.validateClientAndRedirect(ctx, req.ClientID, req.RedirectURI)
	if err != nil {
		s.countAuthorization(ctx, "rejected")
		return nil, err
	}
	if err := s.validateAuthorizationParams(req, client); err != nil {
		s.countAuthorization(ctx, "rejected")
		return nil, err
	}
	return s.parkRequest(ctx, req, redirectURI)
}

// CompleteAuthorization consumes a parked authorization request for a user
// the application has since authenticated, issues the authorization code,
// and returns the redirect carrying code, state, and iss. A request is
// consumed exactly once; completing it again fails.
func (s *AuthorizationServer) CompleteAuthorization(ctx context.Context, requestID, userID string) (*AuthorizationResult, error) {
	if userID == "" {
		return nil, oauth.ErrAccessDenied("user authentication required")
	}

	ar, err := s.cfg.Flows.ConsumeAuthorizationRequest(ctx, requestID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, oauth.ErrInvalidRequest("unknown or already completed authorization request")
	case errors.Is(err, storage.ErrExpired):
		return nil, oauth.ErrInvalidRequest("authorization request has expired")
	case err != nil:
		return nil, oauth.ErrServerError("failed to consume authorization request")
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                security.GenerateToken(),
		ClientID:            ar.ClientID,
		UserID:              userID,
		RedirectURI:         ar.RedirectURI,
		Scope:               ar.Scope,
		Nonce:               ar.Nonce,
		CodeChallenge:       ar.CodeChallenge,
		CodeChallengeMethod: ar.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.Lifetimes.AuthorizationCodeTTL),
	}
	if err := s.cfg.Flows.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, oauth.ErrServerError("failed to persist authorization code")
	}

	s.auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		UserID:   userID,
		ClientID: ar.ClientID,
		Details:  map[string]any{"scope": ar.Scope},
	})
	s.countAuthorization(ctx, "success")

	return &AuthorizationResult{
		RedirectURI: s.buildRedirect(ar.RedirectURI, code.Code, ar.State),
	}, nil
}

// parkRequest persists the validated request as a transient record awaiting
// user authentication
func (s *AuthorizationServer) parkRequest(ctx context.Context, req *AuthorizationRequest, redirectURI string) (*storage.AuthorizationRequest, error) {
	now := time.Now()
	ar := &storage.AuthorizationRequest{
		ID:                  uuid.NewString(),
		ClientID:            req.ClientID,
		RedirectURI:         redirectURI,
		Scope:               req.Scope,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.Lifetimes.AuthorizationRequestTTL),
	}
	if err := s.cfg.Flows.SaveAuthorizationRequest(ctx, ar); err != nil {
		return nil, oauth.ErrServerError("failed to persist authorization request")
	}
	return ar, nil
}

// resolvePushedRequest consumes a PAR request URI and rebuilds the
// authorization request from the stored record
func (s *AuthorizationServer) resolvePushedRequest(ctx context.Context, req *AuthorizationRequest) (*AuthorizationRequest, error) {
	if !s.cfg.Features.PushedAuthorizationRequests {
		return nil, oauth.ErrInvalidRequest("request_uri is not supported")
	}
	if req.CodeChallenge != "" || req.Scope != "" || req.RedirectURI != "" {
		return nil, oauth.ErrInvalidRequest("request_uri must not be combined with other authorization parameters")
	}

	pushed, err := s.cfg.Flows.ConsumePushedRequest(ctx, req.RequestURI)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, oauth.ErrInvalidRequest("unknown or already used request_uri")
	case errors.Is(err, storage.ErrExpired):
		return nil, oauth.ErrInvalidRequest("request_uri has expired")
	case err != nil:
		return nil, oauth.ErrServerError("failed to resolve request_uri")
	}
	if req.ClientID != "" && req.ClientID != pushed.ClientID {
		return nil, oauth.ErrInvalidRequest("client_id does not match the pushed request")
	}

	return &AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            pushed.ClientID,
		RedirectURI:         pushed.RedirectURI,
		Scope:               pushed.Scope,
		State:               pushed.State,
		Nonce:               pushed.Nonce,
		CodeChallenge:       pushed.CodeChallenge,
		CodeChallengeMethod: pushed.CodeChallengeMethod,
	}, nil
}

// validateClientAndRedirect resolves the client and pins down the redirect
// URI. Errors from here must never be delivered by redirect.
func (s *AuthorizationServer) validateClientAndRedirect(ctx context.Context, clientID, redirectURI string) (*storage.Client, string, error) {
	if clientID == "" {
		return nil, "", oauth.ErrInvalidRequest("client_id is required")
	}
	client, err := s.cfg.Clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", oauth.ErrInvalidClient("unknown client")
		}
		return nil, "", oauth.ErrServerError("client lookup failed")
	}
	if client.Revoked {
		return nil, "", oauth.ErrInvalidClient("client is revoked")
	}

	switch {
	case redirectURI == "" && len(client.RedirectURIs) == 1:
		// A single registered URI may be used implicitly
		redirectURI = client.RedirectURIs[0]
	case redirectURI == "":
		return nil, "", oauth.ErrInvalidRequest("redirect_uri is required")
	case !client.AllowsRedirectURI(redirectURI):
		return nil, "", oauth.ErrInvalidRedirectURI("redirect_uri is not registered for this client")
	}
	return client, redirectURI, nil
}

// validateAuthorizationParams checks response type, scope, and PKCE
func (s *AuthorizationServer) validateAuthorizationParams(req *AuthorizationRequest, client *storage.Client) error {
	if req.ResponseType != "code" {
		return oauth.NewOAuthError("unsupported_response_type", "only the code response type is supported", 400)
	}

	scopes := splitScope(req.Scope)
	if len(client.Scopes) > 0 && !client.AllowsScope(scopes) {
		return oauth.ErrInvalidScope("requested scope exceeds the client grant")
	}

	if req.CodeChallenge == "" {
		if client.Confidential || s.cfg.Security.AllowPublicClientsWithoutPKCE {
			return nil
		}
		return oauth.ErrInvalidRequest("code_challenge is required for public clients")
	}
	switch req.CodeChallengeMethod {
	case security.PKCEMethodS256, "":
	case security.PKCEMethodPlain:
		if !s.cfg.Security.AllowPKCEPlain {
			return oauth.ErrInvalidRequest("the plain code challenge method is not supported")
		}
	default:
		return oauth.ErrInvalidRequest("unsupported code_challenge_method")
	}
	return nil
}

// buildRedirect appends code, state, and the RFC 9207 iss parameter to the
// redirect URI
func (s *AuthorizationServer) buildRedirect(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		// Registered URIs are validated at registration; this is unreachable
		// for well-formed configuration but must not panic.
		return redirectURI
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	q.Set("iss", s.cfg.Issuer)
	u.RawQuery = q.Encode()
	return u.String()
}

// BuildErrorRedirect renders a protocol error onto a redirect URI that has
// already been validated against the client's registration. The transport
// uses this for errors that are safe to deliver by redirect.
func (s *AuthorizationServer) BuildErrorRedirect(redirectURI, state string, oerr *oauth.OAuthError) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("error", oerr.Code)
	if oerr.Description != "" {
		q.Set("error_description", oerr.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	q.Set("iss", s.cfg.Issuer)
	u.RawQuery = q.Encode()
	return u.String()
}

// countAuthorization records an authorization endpoint outcome metric
func (s *AuthorizationServer) countAuthorization(ctx context.Context, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.AuthorizationRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		instrumentation.OutcomeAttr(outcome),
	))
}
