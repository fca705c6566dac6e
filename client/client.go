// Package client implements a hardened OAuth 2.0 authorization-code client:
// PKCE on every flow, one-time state bound to a pending authorization, and
// verification of the RFC 9207 iss parameter against the configured issuer
// to defeat mix-up attacks.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/openshelf/oauth"
	"github.com/openshelf/oauth/client/tokenstore"
	"github.com/openshelf/oauth/security"
)

// defaultPendingTTL bounds how long a started authorization waits for its
// callback before the state stops matching
const defaultPendingTTL = 10 * time.Minute

// Config holds the client configuration
type Config struct {
	// ClientID is the OAuth client identifier (required)
	ClientID string

	// ClientSecret authenticates confidential clients at the token endpoint.
	// Leave empty for public clients; PKCE protects the exchange either way.
	ClientSecret string

	// RedirectURI is where the authorization server sends the user back (required)
	RedirectURI string

	// Scopes are the scopes to request
	Scopes []string

	// Issuer is the authorization server's issuer URL. Endpoints are
	// discovered from it unless Metadata is set.
	Issuer string

	// Metadata supplies server metadata directly, skipping discovery
	Metadata *oauth.AuthorizationServerMetadata

	// RequireIssuerParameter rejects callbacks without an iss parameter.
	// Enable when the server advertises RFC 9207 support; a stripped iss is
	// then itself evidence of tampering.
	RequireIssuerParameter bool

	// Tokens persists obtained tokens, keyed by issuer and client ID (optional)
	Tokens tokenstore.Store

	// PendingTTL is how long a started authorization can wait for its
	// callback. Default: 10 minutes.
	PendingTTL time.Duration

	// HTTPClient is used for discovery and token requests
	// If not provided, uses a client with a 10 second timeout.
	HTTPClient *http.Client

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// pendingAuth is the client-side state for one started authorization
type pendingAuth struct {
	verifier  string
	nonce     string
	createdAt time.Time
}

// Client drives the authorization-code flow against one authorization server
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	metadata *oauth.AuthorizationServerMetadata
	pending  map[string]*pendingAuth // state -> pending authorization
}

// Authorization is a started authorization flow. Direct the user to URL; the
// state ties the eventual callback back to this flow.
type Authorization struct {
	URL   string
	State string
}

// AuthorizeOption customizes a single authorization flow
type AuthorizeOption func(*authorizeOptions)

type authorizeOptions struct {
	state string
	nonce string
}

// WithState supplies a caller-generated state instead of a random one. The
// caller owns its entropy and single use; a state already bound to an
// in-flight authorization is rejected.
func WithState(state string) AuthorizeOption {
	return func(o *authorizeOptions) { o.state = state }
}

// WithNonce supplies a caller-generated nonce instead of a random one
func WithNonce(nonce string) AuthorizeOption {
	return func(o *authorizeOptions) { o.nonce = nonce }
}

// New creates a client from the given configuration
func New(cfg Config) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, oauth.NewConfigurationError("ClientID", "is required")
	}
	if cfg.RedirectURI == "" {
		return nil, oauth.NewConfigurationError("RedirectURI", "is required")
	}
	if cfg.Issuer == "" && cfg.Metadata == nil {
		return nil, oauth.NewConfigurationError("Issuer", "is required unless Metadata is provided")
	}
	if cfg.Metadata != nil && cfg.Issuer == "" {
		cfg.Issuer = cfg.Metadata.Issuer
	}
	if cfg.PendingTTL == 0 {
		cfg.PendingTTL = defaultPendingTTL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		metadata:   cfg.Metadata,
		pending:    make(map[string]*pendingAuth),
	}, nil
}

// Discover fetches the authorization server metadata (RFC 8414) for the
// configured issuer and verifies that the document's issuer matches the one
// it was fetched from. The result is cached for the client's lifetime.
func (c *Client) Discover(ctx context.Context) (*oauth.AuthorizationServerMetadata, error) {
	c.mu.Lock()
	cached := c.metadata
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	meta, err := Discover(ctx, c.cfg.Issuer, c.httpClient)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.metadata = meta
	c.mu.Unlock()
	return meta, nil
}

// Discover fetches and validates authorization server metadata for issuer
func Discover(ctx context.Context, issuer string, httpClient *http.Client) (*oauth.AuthorizationServerMetadata, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	discoveryURL := strings.TrimSuffix(issuer, "/") + "/.well-known/oauth-authorization-server"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, wrapTimeout("metadata discovery", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata discovery failed with status %d", resp.StatusCode)
	}

	var meta oauth.AuthorizationServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode server metadata: %w", err)
	}

	// The document must speak for the issuer it was fetched from, or a
	// compromised host could point clients at attacker endpoints
	if normalizeIssuer(meta.Issuer) != normalizeIssuer(issuer) {
		return nil, &IssuerMismatchError{Expected: issuer, Got: meta.Issuer}
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("server metadata is missing required endpoints")
	}
	return &meta, nil
}

// CreateAuthorizationURL starts an authorization flow: it generates state, a
// PKCE verifier, and, when the openid scope is requested, a nonce, records
// them against the state, and returns the URL to send the user to. Each call
// produces an independent flow, so concurrent logins do not interfere.
func (c *Client) CreateAuthorizationURL(ctx context.Context, opts ...AuthorizeOption) (*Authorization, error) {
	meta, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}

	var o authorizeOptions
	for _, opt := range opts {
		opt(&o)
	}
	state := o.state
	if state == "" {
		state = security.GenerateState()
	}
	// A nonce is only meaningful when an identity token will carry it back
	nonce := o.nonce
	if nonce == "" && c.requestsOpenID() {
		nonce = security.GenerateNonce()
	}
	verifier := oauth2.GenerateVerifier()

	c.mu.Lock()
	c.prunePendingLocked()
	if _, exists := c.pending[state]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("state %q is already bound to an in-flight authorization", state)
	}
	c.pending[state] = &pendingAuth{
		verifier:  verifier,
		nonce:     nonce,
		createdAt: time.Now(),
	}
	c.mu.Unlock()

	urlOpts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if nonce != "" {
		urlOpts = append(urlOpts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	authURL := c.oauthConfig(meta).AuthCodeURL(state, urlOpts...)
	return &Authorization{URL: authURL, State: state}, nil
}

// requestsOpenID reports whether the configured scopes include openid
func (c *Client) requestsOpenID() bool {
	return slices.Contains(c.cfg.Scopes, "openid")
}

// ValidateCallback checks a callback redirect for tampering and returns the
// authorization code. The matching pending state is consumed whether or not
// validation succeeds, so a state can never be replayed.
//
// Error types distinguish the failure: AuthorizationError for a server-sent
// denial, StateMismatchError for an unknown or expired state, and
// IssuerMismatchError for an iss parameter naming the wrong server.
func (c *Client) ValidateCallback(query url.Values) (code string, err error) {
	// A server-sent error still consumes the pending state
	if errCode := query.Get("error"); errCode != "" {
		c.consumePending(query.Get("state"))
		return "", &AuthorizationError{
			Code:        errCode,
			Description: query.Get("error_description"),
		}
	}

	state := query.Get("state")
	pending := c.consumePending(state)
	if pending == nil {
		return "", &StateMismatchError{State: state}
	}

	if iss := query.Get("iss"); iss != "" {
		if normalizeIssuer(iss) != normalizeIssuer(c.cfg.Issuer) {
			return "", &IssuerMismatchError{Expected: c.cfg.Issuer, Got: iss}
		}
	} else if c.cfg.RequireIssuerParameter {
		return "", &IssuerMismatchError{Expected: c.cfg.Issuer, Got: ""}
	}

	code = query.Get("code")
	if code == "" {
		return "", fmt.Errorf("callback carries neither a code nor an error")
	}
	return code, nil
}

// HandleCallback validates the callback and exchanges the code for tokens.
// On success the tokens are persisted to the configured store.
func (c *Client) HandleCallback(ctx context.Context, query url.Values) (*tokenstore.Tokens, error) {
	state := query.Get("state")

	c.mu.Lock()
	pending, ok := c.pending[state]
	c.mu.Unlock()
	var verifier string
	if ok {
		verifier = pending.verifier
	}

	code, err := c.ValidateCallback(query)
	if err != nil {
		return nil, err
	}

	meta, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauthConfig(meta).Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, wrapTimeout("token exchange", err)
	}

	tokens := &tokenstore.Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		tokens.Scope = scope
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		tokens.IDToken = idToken
	}

	if c.cfg.Tokens != nil {
		if err := c.cfg.Tokens.Set(ctx, c.storageKey(), tokens); err != nil {
			return nil, fmt.Errorf("failed to persist tokens: %w", err)
		}
	}
	return tokens, nil
}

// StoredTokens returns the persisted tokens for this issuer and client
func (c *Client) StoredTokens(ctx context.Context) (*tokenstore.Tokens, error) {
	if c.cfg.Tokens == nil {
		return nil, tokenstore.ErrNotFound
	}
	return c.cfg.Tokens.Get(ctx, c.storageKey())
}

// ClearTokens removes the persisted tokens for this issuer and client
func (c *Client) ClearTokens(ctx context.Context) error {
	if c.cfg.Tokens == nil {
		return nil
	}
	return c.cfg.Tokens.Clear(ctx, c.storageKey())
}

// oauthConfig builds the oauth2 configuration from discovered metadata
func (c *Client) oauthConfig(meta *oauth.AuthorizationServerMetadata) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURI,
		Scopes:       c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  meta.AuthorizationEndpoint,
			TokenURL: meta.TokenEndpoint,
		},
	}
}

// consumePending removes and returns the pending authorization for state
func (c *Client) consumePending(state string) *pendingAuth {
	if state == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pending, ok := c.pending[state]
	if !ok {
		return nil
	}
	delete(c.pending, state)
	if time.Since(pending.createdAt) > c.cfg.PendingTTL {
		return nil
	}
	return pending
}

// prunePendingLocked drops expired pending authorizations. Must be called
// with the mutex held.
func (c *Client) prunePendingLocked() {
	cutoff := time.Now().Add(-c.cfg.PendingTTL)
	for state, pending := range c.pending {
		if pending.createdAt.Before(cutoff) {
			delete(c.pending, state)
		}
	}
}

// storageKey identifies this issuer and client pair in the token store
func (c *Client) storageKey() string {
	return normalizeIssuer(c.cfg.Issuer) + "|" + c.cfg.ClientID
}

// normalizeIssuer canonicalizes an issuer URL for comparison. Only the
// trailing slash is normalized; scheme and case differences remain
// significant.
func normalizeIssuer(issuer string) string {
	return strings.TrimSuffix(issuer, "/")
}

// wrapTimeout converts network timeouts into TimeoutError, leaving protocol
// errors untouched
func wrapTimeout(operation string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TimeoutError{Operation: operation, Err: err}
	}
	return err
}
