// Package grant implements the pluggable grant-type engine. Each grant type
// is a self-contained state machine over the storage port, split into an
// explicit validate phase (request -> grant context) and an issue phase
// (grant context -> token response). The Registry dispatches token requests
// to the registered implementation for their grant_type; adding a grant type
// requires only registering a new implementation.
package grant

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/openshelf/oauth"
	"github.com/openshelf/oauth/security"
	"github.com/openshelf/oauth/storage"
)

// Grant type identifiers as they appear in the grant_type parameter
const (
	TypeAuthorizationCode = "authorization_code"
	TypeClientCredentials = "client_credentials"
	TypeRefreshToken      = "refresh_token"
	TypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

const tokenTypeBearer = "Bearer"

// TokenRequest is a parsed token endpoint request. Client authentication has
// already happened: Client is the authenticated (or public, identified)
// client making the request.
type TokenRequest struct {
	GrantType    string
	Client       *storage.Client
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	DeviceCode   string
	Scope        string
}

// Context is the validated grant state carried from Validate to Issue
type Context struct {
	Client *storage.Client
	UserID string // empty for client_credentials
	Scope  string
	Nonce  string

	// deviceCode is set by the device grant so Issue can destroy the
	// authorization after tokens are handed out
	deviceCode string

	// withRefresh controls whether Issue mints a refresh token
	withRefresh bool
}

// Type is the capability a grant implementation provides: a type tag, a
// validate phase, and an issue phase. Validate returns a *oauth.OAuthError
// for protocol failures; persistence failures propagate as-is.
type Type interface {
	// Name returns the grant_type value this implementation handles
	Name() string

	// Validate checks the grant-specific request state against the
	// persistence port and returns the context tokens will be issued under
	Validate(ctx context.Context, req *TokenRequest) (*Context, error)

	// Issue mints tokens for a validated context
	Issue(ctx context.Context, gc *Context) (*oauth.TokenResponse, error)
}

// Options holds token lifetime and rotation settings. The Registry carries
// engine-wide defaults; a grant constructed with non-zero Options keeps its
// own values when registered.
type Options struct {
	// AccessTokenTTL is how long issued access tokens are valid.
	// Default: 1 hour.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long issued refresh tokens are valid.
	// Default: 30 days.
	RefreshTokenTTL time.Duration

	// DisableRefreshRotation keeps the presented refresh token valid after
	// use instead of consuming it and issuing a replacement. The zero value
	// rotates.
	DisableRefreshRotation bool
}

// merged returns opts with zero fields replaced by defaults. Rotation stays
// disabled when either the grant or the engine disabled it.
func (o Options) merged(defaults Options) Options {
	if o.AccessTokenTTL == 0 {
		o.AccessTokenTTL = defaults.AccessTokenTTL
	}
	if o.RefreshTokenTTL == 0 {
		o.RefreshTokenTTL = defaults.RefreshTokenTTL
	}
	o.DisableRefreshRotation = o.DisableRefreshRotation || defaults.DisableRefreshRotation
	return o
}

// defaultable is implemented by grants embedding core; Register uses it to
// fill unset per-grant options from the engine defaults.
type defaultable interface {
	mergeDefaults(Options)
}

// Registry is the grant engine: a map from grant_type tag to implementation.
// Registration is explicit and additive; dispatching an unregistered
// grant_type yields unsupported_grant_type.
type Registry struct {
	grants   map[string]Type
	defaults Options
	logger   *slog.Logger
}

// NewRegistry creates a grant registry with engine-wide default options
func NewRegistry(defaults Options, logger *slog.Logger) *Registry {
	if defaults.AccessTokenTTL == 0 {
		defaults.AccessTokenTTL = time.Hour
	}
	if defaults.RefreshTokenTTL == 0 {
		defaults.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		grants:   make(map[string]Type),
		defaults: defaults,
		logger:   logger,
	}
}

// Register adds a grant implementation to the engine, filling any unset
// per-grant options from the engine defaults. Registering the same grant
// type twice replaces the earlier implementation.
func (r *Registry) Register(t Type) {
	if d, ok := t.(defaultable); ok {
		d.mergeDefaults(r.defaults)
	}
	r.grants[t.Name()] = t
	r.logger.Debug("Registered grant type", "grant_type", t.Name())
}

// Names returns the registered grant type tags, sorted, for server metadata
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.grants))
	for name := range r.grants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supports reports whether a grant type is registered
func (r *Registry) Supports(grantType string) bool {
	_, ok := r.grants[grantType]
	return ok
}

// Handle dispatches a token request to the grant matching its grant_type:
// validate, then issue. Grant handlers do not block on each other; requests
// for different clients and codes may execute concurrently.
func (r *Registry) Handle(ctx context.Context, req *TokenRequest) (*oauth.TokenResponse, error) {
	if req.Client == nil {
		return nil, oauth.ErrServerError("token request dispatched without an authenticated client")
	}

	t, ok := r.grants[req.GrantType]
	if !ok {
		return nil, oauth.ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", req.GrantType))
	}

	gc, err := t.Validate(ctx, req)
	if err != nil {
		return nil, err
	}
	return t.Issue(ctx, gc)
}

// core holds the dependencies and options shared by the built-in grants
type core struct {
	tokens  storage.TokenStore
	opts    Options
	auditor *security.Auditor
	logger  *slog.Logger
}

func (c *core) mergeDefaults(defaults Options) {
	c.opts = c.opts.merged(defaults)
}

// issueTokens mints an opaque access token (and optionally a refresh token)
// for the grant context and persists both through the token store.
func (c *core) issueTokens(ctx context.Context, gc *Context) (*oauth.TokenResponse, error) {
	now := time.Now()

	access := &storage.Token{
		Value:     security.GenerateToken(),
		Kind:      storage.TokenKindAccess,
		ClientID:  gc.Client.ID,
		UserID:    gc.UserID,
		Scope:     gc.Scope,
		CreatedAt: now,
		ExpiresAt: now.Add(c.opts.AccessTokenTTL),
	}
	if err := c.tokens.SaveToken(ctx, access); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}

	resp := &oauth.TokenResponse{
		AccessToken: access.Value,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(c.opts.AccessTokenTTL / time.Second),
		Scope:       gc.Scope,
	}

	if gc.withRefresh {
		refresh := &storage.Token{
			Value:     security.GenerateToken(),
			Kind:      storage.TokenKindRefresh,
			ClientID:  gc.Client.ID,
			UserID:    gc.UserID,
			Scope:     gc.Scope,
			CreatedAt: now,
			ExpiresAt: now.Add(c.opts.RefreshTokenTTL),
		}
		if err := c.tokens.SaveToken(ctx, refresh); err != nil {
			return nil, fmt.Errorf("failed to save refresh token: %w", err)
		}
		resp.RefreshToken = refresh.Value
	}

	return resp, nil
}

// scopesWithin reports whether every scope in requested was granted.
// An empty request is always within bounds.
func scopesWithin(requested, granted []string) bool {
	for _, req := range requested {
		found := false
		for _, g := range granted {
			if req == g {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
