package server

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/openshelf/oauth"
	"github.com/openshelf/oauth/instrumentation"
	"github.com/openshelf/oauth/security"
	"github.com/openshelf/oauth/storage"
)

// Config holds the authorization server configuration
// Structured using composition: lifetimes, features, and security are
// separate blocks with secure defaults applied at construction.
type Config struct {
	// Issuer is the authorization server's issuer identifier URL (required).
	// Must be an absolute https URL (http is allowed for localhost) with no
	// query or fragment.
	Issuer string

	// SupportedScopes are all scopes this server will grant
	SupportedScopes []string

	// TokenEndpointAuthMethods are the client authentication methods accepted
	// at the token endpoint and advertised in metadata. Defaults to
	// client_secret_basic, client_secret_post, and none.
	TokenEndpointAuthMethods []string

	// Clients provides client lookup and secret validation (required)
	Clients storage.ClientStore

	// Flows stores authorization requests, codes, and pushed requests (required)
	Flows storage.FlowStore

	// Devices stores device authorizations. Required when Features.DeviceFlow
	// is enabled.
	Devices storage.DeviceStore

	// Tokens stores issued tokens (required)
	Tokens storage.TokenStore

	// Lifetimes configures record and token lifetimes
	Lifetimes LifetimeConfig

	// Features toggles optional endpoints
	Features FeatureConfig

	// Security holds security settings (secure by default)
	Security SecurityConfig

	// RateLimit configures per-client rate limiting at the token endpoint.
	// Zero Rate disables limiting.
	RateLimit RateLimitConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// Instrumentation provides metrics and tracing (optional)
	Instrumentation *instrumentation.Instrumentation
}

// LifetimeConfig holds lifetimes for the records the server issues
type LifetimeConfig struct {
	// AuthorizationCodeTTL is how long authorization codes are exchangeable.
	// Default: 5 minutes.
	AuthorizationCodeTTL time.Duration

	// AuthorizationRequestTTL is how long a pending authorization request
	// may wait for user approval. Default: 10 minutes.
	AuthorizationRequestTTL time.Duration

	// DeviceCodeTTL is how long device and user codes remain redeemable.
	// Default: 15 minutes.
	DeviceCodeTTL time.Duration

	// DevicePollInterval is the minimum seconds between device polls.
	// Default: 5.
	DevicePollInterval int64

	// PushedRequestTTL is how long PAR request URIs remain usable.
	// Default: 60 seconds.
	PushedRequestTTL time.Duration

	// AccessTokenTTL is how long access tokens are valid. Default: 1 hour.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens are valid. Default: 30 days.
	RefreshTokenTTL time.Duration
}

// FeatureConfig toggles optional protocol surfaces
type FeatureConfig struct {
	// DeviceFlow enables the device authorization grant (RFC 8628)
	DeviceFlow bool

	// PushedAuthorizationRequests enables the PAR endpoint (RFC 9126)
	PushedAuthorizationRequests bool

	// RequirePushedAuthorizationRequests rejects authorization requests that
	// did not arrive through the PAR endpoint
	RequirePushedAuthorizationRequests bool

	// Introspection enables the token introspection endpoint (RFC 7662)
	Introspection bool

	// Revocation enables the token revocation endpoint (RFC 7009)
	Revocation bool

	// ClientCredentials enables the client_credentials grant
	ClientCredentials bool

	// RefreshTokens enables the refresh_token grant
	RefreshTokens bool
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// AllowPKCEPlain permits the "plain" code challenge method.
	// WARNING: Weakens PKCE to a bearer secret. Only for legacy clients.
	AllowPKCEPlain bool

	// AllowPublicClientsWithoutPKCE permits public clients to omit the code
	// challenge on authorization requests.
	// WARNING: Leaves public clients open to code interception.
	AllowPublicClientsWithoutPKCE bool

	// DisableRefreshTokenRotation disables refresh token rotation.
	// WARNING: Stolen refresh tokens remain valid until expiry.
	DisableRefreshTokenRotation bool

	// EncryptionKey is the AES-256 key (32 bytes) for token encryption at
	// rest in stores that support it. Nil disables encryption.
	EncryptionKey []byte

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool
}

// RateLimitConfig holds token endpoint rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per client. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per client
	Burst int
}

// applySecureDefaults fills zero lifetimes with conservative values
func (c *Config) applySecureDefaults() {
	if c.Lifetimes.AuthorizationCodeTTL == 0 {
		c.Lifetimes.AuthorizationCodeTTL = 5 * time.Minute
	}
	if c.Lifetimes.AuthorizationRequestTTL == 0 {
		c.Lifetimes.AuthorizationRequestTTL = 10 * time.Minute
	}
	if c.Lifetimes.DeviceCodeTTL == 0 {
		c.Lifetimes.DeviceCodeTTL = 15 * time.Minute
	}
	if c.Lifetimes.DevicePollInterval == 0 {
		c.Lifetimes.DevicePollInterval = 5
	}
	if c.Lifetimes.PushedRequestTTL == 0 {
		c.Lifetimes.PushedRequestTTL = 60 * time.Second
	}
	if c.Lifetimes.AccessTokenTTL == 0 {
		c.Lifetimes.AccessTokenTTL = time.Hour
	}
	if c.Lifetimes.RefreshTokenTTL == 0 {
		c.Lifetimes.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if len(c.TokenEndpointAuthMethods) == 0 {
		c.TokenEndpointAuthMethods = []string{AuthMethodBasic, AuthMethodPost, AuthMethodNone}
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = c.RateLimit.Rate * 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the configuration for fatal problems
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return oauth.NewConfigurationError("Issuer", "is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || !u.IsAbs() {
		return oauth.NewConfigurationError("Issuer", "must be an absolute URL")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return oauth.NewConfigurationError("Issuer", "must not contain a query or fragment")
	}
	if u.Scheme != "https" && !isLoopbackHost(u.Hostname()) {
		return oauth.NewConfigurationError("Issuer", "must use https (http is allowed only for loopback hosts)")
	}
	if c.Clients == nil {
		return oauth.NewConfigurationError("Clients", "is required")
	}
	if c.Flows == nil {
		return oauth.NewConfigurationError("Flows", "is required")
	}
	if c.Tokens == nil {
		return oauth.NewConfigurationError("Tokens", "is required")
	}
	if c.Features.DeviceFlow && c.Devices == nil {
		return oauth.NewConfigurationError("Devices", "is required when the device flow is enabled")
	}
	for _, m := range c.TokenEndpointAuthMethods {
		switch m {
		case AuthMethodBasic, AuthMethodPost, AuthMethodNone:
		default:
			return oauth.NewConfigurationError("TokenEndpointAuthMethods", "unknown method "+m)
		}
	}
	if c.Features.RequirePushedAuthorizationRequests && !c.Features.PushedAuthorizationRequests {
		return oauth.NewConfigurationError("Features.RequirePushedAuthorizationRequests",
			"requires Features.PushedAuthorizationRequests")
	}
	if key := c.Security.EncryptionKey; key != nil && len(key) != 32 {
		return oauth.NewConfigurationError("Security.EncryptionKey", "must be exactly 32 bytes")
	}
	return nil
}

// isLoopbackHost reports whether host is a loopback name or address
func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1" ||
		strings.HasSuffix(host, ".localhost")
}

// newEncryptor builds the at-rest encryptor from the configured key, or nil
func (c *Config) newEncryptor() (*security.Encryptor, error) {
	if c.Security.EncryptionKey == nil {
		return nil, nil
	}
	return security.NewEncryptor(security.RawKey(c.Security.EncryptionKey))
}
