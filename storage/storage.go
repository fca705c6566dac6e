// Package storage defines the persistence port for the authorization server:
// clients, authorization requests and codes, device authorizations, and issued
// tokens. The application owns the implementation (schema, SQL, serialization)
// and must serialize its own writes; the protocol engine only calls these
// interfaces.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. The grant engine maps
// them onto protocol errors (typically invalid_grant), so implementations
// must return these exact values (or wrap them) for the listed conditions.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = errors.New("storage: not found")

	// ErrExpired indicates the record exists but its expiry has passed
	ErrExpired = errors.New("storage: expired")

	// ErrAlreadyUsed indicates a single-use record was already consumed.
	// For authorization codes this is a security incident: the engine
	// responds by revoking every token issued under the code.
	ErrAlreadyUsed = errors.New("storage: already used")
)

// ClientStore defines the interface for reading registered OAuth clients.
// Clients are owned by the application's registration layer and are read-only
// to the protocol engine.
type ClientStore interface {
	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a confidential client's secret.
	// Implementations must compare against a hash in constant time
	// (e.g., bcrypt.CompareHashAndPassword).
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// FlowStore defines the interface for managing authorization-code flow state:
// transient authorization requests, single-use authorization codes, and
// pushed authorization requests (RFC 9126).
type FlowStore interface {
	// SaveAuthorizationRequest saves a transient authorization request
	SaveAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error

	// GetAuthorizationRequest retrieves an authorization request by ID
	// without consuming it (for login and consent views).
	GetAuthorizationRequest(ctx context.Context, id string) (*AuthorizationRequest, error)

	// ConsumeAuthorizationRequest atomically retrieves and destroys an
	// authorization request. It must be implemented as a single conditional
	// delete, not read-then-delete, so that two concurrent completions of
	// the same request cannot both succeed. Returns ErrNotFound for an
	// unknown or already consumed ID and ErrExpired for an expired one.
	ConsumeAuthorizationRequest(ctx context.Context, id string) (*AuthorizationRequest, error)

	// DeleteAuthorizationRequest removes an authorization request (for
	// abandoned or cancelled flows)
	DeleteAuthorizationRequest(ctx context.Context, id string) error

	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically retrieves and destroys an
	// authorization code. It must be implemented as a single conditional
	// delete, not read-then-delete, so that two concurrent exchanges of the
	// same code cannot both succeed. Returns ErrNotFound for an unknown
	// code and ErrExpired for an expired one. When the code was already
	// consumed it returns ErrAlreadyUsed together with the original record,
	// so the engine can revoke the tokens issued under it.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// SavePushedRequest saves a pushed authorization request (RFC 9126)
	SavePushedRequest(ctx context.Context, req *PushedRequest) error

	// ConsumePushedRequest atomically retrieves and destroys a pushed
	// authorization request by its request_uri. Request URIs are single-use.
	ConsumePushedRequest(ctx context.Context, requestURI string) (*PushedRequest, error)
}

// DeviceStore defines the interface for managing device authorization grants (RFC 8628).
type DeviceStore interface {
	// SaveDeviceAuthorization saves a new device authorization
	SaveDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error

	// GetDeviceAuthorizationByUserCode retrieves a device authorization by
	// its human-readable user code (for the approval UI).
	GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error)

	// PollDeviceAuthorization atomically returns the device authorization
	// for a device code and stamps the poll time. The returned record
	// carries LastPolledAt as of the PREVIOUS poll so the grant handler can
	// enforce the slow_down interval without a read-modify-write race.
	PollDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)

	// SetDeviceAuthorizationStatus transitions a device authorization
	// identified by user code to approved or denied, recording the
	// authenticated user for approvals.
	SetDeviceAuthorizationStatus(ctx context.Context, userCode string, status DeviceStatus, userID string) error

	// DeleteDeviceAuthorization removes a device authorization by device code
	DeleteDeviceAuthorization(ctx context.Context, deviceCode string) error
}

// TokenStore defines the interface for issued access and refresh tokens.
type TokenStore interface {
	// SaveToken saves an issued token
	SaveToken(ctx context.Context, token *Token) error

	// GetToken retrieves a token by value
	GetToken(ctx context.Context, value string) (*Token, error)

	// RevokeToken revokes a token by value. Revoking an unknown token is
	// not an error (RFC 7009: revocation is idempotent).
	RevokeToken(ctx context.Context, value string) error

	// ConsumeRefreshToken atomically retrieves and revokes a refresh token.
	// This is the rotation primitive: after a successful call the old token
	// must never validate again, even under concurrent use. An
	// already-consumed token is returned with Revoked set (rather than an
	// error) so the engine can treat the replay as a reuse signal. Returns
	// ErrNotFound for unknown values and ErrExpired for expired ones.
	ConsumeRefreshToken(ctx context.Context, value string) (*Token, error)

	// RevokeAllForUserClient revokes every live token for a user+client
	// pair. Called when authorization code reuse is detected. Returns the
	// number of tokens revoked.
	RevokeAllForUserClient(ctx context.Context, userID, clientID string) (int, error)
}

// Client represents a registered OAuth client
type Client struct {
	ID              string
	SecretHash      string // bcrypt hash; empty for public clients
	Confidential    bool
	RedirectURIs    []string // nil for device/CLI clients that never redirect
	Personal        bool     // client created by an end user for their own use
	Revoked         bool
	Scopes          []string // scopes the client is allowed to request
	Name            string
	TokenAuthMethod string // "client_secret_basic", "client_secret_post", or "none"
	CreatedAt       time.Time
}

// AllowsRedirectURI reports whether uri is registered for the client.
// Matching is exact; no prefix or wildcard matching.
func (c *Client) AllowsRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AllowsScope reports whether every scope in scopes was granted to the client
func (c *Client) AllowsScope(scopes []string) bool {
	for _, requested := range scopes {
		found := false
		for _, granted := range c.Scopes {
			if requested == granted {
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

// AuthorizationRequest represents a transient record created when a user
// begins an authorization flow. It is consumed exactly once by code issuance
// or expires.
type AuthorizationRequest struct {
	ID                  string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string // caller-supplied authenticated user identifier
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode represents a single-use code binding a client, a user,
// a PKCE challenge, and scopes. It is destroyed on first successful exchange.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// DeviceStatus is the lifecycle state of a device authorization
type DeviceStatus string

// Device authorization states (RFC 8628). Expiry is derived from ExpiresAt
// rather than stored as a status.
const (
	DeviceStatusPending  DeviceStatus = "pending"
	DeviceStatusApproved DeviceStatus = "approved"
	DeviceStatusDenied   DeviceStatus = "denied"
)

// DeviceAuthorization pairs a long device_code with a short human-readable
// user_code (RFC 8628).
type DeviceAuthorization struct {
	DeviceCode   string
	UserCode     string
	ClientID     string
	Scope        string
	Status       DeviceStatus
	UserID       string // set on approval
	Interval     int64  // minimum seconds between polls
	LastPolledAt time.Time
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// TokenKind distinguishes access tokens from refresh tokens
type TokenKind string

// Token kinds
const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Token represents an issued opaque bearer credential
type Token struct {
	Value     string
	Kind      TokenKind
	ClientID  string
	UserID    string // empty for client_credentials tokens
	Scope     string
	Revoked   bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token expiry has passed at time now
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// PushedRequest represents a pushed authorization request (RFC 9126),
// consumable exactly once by the authorization endpoint.
type PushedRequest struct {
	RequestURI          string // urn:ietf:params:oauth:request_uri:...
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}
