// Package oauth implements an OAuth 2.0 authorization server with a pluggable
// grant-type engine and a security-hardened authorization-code client.
//
// The server side (server, grant, storage packages) implements RFC 6749 with
// PKCE (RFC 7636), token introspection (RFC 7662), token revocation (RFC 7009),
// the device authorization grant (RFC 8628), pushed authorization requests
// (RFC 9126) and the iss authorization response parameter (RFC 9207). The
// client side (client, client/tokenstore packages) drives the three-legged
// authorization-code flow with the mix-up and code-injection defenses from
// RFC 9700.
//
// Persistence is a port: the application supplies implementations of the
// storage interfaces and owns schema and serialization.
package oauth

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// RevocationEndpoint is the URL of the OAuth 2.0 token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// IntrospectionEndpoint is the URL of the OAuth 2.0 token introspection endpoint (RFC 7662)
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// DeviceAuthorizationEndpoint is the URL of the device authorization endpoint (RFC 8628)
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint,omitempty"`

	// PushedAuthorizationRequestEndpoint is the URL of the PAR endpoint (RFC 9126)
	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint,omitempty"`

	// RequirePushedAuthorizationRequests indicates that every authorization
	// request must arrive via the PAR endpoint (RFC 9126)
	RequirePushedAuthorizationRequests bool `json:"require_pushed_authorization_requests,omitempty"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	// AuthorizationResponseIssParameterSupported indicates that authorization
	// responses carry the iss parameter (RFC 9207)
	AuthorizationResponseIssParameterSupported bool `json:"authorization_response_iss_parameter_supported,omitempty"`
}

// TokenResponse represents an OAuth 2.0 token response (RFC 6749 Section 5.1)
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the refresh token (optional)
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`
}

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// ErrorURI points to error documentation
	ErrorURI string `json:"error_uri,omitempty"`
}

// DeviceAuthorizationResponse represents a device authorization response (RFC 8628 Section 3.2)
type DeviceAuthorizationResponse struct {
	// DeviceCode is the long-lived code the device polls the token endpoint with
	DeviceCode string `json:"device_code"`

	// UserCode is the short human-readable code the user enters at the verification URI
	UserCode string `json:"user_code"`

	// VerificationURI is where the user goes to approve or deny the device
	VerificationURI string `json:"verification_uri"`

	// VerificationURIComplete embeds the user code for devices that can display links
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`

	// ExpiresIn is the lifetime in seconds of the device_code and user_code
	ExpiresIn int64 `json:"expires_in"`

	// Interval is the minimum number of seconds between polling requests
	Interval int64 `json:"interval,omitempty"`
}

// PushedAuthorizationResponse represents a PAR response (RFC 9126 Section 2.2)
type PushedAuthorizationResponse struct {
	// RequestURI is the reference the client passes to the authorization endpoint
	RequestURI string `json:"request_uri"`

	// ExpiresIn is the lifetime in seconds of the request URI
	ExpiresIn int64 `json:"expires_in"`
}

// IntrospectionResponse represents a token introspection response (RFC 7662 Section 2.2)
type IntrospectionResponse struct {
	// Active indicates whether the presented token is currently active.
	// Per RFC 7662 an unknown or revoked token yields {"active": false},
	// never an error, to avoid acting as a token-existence oracle.
	Active bool `json:"active"`

	// Scope is the space-separated scope of the token
	Scope string `json:"scope,omitempty"`

	// ClientID is the client the token was issued to
	ClientID string `json:"client_id,omitempty"`

	// Sub is the subject (user identifier) of the token, if any
	Sub string `json:"sub,omitempty"`

	// TokenType is the type of the token
	TokenType string `json:"token_type,omitempty"`

	// Exp is the expiration time as a Unix timestamp
	Exp int64 `json:"exp,omitempty"`

	// Iat is the issuance time as a Unix timestamp
	Iat int64 `json:"iat,omitempty"`

	// Iss is the issuer of the token
	Iss string `json:"iss,omitempty"`
}
