package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when tokens are issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed using a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by a client
	EventTokenRevoked = "token_revoked"

	// EventAllTokensRevoked is logged when all tokens for a user+client pair are revoked
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: event type name, not a credential

	// Authorization flow events

	// EventAuthorizationRequested is logged when an authorization request is validated
	EventAuthorizationRequested = "authorization_requested"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventCodeReuseDetected is logged when an authorization code is exchanged twice (attack)
	EventCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated-out refresh token is replayed
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected"

	// Device flow events

	// EventDeviceAuthorizationStarted is logged when a device authorization is created
	EventDeviceAuthorizationStarted = "device_authorization_started"

	// EventDeviceApproved is logged when a user approves a device by user code
	EventDeviceApproved = "device_approved"

	// EventDeviceDenied is logged when a user denies a device by user code
	EventDeviceDenied = "device_denied"

	// Pushed authorization request events

	// EventPushedRequestAccepted is logged when a PAR request is accepted
	EventPushedRequestAccepted = "pushed_request_accepted"

	// Security violation events

	// EventAuthFailure is logged when authentication or validation fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidPKCE is logged when PKCE validation fails
	EventInvalidPKCE = "invalid_pkce"
)
