package client

import "fmt"

// StateMismatchError indicates the state parameter on the callback does not
// match any authorization this client started. Either the response is a CSRF
// forgery or the pending state expired.
type StateMismatchError struct {
	State string
}

// Error implements the error interface
func (e *StateMismatchError) Error() string {
	return fmt.Sprintf("state parameter does not match any pending authorization: %q", e.State)
}

// IssuerMismatchError indicates the iss parameter on the callback names a
// different authorization server than the one this client is configured for,
// the signature of a mix-up attack (RFC 9207).
type IssuerMismatchError struct {
	Expected string
	Got      string
}

// Error implements the error interface
func (e *IssuerMismatchError) Error() string {
	return fmt.Sprintf("issuer mismatch: expected %q, got %q", e.Expected, e.Got)
}

// AuthorizationError carries an OAuth error delivered on the callback
// redirect, such as access_denied
type AuthorizationError struct {
	Code        string
	Description string
}

// Error implements the error interface
func (e *AuthorizationError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("authorization failed: %s", e.Code)
	}
	return fmt.Sprintf("authorization failed: %s: %s", e.Code, e.Description)
}

// TimeoutError indicates a network timeout talking to the authorization
// server, as opposed to a protocol-level rejection. Callers can retry these.
type TimeoutError struct {
	Operation string
	Err       error
}

// Error implements the error interface
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error
func (e *TimeoutError) Unwrap() error {
	return e.Err
}
