package authserver

import "fmt"

// OAuth 2.1 error codes returned by server operations. The HTTP layer
// serializes these onto the wire unchanged.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidTarget        = "invalid_target"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeUnsupportedResponse  = "unsupported_response_type"
	ErrorCodeServerError          = "server_error"
)

// Error is a protocol-level failure with an OAuth error code. Descriptions
// are written for the calling developer and never contain secret material.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a protocol error.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// RedirectableError marks an authorization failure that occurred after the
// client and redirect URI were validated. The HTTP layer delivers it to the
// user-agent as an error parameter on RedirectURI, which is the resolved
// target even when the request omitted redirect_uri and the client's single
// registered URI was used. Failures before that point must not redirect at
// all.
type RedirectableError struct {
	Err         *Error
	RedirectURI string
}

func (e *RedirectableError) Error() string { return e.Err.Error() }

func (e *RedirectableError) Unwrap() error { return e.Err }
