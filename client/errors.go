package client

import (
	"errors"
	"fmt"
)

// ErrServerUnavailable reports that the authorization server could not be
// reached, or kept failing, within the retry budget. Callers should treat
// it as transient.
var ErrServerUnavailable = errors.New("authorization server unavailable")

// ErrNoCredentials is returned by a CredentialStore that holds no saved
// registration yet.
var ErrNoCredentials = errors.New("no stored client credentials")

// OAuthError is a structured error response from the authorization server
// (RFC 6749 section 5.2).
type OAuthError struct {
	Code        string
	Description string
	StatusCode  int
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("oauth error %q (HTTP %d)", e.Code, e.StatusCode)
	}
	return fmt.Sprintf("oauth error %q: %s (HTTP %d)", e.Code, e.Description, e.StatusCode)
}
