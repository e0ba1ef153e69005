package resource

import "errors"

// Token validation failures. All of them are terminal for the current
// request; the caller must obtain a new token rather than retry.
var (
	// ErrNoToken means the request carried no bearer credential.
	ErrNoToken = errors.New("no bearer token presented")

	// ErrMalformedToken means the token could not be parsed at all.
	ErrMalformedToken = errors.New("malformed token")

	// ErrInvalidSignature means the signature did not verify against any
	// published key.
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrWrongIssuer means the iss claim is not the trusted authorization
	// server.
	ErrWrongIssuer = errors.New("token issued by an untrusted issuer")

	// ErrWrongAudience means the token was minted for a different
	// resource. Accepting it would allow cross-service token replay.
	ErrWrongAudience = errors.New("token audience does not match this resource")

	// ErrTokenExpired means the exp claim has passed.
	ErrTokenExpired = errors.New("token has expired")

	// ErrInsufficientScope means the token is valid but does not carry
	// the scope the invoked tool requires.
	ErrInsufficientScope = errors.New("insufficient scope")

	// ErrUnknownTool means the invoked tool has no policy entry. Unknown
	// tools are denied, not defaulted.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrUpstreamUnavailable means the authorization server could not be
	// reached to refresh metadata or keys. Eligible for bounded retry.
	ErrUpstreamUnavailable = errors.New("authorization server unavailable")
)
