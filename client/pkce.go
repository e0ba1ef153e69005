package client

import "golang.org/x/oauth2"

// PKCE is one proof-key pair for a single authorization attempt. The
// verifier never leaves the client until the code exchange; only the S256
// challenge travels through the authorization request.
type PKCE struct {
	Verifier  string
	Challenge string
}

// CodeChallengeMethod is the only challenge method the server accepts.
const CodeChallengeMethod = "S256"

// NewPKCE generates a fresh pair. Pairs must not be reused: every
// authorization attempt gets its own, and a failed exchange discards it.
func NewPKCE() PKCE {
	verifier := oauth2.GenerateVerifier()
	return PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
	}
}
