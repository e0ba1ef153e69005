package authserver

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// CodeChallengeMethodS256 is the only PKCE transform this server accepts.
// The plain method defeats the point of PKCE and is rejected outright.
const CodeChallengeMethodS256 = "S256"

// PKCE verifier length bounds per RFC 7636 section 4.1.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// isLoopbackHost reports whether host resolves syntactically to loopback.
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// validateRedirectURI enforces the registration rules for redirect URIs:
// absolute, no fragment, and HTTPS unless pointing at loopback. Loopback
// HTTP is allowed for native clients that open a local listener for the
// callback.
func validateRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect URI %q is not a valid URL", raw)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("redirect URI %q must be absolute", raw)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect URI %q must not contain a fragment", raw)
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(parsed.Hostname()) {
			return nil
		}
		return fmt.Errorf("redirect URI %q must use HTTPS (plain HTTP is only allowed on loopback)", raw)
	default:
		return fmt.Errorf("redirect URI %q has unsupported scheme %q", raw, parsed.Scheme)
	}
}

// containsRedirectURI checks an exact-match against registered URIs.
// OAuth 2.1 forbids pattern or prefix matching here.
func containsRedirectURI(registered []string, uri string) bool {
	for _, r := range registered {
		if r == uri {
			return true
		}
	}
	return false
}

// scopeSubset reports whether every element of requested appears in allowed.
func scopeSubset(requested, allowed []string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		set[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// splitScope parses a space-delimited scope string, dropping empty tokens.
func splitScope(scope string) []string {
	return strings.Fields(scope)
}

// validateVerifierSyntax checks the code_verifier against the RFC 7636
// grammar before any comparison happens.
func validateVerifierSyntax(verifier string) error {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return fmt.Errorf("code_verifier length must be %d-%d characters", minVerifierLength, maxVerifierLength)
	}
	for _, c := range verifier {
		if !isVerifierChar(c) {
			return fmt.Errorf("code_verifier contains invalid character")
		}
	}
	return nil
}

// isVerifierChar matches the unreserved character set of RFC 7636.
func isVerifierChar(c rune) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}

// verifyPKCE computes the S256 transform of verifier and compares it in
// constant time against the stored challenge. Constant time keeps the
// comparison itself from leaking how many leading characters matched.
func verifyPKCE(verifier, challenge string) bool {
	if err := validateVerifierSyntax(verifier); err != nil {
		return false
	}

	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
