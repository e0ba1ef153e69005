package authserver

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

func TestValidateRedirectURI(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"https URI", "https://client.example/cb", false},
		{"https with port", "https://client.example:8443/cb", false},
		{"http loopback", "http://127.0.0.1:8080/cb", false},
		{"http localhost", "http://localhost:3000/cb", false},
		{"http ipv6 loopback", "http://[::1]:8080/cb", false},
		{"http non-loopback", "http://client.example/cb", true},
		{"relative URI", "/cb", true},
		{"fragment", "https://client.example/cb#frag", true},
		{"custom scheme", "myapp://callback", true},
		{"garbage", "://not a url", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRedirectURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRedirectURI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}

func TestScopeSubset(t *testing.T) {
	allowed := []string{"read", "write", "tools:invoke"}

	tests := []struct {
		name      string
		requested []string
		want      bool
	}{
		{"exact", []string{"read", "write", "tools:invoke"}, true},
		{"subset", []string{"read"}, true},
		{"empty", nil, true},
		{"superset", []string{"read", "admin"}, false},
		{"disjoint", []string{"admin"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scopeSubset(tt.requested, allowed); got != tt.want {
				t.Errorf("scopeSubset(%v) = %v, want %v", tt.requested, got, tt.want)
			}
		})
	}
}

func pkcePair(t *testing.T, verifier string) (string, string) {
	t.Helper()
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestVerifyPKCE(t *testing.T) {
	verifier := strings.Repeat("a", 43)
	_, challenge := pkcePair(t, verifier)

	tests := []struct {
		name     string
		verifier string
		want     bool
	}{
		{"correct verifier", verifier, true},
		{"wrong verifier", strings.Repeat("b", 43), false},
		{"too short", strings.Repeat("a", 42), false},
		{"too long", strings.Repeat("a", 129), false},
		{"invalid characters", strings.Repeat("a", 42) + "!", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := verifyPKCE(tt.verifier, challenge); got != tt.want {
				t.Errorf("verifyPKCE(%q) = %v, want %v", tt.verifier, got, tt.want)
			}
		})
	}
}

func TestVerifyPKCERejectsChallengeAsVerifier(t *testing.T) {
	// Presenting the challenge itself must fail: the transform is one-way.
	verifier := strings.Repeat("x", 50)
	_, challenge := pkcePair(t, verifier)

	if verifyPKCE(challenge, challenge) {
		t.Error("challenge accepted in place of verifier")
	}
}
