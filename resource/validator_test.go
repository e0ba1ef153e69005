package resource

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-toolauth/authserver"
)

const testResourceID = "https://tools.example.com"

// fakeAuthServer serves authorization server metadata and a JWKS for a
// signer whose issuer is the test server's own URL.
type fakeAuthServer struct {
	ts     *httptest.Server
	issuer string

	mu      sync.Mutex
	signers []*authserver.Signer

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	metadataFetches atomic.Int64
	jwksFetches     atomic.Int64
}

func newFakeAuthServer(t *testing.T) *fakeAuthServer {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	f := &fakeAuthServer{priv: priv, pub: pub}
	mux := http.NewServeMux()
	f.ts = httptest.NewServer(mux)
	t.Cleanup(f.ts.Close)
	f.issuer = f.ts.URL

	signer, err := authserver.NewSignerFromKey(f.issuer, priv, pub)
	require.NoError(t, err)
	f.signers = []*authserver.Signer{signer}

	mux.HandleFunc("GET /.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		f.metadataFetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":   f.issuer,
			"jwks_uri": f.issuer + "/jwks.json",
		})
	})
	mux.HandleFunc("GET /jwks.json", func(w http.ResponseWriter, r *http.Request) {
		f.jwksFetches.Add(1)
		f.mu.Lock()
		keys := make([]map[string]string, 0, len(f.signers))
		for _, s := range f.signers {
			keys = append(keys, map[string]string{
				"kty": "OKP",
				"crv": "Ed25519",
				"x":   base64.RawURLEncoding.EncodeToString(s.PublicKey()),
				"kid": s.KeyID(),
			})
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	})

	return f
}

func (f *fakeAuthServer) signer() *authserver.Signer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signers[len(f.signers)-1]
}

// rotateKey adds a fresh signing key and makes it the one new tokens use.
func (f *fakeAuthServer) rotateKey(t *testing.T) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := authserver.NewSignerFromKey(f.issuer, priv, pub)
	require.NoError(t, err)
	f.mu.Lock()
	f.signers = append(f.signers, signer)
	f.mu.Unlock()
}

func (f *fakeAuthServer) mint(t *testing.T, subject, clientID, scope, audience string, ttl time.Duration) string {
	t.Helper()
	token, err := f.signer().Mint(subject, clientID, scope, audience, ttl)
	require.NoError(t, err)
	return token
}

func newTestValidator(t *testing.T, f *fakeAuthServer) *Validator {
	t.Helper()
	v, err := NewValidator(f.issuer, testResourceID, NewKeyCache(f.issuer))
	require.NoError(t, err)
	return v
}

func TestValidateAcceptsValidToken(t *testing.T) {
	f := newFakeAuthServer(t)
	v := newTestValidator(t, f)

	token := f.mint(t, "user-7", "client-abc", "tools:invoke read", testResourceID, time.Hour)

	principal, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-7", principal.Subject)
	assert.Equal(t, "client-abc", principal.ClientID)
	assert.Equal(t, []string{"tools:invoke", "read"}, principal.Scopes)
	assert.True(t, principal.HasScope("tools:invoke"))
	assert.False(t, principal.HasScope("tools:admin"))
}

func TestValidateRejectsEmptyToken(t *testing.T) {
	f := newFakeAuthServer(t)
	v := newTestValidator(t, f)

	_, err := v.Validate(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestValidateRejectsMalformedToken(t *testing.T) {
	f := newFakeAuthServer(t)
	v := newTestValidator(t, f)

	_, err := v.Validate(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	f := newFakeAuthServer(t)
	v := newTestValidator(t, f)

	token := f.mint(t, "user-7", "client-abc", "read", testResourceID, time.Hour)
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	_, err := v.Validate(context.Background(), tampered)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	f := newFakeAuthServer(t)
	v := newTestValidator(t, f)

	token := f.mint(t, "user-7", "client-abc", "read", testResourceID, -time.Hour)

	_, err := v.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

// A token minted for one resource must not be accepted by another, even
// with a valid signature from the trusted issuer.
func TestValidateRejectsWrongAudience(t *testing.T) {
	f := newFakeAuthServer(t)
	v := newTestValidator(t, f)

	token := f.mint(t, "user-7", "client-abc", "read", "https://other.example.com", time.Hour)

	_, err := v.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrWrongAudience)
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	f := newFakeAuthServer(t)
	v := newTestValidator(t, f)

	// Same key the JWKS serves, but the token claims a different issuer.
	foreign, err := authserver.NewSignerFromKey("https://evil.example.com", f.priv, f.pub)
	require.NoError(t, err)
	token, err := foreign.Mint("user-7", "client-abc", "read", testResourceID, time.Hour)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrWrongIssuer)
}

func TestValidateFailsClosedWhenIssuerUnreachable(t *testing.T) {
	f := newFakeAuthServer(t)
	token := f.mint(t, "user-7", "client-abc", "read", testResourceID, time.Hour)

	// Point the validator at a server that is no longer listening.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	v, err := NewValidator(deadURL, testResourceID, NewKeyCache(deadURL))
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestKeyCacheReusesFreshKeys(t *testing.T) {
	f := newFakeAuthServer(t)
	v := newTestValidator(t, f)

	for range 5 {
		token := f.mint(t, "user-7", "client-abc", "read", testResourceID, time.Hour)
		_, err := v.Validate(context.Background(), token)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), f.metadataFetches.Load())
	assert.Equal(t, int64(1), f.jwksFetches.Load())
}

func TestKeyCacheRefreshesOnUnknownKeyID(t *testing.T) {
	f := newFakeAuthServer(t)
	v := newTestValidator(t, f)

	token := f.mint(t, "user-7", "client-abc", "read", testResourceID, time.Hour)
	_, err := v.Validate(context.Background(), token)
	require.NoError(t, err)

	f.rotateKey(t)
	rotated := f.mint(t, "user-8", "client-abc", "read", testResourceID, time.Hour)

	principal, err := v.Validate(context.Background(), rotated)
	require.NoError(t, err)
	assert.Equal(t, "user-8", principal.Subject)
	assert.Equal(t, int64(2), f.jwksFetches.Load())
}

func TestKeyCacheRejectsIssuerMismatch(t *testing.T) {
	var issuer string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":   "https://somebody-else.example.com",
			"jwks_uri": issuer + "/jwks.json",
		})
	}))
	t.Cleanup(ts.Close)
	issuer = ts.URL

	cache := NewKeyCache(issuer)
	_, err := cache.Key(context.Background(), "any-kid")
	assert.ErrorIs(t, err, ErrWrongIssuer)
}

func TestKeyCacheInvalidateForcesRefetch(t *testing.T) {
	f := newFakeAuthServer(t)
	cache := NewKeyCache(f.issuer)

	_, err := cache.Key(context.Background(), f.signer().KeyID())
	require.NoError(t, err)
	cache.Invalidate()
	_, err = cache.Key(context.Background(), f.signer().KeyID())
	require.NoError(t, err)

	assert.Equal(t, int64(2), f.jwksFetches.Load())
}
