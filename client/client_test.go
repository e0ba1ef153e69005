package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	toolauth "github.com/giantswarm/mcp-toolauth"
	"github.com/giantswarm/mcp-toolauth/authserver"
	"github.com/giantswarm/mcp-toolauth/resource"
	"github.com/giantswarm/mcp-toolauth/storage/memory"
)

const (
	testResource = "https://tools.example.com"
	testRedirect = "https://app.example/callback"
	testSubject  = "user-42"
)

// testAS is a real authorization server behind an httptest listener.
type testAS struct {
	issuer string
	signer *authserver.Signer
}

func newTestAS(t *testing.T) *testAS {
	t.Helper()

	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	signer, err := authserver.NewSigner(ts.URL)
	require.NoError(t, err)

	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	server, err := authserver.New(authserver.Config{
		Issuer:          ts.URL,
		SupportedScopes: []string{"read", "write", "tools:invoke"},
	}, store, store, signer)
	require.NoError(t, err)

	handler := toolauth.NewHandler(server, toolauth.HandlerConfig{
		RateLimitPerSecond: 1000,
		RateLimitBurst:     1000,
	})
	t.Cleanup(handler.Close)
	handler.Routes(mux)

	return &testAS{issuer: ts.URL, signer: signer}
}

// countingTransport counts requests per path suffix.
type countingTransport struct {
	base  http.RoundTripper
	count atomic.Int64
}

func (ct *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ct.count.Add(1)
	return ct.base.RoundTrip(req)
}

func newTestClient(t *testing.T, as *testAS, opts ...Option) *Client {
	t.Helper()
	c, err := New(as.issuer, opts...)
	require.NoError(t, err)
	return c
}

// authorize drives the authorization endpoint the way a browser would and
// returns the code from the redirect.
func authorize(t *testing.T, c *Client, req AuthCodeRequest) string {
	t.Helper()

	authURL, err := c.AuthorizationURL(context.Background(), req)
	require.NoError(t, err)

	httpReq, err := http.NewRequest(http.MethodGet, authURL, nil)
	require.NoError(t, err)
	httpReq.Header.Set(toolauth.SubjectHeader, testSubject)

	noRedirect := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := noRedirect.Do(httpReq)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusFound, resp.StatusCode, "authorization endpoint did not redirect")
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Empty(t, location.Query().Get("error"), "authorization redirected with an error")
	require.Equal(t, req.State, location.Query().Get("state"))

	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func TestMetadataDiscoveryIsCached(t *testing.T) {
	as := newTestAS(t)
	ct := &countingTransport{base: http.DefaultTransport}
	c := newTestClient(t, as, WithHTTPClient(&http.Client{Transport: ct}))

	metadata, err := c.Metadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, as.issuer, metadata.Issuer)
	assert.Equal(t, as.issuer+toolauth.TokenPath, metadata.TokenEndpoint)
	assert.Contains(t, metadata.CodeChallengeMethodsSupported, "S256")

	_, err = c.Metadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), ct.count.Load())
}

func TestMetadataRefreshesAfterTTL(t *testing.T) {
	as := newTestAS(t)
	ct := &countingTransport{base: http.DefaultTransport}
	c := newTestClient(t, as,
		WithHTTPClient(&http.Client{Transport: ct}),
		WithMetadataTTL(time.Nanosecond))

	_, err := c.Metadata(context.Background())
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	_, err = c.Metadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), ct.count.Load())
}

func TestNewForResourceFollowsResourceMetadata(t *testing.T) {
	as := newTestAS(t)

	rs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, resource.ProtectedResourceMetadataPath, r.URL.Path)
		_ = json.NewEncoder(w).Encode(resource.ProtectedResourceMetadata{
			Resource:             testResource,
			AuthorizationServers: []string{as.issuer},
		})
	}))
	t.Cleanup(rs.Close)

	c, err := NewForResource(context.Background(), rs.URL)
	require.NoError(t, err)
	assert.Equal(t, as.issuer, c.Issuer())
}

// An address without protected resource metadata may be the authorization
// server itself.
func TestNewForResourceFallsBackToServerMetadata(t *testing.T) {
	as := newTestAS(t)

	c, err := NewForResource(context.Background(), as.issuer)
	require.NoError(t, err)
	assert.Equal(t, as.issuer, c.Issuer())
}

func TestRegisterPersistsCredentials(t *testing.T) {
	as := newTestAS(t)
	store := NewFileCredentialStore(filepath.Join(t.TempDir(), "creds.json"))
	c := newTestClient(t, as, WithCredentialStore(store))

	creds, err := c.Register(context.Background(), RegistrationOptions{
		ClientName:   "test-app",
		RedirectURIs: []string{testRedirect},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, creds.ClientID)
	assert.NotEmpty(t, creds.ClientSecret)

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, creds, loaded)

	// A second client sharing the store reuses the registration.
	c2 := newTestClient(t, as, WithCredentialStore(store))
	again, err := c2.EnsureRegistered(context.Background(), RegistrationOptions{
		ClientName:   "test-app",
		RedirectURIs: []string{testRedirect},
	})
	require.NoError(t, err)
	assert.Equal(t, creds.ClientID, again.ClientID)
}

func TestAuthorizationCodeFlow(t *testing.T) {
	as := newTestAS(t)
	c := newTestClient(t, as)

	_, err := c.Register(context.Background(), RegistrationOptions{
		ClientName:   "test-app",
		RedirectURIs: []string{testRedirect},
	})
	require.NoError(t, err)

	req := AuthCodeRequest{
		RedirectURI: testRedirect,
		Scope:       "read tools:invoke",
		State:       "xyzzy",
		Resource:    testResource,
		PKCE:        NewPKCE(),
	}
	code := authorize(t, c, req)

	token, err := c.ExchangeCode(context.Background(), code, req)
	require.NoError(t, err)
	assert.True(t, token.Valid())
	assert.Equal(t, "Bearer", token.TokenType)

	claims, err := as.signer.Verify(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testSubject, claims.Subject)
	assert.Contains(t, claims.Audience, testResource)
	assert.Equal(t, "read tools:invoke", claims.Scope)

	// The code is single use.
	_, err = c.ExchangeCode(context.Background(), code, req)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "invalid_grant", oauthErr.Code)
}

func TestPublicClientFlow(t *testing.T) {
	as := newTestAS(t)
	c := newTestClient(t, as)

	creds, err := c.Register(context.Background(), RegistrationOptions{
		ClientName:   "cli-tool",
		RedirectURIs: []string{testRedirect},
		Public:       true,
	})
	require.NoError(t, err)
	assert.Empty(t, creds.ClientSecret)

	req := AuthCodeRequest{
		RedirectURI: testRedirect,
		Scope:       "read",
		Resource:    testResource,
		PKCE:        NewPKCE(),
	}
	code := authorize(t, c, req)

	token, err := c.ExchangeCode(context.Background(), code, req)
	require.NoError(t, err)
	assert.True(t, token.Valid())
}

func TestClientCredentialsToken(t *testing.T) {
	as := newTestAS(t)
	c := newTestClient(t, as)

	_, err := c.Register(context.Background(), RegistrationOptions{
		ClientName: "batch-service",
		GrantTypes: []string{"client_credentials"},
	})
	require.NoError(t, err)

	token, err := c.ClientCredentialsToken(context.Background(), "read", testResource)
	require.NoError(t, err)
	assert.True(t, token.Valid())

	claims, err := as.signer.Verify(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, claims.ClientID, claims.Subject)
}

func TestClientCredentialsRequiresResource(t *testing.T) {
	as := newTestAS(t)
	c := newTestClient(t, as)

	_, err := c.Register(context.Background(), RegistrationOptions{
		ClientName: "batch-service",
		GrantTypes: []string{"client_credentials"},
	})
	require.NoError(t, err)

	_, err = c.ClientCredentialsToken(context.Background(), "read", "")
	assert.Error(t, err)
}

func TestTokenSourceCachesUntilInvalidated(t *testing.T) {
	as := newTestAS(t)
	c := newTestClient(t, as)

	_, err := c.Register(context.Background(), RegistrationOptions{
		ClientName: "batch-service",
		GrantTypes: []string{"client_credentials"},
	})
	require.NoError(t, err)

	source := c.TokenSource("read", testResource)

	first, err := source.Token(context.Background())
	require.NoError(t, err)
	second, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.AccessToken, second.AccessToken)

	source.Invalidate()
	third, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, third.AccessToken)
}

func TestTransportAttachesBearerAndRetriesOnce(t *testing.T) {
	as := newTestAS(t)
	c := newTestClient(t, as)

	_, err := c.Register(context.Background(), RegistrationOptions{
		ClientName: "batch-service",
		GrantTypes: []string{"client_credentials"},
	})
	require.NoError(t, err)

	var calls atomic.Int64
	var seenTokens []string
	rs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTokens = append(seenTokens, r.Header.Get("Authorization"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(rs.Close)

	httpClient := &http.Client{Transport: &Transport{
		Source: c.TokenSource("read", testResource),
	}}
	resp, err := httpClient.Get(rs.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, seenTokens, 2)
	for _, header := range seenTokens {
		assert.Contains(t, header, "Bearer ")
	}
	// The retry carried a freshly minted token.
	assert.NotEqual(t, seenTokens[0], seenTokens[1])
}

func TestServerUnavailable(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(dead.Close)

	c, err := New(dead.URL, WithMaxRetries(2))
	require.NoError(t, err)

	_, err = c.Metadata(context.Background())
	assert.ErrorIs(t, err, ErrServerUnavailable)
}
