package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// TokenSource hands out valid access tokens for one scope and resource,
// re-authenticating via the client credentials flow when the cached token
// approaches expiry. Safe for concurrent use.
type TokenSource struct {
	client     *Client
	scope      string
	resourceID string

	mu      sync.Mutex
	current *Token
}

// TokenSource creates a source bound to one scope and resource indicator.
func (c *Client) TokenSource(scope, resourceID string) *TokenSource {
	return &TokenSource{client: c, scope: scope, resourceID: resourceID}
}

// Token returns a valid token, fetching a new one when needed.
func (ts *TokenSource) Token(ctx context.Context) (*Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.current.Valid() {
		return ts.current, nil
	}

	token, err := ts.client.ClientCredentialsToken(ctx, ts.scope, ts.resourceID)
	if err != nil {
		return nil, err
	}
	ts.current = token
	return token, nil
}

// Invalidate drops the cached token so the next Token call fetches a
// fresh one.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.current = nil
	ts.mu.Unlock()
}

// Transport is an http.RoundTripper that attaches bearer tokens from a
// TokenSource. On a 401 it re-authenticates once and retries, which covers
// a token revoked or expired between the validity check and the request.
type Transport struct {
	Source *TokenSource

	// Base is the underlying transport. http.DefaultTransport if nil.
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Source == nil {
		return nil, fmt.Errorf("transport has no token source")
	}

	token, err := t.Source.Token(req.Context())
	if err != nil {
		return nil, fmt.Errorf("obtaining access token: %w", err)
	}

	resp, err := t.base().RoundTrip(t.withBearer(req, token))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		// The body was consumed and cannot be replayed.
		return resp, nil
	}

	// One retry with a fresh token. A second 401 is returned as-is; the
	// caller's credentials or scopes are the problem, not token age.
	_ = resp.Body.Close()
	t.Source.Invalidate()
	token, err = t.Source.Token(req.Context())
	if err != nil {
		return nil, fmt.Errorf("re-authenticating after 401: %w", err)
	}

	retry := t.withBearer(req, token)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replaying request body: %w", err)
		}
		retry.Body = body
	}
	return t.base().RoundTrip(retry)
}

// withBearer clones the request with the Authorization header set.
// RoundTrippers must not mutate the caller's request.
func (t *Transport) withBearer(req *http.Request, token *Token) *http.Request {
	cloned := req.Clone(req.Context())
	cloned.Header.Set("Authorization", "Bearer "+token.AccessToken)
	return cloned
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
