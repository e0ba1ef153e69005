package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	toolauth "github.com/giantswarm/mcp-toolauth"
	"github.com/giantswarm/mcp-toolauth/internal/util"
	"github.com/giantswarm/mcp-toolauth/resource"
)

const (
	// DefaultHTTPTimeout bounds each individual HTTP request.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultMaxRetries bounds retry attempts against a failing server
	// before surfacing ErrServerUnavailable.
	DefaultMaxRetries = 4

	// DefaultMetadataTTL is how long discovered server metadata is served
	// before a lazy refresh.
	DefaultMetadataTTL = 30 * time.Minute

	maxResponseSize = 1 << 20
)

// Client talks to one authorization server. It caches discovered metadata
// and registered credentials; all methods are safe for concurrent use.
type Client struct {
	issuer      string
	httpClient  *http.Client
	logger      *slog.Logger
	store       CredentialStore
	maxRetries  uint
	metadataTTL time.Duration

	mu         sync.Mutex
	metadata   *toolauth.AuthorizationServerMetadata
	metadataAt time.Time
	creds      *Credentials

	group singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithCredentialStore sets where registered credentials are persisted.
// Defaults to an in-memory store that forgets them on process exit.
func WithCredentialStore(store CredentialStore) Option {
	return func(c *Client) { c.store = store }
}

// WithMaxRetries bounds HTTP retry attempts per operation.
func WithMaxRetries(n uint) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithMetadataTTL sets how long discovered server metadata is cached.
func WithMetadataTTL(ttl time.Duration) Option {
	return func(c *Client) { c.metadataTTL = ttl }
}

// New creates a client for the authorization server at issuer. Metadata is
// fetched lazily on first use.
func New(issuer string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(issuer)
	if err != nil || !parsed.IsAbs() {
		return nil, fmt.Errorf("issuer must be an absolute URL, got %q", issuer)
	}

	c := &Client{
		issuer:      util.NormalizeURL(issuer),
		httpClient:  &http.Client{Timeout: DefaultHTTPTimeout},
		logger:      slog.Default(),
		store:       NewMemoryCredentialStore(),
		maxRetries:  DefaultMaxRetries,
		metadataTTL: DefaultMetadataTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewForResource discovers the authorization server protecting resourceURL
// via its protected resource metadata (RFC 9728) and returns a client for
// it. This is the entry point when only the resource server is known.
func NewForResource(ctx context.Context, resourceURL string, opts ...Option) (*Client, error) {
	// A throwaway client carries the HTTP settings for the metadata fetch.
	probe, err := New(resourceURL, opts...)
	if err != nil {
		return nil, err
	}

	var metadata resource.ProtectedResourceMetadata
	err = probe.getJSON(ctx, util.NormalizeURL(resourceURL)+resource.ProtectedResourceMetadataPath, &metadata)
	switch {
	case err == nil && len(metadata.AuthorizationServers) > 0:
		return New(metadata.AuthorizationServers[0], opts...)
	case errors.Is(err, ErrServerUnavailable):
		return nil, fmt.Errorf("discovering resource %s: %w", resourceURL, err)
	}

	// No protected resource metadata. The address may be the authorization
	// server itself; probe its own well-known document before giving up.
	fallback, newErr := New(resourceURL, opts...)
	if newErr != nil {
		return nil, newErr
	}
	if _, mdErr := fallback.Metadata(ctx); mdErr != nil {
		return nil, fmt.Errorf("discovering %s: no protected resource metadata and no server metadata: %w", resourceURL, mdErr)
	}
	return fallback, nil
}

// Issuer returns the authorization server this client talks to.
func (c *Client) Issuer() string { return c.issuer }

// Metadata returns the server's discovery document. The document is
// cached for the metadata TTL and refreshed lazily on the first call
// after expiry; concurrent refreshes are deduplicated with singleflight.
func (c *Client) Metadata(ctx context.Context) (*toolauth.AuthorizationServerMetadata, error) {
	c.mu.Lock()
	cached, cachedAt := c.metadata, c.metadataAt
	c.mu.Unlock()
	if cached != nil && time.Since(cachedAt) < c.metadataTTL {
		return cached, nil
	}

	result, err, _ := c.group.Do("metadata", func() (any, error) {
		c.mu.Lock()
		entry, at := c.metadata, c.metadataAt
		c.mu.Unlock()
		if entry != cached && entry != nil && time.Since(at) < c.metadataTTL {
			return entry, nil
		}

		var metadata toolauth.AuthorizationServerMetadata
		if err := c.getJSON(ctx, c.issuer+toolauth.MetadataPath, &metadata); err != nil {
			return nil, err
		}
		if util.NormalizeURL(metadata.Issuer) != c.issuer {
			return nil, fmt.Errorf("metadata issuer %q does not match %q", metadata.Issuer, c.issuer)
		}

		c.mu.Lock()
		c.metadata = &metadata
		c.metadataAt = time.Now()
		c.mu.Unlock()

		c.logger.Debug("Discovered authorization server", "issuer", c.issuer)
		return &metadata, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*toolauth.AuthorizationServerMetadata), nil
}

// getJSON fetches and decodes a JSON document, retrying transient
// failures with exponential backoff.
func (c *Client) getJSON(ctx context.Context, rawURL string, v any) error {
	body, err := c.doRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON from %s: %w", rawURL, err)
	}
	return nil
}

// doRetry runs one HTTP operation under the retry policy. Network errors
// and 5xx responses retry; 4xx responses are permanent and surface the
// server's OAuth error body when present.
func (c *Client) doRetry(ctx context.Context, newRequest func() (*http.Request, error)) ([]byte, error) {
	operation := func() ([]byte, error) {
		req, err := newRequest()
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return nil, fmt.Errorf("%w: reading response: %v", ErrServerUnavailable, err)
		}

		switch {
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: %s returned status %d", ErrServerUnavailable, req.URL, resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, backoff.Permanent(oauthErrorFromBody(resp.StatusCode, body))
		}
		return body, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(c.maxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("Retrying request", "error", err, "next_attempt_in", next)
		}))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// oauthErrorFromBody parses an error response, falling back to a bare
// status code when the body is not a standard OAuth error document.
func oauthErrorFromBody(status int, body []byte) error {
	var parsed struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Error == "" {
		return &OAuthError{
			Code:       "invalid_response",
			StatusCode: status,
			Description: util.SafeTruncate(
				strings.TrimSpace(string(body)), 200),
		}
	}
	return &OAuthError{Code: parsed.Error, Description: parsed.ErrorDescription, StatusCode: status}
}
