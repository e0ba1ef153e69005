package resource

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-toolauth/internal/util"
)

const (
	// DefaultHTTPTimeout bounds every outbound call to the authorization
	// server.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultKeyCacheTTL is how long fetched metadata and keys are served
	// before a lazy refresh.
	DefaultKeyCacheTTL = 30 * time.Minute

	metadataPath    = "/.well-known/oauth-authorization-server"
	maxResponseSize = 1 << 20
)

// asMetadata is the subset of the AS discovery document the resource
// server needs.
type asMetadata struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Crv string `json:"crv"`
		X   string `json:"x"`
		Kid string `json:"kid"`
		Use string `json:"use"`
	} `json:"keys"`
}

type keyCacheEntry struct {
	keys      map[string]ed25519.PublicKey
	fetchedAt time.Time
}

// KeyCache fetches and caches the authorization server's verification
// keys. Refresh is lazy on first use after the TTL, deduplicated across
// concurrent callers with singleflight; readers are never blocked by an
// in-flight refresh.
type KeyCache struct {
	issuer     string
	httpClient *http.Client
	ttl        time.Duration
	logger     *slog.Logger

	mu    sync.RWMutex
	entry *keyCacheEntry

	group singleflight.Group
}

// KeyCacheOption configures a KeyCache.
type KeyCacheOption func(*KeyCache)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) KeyCacheOption {
	return func(c *KeyCache) { c.httpClient = httpClient }
}

// WithKeyCacheTTL sets the cache TTL.
func WithKeyCacheTTL(ttl time.Duration) KeyCacheOption {
	return func(c *KeyCache) { c.ttl = ttl }
}

// WithKeyCacheLogger sets the logger.
func WithKeyCacheLogger(logger *slog.Logger) KeyCacheOption {
	return func(c *KeyCache) { c.logger = logger }
}

// NewKeyCache creates a key cache for the given trusted issuer.
func NewKeyCache(issuer string, opts ...KeyCacheOption) *KeyCache {
	c := &KeyCache{
		issuer:     util.NormalizeURL(issuer),
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		ttl:        DefaultKeyCacheTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the verification key for kid, fetching or refreshing the key
// set as needed. An unknown kid after a fresh fetch is a hard failure, not
// a reason to refetch in a loop.
func (c *KeyCache) Key(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	c.mu.RLock()
	entry := c.entry
	c.mu.RUnlock()

	if entry != nil && time.Since(entry.fetchedAt) < c.ttl {
		if key, ok := entry.keys[kid]; ok {
			return key, nil
		}
		// Unknown kid with a fresh cache usually means key rotation;
		// fall through to refresh once.
	}

	refreshed, err := c.refresh(ctx, entry)
	if err != nil {
		// Fail closed: an expired cache plus an unreachable AS rejects
		// calls rather than accepting unverifiable tokens.
		return nil, err
	}

	key, ok := refreshed.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: no key with kid %q", ErrInvalidSignature, kid)
	}
	return key, nil
}

// refresh fetches a new key set. observed is the entry the caller read
// before deciding to refresh; if another caller has already replaced it,
// the fetch is skipped and the replacement returned instead.
func (c *KeyCache) refresh(ctx context.Context, observed *keyCacheEntry) (*keyCacheEntry, error) {
	result, err, _ := c.group.Do("jwks", func() (any, error) {
		c.mu.RLock()
		entry := c.entry
		c.mu.RUnlock()
		if entry != observed && entry != nil && time.Since(entry.fetchedAt) < c.ttl {
			return entry, nil
		}

		return c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*keyCacheEntry), nil
}

func (c *KeyCache) fetch(ctx context.Context) (*keyCacheEntry, error) {
	metadata, err := c.fetchMetadata(ctx)
	if err != nil {
		return nil, err
	}

	keys, err := c.fetchJWKS(ctx, metadata.JWKSURI)
	if err != nil {
		return nil, err
	}

	entry := &keyCacheEntry{keys: keys, fetchedAt: time.Now()}
	c.mu.Lock()
	c.entry = entry
	c.mu.Unlock()

	c.logger.Debug("Refreshed authorization server keys",
		"issuer", c.issuer, "key_count", len(keys))
	return entry, nil
}

func (c *KeyCache) fetchMetadata(ctx context.Context) (*asMetadata, error) {
	var metadata asMetadata
	if err := c.getJSON(ctx, c.issuer+metadataPath, &metadata); err != nil {
		return nil, err
	}
	if util.NormalizeURL(metadata.Issuer) != c.issuer {
		return nil, fmt.Errorf("%w: metadata issuer %q does not match %q",
			ErrWrongIssuer, metadata.Issuer, c.issuer)
	}
	if metadata.JWKSURI == "" {
		return nil, fmt.Errorf("%w: metadata has no jwks_uri", ErrUpstreamUnavailable)
	}
	return &metadata, nil
}

func (c *KeyCache) fetchJWKS(ctx context.Context, jwksURI string) (map[string]ed25519.PublicKey, error) {
	var doc jwksDocument
	if err := c.getJSON(ctx, jwksURI, &doc); err != nil {
		return nil, err
	}

	keys := make(map[string]ed25519.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			c.logger.Warn("Skipping malformed JWK", "kid", jwk.Kid)
			continue
		}
		keys[jwk.Kid] = ed25519.PublicKey(raw)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: JWKS contains no usable Ed25519 keys", ErrUpstreamUnavailable)
	}
	return keys, nil
}

func (c *KeyCache) getJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrUpstreamUnavailable, rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid JSON from %s", ErrUpstreamUnavailable, rawURL)
	}
	return nil
}

// Invalidate drops the cached keys, forcing a refetch on next use.
func (c *KeyCache) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.mu.Unlock()
}
