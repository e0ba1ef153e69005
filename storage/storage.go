package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by storage implementations. Callers match with
// errors.Is to distinguish not–found from expired without string comparison.
var (
	// ErrClientNotFound indicates the client_id is not registered
	ErrClientNotFound = errors.New("client not found")

	// ErrGrantNotFound indicates the authorization code is unknown or was
	// already redeemed (codes are deleted on first redemption)
	ErrGrantNotFound = errors.New("authorization grant not found")

	// ErrGrantExpired indicates the authorization code exists but its TTL has passed
	ErrGrantExpired = errors.New("authorization grant expired")

	// ErrInvalidClientSecret indicates client secret validation failed
	ErrInvalidClientSecret = errors.New("invalid client credentials")
)

// ClientStore defines the interface for managing OAuth client registrations.
// Registrations are immutable after creation; there is no update or delete flow.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient persists a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret in constant time.
	// Returns ErrInvalidClientSecret on mismatch and for unknown clients.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// CountClientsByIP returns how many clients an IP has registered
	// (for registration DoS protection)
	CountClientsByIP(ctx context.Context, ip string) (int, error)
}

// GrantStore defines the interface for managing authorization grants (codes).
// A grant exists only between authorization and token exchange.
type GrantStore interface {
	// SaveGrant persists an authorization grant keyed by its code
	SaveGrant(ctx context.Context, grant *AuthorizationGrant) error

	// RedeemGrant atomically looks up a grant by code and deletes it.
	// The delete happens whether the grant is live or expired: codes are
	// single-use, and even a failed exchange must consume them. Returns
	// ErrGrantNotFound for unknown (or already-redeemed) codes and
	// ErrGrantExpired for codes past their TTL.
	//
	// SECURITY: This operation MUST be atomic so that of two concurrent
	// redemption attempts exactly one succeeds; the loser observes
	// ErrGrantNotFound.
	RedeemGrant(ctx context.Context, code string) (*AuthorizationGrant, error)
}

// Client types per OAuth 2.1 section 2.1.
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Client represents a registered OAuth client.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash; empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ClientName              string
	Scopes                  []string
	RegisteredByIP          string
	CreatedAt               time.Time
}

// IsPublic reports whether the client authenticates without a secret.
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic
}

// AllowsGrantType reports whether the client registered for the grant type.
func (c *Client) AllowsGrantType(grantType string) bool {
	for _, gt := range c.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// AuthorizationGrant represents an issued authorization code awaiting exchange.
// The grant binds the code to the client, redirect URI, PKCE challenge, and
// the resource indicator the eventual access token will be scoped to.
type AuthorizationGrant struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string // always "S256"; stored for audit completeness
	Resource            string // RFC 8707 resource indicator (token audience)
	Subject             string // authenticated end-user identity, if delegated
	CreatedAt           time.Time
	ExpiresAt           time.Time
}
