package authserver

import (
	"fmt"
	"net/url"
	"time"

	"github.com/giantswarm/mcp-toolauth/security"
)

// Default lifetimes and limits.
const (
	// DefaultCodeTTL bounds how long an authorization code is redeemable.
	DefaultCodeTTL = 10 * time.Minute

	// DefaultAccessTokenTTL is the lifetime of issued access tokens.
	// Tokens are stateless, so a lost or leaked token stays valid until
	// this expires; keep it short.
	DefaultAccessTokenTTL = time.Hour

	// DefaultMaxClientsPerIP caps dynamic registrations per source IP.
	DefaultMaxClientsPerIP = 10
)

// Config configures the authorization server.
type Config struct {
	// Issuer is the canonical HTTPS URL of this server. It appears as the
	// iss claim in every token and in discovery metadata.
	Issuer string

	// SupportedScopes is the full set of scopes this server will grant.
	// Registration and authorization requests asking for anything outside
	// this set are rejected.
	SupportedScopes []string

	// CodeTTL is the authorization code lifetime. Zero means DefaultCodeTTL.
	CodeTTL time.Duration

	// AccessTokenTTL is the access token lifetime. Zero means
	// DefaultAccessTokenTTL.
	AccessTokenTTL time.Duration

	// RequireResourceIndicator rejects authorization and token requests
	// that do not name a target resource. Defaults to true; a token with
	// no audience can be replayed against any resource server.
	RequireResourceIndicator *bool

	// AllowedResources optionally restricts the resource indicators this
	// server issues tokens for. Empty means any syntactically valid
	// absolute URL is accepted.
	AllowedResources []string

	// MaxClientsPerIP caps registrations per source IP. Zero means
	// DefaultMaxClientsPerIP; negative disables the cap.
	MaxClientsPerIP int

	// ClockSkewGracePeriod is the tolerance applied to expiry checks.
	// Zero means security.DefaultClockSkewGracePeriod.
	ClockSkewGracePeriod time.Duration
}

// applyDefaults fills in zero values. Defaults lean restrictive.
func (c *Config) applyDefaults() {
	if c.CodeTTL <= 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RequireResourceIndicator == nil {
		t := true
		c.RequireResourceIndicator = &t
	}
	if c.MaxClientsPerIP == 0 {
		c.MaxClientsPerIP = DefaultMaxClientsPerIP
	}
	if c.ClockSkewGracePeriod <= 0 {
		c.ClockSkewGracePeriod = security.DefaultClockSkewGracePeriod
	}
}

// validate rejects configurations the server cannot run safely with.
func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	parsed, err := url.Parse(c.Issuer)
	if err != nil || !parsed.IsAbs() {
		return fmt.Errorf("issuer must be an absolute URL: %q", c.Issuer)
	}
	if parsed.Scheme != "https" && !isLoopbackHost(parsed.Hostname()) {
		return fmt.Errorf("issuer must use HTTPS (got %q)", parsed.Scheme)
	}
	if len(c.SupportedScopes) == 0 {
		return fmt.Errorf("at least one supported scope is required")
	}
	return nil
}

func (c *Config) resourceIndicatorRequired() bool {
	return c.RequireResourceIndicator == nil || *c.RequireResourceIndicator
}
