package resource

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/mcp-toolauth/internal/util"
	"github.com/giantswarm/mcp-toolauth/security"
)

// Principal is the verified identity extracted from a valid access token.
type Principal struct {
	// Subject is the user or service the token was issued for.
	Subject string

	// ClientID is the OAuth client that obtained the token.
	ClientID string

	// Scopes is the granted scope set.
	Scopes []string
}

// HasScope reports whether the principal was granted scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// tokenClaims mirrors the claims minted by the authorization server.
type tokenClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
}

// Validator checks bearer tokens against the trusted issuer's published
// keys and this resource server's own identity. Validation is a pure
// function of the token and cached key material, so it runs fully in
// parallel across requests.
type Validator struct {
	issuer     string
	resourceID string
	keys       *KeyCache
	parser     *jwt.Parser
}

// NewValidator creates a validator. issuer is the trusted authorization
// server; resourceID is this server's own resource identifier, which every
// accepted token's audience must equal.
func NewValidator(issuer, resourceID string, keys *KeyCache) (*Validator, error) {
	if issuer == "" || resourceID == "" {
		return nil, fmt.Errorf("issuer and resource ID are required")
	}
	if keys == nil {
		return nil, fmt.Errorf("key cache is required")
	}

	return &Validator{
		issuer:     util.NormalizeURL(issuer),
		resourceID: util.NormalizeURL(resourceID),
		keys:       keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"EdDSA"}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(security.DefaultClockSkewGracePeriod),
		),
	}, nil
}

// Validate verifies a bearer token and returns its principal. Failures
// are typed: expired, bad signature, wrong audience or issuer, malformed,
// or upstream unavailable when keys cannot be fetched.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Principal, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	claims := &tokenClaims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid header", ErrInvalidSignature)
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, v.mapError(err)
	}

	// Issuer and audience are checked explicitly rather than via parser
	// options so each failure keeps its own type.
	if util.NormalizeURL(claims.Issuer) != v.issuer {
		return nil, fmt.Errorf("%w: got %q", ErrWrongIssuer, claims.Issuer)
	}
	if !v.audienceMatches(claims.Audience) {
		return nil, fmt.Errorf("%w: token audience %v, this resource is %q",
			ErrWrongAudience, claims.Audience, v.resourceID)
	}

	return &Principal{
		Subject:  claims.Subject,
		ClientID: claims.ClientID,
		Scopes:   splitScope(claims.Scope),
	}, nil
}

func (v *Validator) audienceMatches(audience jwt.ClaimStrings) bool {
	for _, aud := range audience {
		if util.NormalizeURL(aud) == v.resourceID {
			return true
		}
	}
	return false
}

// mapError converts jwt library errors into this package's typed failures.
func (v *Validator) mapError(err error) error {
	switch {
	case errors.Is(err, ErrUpstreamUnavailable):
		return err
	case errors.Is(err, ErrInvalidSignature):
		return err
	case errors.Is(err, ErrWrongIssuer):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}
