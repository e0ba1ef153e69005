package authserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenClaims are the registered and private claims carried by every
// access token this server mints.
type TokenClaims struct {
	jwt.RegisteredClaims

	// Scope is the space-delimited set of granted scopes.
	Scope string `json:"scope"`

	// ClientID identifies the OAuth client the token was issued to. For
	// client-credentials tokens it equals the subject.
	ClientID string `json:"client_id"`
}

// Signer mints and verifies Ed25519-signed access tokens. Ed25519 keeps
// signatures small and sidesteps the RSA parameter pitfalls; verifiers
// fetch the public key from the JWKS endpoint.
type Signer struct {
	issuer     string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	keyID      string
}

// NewSigner generates a fresh Ed25519 key pair. Suitable for single
// instance deployments where tokens do not need to survive a restart.
func NewSigner(issuer string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return NewSignerFromKey(issuer, priv, pub)
}

// NewSignerFromKey wraps an existing key pair, for deployments that load
// key material from configuration.
func NewSignerFromKey(issuer string, priv ed25519.PrivateKey, pub ed25519.PublicKey) (*Signer, error) {
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if len(priv) != ed25519.PrivateKeySize || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Ed25519 key material")
	}

	return &Signer{
		issuer:     issuer,
		privateKey: priv,
		publicKey:  pub,
		keyID:      deriveKeyID(pub),
	}, nil
}

// deriveKeyID derives a stable key identifier from the public key so the
// kid header survives restarts with the same key.
func deriveKeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}

// KeyID returns the identifier published alongside the public key.
func (s *Signer) KeyID() string { return s.keyID }

// PublicKey returns the verification key for JWKS publication.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.publicKey }

// Issuer returns the iss claim value.
func (s *Signer) Issuer() string { return s.issuer }

// Mint creates a signed access token. The audience is the resource
// indicator the grant was bound to; resource servers reject tokens whose
// audience is not their own identifier.
func (s *Signer) Mint(subject, clientID, scope, audience string, ttl time.Duration) (string, error) {
	if subject == "" || clientID == "" {
		return "", fmt.Errorf("subject and client ID are required")
	}

	now := time.Now()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Scope:    scope,
		ClientID: clientID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token against this signer's own key.
// Resource servers normally verify against the published JWKS instead;
// this path serves tests and same-process deployments.
func (s *Signer) Verify(tokenString string) (*TokenClaims, error) {
	claims := &TokenClaims{}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.publicKey, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	return claims, nil
}
