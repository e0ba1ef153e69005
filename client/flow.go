package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	toolauth "github.com/giantswarm/mcp-toolauth"
	"github.com/giantswarm/mcp-toolauth/security"
)

// tokenRefreshMargin is how long before expiry a cached token is treated
// as stale and replaced.
const tokenRefreshMargin = 30 * time.Second

// Token is an issued access token with its absolute expiry.
type Token struct {
	AccessToken string
	TokenType   string
	Scope       string
	ExpiresAt   time.Time
}

// Valid reports whether the token can still be presented, leaving the
// refresh margin before actual expiry.
func (t *Token) Valid() bool {
	return t != nil && t.AccessToken != "" &&
		!security.IsTokenExpiringSoon(t.ExpiresAt, tokenRefreshMargin)
}

// AuthCodeRequest holds the parameters shared between building the
// authorization URL and exchanging the resulting code. The same values,
// including the PKCE pair, must be used for both halves of one attempt.
type AuthCodeRequest struct {
	RedirectURI string
	Scope       string
	State       string
	Resource    string
	PKCE        PKCE
}

// AuthorizationURL builds the URL to send the user to. The client must be
// registered first.
func (c *Client) AuthorizationURL(ctx context.Context, req AuthCodeRequest) (string, error) {
	metadata, err := c.Metadata(ctx)
	if err != nil {
		return "", err
	}
	creds, err := c.credentials(ctx)
	if err != nil {
		return "", err
	}
	if req.PKCE.Challenge == "" {
		return "", fmt.Errorf("authorization request needs a PKCE pair")
	}
	if req.Resource == "" {
		return "", fmt.Errorf("authorization request needs a resource indicator")
	}

	query := url.Values{
		"response_type":         {"code"},
		"client_id":             {creds.ClientID},
		"redirect_uri":          {req.RedirectURI},
		"code_challenge":        {req.PKCE.Challenge},
		"code_challenge_method": {CodeChallengeMethod},
		"resource":              {req.Resource},
	}
	if req.Scope != "" {
		query.Set("scope", req.Scope)
	}
	if req.State != "" {
		query.Set("state", req.State)
	}

	return metadata.AuthorizationEndpoint + "?" + query.Encode(), nil
}

// ExchangeCode redeems an authorization code for a token. req must be the
// same request the authorization URL was built from.
func (c *Client) ExchangeCode(ctx context.Context, code string, req AuthCodeRequest) (*Token, error) {
	creds, err := c.credentials(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {req.RedirectURI},
		"code_verifier": {req.PKCE.Verifier},
	}
	if creds.ClientSecret == "" {
		// Public clients identify themselves in the form body.
		form.Set("client_id", creds.ClientID)
	}

	return c.postToken(ctx, creds, form)
}

// ClientCredentialsToken obtains a token for the client's own identity.
// The resource indicator is required; the issued token is bound to it.
func (c *Client) ClientCredentialsToken(ctx context.Context, scope, resourceID string) (*Token, error) {
	creds, err := c.credentials(ctx)
	if err != nil {
		return nil, err
	}
	if creds.ClientSecret == "" {
		return nil, fmt.Errorf("client credentials flow requires a confidential client")
	}
	if resourceID == "" {
		return nil, fmt.Errorf("client credentials flow needs a resource indicator")
	}

	form := url.Values{
		"grant_type": {"client_credentials"},
		"resource":   {resourceID},
	}
	if scope != "" {
		form.Set("scope", scope)
	}

	return c.postToken(ctx, creds, form)
}

// postToken submits a token endpoint request and parses the response.
// Confidential clients authenticate with HTTP Basic; the credentials are
// form-urlencoded inside the header per RFC 6749 appendix B.
func (c *Client) postToken(ctx context.Context, creds *Credentials, form url.Values) (*Token, error) {
	metadata, err := c.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	encoded := form.Encode()
	body, err := c.doRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			metadata.TokenEndpoint, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if creds.ClientSecret != "" {
			req.SetBasicAuth(url.QueryEscape(creds.ClientID), url.QueryEscape(creds.ClientSecret))
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var response toolauth.TokenResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if response.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}

	return &Token{
		AccessToken: response.AccessToken,
		TokenType:   response.TokenType,
		Scope:       response.Scope,
		ExpiresAt:   time.Now().Add(time.Duration(response.ExpiresIn) * time.Second),
	}, nil
}
