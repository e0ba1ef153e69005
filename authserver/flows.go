package authserver

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/mcp-toolauth/internal/util"
	"github.com/giantswarm/mcp-toolauth/storage"
)

// ResponseTypeCode is the only supported authorization response type.
const ResponseTypeCode = "code"

// AuthorizeRequest carries the validated query parameters of an
// authorization request plus the authenticated end-user identity.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string

	// SubjectHint identifies the authenticated end user. It is resolved
	// through the identity store when one is configured, otherwise used
	// as the subject directly.
	SubjectHint string

	SourceIP string
}

// AuthorizeResult is the successful outcome of an authorization request.
type AuthorizeResult struct {
	Code        string
	RedirectURI string
	State       string
}

// Token is a minted access token response.
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int64
	Scope       string
}

// Authorize validates an authorization request and issues a single-use
// code. Errors returned before the client and redirect URI are validated
// are plain *Error values and must fail closed; once the redirect target is
// trusted, failures come back as *RedirectableError for delivery via the
// redirect.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, NewError(ErrorCodeInvalidClient, "unknown client")
		}
		return nil, NewError(ErrorCodeServerError, "client lookup failed")
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" {
		if len(client.RedirectURIs) != 1 {
			return nil, NewError(ErrorCodeInvalidRequest, "redirect_uri is required")
		}
		redirectURI = client.RedirectURIs[0]
	} else if !containsRedirectURI(client.RedirectURIs, redirectURI) {
		// An unregistered redirect target gets nothing delivered to it.
		return nil, NewError(ErrorCodeInvalidRequest, "redirect_uri is not registered for this client")
	}

	// From here on the redirect target is trusted; errors travel back on it.
	fail := func(code, description string) (*AuthorizeResult, error) {
		return nil, &RedirectableError{Err: NewError(code, description), RedirectURI: redirectURI}
	}

	if req.ResponseType != ResponseTypeCode {
		return fail(ErrorCodeUnsupportedResponse, "only response_type=code is supported")
	}
	if !client.AllowsGrantType(GrantTypeAuthorizationCode) {
		return fail(ErrorCodeUnauthorizedClient, "client is not registered for the authorization_code grant")
	}

	// PKCE is mandatory for every client, public or confidential.
	if req.CodeChallenge == "" {
		s.auditor.LogAuthFailure("", req.ClientID, req.SourceIP, "missing PKCE challenge")
		return fail(ErrorCodeInvalidRequest, "code_challenge is required")
	}
	if req.CodeChallengeMethod != CodeChallengeMethodS256 {
		s.auditor.LogAuthFailure("", req.ClientID, req.SourceIP, "unsupported PKCE method")
		return fail(ErrorCodeInvalidRequest, "code_challenge_method must be S256")
	}

	scopes := splitScope(req.Scope)
	if len(scopes) == 0 {
		return fail(ErrorCodeInvalidScope, "scope is required")
	}
	if !scopeSubset(scopes, client.Scopes) {
		return fail(ErrorCodeInvalidScope, "requested scope exceeds the client's registration")
	}

	resource, rerr := s.resolveResource(req.Resource)
	if rerr != nil {
		return nil, &RedirectableError{Err: rerr, RedirectURI: redirectURI}
	}

	subject, err := s.resolveSubject(ctx, req.SubjectHint)
	if err != nil {
		s.auditor.LogAuthFailure(req.SubjectHint, req.ClientID, req.SourceIP, "subject resolution failed")
		return fail(ErrorCodeInvalidRequest, "could not resolve the requesting identity")
	}

	now := time.Now()
	grant := &storage.AuthorizationGrant{
		Code:                generateOpaqueToken(),
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		Scope:               strings.Join(scopes, " "),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Resource:            resource,
		Subject:             subject,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.CodeTTL),
	}

	if err := s.grants.SaveGrant(ctx, grant); err != nil {
		s.logger.Error("Failed to save authorization grant", "error", err)
		return fail(ErrorCodeServerError, "failed to issue authorization code")
	}

	if m := s.metrics(); m != nil {
		m.RecordAuthorizationStarted(ctx, client.ClientID)
	}
	s.logger.Info("Issued authorization code",
		"client_id", client.ClientID,
		"code_prefix", util.SafeTruncate(grant.Code, 8),
		"scope", grant.Scope)

	return &AuthorizeResult{
		Code:        grant.Code,
		RedirectURI: redirectURI,
		State:       req.State,
	}, nil
}

// ExchangeRequest carries the token endpoint parameters for the
// authorization_code grant.
type ExchangeRequest struct {
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	SourceIP     string
}

// ExchangeCode redeems an authorization code for an access token. The code
// is consumed whatever the outcome; a failed exchange cannot be retried
// with corrected parameters.
func (s *Server) ExchangeCode(ctx context.Context, req ExchangeRequest) (*Token, error) {
	if req.Code == "" || req.ClientID == "" {
		return nil, NewError(ErrorCodeInvalidRequest, "code and client_id are required")
	}
	if req.CodeVerifier == "" {
		return nil, NewError(ErrorCodeInvalidRequest, "code_verifier is required")
	}

	grant, err := s.grants.RedeemGrant(ctx, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrGrantExpired):
			return nil, NewError(ErrorCodeInvalidGrant, "authorization code has expired")
		case errors.Is(err, storage.ErrGrantNotFound):
			// Either never issued or already redeemed. The latter is the
			// signature of an intercepted code being replayed.
			s.auditor.LogCodeReuse(req.ClientID, req.SourceIP)
			if m := s.metrics(); m != nil {
				m.RecordCodeReuseDetected(ctx)
			}
			return nil, NewError(ErrorCodeInvalidGrant, "authorization code is invalid")
		default:
			return nil, NewError(ErrorCodeServerError, "grant lookup failed")
		}
	}

	if grant.ClientID != req.ClientID {
		s.auditor.LogAuthFailure(grant.Subject, req.ClientID, req.SourceIP, "code issued to a different client")
		return nil, NewError(ErrorCodeInvalidGrant, "authorization code was issued to a different client")
	}
	if req.RedirectURI != grant.RedirectURI {
		s.auditor.LogAuthFailure(grant.Subject, req.ClientID, req.SourceIP, "redirect URI mismatch")
		return nil, NewError(ErrorCodeInvalidGrant, "redirect_uri does not match the authorization request")
	}

	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, NewError(ErrorCodeInvalidClient, "unknown client")
	}
	if !client.IsPublic() {
		if err := s.clients.ValidateClientSecret(ctx, req.ClientID, req.ClientSecret); err != nil {
			s.auditor.LogAuthFailure(grant.Subject, req.ClientID, req.SourceIP, "client secret mismatch")
			return nil, NewError(ErrorCodeInvalidClient, "client authentication failed")
		}
	}

	if !verifyPKCE(req.CodeVerifier, grant.CodeChallenge) {
		s.auditor.LogPKCEFailure(req.ClientID, req.SourceIP)
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx)
		}
		return nil, NewError(ErrorCodeInvalidGrant, "PKCE verification failed")
	}

	token, err := s.mintToken(ctx, grant.Subject, client.ClientID, grant.Scope, grant.Resource, GrantTypeAuthorizationCode, req.SourceIP)
	if err != nil {
		return nil, err
	}

	if m := s.metrics(); m != nil {
		m.RecordGrantRedeemed(ctx, client.ClientID)
	}
	return token, nil
}

// ClientCredentialsRequest carries the token endpoint parameters for the
// client_credentials grant.
type ClientCredentialsRequest struct {
	ClientID     string
	ClientSecret string
	Scope        string
	Resource     string
	SourceIP     string
}

// ClientCredentials issues a token directly to a confidential client. The
// subject equals the client ID; these are the service identities that call
// tools without a human in the loop.
func (s *Server) ClientCredentials(ctx context.Context, req ClientCredentialsRequest) (*Token, error) {
	if req.ClientID == "" {
		return nil, NewError(ErrorCodeInvalidRequest, "client_id is required")
	}

	// Secret check first, against the store's timing-safe path, so unknown
	// and wrong-secret clients are indistinguishable.
	if err := s.clients.ValidateClientSecret(ctx, req.ClientID, req.ClientSecret); err != nil {
		s.auditor.LogAuthFailure("", req.ClientID, req.SourceIP, "client authentication failed")
		return nil, NewError(ErrorCodeInvalidClient, "client authentication failed")
	}

	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, NewError(ErrorCodeInvalidClient, "unknown client")
	}
	if client.IsPublic() {
		return nil, NewError(ErrorCodeUnauthorizedClient, "public clients cannot use the client_credentials grant")
	}
	if !client.AllowsGrantType(GrantTypeClientCredentials) {
		return nil, NewError(ErrorCodeUnauthorizedClient, "client is not registered for the client_credentials grant")
	}

	scopes := splitScope(req.Scope)
	if len(scopes) == 0 {
		scopes = client.Scopes
	} else if !scopeSubset(scopes, client.Scopes) {
		// Reject outright rather than silently narrowing.
		return nil, NewError(ErrorCodeInvalidScope, "requested scope exceeds the client's registration")
	}

	resource, rerr := s.resolveResource(req.Resource)
	if rerr != nil {
		return nil, rerr
	}

	return s.mintToken(ctx, client.ClientID, client.ClientID, strings.Join(scopes, " "), resource, GrantTypeClientCredentials, req.SourceIP)
}

// mintToken signs an access token and records the issuance.
func (s *Server) mintToken(ctx context.Context, subject, clientID, scope, resource, grantType, sourceIP string) (*Token, error) {
	signed, err := s.signer.Mint(subject, clientID, scope, resource, s.config.AccessTokenTTL)
	if err != nil {
		s.logger.Error("Failed to sign access token", "error", err)
		return nil, NewError(ErrorCodeServerError, "failed to issue token")
	}

	s.auditor.LogTokenIssued(subject, clientID, sourceIP, scope, resource)
	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, clientID, grantType)
	}

	return &Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.config.AccessTokenTTL.Seconds()),
		Scope:       scope,
	}, nil
}

// resolveResource validates the resource indicator. Binding every token to
// an explicit audience is what stops a token minted for one tool server
// from being replayed against another.
func (s *Server) resolveResource(resource string) (string, *Error) {
	if resource == "" {
		if s.config.resourceIndicatorRequired() {
			return "", NewError(ErrorCodeInvalidTarget, "a resource indicator is required")
		}
		return "", nil
	}

	parsed, err := url.Parse(resource)
	if err != nil || !parsed.IsAbs() || parsed.Fragment != "" {
		return "", NewError(ErrorCodeInvalidTarget, "resource must be an absolute URL without a fragment")
	}

	normalized := util.NormalizeURL(resource)
	if len(s.config.AllowedResources) > 0 {
		for _, allowed := range s.config.AllowedResources {
			if util.NormalizeURL(allowed) == normalized {
				return normalized, nil
			}
		}
		return "", NewError(ErrorCodeInvalidTarget, "resource is not served by this authorization server")
	}
	return normalized, nil
}

func (s *Server) resolveSubject(ctx context.Context, hint string) (string, error) {
	if s.identity != nil {
		return s.identity.ResolveSubject(ctx, hint)
	}
	if hint == "" {
		return "", errors.New("no subject hint and no identity store configured")
	}
	return hint, nil
}
