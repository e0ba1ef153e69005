package authserver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-toolauth/storage"
)

// Grant types this server supports.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
)

// Token endpoint auth methods this server supports.
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodNone              = "none"
)

// RegistrationRequest carries the dynamic client registration input.
type RegistrationRequest struct {
	ClientName              string
	RedirectURIs            []string
	Scopes                  []string
	GrantTypes              []string
	TokenEndpointAuthMethod string

	// SourceIP is the registering address, used for the per-IP cap.
	SourceIP string
}

// RegistrationResult holds the stored client plus the plaintext secret.
// The secret exists only in this value; the store keeps a bcrypt hash and
// no later request can recover it.
type RegistrationResult struct {
	Client       *storage.Client
	ClientSecret string
}

// RegisterClient performs dynamic client registration.
func (s *Server) RegisterClient(ctx context.Context, req RegistrationRequest) (*RegistrationResult, error) {
	if err := s.checkRegistrationLimit(ctx, req.SourceIP); err != nil {
		return nil, err
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode}
	}
	for _, gt := range grantTypes {
		if gt != GrantTypeAuthorizationCode && gt != GrantTypeClientCredentials {
			s.auditor.LogRegistrationRejected(req.SourceIP, "unsupported grant type")
			return nil, NewError(ErrorCodeInvalidRequest, fmt.Sprintf("unsupported grant type %q", gt))
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = AuthMethodClientSecretBasic
	}
	switch authMethod {
	case AuthMethodClientSecretBasic, AuthMethodClientSecretPost, AuthMethodNone:
	default:
		s.auditor.LogRegistrationRejected(req.SourceIP, "unsupported auth method")
		return nil, NewError(ErrorCodeInvalidRequest, fmt.Sprintf("unsupported token endpoint auth method %q", authMethod))
	}

	// Public clients cannot hold the client_credentials grant: with no
	// secret there is nothing to authenticate the service with.
	if authMethod == AuthMethodNone {
		for _, gt := range grantTypes {
			if gt == GrantTypeClientCredentials {
				s.auditor.LogRegistrationRejected(req.SourceIP, "public client requested client_credentials")
				return nil, NewError(ErrorCodeInvalidRequest, "public clients cannot use the client_credentials grant")
			}
		}
	}

	// Authorization code clients need somewhere to be redirected back to.
	usesAuthCode := false
	for _, gt := range grantTypes {
		if gt == GrantTypeAuthorizationCode {
			usesAuthCode = true
		}
	}
	if usesAuthCode && len(req.RedirectURIs) == 0 {
		s.auditor.LogRegistrationRejected(req.SourceIP, "missing redirect URIs")
		return nil, NewError(ErrorCodeInvalidRequest, "at least one redirect URI is required for the authorization_code grant")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			s.auditor.LogRegistrationRejected(req.SourceIP, "invalid redirect URI")
			return nil, NewError(ErrorCodeInvalidRequest, err.Error())
		}
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = s.config.SupportedScopes
	} else if !scopeSubset(scopes, s.config.SupportedScopes) {
		s.auditor.LogRegistrationRejected(req.SourceIP, "unsupported scope")
		return nil, NewError(ErrorCodeInvalidScope, "requested scopes exceed the scopes this server supports")
	}

	clientType := storage.ClientTypeConfidential
	var secret, secretHash string
	if authMethod == AuthMethodNone {
		clientType = storage.ClientTypePublic
	} else {
		secret = generateOpaqueToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, NewError(ErrorCodeServerError, "failed to process client secret")
		}
		secretHash = string(hash)
	}

	client := &storage.Client{
		ClientID:                uuid.NewString(),
		ClientSecretHash:        secretHash,
		ClientType:              clientType,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ClientName:              req.ClientName,
		Scopes:                  scopes,
		RegisteredByIP:          req.SourceIP,
		CreatedAt:               time.Now(),
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		s.logger.Error("Failed to save client registration", "error", err)
		return nil, NewError(ErrorCodeServerError, "failed to persist registration")
	}

	s.auditor.LogClientRegistered(client.ClientID, clientType, req.SourceIP)
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, clientType)
	}
	s.logger.Info("Registered client",
		"client_id", client.ClientID,
		"client_type", clientType,
		"grant_types", grantTypes)

	return &RegistrationResult{Client: client, ClientSecret: secret}, nil
}

func (s *Server) checkRegistrationLimit(ctx context.Context, ip string) error {
	if s.config.MaxClientsPerIP < 0 || ip == "" {
		return nil
	}

	count, err := s.clients.CountClientsByIP(ctx, ip)
	if err != nil {
		return NewError(ErrorCodeServerError, "failed to check registration limit")
	}
	if count >= s.config.MaxClientsPerIP {
		s.auditor.LogRegistrationRejected(ip, "per-IP registration limit reached")
		return NewError(ErrorCodeInvalidRequest, "registration limit reached for this address")
	}
	return nil
}
