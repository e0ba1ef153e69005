package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	toolauth "github.com/giantswarm/mcp-toolauth"
)

// Credentials are the issued client identity. ClientSecret is empty for
// public clients.
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// CredentialStore persists registered credentials across restarts. The
// server returns the client secret exactly once, so losing it means
// registering again as a new client.
type CredentialStore interface {
	Load(ctx context.Context) (*Credentials, error)
	Save(ctx context.Context, creds Credentials) error
}

// MemoryCredentialStore keeps credentials for the process lifetime only.
type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds *Credentials
}

// NewMemoryCredentialStore creates an empty in-memory store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

// Load implements CredentialStore.
func (s *MemoryCredentialStore) Load(ctx context.Context) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return nil, ErrNoCredentials
	}
	creds := *s.creds
	return &creds, nil
}

// Save implements CredentialStore.
func (s *MemoryCredentialStore) Save(ctx context.Context, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = &creds
	return nil
}

// FileCredentialStore persists credentials as JSON in a file readable only
// by the owning user.
type FileCredentialStore struct {
	path string
	mu   sync.Mutex
}

// NewFileCredentialStore creates a store backed by path. The file is
// created on first Save.
func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{path: path}
}

// Load implements CredentialStore.
func (s *FileCredentialStore) Load(ctx context.Context) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials file %s: %w", s.path, err)
	}
	if creds.ClientID == "" {
		return nil, ErrNoCredentials
	}
	return &creds, nil
}

// Save implements CredentialStore.
func (s *FileCredentialStore) Save(ctx context.Context, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	return nil
}

// RegistrationOptions describe the client to register.
type RegistrationOptions struct {
	ClientName   string
	RedirectURIs []string
	GrantTypes   []string
	Scope        string

	// Public registers a client without a secret; such clients rely on
	// PKCE as their proof of possession.
	Public bool
}

// Register performs dynamic client registration and persists the issued
// credentials in the store.
func (c *Client) Register(ctx context.Context, opts RegistrationOptions) (*Credentials, error) {
	metadata, err := c.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	if metadata.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("server %s does not support dynamic registration", c.issuer)
	}

	request := toolauth.ClientRegistrationRequest{
		ClientName:   opts.ClientName,
		RedirectURIs: opts.RedirectURIs,
		GrantTypes:   opts.GrantTypes,
		Scope:        opts.Scope,
	}
	if opts.Public {
		request.TokenEndpointAuthMethod = "none"
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	body, err := c.doRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			metadata.RegistrationEndpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("registering client: %w", err)
	}

	var response toolauth.ClientRegistrationResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parsing registration response: %w", err)
	}
	if response.ClientID == "" {
		return nil, fmt.Errorf("registration response has no client_id")
	}

	creds := Credentials{ClientID: response.ClientID, ClientSecret: response.ClientSecret}
	if err := c.store.Save(ctx, creds); err != nil {
		return nil, fmt.Errorf("persisting credentials: %w", err)
	}

	c.mu.Lock()
	c.creds = &creds
	c.mu.Unlock()

	c.logger.Info("Registered OAuth client", "client_id", creds.ClientID)
	return &creds, nil
}

// EnsureRegistered returns stored credentials, registering a new client
// only when none exist yet.
func (c *Client) EnsureRegistered(ctx context.Context, opts RegistrationOptions) (*Credentials, error) {
	creds, err := c.credentials(ctx)
	if err == nil {
		return creds, nil
	}
	if !errors.Is(err, ErrNoCredentials) {
		return nil, err
	}
	return c.Register(ctx, opts)
}

// credentials returns the cached or stored client identity.
func (c *Client) credentials(ctx context.Context) (*Credentials, error) {
	c.mu.Lock()
	cached := c.creds
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	creds, err := c.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	return creds, nil
}
