package authserver

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-toolauth/instrumentation"
	"github.com/giantswarm/mcp-toolauth/security"
	"github.com/giantswarm/mcp-toolauth/storage"
)

// IdentityStore resolves the human identity behind a delegated
// authorization request. The core treats it as an opaque lookup; how users
// authenticate is the embedding application's concern.
type IdentityStore interface {
	// ResolveSubject maps an application-level identity hint (session ID,
	// login handle) to the stable subject identifier minted into tokens.
	ResolveSubject(ctx context.Context, hint string) (string, error)
}

// Server implements the authorization server operations over pluggable
// storage. All methods are safe for concurrent use.
type Server struct {
	config   Config
	clients  storage.ClientStore
	grants   storage.GrantStore
	signer   *Signer
	identity IdentityStore

	logger  *slog.Logger
	auditor *security.Auditor
	inst    *instrumentation.Instrumentation
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAuditor sets the security audit logger.
func WithAuditor(auditor *security.Auditor) Option {
	return func(s *Server) { s.auditor = auditor }
}

// WithInstrumentation attaches OpenTelemetry instrumentation.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(s *Server) { s.inst = inst }
}

// WithIdentityStore sets the subject resolver for delegated flows. Without
// one, authorization requests must carry a pre-resolved subject.
func WithIdentityStore(store IdentityStore) Option {
	return func(s *Server) { s.identity = store }
}

// New creates an authorization server. The configuration is validated and
// missing values replaced with restrictive defaults.
func New(config Config, clients storage.ClientStore, grants storage.GrantStore, signer *Signer, opts ...Option) (*Server, error) {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if clients == nil || grants == nil {
		return nil, fmt.Errorf("client and grant stores are required")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if signer.Issuer() != config.Issuer {
		return nil, fmt.Errorf("signer issuer %q does not match config issuer %q", signer.Issuer(), config.Issuer)
	}

	s := &Server{
		config:  config,
		clients: clients,
		grants:  grants,
		signer:  signer,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auditor == nil {
		s.auditor = security.NewAuditor(s.logger, false)
	}

	return s, nil
}

// Config returns the effective configuration after defaulting.
func (s *Server) Config() Config { return s.config }

// Signer exposes the token signer, primarily so the HTTP layer can publish
// the verification key.
func (s *Server) Signer() *Signer { return s.signer }

// generateOpaqueToken returns a high-entropy URL-safe random string used
// for authorization codes and client secrets.
func generateOpaqueToken() string {
	return oauth2.GenerateVerifier()
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.inst == nil {
		return nil
	}
	return s.inst.Metrics()
}
