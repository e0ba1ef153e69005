package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	toolauth "github.com/giantswarm/mcp-toolauth"
	"github.com/giantswarm/mcp-toolauth/authserver"
	"github.com/giantswarm/mcp-toolauth/instrumentation"
	"github.com/giantswarm/mcp-toolauth/internal/config"
	"github.com/giantswarm/mcp-toolauth/resource"
	"github.com/giantswarm/mcp-toolauth/security"
	"github.com/giantswarm/mcp-toolauth/storage/memory"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization server",
	Long: `Starts the HTTP server with the endpoints described by the
configuration file: discovery metadata, JWKS, dynamic registration,
authorization, and token issuance. When the resource_server section is
enabled, tool-invocation endpoints are served from the same listener and
forwarded upstream after authorization.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "toolauthd.yaml", "Path to the configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    cfg.Metrics.ServiceName,
		ServiceVersion: version,
		Enabled:        cfg.Metrics.Enabled,
	})
	if err != nil {
		return fmt.Errorf("initializing instrumentation: %w", err)
	}

	signer, err := newSigner(cfg.Auth)
	if err != nil {
		return err
	}

	store := memory.New()
	defer store.Stop()
	store.SetLogger(logger)
	store.SetInstrumentation(inst)

	auditor := security.NewAuditor(logger, cfg.Audit.Enabled)

	server, err := authserver.New(authserver.Config{
		Issuer:           cfg.Auth.Issuer,
		SupportedScopes:  cfg.Auth.Scopes,
		CodeTTL:          cfg.Auth.CodeTTL,
		AccessTokenTTL:   cfg.Auth.AccessTokenTTL,
		AllowedResources: cfg.Auth.AllowedResources,
		MaxClientsPerIP:  cfg.Auth.MaxClientsPerIP,
	}, store, store, signer,
		authserver.WithLogger(logger),
		authserver.WithAuditor(auditor),
		authserver.WithInstrumentation(inst))
	if err != nil {
		return fmt.Errorf("initializing authorization server: %w", err)
	}

	handler := toolauth.NewHandler(server, toolauth.HandlerConfig{
		TrustProxy:         cfg.HTTP.TrustProxy,
		TrustedProxyCount:  cfg.HTTP.TrustedProxyCount,
		RateLimitPerSecond: cfg.HTTP.RateLimitPerSecond,
		RateLimitBurst:     cfg.HTTP.RateLimitBurst,
		AuditEnabled:       cfg.Audit.Enabled,
	}, toolauth.WithHandlerLogger(logger), toolauth.WithHandlerInstrumentation(inst))
	defer handler.Close()

	mux := http.NewServeMux()
	handler.Routes(mux)

	if cfg.ResourceServer.Enabled {
		guard, err := newGuard(cfg, logger, auditor, inst)
		if err != nil {
			return err
		}
		guard.Routes(mux)
		logger.Info("Resource server enabled",
			"resource", cfg.ResourceServer.ResourceID,
			"tools", len(cfg.ResourceServer.Tools))
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.Server.ListenAddr, "issuer", cfg.Auth.Issuer)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return inst.Shutdown(shutdownCtx)
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
}

// newSigner loads the Ed25519 seed from the configured file, or generates
// an ephemeral key when none is configured.
func newSigner(cfg config.AuthConfig) (*authserver.Signer, error) {
	if cfg.SigningKeyFile == "" {
		slog.Warn("No signing key configured, tokens will not survive a restart")
		return authserver.NewSigner(cfg.Issuer)
	}

	raw, err := os.ReadFile(cfg.SigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key file must hold a hex encoded %d byte seed", ed25519.SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return authserver.NewSignerFromKey(cfg.Issuer, priv, priv.Public().(ed25519.PublicKey))
}

func newGuard(cfg *config.Config, logger *slog.Logger, auditor *security.Auditor, inst *instrumentation.Instrumentation) (*resource.Guard, error) {
	policy, err := resource.NewToolPolicy(cfg.ResourceServer.Tools, cfg.ResourceServer.PrivilegedScope)
	if err != nil {
		return nil, fmt.Errorf("building tool policy: %w", err)
	}

	keys := resource.NewKeyCache(cfg.Auth.Issuer, resource.WithKeyCacheLogger(logger))
	validator, err := resource.NewValidator(cfg.Auth.Issuer, cfg.ResourceServer.ResourceID, keys)
	if err != nil {
		return nil, fmt.Errorf("building validator: %w", err)
	}

	executor := newForwardExecutor(cfg.ResourceServer.UpstreamURL)

	return resource.NewGuard(resource.Config{
		ResourceID: cfg.ResourceServer.ResourceID,
		Issuer:     cfg.Auth.Issuer,
	}, validator, policy, executor,
		resource.WithGuardLogger(logger),
		resource.WithGuardAuditor(auditor),
		resource.WithGuardInstrumentation(inst))
}
