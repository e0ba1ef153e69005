// Package toolauth exposes the authorization server over HTTP: discovery
// metadata, JWKS publication, dynamic client registration, the
// authorization endpoint, and the token endpoint. Protocol decisions live
// in the authserver package; this layer parses requests, authenticates
// clients, and serializes results.
package toolauth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-toolauth/authserver"
	"github.com/giantswarm/mcp-toolauth/instrumentation"
	"github.com/giantswarm/mcp-toolauth/security"
)

// Endpoint paths served by the handler, relative to the issuer.
const (
	MetadataPath  = "/.well-known/oauth-authorization-server"
	JWKSPath      = "/jwks.json"
	RegisterPath  = "/register"
	AuthorizePath = "/authorize"
	TokenPath     = "/token"
)

// SubjectHeader carries the authenticated end-user identity into the
// authorization endpoint. The embedding application's session layer is
// expected to set it after authenticating the user; requests without it
// cannot complete a delegated flow.
const SubjectHeader = "X-Authenticated-Subject"

const maxRegistrationBodyBytes = 1 << 16

// HandlerConfig tunes the HTTP layer.
type HandlerConfig struct {
	// TrustProxy enables X-Forwarded-For parsing for client IPs.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of the
	// server, counted from the right of X-Forwarded-For.
	TrustedProxyCount int

	// RateLimitPerSecond and RateLimitBurst bound per-IP request rates on
	// all endpoints. Zero values select restrictive defaults.
	RateLimitPerSecond int
	RateLimitBurst     int

	// AuditEnabled turns on security audit logging.
	AuditEnabled bool
}

func (c *HandlerConfig) applyDefaults() {
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 10
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 20
	}
}

// Handler serves the authorization server HTTP endpoints.
type Handler struct {
	server  *authserver.Server
	config  HandlerConfig
	logger  *slog.Logger
	auditor *security.Auditor
	limiter *security.RateLimiter
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
}

// HandlerOption configures optional Handler collaborators.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the structured logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// WithHandlerInstrumentation attaches OpenTelemetry instrumentation.
func WithHandlerInstrumentation(inst *instrumentation.Instrumentation) HandlerOption {
	return func(h *Handler) { h.inst = inst }
}

// NewHandler creates the HTTP layer over an authorization server.
func NewHandler(server *authserver.Server, config HandlerConfig, opts ...HandlerOption) *Handler {
	config.applyDefaults()

	h := &Handler{
		server: server,
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.auditor = security.NewAuditor(h.logger, config.AuditEnabled)
	h.limiter = security.NewRateLimiter(config.RateLimitPerSecond, config.RateLimitBurst, h.logger)
	if h.inst != nil {
		h.tracer = h.inst.Tracer("http")
	}

	return h
}

// Close stops background goroutines owned by the handler.
func (h *Handler) Close() {
	h.limiter.Stop()
}

// Routes registers all endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.Handle("GET "+MetadataPath, h.middleware(MetadataPath, "oauth.http.metadata", h.serveMetadata))
	mux.Handle("GET "+JWKSPath, h.middleware(JWKSPath, "oauth.http.jwks", h.serveJWKS))
	mux.Handle("POST "+RegisterPath, h.middleware(RegisterPath, "oauth.http.register", h.serveRegister))
	mux.Handle("GET "+AuthorizePath, h.middleware(AuthorizePath, "oauth.http.authorize", h.serveAuthorize))
	mux.Handle("POST "+TokenPath, h.middleware(TokenPath, "oauth.http.token", h.serveToken))
}

// middleware applies request IDs, security headers, per-IP rate limiting,
// tracing, and HTTP metrics around an endpoint.
func (h *Handler) middleware(endpoint, spanName string, next http.HandlerFunc) http.Handler {
	wrapped := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if h.tracer != nil {
			ctx, span := h.tracer.Start(r.Context(), spanName)
			defer span.End()
			r = r.WithContext(ctx)
		}
		span := trace.SpanFromContext(r.Context())

		security.SetSecurityHeaders(w, h.server.Config().Issuer)

		clientIP := h.clientIP(r)
		if !h.limiter.Allow(clientIP) {
			h.auditor.LogRateLimitExceeded(clientIP, endpoint)
			if h.inst != nil {
				h.inst.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
			}
			instrumentation.SetSpanAttributes(span,
				attribute.String(instrumentation.AttrError, "rate_limit_exceeded"))
			h.writeError(w, authserver.ErrorCodeInvalidRequest, "rate limit exceeded", http.StatusTooManyRequests)
			h.recordHTTPMetrics(r, endpoint, http.StatusTooManyRequests, start)
			instrumentation.AddHTTPAttributes(span, r.Method, endpoint, http.StatusTooManyRequests)
			return
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		h.recordHTTPMetrics(r, endpoint, sw.status, start)
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, sw.status)
	})

	return security.RequestIDMiddleware(wrapped)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
}

func (h *Handler) recordHTTPMetrics(r *http.Request, endpoint string, status int, start time.Time) {
	if h.inst == nil {
		return
	}
	h.inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, status,
		float64(time.Since(start).Milliseconds()))
}

// serveMetadata serves the RFC 8414 discovery document.
func (h *Handler) serveMetadata(w http.ResponseWriter, r *http.Request) {
	cfg := h.server.Config()
	issuer := cfg.Issuer

	metadata := AuthorizationServerMetadata{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + AuthorizePath,
		TokenEndpoint:          issuer + TokenPath,
		RegistrationEndpoint:   issuer + RegisterPath,
		JWKSURI:                issuer + JWKSPath,
		ScopesSupported:        cfg.SupportedScopes,
		ResponseTypesSupported: []string{authserver.ResponseTypeCode},
		GrantTypesSupported: []string{
			authserver.GrantTypeAuthorizationCode,
			authserver.GrantTypeClientCredentials,
		},
		TokenEndpointAuthMethodsSupported: []string{
			authserver.AuthMethodClientSecretBasic,
			authserver.AuthMethodClientSecretPost,
			authserver.AuthMethodNone,
		},
		CodeChallengeMethodsSupported: []string{authserver.CodeChallengeMethodS256},
	}

	h.writeJSON(w, http.StatusOK, metadata)
}

// serveJWKS publishes the token verification key.
func (h *Handler) serveJWKS(w http.ResponseWriter, r *http.Request) {
	signer := h.server.Signer()

	jwks := JWKS{Keys: []JWK{{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(signer.PublicKey()),
		Kid: signer.KeyID(),
		Use: "sig",
		Alg: "EdDSA",
	}}}

	h.writeJSON(w, http.StatusOK, jwks)
}

// serveRegister handles dynamic client registration.
func (h *Handler) serveRegister(w http.ResponseWriter, r *http.Request) {
	span := trace.SpanFromContext(r.Context())

	var req ClientRegistrationRequest
	body := http.MaxBytesReader(w, r.Body, maxRegistrationBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeError(w, authserver.ErrorCodeInvalidRequest, "invalid JSON body", http.StatusBadRequest)
		return
	}

	result, err := h.server.RegisterClient(r.Context(), authserver.RegistrationRequest{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		Scopes:                  splitScope(req.Scope),
		GrantTypes:              req.GrantTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		SourceIP:                h.clientIP(r),
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeServerError(w, err)
		return
	}

	client := result.Client
	clientType := "confidential"
	if client.TokenEndpointAuthMethod == authserver.AuthMethodNone {
		clientType = "public"
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, clientType))
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            result.ClientSecret,
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		Scope:                   joinScope(client.Scopes),
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
	})
}

// serveAuthorize handles the authorization endpoint. Failures after the
// redirect URI is validated travel back as error parameters on the
// redirect; anything earlier fails closed with a JSON error.
func (h *Handler) serveAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	span := trace.SpanFromContext(r.Context())
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrResponseType, q.Get("response_type")),
		attribute.String(instrumentation.AttrPKCEMethod, q.Get("code_challenge_method")),
		attribute.String(instrumentation.AttrResource, q.Get("resource")))
	instrumentation.AddFlowAttributes(span, q.Get("client_id"), "", q.Get("scope"))

	result, err := h.server.Authorize(r.Context(), authserver.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Resource:            q.Get("resource"),
		SubjectHint:         r.Header.Get(SubjectHeader),
		SourceIP:            h.clientIP(r),
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		var redirectable *authserver.RedirectableError
		if errors.As(err, &redirectable) {
			h.redirectError(w, r, redirectable.RedirectURI, q.Get("state"), redirectable.Err)
			return
		}
		h.writeServerError(w, err)
		return
	}
	instrumentation.SetSpanSuccess(span)

	location, perr := url.Parse(result.RedirectURI)
	if perr != nil {
		h.writeError(w, authserver.ErrorCodeServerError, "invalid redirect target", http.StatusInternalServerError)
		return
	}
	params := location.Query()
	params.Set("code", result.Code)
	if result.State != "" {
		params.Set("state", result.State)
	}
	location.RawQuery = params.Encode()

	http.Redirect(w, r, location.String(), http.StatusFound)
}

// redirectError delivers an authorization failure to the user-agent via
// the (already validated) redirect URI.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, oauthErr *authserver.Error) {
	location, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		h.writeServerError(w, oauthErr)
		return
	}

	params := location.Query()
	params.Set("error", oauthErr.Code)
	if oauthErr.Description != "" {
		params.Set("error_description", oauthErr.Description)
	}
	if state != "" {
		params.Set("state", state)
	}
	location.RawQuery = params.Encode()

	http.Redirect(w, r, location.String(), http.StatusFound)
}

// serveToken handles the token endpoint for both grant types.
func (h *Handler) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, authserver.ErrorCodeInvalidRequest, "invalid form body", http.StatusBadRequest)
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	sourceIP := h.clientIP(r)

	grantType := r.PostFormValue("grant_type")
	span := trace.SpanFromContext(r.Context())
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, grantType))
	instrumentation.AddFlowAttributes(span, clientID, "", "")

	var token *authserver.Token
	var err error

	switch grantType {
	case authserver.GrantTypeAuthorizationCode:
		token, err = h.server.ExchangeCode(r.Context(), authserver.ExchangeRequest{
			Code:         r.PostFormValue("code"),
			RedirectURI:  r.PostFormValue("redirect_uri"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			CodeVerifier: r.PostFormValue("code_verifier"),
			SourceIP:     sourceIP,
		})
	case authserver.GrantTypeClientCredentials:
		token, err = h.server.ClientCredentials(r.Context(), authserver.ClientCredentialsRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scope:        r.PostFormValue("scope"),
			Resource:     r.PostFormValue("resource"),
			SourceIP:     sourceIP,
		})
	default:
		h.writeError(w, authserver.ErrorCodeUnsupportedGrantType, "unsupported grant_type", http.StatusBadRequest)
		return
	}

	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeServerError(w, err)
		return
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrScope, token.Scope))
	instrumentation.SetSpanSuccess(span)

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ExpiresIn:   token.ExpiresIn,
		Scope:       token.Scope,
	})
}

// clientCredentials extracts client authentication from HTTP Basic auth,
// falling back to form parameters (client_secret_post).
func (h *Handler) clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 appendix B: credentials are form-urlencoded inside
		// the Basic header.
		if decodedID, err := url.QueryUnescape(id); err == nil {
			id = decodedID
		}
		if decodedSecret, err := url.QueryUnescape(secret); err == nil {
			secret = decodedSecret
		}
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

// writeServerError maps an authserver error onto an HTTP response.
func (h *Handler) writeServerError(w http.ResponseWriter, err error) {
	var oauthErr *authserver.Error
	if !errors.As(err, &oauthErr) {
		h.logger.Error("Unexpected error from authorization server", "error", err)
		h.writeError(w, authserver.ErrorCodeServerError, "internal error", http.StatusInternalServerError)
		return
	}

	status := http.StatusBadRequest
	switch oauthErr.Code {
	case authserver.ErrorCodeInvalidClient:
		// RFC 6749 section 5.2: 401 with a challenge for the auth scheme.
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		status = http.StatusUnauthorized
	case authserver.ErrorCodeServerError:
		status = http.StatusInternalServerError
	}

	h.writeError(w, oauthErr.Code, oauthErr.Description, status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	h.writeJSONStatus(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	h.writeJSONStatus(w, status, v)
}

func (h *Handler) writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}
