package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-toolauth/instrumentation"
	"github.com/giantswarm/mcp-toolauth/security"
)

// UserTokenHeader optionally carries a second bearer token representing
// the end user on whose behalf a service is calling. The primary
// Authorization header authenticates the calling service itself.
const UserTokenHeader = "X-User-Authorization"

const maxToolBodyBytes = 1 << 20

// CallContext carries the verified identities behind an authorized tool
// call. Service is always present; User is set only when the caller
// forwarded a delegated user token. Keeping them as two fields rather
// than merging claims keeps the enforcement auditable.
type CallContext struct {
	Service *Principal
	User    *Principal
}

// ToolCall is the unit of work handed to the executor after authorization.
type ToolCall struct {
	Context   CallContext
	Tool      string
	Arguments json.RawMessage
}

// ToolExecutor runs an authorized tool call. The resource server does not
// interpret tool semantics; domain errors from the executor pass through
// as executor failures, not authorization failures.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (any, error)
}

// ToolExecutorFunc adapts a function to the ToolExecutor interface.
type ToolExecutorFunc func(ctx context.Context, call ToolCall) (any, error)

// Execute implements ToolExecutor.
func (f ToolExecutorFunc) Execute(ctx context.Context, call ToolCall) (any, error) {
	return f(ctx, call)
}

// Config configures the resource server guard.
type Config struct {
	// ResourceID is this server's own resource identifier, matched
	// against token audiences.
	ResourceID string

	// Issuer is the trusted authorization server.
	Issuer string

	// ToolsPathPrefix is where tool endpoints are mounted. Defaults to
	// "/tools/".
	ToolsPathPrefix string
}

// Guard is the HTTP layer in front of the tool executor: it validates
// bearer tokens, enforces the scope policy, and serves protected resource
// metadata.
type Guard struct {
	config    Config
	validator *Validator
	policy    *ToolPolicy
	executor  ToolExecutor

	logger  *slog.Logger
	auditor *security.Auditor
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
}

// GuardOption configures optional Guard collaborators.
type GuardOption func(*Guard)

// WithGuardLogger sets the structured logger.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// WithGuardAuditor sets the security audit logger.
func WithGuardAuditor(auditor *security.Auditor) GuardOption {
	return func(g *Guard) { g.auditor = auditor }
}

// WithGuardInstrumentation attaches OpenTelemetry instrumentation.
func WithGuardInstrumentation(inst *instrumentation.Instrumentation) GuardOption {
	return func(g *Guard) { g.inst = inst }
}

// NewGuard creates a resource server guard.
func NewGuard(config Config, validator *Validator, policy *ToolPolicy, executor ToolExecutor, opts ...GuardOption) (*Guard, error) {
	if config.ResourceID == "" || config.Issuer == "" {
		return nil, fmt.Errorf("resource ID and issuer are required")
	}
	if config.ToolsPathPrefix == "" {
		config.ToolsPathPrefix = "/tools/"
	}
	if validator == nil || policy == nil || executor == nil {
		return nil, fmt.Errorf("validator, policy, and executor are required")
	}

	g := &Guard{
		config:    config,
		validator: validator,
		policy:    policy,
		executor:  executor,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.auditor == nil {
		g.auditor = security.NewAuditor(g.logger, false)
	}
	if g.inst != nil {
		g.tracer = g.inst.Tracer("resource")
	}
	return g, nil
}

// Routes registers the tool invocation endpoint and protected resource
// metadata on mux.
func (g *Guard) Routes(mux *http.ServeMux) {
	mux.Handle("POST "+g.config.ToolsPathPrefix+"{tool}", security.RequestIDMiddleware(http.HandlerFunc(g.serveToolCall)))
	mux.Handle("GET "+ProtectedResourceMetadataPath, security.RequestIDMiddleware(http.HandlerFunc(g.serveMetadata)))
}

// serveToolCall authenticates, authorizes, and dispatches one tool call.
func (g *Guard) serveToolCall(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tool := r.PathValue("tool")

	if g.tracer != nil {
		ctx, span := g.tracer.Start(r.Context(), "tool.invoke")
		defer span.End()
		r = r.WithContext(ctx)
	}
	span := trace.SpanFromContext(r.Context())
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrToolName, tool))
	if g.inst != nil && g.inst.ShouldLogClientIPs() {
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrClientIP, security.GetClientIP(r, false, 0)))
	}

	service, err := g.authenticate(r.Context(), bearerToken(r.Header.Get("Authorization")))
	if err != nil {
		g.rejectToken(w, r, err)
		g.recordValidation(r, "rejected")
		return
	}
	g.recordValidation(r, "accepted")

	// Optional delegated user identity, validated under the same rules.
	var user *Principal
	if userToken := bearerToken(r.Header.Get(UserTokenHeader)); userToken != "" {
		user, err = g.authenticate(r.Context(), userToken)
		if err != nil {
			g.rejectToken(w, r, err)
			g.recordValidation(r, "rejected")
			return
		}
		g.recordValidation(r, "accepted")
	}

	if err := g.policy.Authorize(service, tool); err != nil {
		g.rejectAuthorization(w, r, service, tool, err)
		return
	}
	// A delegated user must independently hold the scope; the service's
	// permissions do not transfer to the user.
	if user != nil {
		if err := g.policy.Authorize(user, tool); err != nil {
			g.rejectAuthorization(w, r, user, tool, err)
			return
		}
	}

	arguments, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxToolBodyBytes))
	if err != nil {
		g.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "could not read request body",
		})
		return
	}
	if len(arguments) == 0 {
		arguments = []byte("{}")
	}

	result, err := g.executor.Execute(r.Context(), ToolCall{
		Context:   CallContext{Service: service, User: user},
		Tool:      tool,
		Arguments: arguments,
	})
	if err != nil {
		// Executor failures are domain errors; authorization was granted.
		g.logger.Error("Tool execution failed", "tool", tool, "error", err)
		g.writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":             "tool_error",
			"error_description": err.Error(),
		})
		return
	}

	g.logger.Debug("Tool call completed",
		"tool", tool,
		"subject", service.Subject,
		"duration_ms", time.Since(start).Milliseconds())
	instrumentation.SetSpanSuccess(span)
	g.writeJSON(w, http.StatusOK, result)
}

func (g *Guard) authenticate(ctx context.Context, token string) (*Principal, error) {
	return g.validator.Validate(ctx, token)
}

// rejectToken writes the 401 (or 503) response for a failed validation,
// with a machine-readable error code and a WWW-Authenticate challenge
// pointing at this server's metadata.
func (g *Guard) rejectToken(w http.ResponseWriter, r *http.Request, err error) {
	clientIP := security.GetClientIP(r, false, 0)
	instrumentation.RecordError(trace.SpanFromContext(r.Context()), err)

	if errors.Is(err, ErrUpstreamUnavailable) {
		g.logger.Warn("Rejecting call: authorization server unreachable", "error", err)
		g.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":             "temporarily_unavailable",
			"error_description": "token verification is currently unavailable",
		})
		return
	}

	code := "invalid_token"
	description := "the access token is invalid"
	switch {
	case errors.Is(err, ErrNoToken):
		code = "invalid_request"
		description = "no bearer token presented"
	case errors.Is(err, ErrTokenExpired):
		description = "the access token has expired"
	case errors.Is(err, ErrWrongAudience):
		description = "the access token was issued for a different resource"
		g.auditor.LogAudienceMismatch("", "", clientIP, g.config.ResourceID)
		instrumentation.SetSpanAttributes(trace.SpanFromContext(r.Context()),
			attribute.String(instrumentation.AttrAuditEventType, "audience_mismatch"))
	}

	g.logger.Info("Rejected bearer token", "reason", err)

	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer realm=%q, error=%q, error_description=%q, resource_metadata=%q`,
		g.config.ResourceID, code, description,
		g.config.ResourceID+ProtectedResourceMetadataPath))
	g.writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// rejectAuthorization writes the 403 for a valid token lacking the
// required scope, naming the scope the caller is missing.
func (g *Guard) rejectAuthorization(w http.ResponseWriter, r *http.Request, principal *Principal, tool string, err error) {
	if errors.Is(err, ErrUnknownTool) {
		g.writeJSON(w, http.StatusNotFound, map[string]string{
			"error":             "invalid_request",
			"error_description": fmt.Sprintf("unknown tool %q", tool),
		})
		return
	}

	scope, _ := g.policy.RequiredScope(tool)
	g.logger.Info("Denied tool call for missing scope",
		"tool", tool, "subject", principal.Subject, "required_scope", scope)
	if g.inst != nil {
		g.inst.Metrics().RecordToolInvocationDenied(r.Context(), tool)
	}
	span := trace.SpanFromContext(r.Context())
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrRequiredScope, scope))
	instrumentation.RecordError(span, err)

	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer realm=%q, error="insufficient_scope", scope=%q`,
		g.config.ResourceID, scope))
	g.writeJSON(w, http.StatusForbidden, map[string]string{
		"error":             "insufficient_scope",
		"error_description": fmt.Sprintf("tool %q requires scope %q", tool, scope),
		"scope":             scope,
	})
}

func (g *Guard) recordValidation(r *http.Request, result string) {
	if g.inst != nil {
		g.inst.Metrics().RecordTokenValidation(r.Context(), result)
	}
}

func (g *Guard) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("Failed to encode response", "error", err)
	}
}

// bearerToken extracts the token from an Authorization-style header value.
func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
