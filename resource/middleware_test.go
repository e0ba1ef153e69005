package resource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-toolauth/instrumentation"
)

// echoExecutor returns the identities and arguments it was handed, so
// tests can assert what reached the executor.
type echoExecutor struct {
	lastCall *ToolCall
}

func (e *echoExecutor) Execute(ctx context.Context, call ToolCall) (any, error) {
	e.lastCall = &call
	return map[string]string{"tool": call.Tool, "subject": call.Context.Service.Subject}, nil
}

func newTestGuard(t *testing.T, f *fakeAuthServer) (*Guard, *echoExecutor) {
	t.Helper()

	executor := &echoExecutor{}
	guard, err := NewGuard(Config{
		ResourceID: testResourceID,
		Issuer:     f.issuer,
	}, newTestValidator(t, f), testPolicy(t), executor)
	require.NoError(t, err)
	return guard, executor
}

func callTool(t *testing.T, guard *Guard, tool, serviceToken, userToken, body string) *httptest.ResponseRecorder {
	t.Helper()

	mux := http.NewServeMux()
	guard.Routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/tools/"+tool, strings.NewReader(body))
	if serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+serviceToken)
	}
	if userToken != "" {
		req.Header.Set(UserTokenHeader, "Bearer "+userToken)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestGuardAuthorizedCall(t *testing.T) {
	f := newFakeAuthServer(t)
	guard, executor := newTestGuard(t, f)

	token := f.mint(t, "svc-1", "client-abc", "tools:invoke", testResourceID, time.Hour)
	rec := callTool(t, guard, "run_query", token, "", `{"q":"select 1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, executor.lastCall)
	assert.Equal(t, "run_query", executor.lastCall.Tool)
	assert.Equal(t, "svc-1", executor.lastCall.Context.Service.Subject)
	assert.Nil(t, executor.lastCall.Context.User)
	assert.JSONEq(t, `{"q":"select 1"}`, string(executor.lastCall.Arguments))
}

func TestGuardRejectsMissingToken(t *testing.T) {
	f := newFakeAuthServer(t)
	guard, executor := newTestGuard(t, f)

	rec := callTool(t, guard, "run_query", "", "", "{}")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, executor.lastCall)
	assert.Equal(t, "invalid_request", decodeError(t, rec)["error"])

	challenge := rec.Header().Get("WWW-Authenticate")
	assert.Contains(t, challenge, "Bearer")
	assert.Contains(t, challenge, "resource_metadata=")
	assert.Contains(t, challenge, ProtectedResourceMetadataPath)
}

func TestGuardRejectsExpiredToken(t *testing.T) {
	f := newFakeAuthServer(t)
	guard, _ := newTestGuard(t, f)

	token := f.mint(t, "svc-1", "client-abc", "tools:invoke", testResourceID, -time.Hour)
	rec := callTool(t, guard, "run_query", token, "", "{}")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", decodeError(t, rec)["error"])
}

func TestGuardRejectsWrongAudienceToken(t *testing.T) {
	f := newFakeAuthServer(t)
	guard, executor := newTestGuard(t, f)

	token := f.mint(t, "svc-1", "client-abc", "tools:invoke", "https://other.example.com", time.Hour)
	rec := callTool(t, guard, "run_query", token, "", "{}")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, executor.lastCall)
	assert.Equal(t, "invalid_token", decodeError(t, rec)["error"])
}

func TestGuardInsufficientScope(t *testing.T) {
	f := newFakeAuthServer(t)
	guard, executor := newTestGuard(t, f)

	token := f.mint(t, "svc-1", "client-abc", "tools:read", testResourceID, time.Hour)
	rec := callTool(t, guard, "run_query", token, "", "{}")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Nil(t, executor.lastCall)

	body := decodeError(t, rec)
	assert.Equal(t, "insufficient_scope", body["error"])
	assert.Equal(t, "tools:invoke", body["scope"])
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `scope="tools:invoke"`)
}

func TestGuardPrivilegedScopeCoversAllTools(t *testing.T) {
	f := newFakeAuthServer(t)
	guard, _ := newTestGuard(t, f)

	token := f.mint(t, "admin-1", "client-abc", "tools:admin", testResourceID, time.Hour)

	for _, tool := range []string{"run_query", "list_files"} {
		rec := callTool(t, guard, tool, token, "", "{}")
		assert.Equal(t, http.StatusOK, rec.Code, "tool %s", tool)
	}
}

func TestGuardUnknownTool(t *testing.T) {
	f := newFakeAuthServer(t)
	guard, _ := newTestGuard(t, f)

	token := f.mint(t, "admin-1", "client-abc", "tools:admin", testResourceID, time.Hour)
	rec := callTool(t, guard, "drop_tables", token, "", "{}")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGuardDelegatedUserIdentity(t *testing.T) {
	f := newFakeAuthServer(t)
	guard, executor := newTestGuard(t, f)

	serviceToken := f.mint(t, "svc-1", "client-abc", "tools:invoke", testResourceID, time.Hour)
	userToken := f.mint(t, "user-42", "client-web", "tools:invoke", testResourceID, time.Hour)

	rec := callTool(t, guard, "run_query", serviceToken, userToken, "{}")

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, executor.lastCall.Context.User)
	assert.Equal(t, "svc-1", executor.lastCall.Context.Service.Subject)
	assert.Equal(t, "user-42", executor.lastCall.Context.User.Subject)
}

// The service holding a scope does not let an under-scoped delegated user
// through.
func TestGuardDelegatedUserNeedsOwnScope(t *testing.T) {
	f := newFakeAuthServer(t)
	guard, executor := newTestGuard(t, f)

	serviceToken := f.mint(t, "svc-1", "client-abc", "tools:invoke", testResourceID, time.Hour)
	userToken := f.mint(t, "user-42", "client-web", "tools:read", testResourceID, time.Hour)

	rec := callTool(t, guard, "run_query", serviceToken, userToken, "{}")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Nil(t, executor.lastCall)
}

func TestGuardInvalidUserTokenRejected(t *testing.T) {
	f := newFakeAuthServer(t)
	guard, executor := newTestGuard(t, f)

	serviceToken := f.mint(t, "svc-1", "client-abc", "tools:invoke", testResourceID, time.Hour)
	rec := callTool(t, guard, "run_query", serviceToken, "garbage", "{}")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, executor.lastCall)
}

func TestGuardRecordsUserTokenValidation(t *testing.T) {
	f := newFakeAuthServer(t)

	inst, err := instrumentation.New(instrumentation.Config{ServiceName: "guard-test", Enabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	executor := &echoExecutor{}
	guard, err := NewGuard(Config{
		ResourceID: testResourceID,
		Issuer:     f.issuer,
	}, newTestValidator(t, f), testPolicy(t), executor, WithGuardInstrumentation(inst))
	require.NoError(t, err)

	serviceToken := f.mint(t, "svc-1", "client-abc", "tools:invoke", testResourceID, time.Hour)

	// Rejected delegated token follows the same recording path as the
	// service token.
	rec := callTool(t, guard, "run_query", serviceToken, "garbage", "{}")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	userToken := f.mint(t, "user-7", "client-xyz", "tools:invoke", testResourceID, time.Hour)
	rec = callTool(t, guard, "run_query", serviceToken, userToken, "{}")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGuardFailsClosedWhenIssuerUnreachable(t *testing.T) {
	f := newFakeAuthServer(t)
	token := f.mint(t, "svc-1", "client-abc", "tools:invoke", testResourceID, time.Hour)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	validator, err := NewValidator(deadURL, testResourceID, NewKeyCache(deadURL))
	require.NoError(t, err)
	executor := &echoExecutor{}
	guard, err := NewGuard(Config{ResourceID: testResourceID, Issuer: deadURL},
		validator, testPolicy(t), executor)
	require.NoError(t, err)

	rec := callTool(t, guard, "run_query", token, "", "{}")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Nil(t, executor.lastCall)
	assert.Equal(t, "temporarily_unavailable", decodeError(t, rec)["error"])
}

func TestGuardExecutorError(t *testing.T) {
	f := newFakeAuthServer(t)
	validator := newTestValidator(t, f)
	guard, err := NewGuard(Config{ResourceID: testResourceID, Issuer: f.issuer},
		validator, testPolicy(t),
		ToolExecutorFunc(func(ctx context.Context, call ToolCall) (any, error) {
			return nil, context.DeadlineExceeded
		}))
	require.NoError(t, err)

	token := f.mint(t, "svc-1", "client-abc", "tools:invoke", testResourceID, time.Hour)
	rec := callTool(t, guard, "run_query", token, "", "{}")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "tool_error", decodeError(t, rec)["error"])
}

func TestProtectedResourceMetadata(t *testing.T) {
	f := newFakeAuthServer(t)
	guard, _ := newTestGuard(t, f)

	mux := http.NewServeMux()
	guard.Routes(mux)

	req := httptest.NewRequest(http.MethodGet, ProtectedResourceMetadataPath, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var metadata ProtectedResourceMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metadata))
	assert.Equal(t, testResourceID, metadata.Resource)
	assert.Equal(t, []string{f.issuer}, metadata.AuthorizationServers)
	assert.ElementsMatch(t, []string{"tools:read", "tools:invoke", "tools:admin"}, metadata.ScopesSupported)
	assert.Equal(t, []string{"header"}, metadata.BearerMethodsSupported)
}
