package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/giantswarm/mcp-toolauth/internal/util"
	"github.com/giantswarm/mcp-toolauth/resource"
)

const forwardTimeout = 60 * time.Second

// forwardExecutor relays authorized tool calls to the upstream tool
// backend. The backend never sees bearer tokens, only verified identity
// headers set by this process.
type forwardExecutor struct {
	upstream   string
	httpClient *http.Client
}

func newForwardExecutor(upstream string) *forwardExecutor {
	return &forwardExecutor{
		upstream:   util.NormalizeURL(upstream),
		httpClient: &http.Client{Timeout: forwardTimeout},
	}
}

// Execute implements resource.ToolExecutor.
func (e *forwardExecutor) Execute(ctx context.Context, call resource.ToolCall) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.upstream+"/"+call.Tool, bytes.NewReader(call.Arguments))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Authenticated-Subject", call.Context.Service.Subject)
	req.Header.Set("X-Authenticated-Client", call.Context.Service.ClientID)
	if call.Context.User != nil {
		req.Header.Set("X-Authenticated-User", call.Context.User.Subject)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forwarding tool call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	var result any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("upstream returned invalid JSON: %w", err)
	}
	return result, nil
}
