package resource

import (
	"fmt"
	"strings"
)

// ToolPolicy is the static mapping from tool identifiers to the minimal
// scope required to invoke them, plus one privileged scope that authorizes
// every tool. Loaded at startup and read-only afterwards, so lookups need
// no locking.
type ToolPolicy struct {
	required        map[string]string
	privilegedScope string
}

// NewToolPolicy builds a policy. required maps tool ID to its scope;
// privilegedScope (optional) grants all tools.
func NewToolPolicy(required map[string]string, privilegedScope string) (*ToolPolicy, error) {
	if len(required) == 0 {
		return nil, fmt.Errorf("tool policy must map at least one tool")
	}
	for tool, scope := range required {
		if tool == "" || scope == "" {
			return nil, fmt.Errorf("tool policy entries must have non-empty tool and scope")
		}
	}

	cloned := make(map[string]string, len(required))
	for tool, scope := range required {
		cloned[tool] = scope
	}
	return &ToolPolicy{required: cloned, privilegedScope: privilegedScope}, nil
}

// RequiredScope returns the scope needed to invoke tool.
func (p *ToolPolicy) RequiredScope(tool string) (string, bool) {
	scope, ok := p.required[tool]
	return scope, ok
}

// Scopes returns every scope the policy references, for advertisement in
// protected resource metadata.
func (p *ToolPolicy) Scopes() []string {
	seen := make(map[string]struct{}, len(p.required)+1)
	var scopes []string
	add := func(s string) {
		if _, ok := seen[s]; !ok && s != "" {
			seen[s] = struct{}{}
			scopes = append(scopes, s)
		}
	}
	for _, scope := range p.required {
		add(scope)
	}
	add(p.privilegedScope)
	return scopes
}

// Authorize checks a principal against the policy for one tool call. The
// check runs per call: one token may be authorized for some tools and not
// others.
func (p *ToolPolicy) Authorize(principal *Principal, tool string) error {
	scope, ok := p.required[tool]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}

	if p.privilegedScope != "" && principal.HasScope(p.privilegedScope) {
		return nil
	}
	if principal.HasScope(scope) {
		return nil
	}
	return fmt.Errorf("%w: tool %q requires scope %q", ErrInsufficientScope, tool, scope)
}

func splitScope(scope string) []string {
	return strings.Fields(scope)
}
