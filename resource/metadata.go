package resource

import (
	"net/http"

	"github.com/giantswarm/mcp-toolauth/internal/util"
	"github.com/giantswarm/mcp-toolauth/security"
)

// ProtectedResourceMetadataPath is the well-known path for protected
// resource metadata (RFC 9728).
const ProtectedResourceMetadataPath = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata tells clients which authorization server
// protects this resource and which scopes it understands.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
}

// serveMetadata answers the discovery request unauthenticated, so clients
// can locate the authorization server before they hold any token.
func (g *Guard) serveMetadata(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, g.config.ResourceID)
	g.writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:               util.NormalizeURL(g.config.ResourceID),
		AuthorizationServers:   []string{util.NormalizeURL(g.config.Issuer)},
		ScopesSupported:        g.policy.Scopes(),
		BearerMethodsSupported: []string{"header"},
	})
}
