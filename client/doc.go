// Package client implements the protocol side of talking to a toolauth
// authorization server: endpoint discovery, dynamic client registration
// with persisted credentials, the authorization code flow with PKCE, the
// client credentials flow, and a token source that re-authenticates before
// expiry.
package client
