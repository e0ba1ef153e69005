// Package authserver implements the authorization server core: dynamic
// client registration, authorization code issuance with mandatory PKCE,
// token exchange, and client-credentials token minting.
//
// The package contains no HTTP handling. The root toolauth package maps
// HTTP requests onto Server operations and serializes the resulting
// values and errors; this package owns the protocol rules.
//
// Access tokens are self-contained Ed25519-signed JWTs bound to a single
// resource server through the audience claim. The server keeps no token
// state; only registered clients and pending authorization grants live in
// storage.
package authserver
