// Package resource implements the resource server side of the protocol: a
// guard in front of tool-invocation endpoints that validates bearer tokens
// against the authorization server's published keys and enforces the
// static scope-to-tool policy before handing the call to a tool executor.
//
// The package never contacts the authorization server on the hot path;
// metadata and key material are cached with a TTL and refreshed lazily.
// When the authorization server is unreachable and the cache has expired,
// every authenticated call is rejected rather than waved through.
package resource
