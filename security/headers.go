package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders applies the response headers every authorization and
// token endpoint must carry. OAuth responses contain codes and tokens, so
// caching is disabled and framing is denied outright.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	h := w.Header()

	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	// HSTS only makes sense when the server is actually reachable over TLS.
	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// RFC 6749 section 5.1 requires no-store on token responses.
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
}
