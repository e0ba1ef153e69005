package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP used for rate limiting and registration
// caps. Forwarding headers are only consulted when trustProxy is set, since
// anything a client can write itself must not influence per-IP limits.
//
// trustedProxyCount is the number of proxies between the server and the
// internet whose X-Forwarded-For entries can be believed, counted from the
// right.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := validIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return ipFromRemoteAddr(r.RemoteAddr)
}

// clientIPFromForwardedFor picks the client entry out of an X-Forwarded-For
// chain. The header reads "client, proxy1, proxy2, ..." with our own trusted
// proxies rightmost, so the client sits trustedProxyCount+1 positions from
// the end.
func clientIPFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")

	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}
	idx := len(ips) - proxyCount - 1
	if idx < 0 {
		idx = 0
	}

	return validIP(strings.TrimSpace(ips[idx]))
}

func validIP(s string) string {
	if s == "" || net.ParseIP(s) == nil {
		return ""
	}
	return s
}

// ipFromRemoteAddr strips the port from a direct connection address.
func ipFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
