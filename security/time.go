package security

import "time"

// DefaultClockSkewGracePeriod is the tolerance applied when checking
// expiration timestamps. Authorization server and resource server clocks
// are rarely perfectly synchronized; a few seconds of grace avoids
// rejecting a code or token that is valid from the issuer's point of view.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired reports whether expiresAt has passed, with the default
// clock skew grace period applied.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod reports whether expiresAt has passed by more
// than gracePeriod. A zero expiresAt means no expiration.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsTokenExpiringSoon reports whether expiresAt falls within threshold from
// now. Clients use this to re-authenticate before a token actually lapses.
func IsTokenExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
