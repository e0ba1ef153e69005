package util

import "strings"

// SafeTruncate returns at most maxLen characters of s. Used when logging
// codes and tokens, where only a short prefix may appear in output.
// A negative maxLen yields an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so resource identifiers and token
// audiences compare equal regardless of how the URL was written.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
