package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "hello"},
		{"", 5, ""},
		{"hello", 0, ""},
	}

	for _, tt := range tests {
		if got := SafeTruncate(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://auth.example.com/", "https://auth.example.com"},
		{"https://auth.example.com", "https://auth.example.com"},
		{"https://auth.example.com///", "https://auth.example.com"},
	}

	for _, tt := range tests {
		if got := NormalizeURL(tt.in); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
