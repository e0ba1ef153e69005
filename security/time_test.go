package security

import (
	"testing"
	"time"
)

func TestIsTokenExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"future expiry", time.Now().Add(time.Hour), false},
		{"long past", time.Now().Add(-time.Hour), true},
		{"within grace period", time.Now().Add(-2 * time.Second), false},
		{"just past grace period", time.Now().Add(-10 * time.Second), true},
		{"zero means no expiry", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpired(tt.expiresAt); got != tt.want {
				t.Errorf("IsTokenExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTokenExpiringSoon(t *testing.T) {
	if !IsTokenExpiringSoon(time.Now().Add(10*time.Second), 30*time.Second) {
		t.Error("token inside the threshold should report expiring soon")
	}
	if IsTokenExpiringSoon(time.Now().Add(time.Hour), 30*time.Second) {
		t.Error("token far from expiry should not report expiring soon")
	}
	if IsTokenExpiringSoon(time.Time{}, 30*time.Second) {
		t.Error("zero expiry never reports expiring soon")
	}
}
