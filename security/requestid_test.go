package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	a := GenerateRequestID()
	b := GenerateRequestID()

	if a == b {
		t.Error("GenerateRequestID() returned the same ID twice")
	}
	if !requestIDPattern.MatchString(a) {
		t.Errorf("generated ID %q does not match the accepted pattern", a)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		echoed   bool
	}{
		{"valid upstream ID preserved", "upstream-id_1234", true},
		{"missing ID replaced", "", false},
		{"injection attempt replaced", "evil\r\nSet-Cookie: x", false},
		{"overlong ID replaced", strings.Repeat("a", 200), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fromContext string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fromContext = GetRequestID(r.Context())
			}))

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				r.Header.Set(RequestIDHeader, tt.incoming)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			responseID := w.Header().Get(RequestIDHeader)
			if responseID == "" {
				t.Fatal("response has no request ID header")
			}
			if responseID != fromContext {
				t.Errorf("context ID %q differs from response header %q", fromContext, responseID)
			}
			if tt.echoed && responseID != tt.incoming {
				t.Errorf("valid upstream ID %q was replaced with %q", tt.incoming, responseID)
			}
			if !tt.echoed && responseID == tt.incoming {
				t.Errorf("invalid upstream ID %q was echoed back", tt.incoming)
			}
		})
	}
}

func TestGetRequestIDWithoutValue(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := GetRequestID(r.Context()); got != "" {
		t.Errorf("GetRequestID() = %q on empty context, want empty", got)
	}
}
