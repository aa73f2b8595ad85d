package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		header    string
		want      int
		challenge string
	}{
		{"valid", "Bearer s3cret", http.StatusOK, ""},
		{"case insensitive scheme", "bearer s3cret", http.StatusOK, ""},
		{"missing", "", http.StatusUnauthorized, `Bearer realm="tabcast"`},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized, `Bearer realm="tabcast"`},
		{"wrong token", "Bearer nope", http.StatusUnauthorized, `Bearer error="invalid_token"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			BearerAuth("s3cret")(okHandler()).ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.challenge, rec.Header().Get("WWW-Authenticate"))
		})
	}
}

func TestBearerAuth_EmptySecretRejectsEverything(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()

	BearerAuth("")(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}
