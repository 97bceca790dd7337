package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthGateRedirectsWithoutTLSSignal(t *testing.T) {
	gate := NewAuthGate("c2VjcmV0", newTestLogger(t), nil)
	h := gate.Middleware()(okHandler())

	req := httptest.NewRequest("GET", "http://www.example.com/page?q=1", nil)
	// Credentials present but the transport check must win.
	req.Header.Set("Authorization", "Basic c2VjcmV0")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "https://www.example.com/page?q=1", rec.Header().Get("Location"))
}

func TestAuthGateRejectsMissingCredentials(t *testing.T) {
	gate := NewAuthGate("c2VjcmV0", newTestLogger(t), nil)
	h := gate.Middleware()(okHandler())

	req := httptest.NewRequest("GET", "/page", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Basic", rec.Header().Get("WWW-Authenticate"))
	assert.Empty(t, rec.Body.String())
}

func TestAuthGateRejectsWrongCredentials(t *testing.T) {
	gate := NewAuthGate("c2VjcmV0", newTestLogger(t), nil)
	h := gate.Middleware()(okHandler())

	req := httptest.NewRequest("GET", "/page", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("Authorization", "Basic d3Jvbmc=")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthGateAcceptsValidCredentials(t *testing.T) {
	gate := NewAuthGate("c2VjcmV0", newTestLogger(t), nil)
	h := gate.Middleware()(okHandler())

	req := httptest.NewRequest("GET", "/page", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("Authorization", "Basic c2VjcmV0")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthGateDisabledWithoutSecret(t *testing.T) {
	gate := NewAuthGate("", newTestLogger(t), nil)
	h := gate.Middleware()(okHandler())

	req := httptest.NewRequest("GET", "/page", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServedOverTLS(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.False(t, ServedOverTLS(r))

	r.Header.Set("X-Forwarded-Proto", "https")
	assert.True(t, ServedOverTLS(r))

	r = httptest.NewRequest("GET", "https://example.com/", nil)
	assert.True(t, ServedOverTLS(r), "direct TLS connections count")
}
