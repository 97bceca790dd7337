package middleware

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mir00r/edge-router/internal/domain"
	"github.com/mir00r/edge-router/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", Output: "stdout"})
	require.NoError(t, err)
	return log
}

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return n
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serveWithIP(h http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/page", nil)
	req.RemoteAddr = ip + ":12345"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAccessControlEmptyListsAllowAll(t *testing.T) {
	ac := NewAccessControl(&domain.PolicyConfig{}, newTestLogger(t), nil)
	h := ac.Middleware()(okHandler())

	assert.Equal(t, http.StatusOK, serveWithIP(h, "198.51.100.7").Code)
}

func TestAccessControlDenylist(t *testing.T) {
	policy := &domain.PolicyConfig{
		Denylist: []*net.IPNet{mustCIDR(t, "203.0.113.0/24")},
	}
	ac := NewAccessControl(policy, newTestLogger(t), nil)
	h := ac.Middleware()(okHandler())

	assert.Equal(t, http.StatusForbidden, serveWithIP(h, "203.0.113.9").Code)
	assert.Equal(t, http.StatusOK, serveWithIP(h, "198.51.100.7").Code)
}

func TestAccessControlAllowlist(t *testing.T) {
	policy := &domain.PolicyConfig{
		Allowlist: []*net.IPNet{mustCIDR(t, "10.0.0.0/8")},
	}
	ac := NewAccessControl(policy, newTestLogger(t), nil)
	h := ac.Middleware()(okHandler())

	assert.Equal(t, http.StatusOK, serveWithIP(h, "10.1.2.3").Code)
	assert.Equal(t, http.StatusForbidden, serveWithIP(h, "198.51.100.7").Code)
}

func TestAccessControlDenylistWinsOverAllowlist(t *testing.T) {
	policy := &domain.PolicyConfig{
		Allowlist: []*net.IPNet{mustCIDR(t, "10.0.0.0/8")},
		Denylist:  []*net.IPNet{mustCIDR(t, "10.1.0.0/16")},
	}
	ac := NewAccessControl(policy, newTestLogger(t), nil)
	h := ac.Middleware()(okHandler())

	assert.Equal(t, http.StatusForbidden, serveWithIP(h, "10.1.2.3").Code)
	assert.Equal(t, http.StatusOK, serveWithIP(h, "10.2.3.4").Code)
}

func TestOnPurgeACL(t *testing.T) {
	policy := &domain.PolicyConfig{
		PurgeACL: []*net.IPNet{mustCIDR(t, "151.101.0.0/16")},
	}
	ac := NewAccessControl(policy, newTestLogger(t), nil)

	assert.True(t, ac.OnPurgeACL(net.ParseIP("151.101.4.20")))
	assert.False(t, ac.OnPurgeACL(net.ParseIP("198.51.100.7")))

	// Purge membership never gates normal traffic.
	h := ac.Middleware()(okHandler())
	assert.Equal(t, http.StatusOK, serveWithIP(h, "198.51.100.7").Code)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.10:4242"
	assert.Equal(t, "192.0.2.10", ClientIP(r).String())

	r.Header.Set("X-Real-IP", "198.51.100.3")
	assert.Equal(t, "198.51.100.3", ClientIP(r).String())

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 198.51.100.3")
	assert.Equal(t, "203.0.113.9", ClientIP(r).String())
}
