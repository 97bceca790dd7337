package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/mir00r/edge-router/pkg/logger"
)

// AuthGate enforces the transport and basic-auth requirements. The
// transport check always runs and cannot be disabled; the auth check
// only runs when a secret is configured.
type AuthGate struct {
	secret string
	logger *logger.Logger
	onDeny func(kind string)
}

// NewAuthGate creates the gate. An empty secret disables basic auth.
func NewAuthGate(secret string, log *logger.Logger, onDeny func(kind string)) *AuthGate {
	if onDeny == nil {
		onDeny = func(string) {}
	}
	return &AuthGate{secret: secret, logger: log, onDeny: onDeny}
}

// Middleware returns the HTTP middleware. An unencrypted request is
// upgraded with a 301 before credentials are ever looked at, so a
// missing TLS signal wins over a missing Authorization header.
func (g *AuthGate) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ServedOverTLS(r) {
				target := "https://" + r.Host + r.URL.RequestURI()
				w.Header().Set("Location", target)
				w.Header().Set("X-Backend-Name", "force_ssl")
				g.onDeny("force_ssl")
				w.WriteHeader(http.StatusMovedPermanently)
				return
			}

			if g.secret != "" {
				expected := "Basic " + g.secret
				actual := r.Header.Get("Authorization")
				if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
					g.logger.WithFields(map[string]interface{}{
						"component": "auth_gate",
						"path":      r.URL.Path,
					}).Warn("Basic authentication failed")
					w.Header().Set("WWW-Authenticate", "Basic")
					g.onDeny("unauthorized")
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ServedOverTLS reports the platform's transport-security signal: a
// direct TLS connection or an upstream terminator's forwarded-proto
// header.
func ServedOverTLS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return r.Header.Get("X-Forwarded-Proto") == "https"
}
