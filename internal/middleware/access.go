package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/mir00r/edge-router/internal/domain"
	"github.com/mir00r/edge-router/pkg/logger"
)

// AccessControl classifies client addresses against the configured
// allow and deny CIDR sets. The purge ranges are exposed as a separate
// membership query and never gate normal traffic.
type AccessControl struct {
	policy *domain.PolicyConfig
	logger *logger.Logger
	onDeny func(kind string)
}

// NewAccessControl creates the access control filter.
func NewAccessControl(policy *domain.PolicyConfig, log *logger.Logger, onDeny func(kind string)) *AccessControl {
	if onDeny == nil {
		onDeny = func(string) {}
	}
	return &AccessControl{policy: policy, logger: log, onDeny: onDeny}
}

// Middleware returns the HTTP middleware enforcing the allow/deny
// sets. A denylisted address is always rejected; with a non-empty
// allowlist, anything outside it is rejected too.
func (ac *AccessControl) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := ClientIP(r)

			if len(ac.policy.Denylist) > 0 && domain.IPInRanges(clientIP, ac.policy.Denylist) {
				ac.logger.WithFields(map[string]interface{}{
					"component": "access_control",
					"client_ip": remoteAddrString(clientIP),
					"path":      r.URL.Path,
				}).Warn("Request from denylisted address")
				ac.onDeny("forbidden")
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if len(ac.policy.Allowlist) > 0 && !domain.IPInRanges(clientIP, ac.policy.Allowlist) {
				ac.logger.WithFields(map[string]interface{}{
					"component": "access_control",
					"client_ip": remoteAddrString(clientIP),
					"path":      r.URL.Path,
				}).Warn("Request from address outside allowlist")
				ac.onDeny("forbidden")
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// OnPurgeACL reports whether ip may purge without origin-side auth.
func (ac *AccessControl) OnPurgeACL(ip net.IP) bool {
	return domain.IPInRanges(ip, ac.policy.PurgeACL)
}

// ClientIP extracts the real client IP from request headers, falling
// back to the connection's remote address.
func ClientIP(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

func remoteAddrString(ip net.IP) string {
	if ip == nil {
		return "unknown"
	}
	return ip.String()
}
