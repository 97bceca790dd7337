package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/mir00r/edge-router/pkg/logger"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	Enabled         bool
	RequestsPerSec  float64
	BurstSize       int
	CleanupInterval time.Duration
}

// clientLimiter holds the token bucket for a specific client
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware implements per-client token-bucket rate limiting
type RateLimitMiddleware struct {
	config  RateLimitConfig
	clients map[string]*clientLimiter
	mutex   sync.Mutex
	logger  *logger.Logger
}

// NewRateLimitMiddleware creates a new rate limiting middleware
func NewRateLimitMiddleware(config RateLimitConfig, log *logger.Logger) *RateLimitMiddleware {
	rlm := &RateLimitMiddleware{
		config:  config,
		clients: make(map[string]*clientLimiter),
		logger:  log,
	}

	if config.Enabled && config.CleanupInterval > 0 {
		go rlm.cleanupLoop()
	}

	return rlm
}

// RateLimit returns the rate limiting middleware
func (rlm *RateLimitMiddleware) RateLimit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rlm.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := remoteAddrString(ClientIP(r))

			if !rlm.limiterFor(clientIP).Allow() {
				rlm.logger.WithFields(map[string]interface{}{
					"component": "rate_limit",
					"client_ip": clientIP,
					"path":      r.URL.Path,
				}).Warn("Rate limit exceeded")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// limiterFor returns the limiter for a client, creating it on first use
func (rlm *RateLimitMiddleware) limiterFor(clientIP string) *rate.Limiter {
	rlm.mutex.Lock()
	defer rlm.mutex.Unlock()

	cl := rlm.clients[clientIP]
	if cl == nil {
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(rlm.config.RequestsPerSec), rlm.config.BurstSize),
		}
		rlm.clients[clientIP] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter
}

// cleanupLoop drops limiters for clients not seen recently
func (rlm *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(rlm.config.CleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-rlm.config.CleanupInterval)

		rlm.mutex.Lock()
		for ip, cl := range rlm.clients {
			if cl.lastSeen.Before(cutoff) {
				delete(rlm.clients, ip)
			}
		}
		rlm.mutex.Unlock()
	}
}
