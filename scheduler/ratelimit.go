package scheduler

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Per-instance soft ceilings. The authoritative state is the database; these
// only shed load at the edge.
const (
	JobsNextPerMinute = 120
	RegisterPerMinute = 30
	maxLimiterEntries = 10000
)

// RateLimiter tracks one token bucket per key (worker id or client IP).
type RateLimiter struct {
	perMinute float64
	burst     int

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter granting perMinute requests per key.
func NewRateLimiter(perMinute float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = int(perMinute/6) + 1
	}
	return &RateLimiter{
		perMinute: perMinute,
		burst:     burst,
		visitors:  make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the key may proceed.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.visitors[key]
	if !ok {
		// Soft ceiling on tracked keys: reset wholesale rather than
		// growing without bound.
		if len(r.visitors) >= maxLimiterEntries {
			r.visitors = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rate.Limit(r.perMinute/60.0), r.burst)
		r.visitors[key] = limiter
	}
	return limiter.Allow()
}

// ClientIP extracts the caller address for per-IP limits, honouring
// X-Real-IP and the first X-Forwarded-For hop.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
