package middleware

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter bounds request rates per client address.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

// NewRateLimiter converts a per-minute budget into a token bucket per client.
func NewRateLimiter(requestsPerMinute float64, burst int) *RateLimiter {
	perSec := requestsPerMinute / 60.0
	if perSec <= 0 {
		perSec = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*rate.Limiter),
		perSec:   rate.Limit(perSec),
		burst:    burst,
	}
}

// Middleware rejects clients that exhausted their budget with 429.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.limiter(clientID(req)).Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) limiter(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(r.perSec, r.burst)
		r.visitors[id] = limiter
	}
	return limiter
}

func clientID(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
