package webhook

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	maxTrackedClients = 1000
	clientTTL         = 5 * time.Minute
)

// rateLimiter keeps one token bucket per client IP. Idle clients expire from
// the LRU, so the map stays bounded.
type rateLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

func newRateLimiter(requestsPerMin int) *rateLimiter {
	burst := requestsPerMin / 10
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, clientTTL),
		rate:     rate.Limit(float64(requestsPerMin) / 60.0),
		burst:    burst,
	}
}

// allow reports whether a request from key may proceed.
func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters.Add(key, limiter)
	}
	rl.mu.Unlock()

	return limiter.Allow()
}

// middleware rejects clients over their budget with 429. Clients are keyed by
// RemoteAddr, which middleware.RealIP rewrites only when trust_proxy_headers
// is set.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
