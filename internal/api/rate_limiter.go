package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultClientRPS is the per-client request budget when none is
// configured.
const DefaultClientRPS = 20

// ClientRateLimiter throttles API requests per calling client. This guards
// the ops API itself; account-level throttling is the token bucket
// limiter's job.
type ClientRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	limit     rate.Limit
	burstSize int
}

// NewClientRateLimiter creates a new per-client rate limiter.
func NewClientRateLimiter(rps int) *ClientRateLimiter {
	if rps <= 0 {
		rps = DefaultClientRPS
	}
	return &ClientRateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		limit:     rate.Limit(rps),
		burstSize: 2 * rps,
	}
}

// getLimiter returns the rate limiter for a specific client.
func (rl *ClientRateLimiter) getLimiter(clientID string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[clientID]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check in case another goroutine created it
	if limiter, exists := rl.limiters[clientID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.limit, rl.burstSize)
	rl.limiters[clientID] = limiter

	return limiter
}

// RateLimitMiddleware creates a middleware that enforces per-client rate
// limiting. Clients identify themselves with X-Client-ID; anonymous
// callers are keyed by remote address.
func RateLimitMiddleware(rl *ClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := r.Header.Get("X-Client-ID")
			if clientID == "" {
				clientID = r.RemoteAddr
			}

			limiter := rl.getLimiter(clientID)
			if !limiter.Allow() {
				respondError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded. Please try again later.", map[string]interface{}{
					"limit": limiter.Limit(),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
