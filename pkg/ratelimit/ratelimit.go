package ratelimit

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/verisol/verify-api/pkg/models"
	"golang.org/x/time/rate"
)

// KeyedLimiter applies a per-key (typically per-IP) rate limit
type KeyedLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
}

// NewKeyedLimiter creates a per-key limiter.
// rps: requests per second per key; burst: maximum burst size per key.
func NewKeyedLimiter(rps float64, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *KeyedLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}

// Allow checks if a request under the given key should be admitted
func (l *KeyedLimiter) Allow(key string) bool {
	return l.limiter(key).Allow()
}

// Admission composes a global throughput ceiling with a per-client limit
// for one endpoint category. It holds no reference to the record store;
// rejection happens before any business logic runs.
type Admission struct {
	global    *rate.Limiter
	perIP     *KeyedLimiter
	throttled prometheus.Counter
}

// NewAdmission creates an admission gate.
// globalRPS bounds total throughput for the category; perIPRPS/perIPBurst
// bound each client identity.
func NewAdmission(globalRPS float64, globalBurst int, perIPRPS float64, perIPBurst int) *Admission {
	return &Admission{
		global: rate.NewLimiter(rate.Limit(globalRPS), globalBurst),
		perIP:  NewKeyedLimiter(perIPRPS, perIPBurst),
	}
}

// SetThrottleCounter attaches a counter incremented on every rejection
func (a *Admission) SetThrottleCounter(c prometheus.Counter) {
	a.throttled = c
}

// Middleware rejects excess requests with 429 and the shared error shape
func (a *Admission) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.global.Allow() || !a.perIP.Allow(ClientIP(r)) {
			if a.throttled != nil {
				a.throttled.Inc()
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(models.ErrorResponse{
				Status: models.StatusError,
				Error:  "rate limit exceeded, try again later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the originating client identity from the request
func ClientIP(r *http.Request) string {
	// X-Forwarded-For first (behind proxies); first hop is the client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx > 0 {
		return addr[:idx]
	}
	return addr
}
