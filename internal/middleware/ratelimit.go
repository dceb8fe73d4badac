package middleware

import (
	"fmt"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/httpx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/iam"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/telemetry"
)

// RateLimiter throttles clients by bearer token, or by IP when no token is
// presented. Limiters of idle clients are evicted from a bounded LRU.
type RateLimiter struct {
	limiters *lru.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
	metrics  *telemetry.Metrics
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst for each client.
func NewRateLimiter(rps float64, burst, cacheSize int, metrics *telemetry.Metrics) (*RateLimiter, error) {
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	if burst <= 0 {
		burst = 1
	}
	cache, err := lru.New[string, *rate.Limiter](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create limiter cache: %w", err)
	}
	return &RateLimiter{limiters: cache, limit: rate.Limit(rps), burst: burst, metrics: metrics}, nil
}

func (l *RateLimiter) limiter(key string) *rate.Limiter {
	if lim, ok := l.limiters.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	if prev, ok, _ := l.limiters.PeekOrAdd(key, lim); ok {
		return prev
	}
	return lim
}

func clientKey(r *http.Request) string {
	req := iam.AuthRequest{Headers: r.Header}
	if tok := req.BearerToken(); tok != "" {
		return "token:" + auth.HashToken(tok)
	}
	return "ip:" + iam.ClientIP(r)
}

// Handler rejects requests over the client's rate with 429.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.limiter(clientKey(r)).Allow() {
			l.metrics.RateLimited()
			w.Header().Set("Retry-After", "1")
			httpx.Detail(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
