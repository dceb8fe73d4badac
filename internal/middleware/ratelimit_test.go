package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/telemetry"
)

func TestRateLimiter(t *testing.T) {
	metrics := telemetry.NewMetrics()
	rl, err := NewRateLimiter(0.001, 2, 16, metrics)
	require.NoError(t, err)
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	bearer := func(tok string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/twitter/tweets", nil)
		r.Header.Set("Authorization", "Bearer "+tok)
		return r
	}

	assert.Equal(t, http.StatusOK, serve(h, bearer("a")).Code)
	assert.Equal(t, http.StatusOK, serve(h, bearer("a")).Code)
	rec := serve(h, bearer("a"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, serve(h, bearer("b")).Code, "limits are per token")

	r := httptest.NewRequest(http.MethodGet, "/twitter/tweets", nil)
	r.RemoteAddr = "198.51.100.1:1234"
	assert.Equal(t, http.StatusOK, serve(h, r).Code, "anonymous clients are keyed by IP")

	expected := `
# HELP teeproxy_rate_limited_requests_total Requests rejected by the per-client rate limiter.
# TYPE teeproxy_rate_limited_requests_total counter
teeproxy_rate_limited_requests_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "teeproxy_rate_limited_requests_total"))
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:443"
	assert.Equal(t, "ip:203.0.113.9", clientKey(r))

	r.Header.Set("Authorization", "Bearer secret")
	key := clientKey(r)
	assert.NotContains(t, key, "secret")
	assert.Contains(t, key, "token:")
}
