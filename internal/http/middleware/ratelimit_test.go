package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsBurstThenRefills(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(1, 2).WithClock(func() time.Time { return now })

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"), "burst exhausted")

	assert.True(t, rl.Allow("10.0.0.2"), "limits are per IP")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("10.0.0.1"), "one token refilled after one second")
	assert.False(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiterEvictsStaleBuckets(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(1, 1).WithClock(func() time.Time { return now })

	require.True(t, rl.Allow("10.0.0.1"))
	now = now.Add(11 * time.Minute)
	rl.evictStale(10 * time.Minute)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.buckets)
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	handler := RateLimit(0.001, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/calls", nil)
	req.Header.Set("X-Real-Ip", "10.0.0.9")

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req)
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
