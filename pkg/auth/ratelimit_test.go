package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/discloser/pkg/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestRateLimitMiddleware_OverLimit(t *testing.T) {
	mw := auth.RateLimitMiddleware(auth.NewMemoryLimiterStore(), auth.LimitPolicy{RatePerSecond: 0.5, Burst: 1})
	handler := mw(okHandler())

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/api/cases", nil))
	assert.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/api/cases", nil))
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
	assert.Equal(t, "2", w2.Header().Get("Retry-After"))
}

func TestRateLimitMiddleware_KeysByPrincipal(t *testing.T) {
	handler := auth.RateLimitMiddleware(auth.NewMemoryLimiterStore(), auth.LimitPolicy{RatePerSecond: 0.1, Burst: 1})(okHandler())

	do := func(id string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/cases", nil)
		req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.BasePrincipal{ID: id, OrganizationID: "org"}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("alice"))
	assert.Equal(t, http.StatusOK, do("bob"), "separate bucket per principal")
	assert.Equal(t, http.StatusTooManyRequests, do("alice"))
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, auth.LimitPolicy, int) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	for _, store := range []auth.LimiterStore{nil, failingStore{}} {
		w := httptest.NewRecorder()
		auth.RateLimitMiddleware(store, auth.LimitPolicy{RatePerSecond: 1, Burst: 1})(okHandler()).
			ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/cases", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestMemoryLimiterStore_Sweep(t *testing.T) {
	s := auth.NewMemoryLimiterStore()
	_, _ = s.Allow(context.Background(), "a", auth.LimitPolicy{}, 1)
	assert.Equal(t, 0, s.Sweep(time.Hour))
	assert.Equal(t, 1, s.Sweep(-time.Second))
}

func TestRedisLimiterStore_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	s := auth.NewRedisLimiterStore(client)
	key := "test-" + time.Now().Format(time.RFC3339Nano)
	policy := auth.LimitPolicy{RatePerSecond: 0.01, Burst: 2}

	for i, want := range []bool{true, true, false} {
		got, err := s.Allow(context.Background(), key, policy, 1)
		assert.NoError(t, err)
		assert.Equal(t, want, got, "request %d", i)
	}
}
