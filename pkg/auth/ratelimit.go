package auth

import (
	"log/slog"
	"math"
	"net"
	"net/http"

	"github.com/Mindburn-Labs/discloser/pkg/api"
)

// RateLimitMiddleware enforces per-caller limits. Authenticated callers are
// keyed by organization and subject, anonymous ones by remote IP.
func RateLimitMiddleware(store LimiterStore, policy LimitPolicy) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "ratelimit")
	retryAfter := int(math.Ceil(1 / policy.rate()))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := "ip:" + clientIP(r)
			if p, err := GetPrincipal(r.Context()); err == nil {
				key = "principal:" + p.GetOrganizationID() + "/" + p.GetID()
			}

			allowed, err := store.Allow(r.Context(), key, policy, 1)
			if err != nil {
				// Fail open on limiter errors.
				logger.Warn("limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				api.WriteTooManyRequests(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
