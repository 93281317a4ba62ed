package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/fleetdesk/fleetdesk/internal/ratelimit"
)

// ScopedRateLimit runs every request through the scope-aware limiter.
// Denials answer 429 with a Retry-After hint and the scope that
// triggered them. The limiter is keyed by client IP, which assumes the
// RealIP middleware runs earlier in the chain.
func ScopedRateLimit(limiter ratelimit.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := limiter.Check(r.Context(), clientIP(r), r.URL.Path, r.Method)
			if err != nil {
				logger.Error("rate limit check failed", slog.String("error", err.Error()))
				// Fail open: a broken counter store must not take the API down.
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				logger.Warn("request rate limited",
					slog.String("path", r.URL.Path),
					slog.String("scope", decision.Scope),
					slog.Duration("retry_after", decision.RetryAfter))
				retrySeconds := int(decision.RetryAfter / time.Second)
				if retrySeconds < 1 {
					retrySeconds = 1
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(retrySeconds))
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"Rate limit exceeded","scope":"` + decision.Scope + `"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// EdgeRateLimit is a cheap per-IP backstop in front of the scoped
// limiter, useful on auth endpoints where even counting attempts has a
// cost.
func EdgeRateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		1*time.Minute,
		httprate.WithKeyByRealIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"Rate limit exceeded"}`))
		}),
	)
}

func clientIP(r *http.Request) string {
	// RealIP rewrites RemoteAddr without a port; SplitHostPort handles
	// the direct-connection form.
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
