package ratelimit

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/raphael-dev/raphael/internal/model"
)

// KeyFunc extracts the rate limit key from a request. Returns empty string
// to skip rate limiting for this request (e.g., admin).
type KeyFunc func(r *http.Request) string

// Middleware returns HTTP middleware that enforces a rate limit. keyFunc
// determines the identifier to limit by; prefix namespaces the bucket per
// route class. A nil limiter passes everything through. Limiter errors fail
// open.
func Middleware(limiter Limiter, prefix string, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), prefix+":"+key)
			if err != nil || allowed {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(model.APIError{
				Error: model.ErrorDetail{
					Code:    model.ErrCodeRateLimited,
					Message: "too many requests",
				},
			})
		})
	}
}

// IPKeyFunc extracts the client IP from the request for rate limiting.
// Uses RemoteAddr only. X-Forwarded-For is not trusted because the server
// may not be behind a reverse proxy that sanitizes the header, and any
// client can set an arbitrary value to bypass rate limiting.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
