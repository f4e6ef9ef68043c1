package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ardzix/masjid-display-service/internal/metrics"
	"github.com/ardzix/masjid-display-service/pkg/protocol"
)

// CallerFromContext extracts the caller key from the request context.
// This function type allows decoupling from the auth package.
type CallerFromContext func(ctx context.Context) (key string, ok bool)

// RateLimitMiddleware returns middleware that enforces per-caller rate limits.
func RateLimitMiddleware(limiter *RateLimiter, caller CallerFromContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := caller(r.Context())
			if !ok {
				// No caller context (unauthenticated request) - let it pass
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(key) {
				metrics.RecordRateLimitHit()
				w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(key)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(protocol.ErrorResponse{
					Error: "rate limit exceeded",
					Code:  http.StatusTooManyRequests,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
