package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/Rrens/social-inbox/internal/api/response"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Limiter is a per-key request limiter
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, int, time.Time, error)
}

// RateLimitMiddleware throttles requests by a key derived from the request
type RateLimitMiddleware struct {
	limiter Limiter
	keyFunc func(r *http.Request) string
}

// NewRateLimitMiddleware limits authenticated requests per user
func NewRateLimitMiddleware(limiter Limiter) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter, keyFunc: func(r *http.Request) string {
		if id, ok := GetUserID(r.Context()); ok {
			return id.String()
		}
		return ""
	}}
}

// NewPlatformRateLimitMiddleware limits webhook deliveries per platform
func NewPlatformRateLimitMiddleware(limiter Limiter) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter, keyFunc: func(r *http.Request) string {
		return chi.URLParam(r, "platform")
	}}
}

// Limit rejects with 429 once the key is over budget. A limiter error lets
// the request through.
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.keyFunc(r)
		if key == "" {
			response.Unauthorized(w, "unauthorized")
			return
		}

		allowed, remaining, reset, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", reset.UTC().Format(time.RFC3339))
		if !allowed {
			h.Set("Retry-After", strconv.Itoa(retryAfter(reset)))
			response.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func retryAfter(reset time.Time) int {
	secs := int(time.Until(reset).Round(time.Second) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
