package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/Rrens/social-inbox/internal/api/middleware"
	"github.com/Rrens/social-inbox/internal/api/response"
	"github.com/Rrens/social-inbox/internal/metrics"
	"github.com/Rrens/social-inbox/internal/security"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TokenValidator validates access tokens
type TokenValidator interface {
	ValidateAccessToken(token string) (*security.Claims, error)
}

// Limiter is a per-key request limiter
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, int, time.Time, error)
}

// SessionServer upgrades a request into a live session and blocks until it ends
type SessionServer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID uuid.UUID) error
}

// LiveHandler opens the live channel for inbox agents
type LiveHandler struct {
	tokens   TokenValidator
	limiter  Limiter
	sessions SessionServer
}

// NewLiveHandler creates a new live channel handler. limiter may be nil.
func NewLiveHandler(tokens TokenValidator, limiter Limiter, sessions SessionServer) *LiveHandler {
	return &LiveHandler{tokens: tokens, limiter: limiter, sessions: sessions}
}

// Connect handles GET /ws. Browsers cannot set headers on a websocket
// handshake, so the token may also come from the query string.
func (h *LiveHandler) Connect(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = middleware.BearerToken(r)
	}
	if token == "" {
		metrics.SessionsRejected.WithLabelValues("unauthenticated").Inc()
		response.Unauthorized(w, "missing token")
		return
	}

	claims, err := h.tokens.ValidateAccessToken(token)
	if err != nil {
		metrics.SessionsRejected.WithLabelValues("unauthenticated").Inc()
		response.Unauthorized(w, "invalid or expired token")
		return
	}

	if h.limiter != nil {
		allowed, _, _, err := h.limiter.Allow(r.Context(), claims.UserID.String())
		if err != nil {
			log.Warn().Err(err).Msg("Connect rate limiter unavailable")
		} else if !allowed {
			metrics.SessionsRejected.WithLabelValues("rate_limited").Inc()
			response.Error(w, http.StatusTooManyRequests, "too many connection attempts")
			return
		}
	}

	if err := h.sessions.Serve(w, r, claims.UserID); err != nil {
		log.Debug().Err(err).Str("user_id", claims.UserID.String()).Msg("Live session ended with error")
	}
}
