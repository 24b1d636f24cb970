package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/Rrens/social-inbox/internal/api/response"
	"github.com/Rrens/social-inbox/internal/config"
	"github.com/Rrens/social-inbox/internal/security"
	"github.com/Rrens/social-inbox/internal/webhook"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const maxWebhookBody = 1 << 20

// WebhookReceiver ingests a raw platform delivery
type WebhookReceiver interface {
	Handle(ctx context.Context, platform string, body []byte) (webhook.Stats, error)
}

// WebhookHandler handles platform webhook subscriptions and deliveries
type WebhookHandler struct {
	receiver WebhookReceiver
	cfg      config.WebhookConfig
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(receiver WebhookReceiver, cfg config.WebhookConfig) *WebhookHandler {
	return &WebhookHandler{receiver: receiver, cfg: cfg}
}

// Verify answers the platform's subscription handshake
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	if !webhook.SupportedPlatform(chi.URLParam(r, "platform")) {
		response.NotFound(w, "unsupported platform")
		return
	}

	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.cfg.VerifyToken == "" || q.Get("hub.verify_token") != h.cfg.VerifyToken {
		response.Forbidden(w, "verification failed")
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, q.Get("hub.challenge"))
}

// Receive accepts a delivery. Once the signature checks out the platform always
// gets 200, otherwise it would keep redelivering events we already dropped.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	if !webhook.SupportedPlatform(platform) {
		response.NotFound(w, "unsupported platform")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		response.Error(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	if secret := h.cfg.AppSecret(platform); secret != "" {
		if err := security.VerifySignature(secret, body, r.Header.Get(security.SignatureHeader)); err != nil {
			log.Warn().Str("platform", platform).Msg("Rejected webhook with invalid signature")
			response.Forbidden(w, err.Error())
			return
		}
	}

	stats, err := h.receiver.Handle(r.Context(), platform, body)
	if err != nil {
		log.Warn().Err(err).Str("platform", platform).Msg("Ignoring unparseable webhook body")
	}

	response.OK(w, stats)
}
