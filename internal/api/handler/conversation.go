package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Rrens/social-inbox/internal/api/middleware"
	"github.com/Rrens/social-inbox/internal/api/response"
	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/Rrens/social-inbox/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ConversationService is the admin surface over one conversation
type ConversationService interface {
	Get(ctx context.Context, userID uuid.UUID, key domain.ConversationKey) (*domain.Participant, error)
	ResolveResponder(ctx context.Context, userID uuid.UUID, key domain.ConversationKey) (service.Decision, error)
	GetEnrollmentState(ctx context.Context, userID uuid.UUID, key domain.ConversationKey) ([]domain.EnrollmentState, error)
	UpdateAISettings(ctx context.Context, userID uuid.UUID, key domain.ConversationKey, input domain.AISettingsUpdate) (*domain.ConversationAISettings, error)
	ClearTakeover(ctx context.Context, userID uuid.UUID, key domain.ConversationKey) error
}

// ConversationHandler handles conversation endpoints
type ConversationHandler struct {
	conversations ConversationService
}

// NewConversationHandler creates a new conversation handler
func NewConversationHandler(conversations ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

// Get returns the participant behind a conversation key
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, key, ok := conversationParams(w, r)
	if !ok {
		return
	}

	participant, err := h.conversations.Get(r.Context(), userID, key)
	if err != nil {
		serviceError(w, r, err)
		return
	}

	response.OK(w, participant)
}

// Responder reports which responder would answer the conversation now
func (h *ConversationHandler) Responder(w http.ResponseWriter, r *http.Request) {
	userID, key, ok := conversationParams(w, r)
	if !ok {
		return
	}

	decision, err := h.conversations.ResolveResponder(r.Context(), userID, key)
	if err != nil {
		serviceError(w, r, err)
		return
	}

	response.OK(w, decision)
}

// Enrollment lists the conversation's funnel enrollments
func (h *ConversationHandler) Enrollment(w http.ResponseWriter, r *http.Request) {
	userID, key, ok := conversationParams(w, r)
	if !ok {
		return
	}

	states, err := h.conversations.GetEnrollmentState(r.Context(), userID, key)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	if states == nil {
		states = []domain.EnrollmentState{}
	}

	response.OK(w, states)
}

// UpdateAISettings changes the conversation override
func (h *ConversationHandler) UpdateAISettings(w http.ResponseWriter, r *http.Request) {
	userID, key, ok := conversationParams(w, r)
	if !ok {
		return
	}

	var input domain.AISettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	if err := validate.Struct(input); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	settings, err := h.conversations.UpdateAISettings(r.Context(), userID, key, input)
	if err != nil {
		serviceError(w, r, err)
		return
	}

	response.OK(w, settings)
}

// ClearTakeover hands the conversation back to automation
func (h *ConversationHandler) ClearTakeover(w http.ResponseWriter, r *http.Request) {
	userID, key, ok := conversationParams(w, r)
	if !ok {
		return
	}

	if err := h.conversations.ClearTakeover(r.Context(), userID, key); err != nil {
		serviceError(w, r, err)
		return
	}

	response.NoContent(w)
}

func conversationParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, domain.ConversationKey, bool) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return uuid.Nil, "", false
	}

	key := chi.URLParam(r, "key")
	if key == "" {
		response.BadRequest(w, "missing conversation key")
		return uuid.Nil, "", false
	}

	return userID, domain.ConversationKey(key), true
}
