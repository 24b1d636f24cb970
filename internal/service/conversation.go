package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ConversationService backs the read-only admin queries and the AI settings surface
type ConversationService struct {
	participants domain.ParticipantRepository
	settings     domain.SettingsRepository
	bots         domain.BotRepository
	workspaces   *WorkspaceService
	resolver     *AutomationResolver
	engine       *FunnelEngine
	validate     *validator.Validate
}

// NewConversationService creates a new conversation service
func NewConversationService(
	participants domain.ParticipantRepository,
	settings domain.SettingsRepository,
	bots domain.BotRepository,
	workspaces *WorkspaceService,
	resolver *AutomationResolver,
	engine *FunnelEngine,
) *ConversationService {
	return &ConversationService{
		participants: participants,
		settings:     settings,
		bots:         bots,
		workspaces:   workspaces,
		resolver:     resolver,
		engine:       engine,
		validate:     validator.New(),
	}
}

// Get returns the participant behind a conversation key after an access check
func (s *ConversationService) Get(ctx context.Context, userID uuid.UUID, key domain.ConversationKey) (*domain.Participant, error) {
	p, err := s.participants.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	if p == nil {
		return nil, domain.ErrNotFound
	}
	if err := s.workspaces.CheckAccess(ctx, userID, p.WorkspaceID); err != nil {
		return nil, err
	}
	return p, nil
}

// ResolveResponder reports which responder would answer the latest incoming message
func (s *ConversationService) ResolveResponder(ctx context.Context, userID uuid.UUID, key domain.ConversationKey) (Decision, error) {
	if _, err := s.Get(ctx, userID, key); err != nil {
		return Decision{}, err
	}
	return s.resolver.ResolveResponder(ctx, key)
}

// GetEnrollmentState lists the conversation's funnel enrollments
func (s *ConversationService) GetEnrollmentState(ctx context.Context, userID uuid.UUID, key domain.ConversationKey) ([]domain.EnrollmentState, error) {
	if _, err := s.Get(ctx, userID, key); err != nil {
		return nil, err
	}
	return s.engine.GetEnrollmentState(ctx, key)
}

// UpdateAISettings sets the conversation override. The funnel pointer and
// takeover flag are owned by the engine and kept as stored.
func (s *ConversationService) UpdateAISettings(ctx context.Context, userID uuid.UUID, key domain.ConversationKey, input domain.AISettingsUpdate) (*domain.ConversationAISettings, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	p, err := s.Get(ctx, userID, key)
	if err != nil {
		return nil, err
	}

	if input.AssignedBotID != nil {
		bot, err := s.bots.Get(ctx, *input.AssignedBotID)
		if err != nil {
			return nil, fmt.Errorf("failed to get bot: %w", err)
		}
		if bot == nil || bot.WorkspaceID != p.WorkspaceID {
			return nil, fmt.Errorf("bot %d: %w", *input.AssignedBotID, domain.ErrNotFound)
		}
	}

	current, err := s.settings.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get ai settings: %w", err)
	}
	if current == nil {
		current = &domain.ConversationAISettings{ConversationKey: key}
	}

	current.AssignedBotID = input.AssignedBotID
	current.AIEnabled = input.AIEnabled
	current.OverrideWorkspaceDefault = input.OverrideWorkspaceDefault
	current.UpdatedAt = time.Now()

	if err := s.settings.Upsert(ctx, current); err != nil {
		return nil, fmt.Errorf("failed to save ai settings: %w", err)
	}

	log.Info().
		Str("conversation_key", key.String()).
		Str("user_id", userID.String()).
		Bool("ai_enabled", current.AIEnabled).
		Msg("conversation ai settings updated")

	return current, nil
}

// ClearTakeover hands the conversation back to automation
func (s *ConversationService) ClearTakeover(ctx context.Context, userID uuid.UUID, key domain.ConversationKey) error {
	if _, err := s.Get(ctx, userID, key); err != nil {
		return err
	}
	return s.engine.ClearTakeover(ctx, key)
}
