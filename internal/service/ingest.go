package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Rrens/social-inbox/internal/config"
	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/Rrens/social-inbox/internal/llm"
	"github.com/Rrens/social-inbox/internal/metrics"
	"github.com/Rrens/social-inbox/internal/trigger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RawEvent is an inbound platform event already normalized by the webhook layer
type RawEvent struct {
	ExternalMessageID     string             `json:"external_message_id" validate:"max=255"`
	ExternalParticipantID string             `json:"external_participant_id"`
	Direction             domain.Direction   `json:"direction" validate:"omitempty,oneof=incoming outgoing"`
	Body                  string             `json:"body" validate:"max=20000"`
	Attachment            *domain.Attachment `json:"attachment,omitempty"`
	DisplayName           string             `json:"display_name,omitempty" validate:"max=255"`
	Handle                string             `json:"handle,omitempty" validate:"max=255"`
	AvatarURL             string             `json:"avatar_url,omitempty" validate:"omitempty,url"`
	Timestamp             time.Time          `json:"timestamp"`
	Sentiment             map[string]float64 `json:"sentiment,omitempty"`
}

// IngestResult describes what the pipeline did with one event
type IngestResult struct {
	ConversationKey domain.ConversationKey `json:"conversation_key"`
	Message         *domain.Message        `json:"message,omitempty"`
	Duplicate       bool                   `json:"duplicate"`
	EnrollmentID    *int64                 `json:"enrollment_id,omitempty"`
	Decision        *Decision              `json:"decision,omitempty"`
	Reply           *domain.Message        `json:"reply,omitempty"`
}

// ReplyGenerator produces bot replies
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, bot *domain.AIBot, history []domain.Message) (string, error)
}

// Pipeline is the single entry point for inbound messages
type Pipeline struct {
	identity   *IdentityResolver
	messages   domain.MessageRepository
	tags       domain.TagRepository
	engine     *FunnelEngine
	resolver   *AutomationResolver
	responder  ReplyGenerator
	dispatcher *Dispatcher
	locks      *KeyLocker
	validate   *validator.Validate
	cfg        config.AutomationConfig
	now        func() time.Time
}

// NewPipeline creates a new ingestion pipeline
func NewPipeline(
	identity *IdentityResolver,
	messages domain.MessageRepository,
	tags domain.TagRepository,
	engine *FunnelEngine,
	resolver *AutomationResolver,
	responder ReplyGenerator,
	dispatcher *Dispatcher,
	locks *KeyLocker,
	cfg config.AutomationConfig,
) *Pipeline {
	return &Pipeline{
		identity:   identity,
		messages:   messages,
		tags:       tags,
		engine:     engine,
		resolver:   resolver,
		responder:  responder,
		dispatcher: dispatcher,
		locks:      locks,
		validate:   validator.New(),
		cfg:        cfg,
		now:        time.Now,
	}
}

// Ingest persists one inbound event and runs automation for it. Everything
// after identity resolution happens under the conversation lock, so two
// events of one conversation never resolve automation concurrently.
// Duplicates are reported in the result, not as an error.
func (p *Pipeline) Ingest(ctx context.Context, platform string, workspaceID uuid.UUID, ev RawEvent) (*IngestResult, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))

	if err := p.validate.Struct(ev); err != nil {
		metrics.RecordIngest(platform, string(ev.Direction), "invalid")
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	if ev.Direction == "" {
		ev.Direction = domain.DirectionIncoming
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}

	key, err := DeriveKey(platform, workspaceID, ev.ExternalParticipantID)
	if err != nil {
		metrics.RecordIngest(platform, string(ev.Direction), "invalid_identity")
		log.Warn().Err(err).
			Str("platform", platform).
			Str("workspace_id", workspaceID.String()).
			Str("external_message_id", ev.ExternalMessageID).
			Msg("dropping message without participant identity")
		return nil, err
	}

	unlock := p.locks.Lock(key)
	defer unlock()

	participant, _, err := p.identity.Resolve(ctx, platform, workspaceID, ev.ExternalParticipantID, domain.ParticipantProfile{
		DisplayName: ev.DisplayName,
		Handle:      ev.Handle,
		AvatarURL:   ev.AvatarURL,
	}, ev.Timestamp)
	if err != nil {
		metrics.RecordIngest(platform, string(ev.Direction), "error")
		return nil, err
	}

	msg := &domain.Message{
		ID:                uuid.New(),
		ConversationKey:   key,
		WorkspaceID:       workspaceID,
		Platform:          platform,
		ExternalMessageID: strings.TrimSpace(ev.ExternalMessageID),
		Direction:         ev.Direction,
		Source:            domain.SourcePlatform,
		Body:              ev.Body,
		Attachment:        ev.Attachment,
		CreatedAt:         ev.Timestamp,
	}

	result := &IngestResult{ConversationKey: key}
	if err := p.messages.Append(ctx, msg); err != nil {
		if errors.Is(err, domain.ErrDuplicateMessage) {
			metrics.RecordIngest(platform, string(ev.Direction), "duplicate")
			log.Debug().
				Str("conversation_key", key.String()).
				Str("external_message_id", msg.ExternalMessageID).
				Msg("duplicate delivery ignored")
			result.Duplicate = true
			return result, nil
		}
		metrics.RecordIngest(platform, string(ev.Direction), "error")
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	metrics.RecordIngest(platform, string(ev.Direction), "persisted")
	result.Message = msg

	p.dispatcher.Publish(ctx, msg)

	// echoes of messages sent from the page never drive automation
	if msg.Direction != domain.DirectionIncoming {
		return result, nil
	}

	in, err := p.triggerInput(ctx, key, ev)
	if err != nil {
		return result, err
	}

	p.automate(ctx, participant, in, result)
	return result, nil
}

func (p *Pipeline) triggerInput(ctx context.Context, key domain.ConversationKey, ev RawEvent) (trigger.Input, error) {
	count, err := p.messages.CountByConversation(ctx, key)
	if err != nil {
		return trigger.Input{}, fmt.Errorf("failed to count messages: %w", err)
	}
	tags, err := p.tags.List(ctx, key)
	if err != nil {
		return trigger.Input{}, fmt.Errorf("failed to list tags: %w", err)
	}
	return trigger.Input{
		Body:            ev.Body,
		ReceivedAt:      ev.Timestamp,
		Sentiment:       trigger.NormalizeSentiment(ev.Sentiment),
		NewConversation: count == 1,
		Tags:            tags,
	}, nil
}

// automate runs funnel enrollment, funnel re-evaluation and responder
// resolution. Failures degrade automation for this message only.
func (p *Pipeline) automate(ctx context.Context, participant *domain.Participant, in trigger.Input, result *IngestResult) {
	key := participant.ConversationKey

	var enrolledID int64
	enr, err := p.engine.Enroll(ctx, participant, in)
	if err != nil {
		log.Error().Err(err).Str("conversation_key", key.String()).Msg("funnel enrollment failed")
	}
	if enr != nil {
		enrolledID = enr.ID
		result.EnrollmentID = &enrolledID
	}

	if err := p.engine.OnInbound(ctx, participant, enrolledID); err != nil {
		log.Error().Err(err).Str("conversation_key", key.String()).Msg("funnel re-evaluation failed")
	}

	decision, err := p.resolver.Resolve(ctx, participant, in)
	if err != nil {
		log.Error().Err(err).Str("conversation_key", key.String()).Msg("responder resolution failed")
		return
	}
	result.Decision = &decision
	if !decision.UseBot() {
		return
	}

	// at most one automated reply per inbound event
	reply, err := p.reply(ctx, participant, decision)
	if err != nil {
		log.Warn().Err(err).
			Str("conversation_key", key.String()).
			Int64("bot_id", decision.BotID).
			Str("source", decision.Source).
			Msg("bot reply skipped")
		return
	}
	result.Reply = reply
}

func (p *Pipeline) reply(ctx context.Context, participant *domain.Participant, decision Decision) (*domain.Message, error) {
	bot := decision.Bot

	if delay := p.responseDelay(bot); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	window := bot.ContextWindowMessages
	if window <= 0 {
		window = domain.DefaultBotContextWindow
	}
	history, err := p.messages.ListRecent(ctx, participant.ConversationKey, window)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	text, err := p.responder.GenerateReply(ctx, bot, history)
	if err != nil {
		return nil, err
	}

	botID := bot.ID
	msg, err := p.dispatcher.Deliver(ctx, participant, Outgoing{
		Body:         text,
		Source:       domain.SourceBot,
		BotID:        &botID,
		EnrollmentID: decision.EnrollmentID,
	})
	if err != nil {
		return nil, err
	}

	if decision.EnrollmentID != nil {
		if err := p.engine.RecordAIReply(ctx, *decision.EnrollmentID); err != nil {
			log.Error().Err(err).Int64("enrollment_id", *decision.EnrollmentID).Msg("failed to count funnel bot reply")
		}
	}
	return msg, nil
}

func (p *Pipeline) responseDelay(bot *domain.AIBot) time.Duration {
	delay := time.Duration(bot.ResponseDelaySeconds) * time.Second
	if p.cfg.MaxResponseDelay > 0 && delay > p.cfg.MaxResponseDelay {
		delay = p.cfg.MaxResponseDelay
	}
	return delay
}

var _ ReplyGenerator = (*llm.Responder)(nil)
