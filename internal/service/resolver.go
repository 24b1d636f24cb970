package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/Rrens/social-inbox/internal/metrics"
	"github.com/Rrens/social-inbox/internal/trigger"
	"github.com/rs/zerolog/log"
)

// Decision kinds
const (
	DecisionNoResponse = "no_response"
	DecisionUseBot     = "use_bot"
)

// Decision sources, in cascade order
const (
	SourceOverride         = "override"
	SourceFunnel           = "funnel"
	SourceWorkspaceDefault = "workspace_default"
)

// Reasons attached to a NoResponse decision
const (
	ReasonHumanTakeover   = "human_takeover"
	ReasonNoBot           = "no_bot"
	ReasonTriggerMismatch = "trigger_mismatch"
	ReasonBotMessageCap   = "bot_message_cap"
)

// Decision is the outcome of responder resolution
type Decision struct {
	Kind         string        `json:"decision"`
	BotID        int64         `json:"bot_id,omitempty"`
	Source       string        `json:"source,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	EnrollmentID *int64        `json:"enrollment_id,omitempty"`
	Bot          *domain.AIBot `json:"-"`
}

// UseBot reports whether a bot was selected
func (d Decision) UseBot() bool {
	return d.Kind == DecisionUseBot
}

func noResponse(source, reason string, botID int64) Decision {
	return Decision{Kind: DecisionNoResponse, Source: source, Reason: reason, BotID: botID}
}

// AIResponseConfig is the config of an ai_response funnel step
type AIResponseConfig struct {
	BotID       int64 `json:"bot_id"`
	MaxMessages int   `json:"max_messages"`
}

// ParseAIResponseConfig decodes and validates an ai_response step config
func ParseAIResponseConfig(raw json.RawMessage) (AIResponseConfig, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var cfg AIResponseConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: ai_response: %v", domain.ErrMalformedStepConfig, err)
	}
	if cfg.BotID <= 0 {
		return cfg, fmt.Errorf("%w: ai_response: bot_id is required", domain.ErrMalformedStepConfig)
	}
	if cfg.MaxMessages < 0 {
		return cfg, fmt.Errorf("%w: ai_response: max_messages must not be negative", domain.ErrMalformedStepConfig)
	}
	return cfg, nil
}

// capReached reports whether the enrollment used up the step's reply budget
func (c AIResponseConfig) capReached(e *domain.FunnelEnrollment) bool {
	return c.MaxMessages > 0 && e.Metadata.Int(domain.MetaAIReplies) >= c.MaxMessages
}

// AutomationResolver picks the automated responder for a conversation using
// the fixed cascade conversation override > funnel ai_response step >
// workspace default. The chosen bot's triggers gate the reply.
type AutomationResolver struct {
	participants domain.ParticipantRepository
	messages     domain.MessageRepository
	settings     domain.SettingsRepository
	bots         domain.BotRepository
	funnels      domain.FunnelRepository
	enrollments  domain.EnrollmentRepository
	tags         domain.TagRepository
}

// NewAutomationResolver creates a new automation resolver
func NewAutomationResolver(
	participants domain.ParticipantRepository,
	messages domain.MessageRepository,
	settings domain.SettingsRepository,
	bots domain.BotRepository,
	funnels domain.FunnelRepository,
	enrollments domain.EnrollmentRepository,
	tags domain.TagRepository,
) *AutomationResolver {
	return &AutomationResolver{
		participants: participants,
		messages:     messages,
		settings:     settings,
		bots:         bots,
		funnels:      funnels,
		enrollments:  enrollments,
		tags:         tags,
	}
}

// ResolveResponder evaluates the cascade against the latest incoming message
// of the conversation. It has no side effects.
func (r *AutomationResolver) ResolveResponder(ctx context.Context, key domain.ConversationKey) (Decision, error) {
	p, err := r.participants.Get(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to get participant: %w", err)
	}
	if p == nil {
		return Decision{}, domain.ErrNotFound
	}

	in := trigger.Input{ReceivedAt: time.Now()}
	latest, err := r.messages.LatestIncoming(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to get latest message: %w", err)
	}
	if latest != nil {
		in.Body = latest.Body
		in.ReceivedAt = latest.CreatedAt
	}

	count, err := r.messages.CountByConversation(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count messages: %w", err)
	}
	in.NewConversation = count == 1

	if in.Tags, err = r.tags.List(ctx, key); err != nil {
		return Decision{}, fmt.Errorf("failed to list tags: %w", err)
	}

	return r.Resolve(ctx, p, in)
}

// Resolve runs the cascade for a participant and an already built trigger input
func (r *AutomationResolver) Resolve(ctx context.Context, p *domain.Participant, in trigger.Input) (Decision, error) {
	decision, err := r.resolve(ctx, p, in)
	if err != nil {
		return Decision{}, err
	}

	label := decision.Source
	if !decision.UseBot() {
		label = "none"
	}
	metrics.ResponderDecisions.WithLabelValues(label).Inc()

	log.Debug().
		Str("conversation_key", p.ConversationKey.String()).
		Str("decision", decision.Kind).
		Str("source", decision.Source).
		Str("reason", decision.Reason).
		Int64("bot_id", decision.BotID).
		Msg("responder resolved")

	return decision, nil
}

func (r *AutomationResolver) resolve(ctx context.Context, p *domain.Participant, in trigger.Input) (Decision, error) {
	key := p.ConversationKey

	settings, err := r.settings.Get(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to get ai settings: %w", err)
	}
	if settings != nil && settings.HumanTakeover {
		return noResponse("", ReasonHumanTakeover, 0), nil
	}

	// 1. conversation override
	if settings != nil && settings.AssignedBotID != nil && settings.AIEnabled {
		bot, err := r.activeBot(ctx, *settings.AssignedBotID)
		if err != nil {
			return Decision{}, err
		}
		if bot != nil {
			return r.gate(ctx, key, Decision{Kind: DecisionUseBot, Source: SourceOverride, BotID: bot.ID, Bot: bot}, in)
		}
		log.Warn().
			Str("conversation_key", key.String()).
			Int64("bot_id", *settings.AssignedBotID).
			Msg("assigned bot missing or inactive, falling through")
	}

	// 2. funnel ai_response step
	decision, ok, err := r.funnelBot(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		return r.gate(ctx, key, decision, in)
	}

	// 3. workspace default
	bot, err := r.bots.GetWorkspaceDefault(ctx, p.WorkspaceID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to get workspace default bot: %w", err)
	}
	if bot != nil && bot.IsActive && bot.AutoRespond {
		return r.gate(ctx, key, Decision{Kind: DecisionUseBot, Source: SourceWorkspaceDefault, BotID: bot.ID, Bot: bot}, in)
	}

	return noResponse("", ReasonNoBot, 0), nil
}

// funnelBot finds an active enrollment sitting on an ai_response step whose
// reply budget is not exhausted. Higher priority funnels are checked first.
func (r *AutomationResolver) funnelBot(ctx context.Context, key domain.ConversationKey) (Decision, bool, error) {
	active, err := r.enrollments.ListActive(ctx, key)
	if err != nil {
		return Decision{}, false, fmt.Errorf("failed to list active enrollments: %w", err)
	}

	var (
		best         Decision
		found        bool
		bestPriority int
		bestFunnelID int64
	)
	for i := range active {
		e := &active[i]

		f, err := r.funnels.Get(ctx, e.FunnelID)
		if err != nil {
			return Decision{}, false, fmt.Errorf("failed to get funnel: %w", err)
		}
		if f == nil {
			continue
		}

		step := f.Step(e.CurrentStep)
		if step == nil || step.Type != domain.StepAIResponse {
			continue
		}

		cfg, err := ParseAIResponseConfig(step.Config)
		if err != nil {
			log.Error().Err(err).
				Int64("enrollment_id", e.ID).
				Int64("step_id", step.ID).
				Msg("skipping malformed ai_response step")
			continue
		}
		if cfg.capReached(e) {
			continue
		}

		bot, err := r.activeBot(ctx, cfg.BotID)
		if err != nil {
			return Decision{}, false, err
		}
		if bot == nil {
			continue
		}

		if found && (f.Priority < bestPriority || f.Priority == bestPriority && f.ID > bestFunnelID) {
			continue
		}

		enrollmentID := e.ID
		best = Decision{
			Kind:         DecisionUseBot,
			Source:       SourceFunnel,
			BotID:        bot.ID,
			Bot:          bot,
			EnrollmentID: &enrollmentID,
		}
		bestPriority = f.Priority
		bestFunnelID = f.ID
		found = true
	}

	return best, found, nil
}

func (r *AutomationResolver) activeBot(ctx context.Context, id int64) (*domain.AIBot, error) {
	bot, err := r.bots.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get bot %d: %w", id, err)
	}
	if bot == nil || !bot.IsActive {
		return nil, nil
	}
	return bot, nil
}

// gate applies the selected bot's triggers and per-conversation reply cap
func (r *AutomationResolver) gate(ctx context.Context, key domain.ConversationKey, d Decision, in trigger.Input) (Decision, error) {
	if !trigger.Gate(d.Bot.Triggers, in) {
		return noResponse(d.Source, ReasonTriggerMismatch, d.BotID), nil
	}

	if limit := d.Bot.MaxMessagesPerConversation; limit != nil && *limit > 0 {
		sent, err := r.messages.CountBotReplies(ctx, key, d.BotID)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to count bot replies: %w", err)
		}
		if sent >= *limit {
			return noResponse(d.Source, ReasonBotMessageCap, d.BotID), nil
		}
	}

	return d, nil
}
