package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/Rrens/social-inbox/internal/metrics"
	"github.com/Rrens/social-inbox/internal/realtime"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Sender delivers an outgoing message to the participant's platform
type Sender interface {
	Send(ctx context.Context, p *domain.Participant, m *domain.Message) error
}

// Publisher fans an event out to a user's live sessions
type Publisher interface {
	Publish(userID uuid.UUID, event realtime.Event) int
}

// OwnerResolver returns the user who receives live updates for a workspace
type OwnerResolver interface {
	OwnerID(ctx context.Context, workspaceID uuid.UUID) (uuid.UUID, error)
}

// LogSender only logs outgoing messages. Platform delivery needs page access
// tokens owned by the account linking flow.
type LogSender struct{}

// Send implements Sender
func (LogSender) Send(_ context.Context, p *domain.Participant, m *domain.Message) error {
	log.Info().
		Str("conversation_key", p.ConversationKey.String()).
		Str("platform", p.Platform).
		Str("source", string(m.Source)).
		Msg("outgoing message queued for platform delivery")
	return nil
}

// Dispatcher persists messages, hands outgoing ones to the platform sender
// and publishes them to the workspace owner's live sessions
type Dispatcher struct {
	messages  domain.MessageRepository
	sender    Sender
	publisher Publisher
	owners    OwnerResolver
	now       func() time.Time
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(messages domain.MessageRepository, sender Sender, publisher Publisher, owners OwnerResolver) *Dispatcher {
	if sender == nil {
		sender = LogSender{}
	}
	return &Dispatcher{
		messages:  messages,
		sender:    sender,
		publisher: publisher,
		owners:    owners,
		now:       time.Now,
	}
}

// Outgoing describes an automated message about to be sent
type Outgoing struct {
	Body         string
	Source       domain.MessageSource
	BotID        *int64
	EnrollmentID *int64
}

// Deliver persists an automated outgoing message, sends it and publishes it
func (d *Dispatcher) Deliver(ctx context.Context, p *domain.Participant, out Outgoing) (*domain.Message, error) {
	msg := &domain.Message{
		ID:              uuid.New(),
		ConversationKey: p.ConversationKey,
		WorkspaceID:     p.WorkspaceID,
		Platform:        p.Platform,
		Direction:       domain.DirectionOutgoing,
		Source:          out.Source,
		Body:            out.Body,
		BotID:           out.BotID,
		EnrollmentID:    out.EnrollmentID,
		CreatedAt:       d.now(),
	}

	if err := d.messages.Append(ctx, msg); err != nil {
		metrics.RecordIngest(p.Platform, string(msg.Direction), "error")
		return nil, fmt.Errorf("failed to persist outgoing message: %w", err)
	}
	metrics.RecordIngest(p.Platform, string(msg.Direction), "persisted")

	if err := d.sender.Send(ctx, p, msg); err != nil {
		log.Error().Err(err).
			Str("conversation_key", p.ConversationKey.String()).
			Str("message_id", msg.ID.String()).
			Msg("failed to send outgoing message")
	}

	d.Publish(ctx, msg)
	return msg, nil
}

// Publish sends a new_message event to the workspace owner. Failures are
// logged only; clients reconcile through the REST history on reconnect.
func (d *Dispatcher) Publish(ctx context.Context, msg *domain.Message) {
	if d.publisher == nil || d.owners == nil {
		return
	}

	ownerID, err := d.owners.OwnerID(ctx, msg.WorkspaceID)
	if err != nil {
		log.Warn().Err(err).
			Str("workspace_id", msg.WorkspaceID.String()).
			Msg("cannot resolve workspace owner, live update skipped")
		return
	}

	delivered := d.publisher.Publish(ownerID, realtime.NewMessageEvent(msg))
	log.Debug().
		Str("conversation_key", msg.ConversationKey.String()).
		Int("sessions", delivered).
		Msg("published message event")
}
