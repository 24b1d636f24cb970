package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/Rrens/social-inbox/internal/service"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// AccountResolver maps a receiving account to its workspace
type AccountResolver interface {
	ResolveAccount(ctx context.Context, platform, externalAccountID string) (*domain.ConnectedAccount, error)
}

// Ingester is the ingestion pipeline entry point
type Ingester interface {
	Ingest(ctx context.Context, platform string, workspaceID uuid.UUID, ev service.RawEvent) (*service.IngestResult, error)
}

// DefaultEventTimeout bounds one event when no timeout is configured
const DefaultEventTimeout = 45 * time.Second

// Receiver routes parsed webhook events into the pipeline
type Receiver struct {
	accounts     AccountResolver
	ingester     Ingester
	eventTimeout time.Duration
}

// NewReceiver creates a new webhook receiver. Each event gets its own
// eventTimeout budget, detached from the delivering request.
func NewReceiver(accounts AccountResolver, ingester Ingester, eventTimeout time.Duration) *Receiver {
	if eventTimeout <= 0 {
		eventTimeout = DefaultEventTimeout
	}
	return &Receiver{accounts: accounts, ingester: ingester, eventTimeout: eventTimeout}
}

// Stats summarizes one webhook delivery
type Stats struct {
	Received   int `json:"received"`
	Ingested   int `json:"ingested"`
	Duplicates int `json:"duplicates"`
	Dropped    int `json:"dropped"`
}

// Handle parses the body and ingests every message event. A failing event
// never stops the rest of the delivery.
func (r *Receiver) Handle(ctx context.Context, platform string, body []byte) (Stats, error) {
	events, err := Parse(platform, body)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Received: len(events)}
	for _, ev := range events {
		switch r.handleEvent(ctx, ev) {
		case outcomeIngested:
			stats.Ingested++
		case outcomeDuplicate:
			stats.Duplicates++
		default:
			stats.Dropped++
		}
	}
	return stats, nil
}

type outcome int

const (
	outcomeDropped outcome = iota
	outcomeIngested
	outcomeDuplicate
)

// handleEvent runs one event under its own deadline so a slow reply on an
// earlier event, or the sender hanging up, cannot cancel the rest.
func (r *Receiver) handleEvent(parent context.Context, ev Event) outcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.eventTimeout)
	defer cancel()

	account, err := r.accounts.ResolveAccount(ctx, ev.Platform, ev.AccountID)
	if err != nil {
		log.Warn().Err(err).
			Str("platform", ev.Platform).
			Str("account_id", ev.AccountID).
			Str("external_message_id", ev.Raw.ExternalMessageID).
			Msg("dropping webhook event for unknown or inactive account")
		return outcomeDropped
	}

	res, err := r.ingester.Ingest(ctx, ev.Platform, account.WorkspaceID, ev.Raw)
	switch {
	case err != nil:
		if !errors.Is(err, domain.ErrInvalidIdentity) {
			log.Error().Err(err).
				Str("platform", ev.Platform).
				Str("external_message_id", ev.Raw.ExternalMessageID).
				Msg("failed to ingest webhook event")
		}
		return outcomeDropped
	case res.Duplicate:
		return outcomeDuplicate
	default:
		return outcomeIngested
	}
}
