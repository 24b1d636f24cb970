package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ParticipantRepository implements domain.ParticipantRepository
type ParticipantRepository struct {
	db *DB
}

// NewParticipantRepository creates a new participant repository
func NewParticipantRepository(db *DB) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

// Upsert inserts the participant or refreshes the stored one. The stored row
// is scanned back into p. xmax is zero only for freshly inserted tuples.
func (r *ParticipantRepository) Upsert(ctx context.Context, p *domain.Participant) (bool, error) {
	query := `
		INSERT INTO participants (
			conversation_key, workspace_id, platform, external_id,
			display_name, handle, avatar_url, is_active, last_activity_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $9)
		ON CONFLICT (conversation_key) DO UPDATE SET
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), participants.display_name),
			handle = COALESCE(NULLIF(EXCLUDED.handle, ''), participants.handle),
			avatar_url = COALESCE(NULLIF(EXCLUDED.avatar_url, ''), participants.avatar_url),
			last_activity_at = GREATEST(participants.last_activity_at, EXCLUDED.last_activity_at),
			is_active = TRUE
		RETURNING display_name, handle, avatar_url, is_active, last_activity_at, created_at, (xmax = 0)
	`

	var created bool
	err := r.db.Pool.QueryRow(ctx, query,
		p.ConversationKey,
		p.WorkspaceID,
		p.Platform,
		p.ExternalID,
		p.DisplayName,
		p.Handle,
		p.AvatarURL,
		p.LastActivityAt,
		p.CreatedAt,
	).Scan(
		&p.DisplayName,
		&p.Handle,
		&p.AvatarURL,
		&p.IsActive,
		&p.LastActivityAt,
		&p.CreatedAt,
		&created,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert participant: %w", err)
	}

	return created, nil
}

// Get retrieves a participant by conversation key
func (r *ParticipantRepository) Get(ctx context.Context, key domain.ConversationKey) (*domain.Participant, error) {
	query := `
		SELECT conversation_key, workspace_id, platform, external_id,
			display_name, handle, avatar_url, is_active, last_activity_at, created_at
		FROM participants
		WHERE conversation_key = $1
	`

	var p domain.Participant
	err := r.db.Pool.QueryRow(ctx, query, key).Scan(
		&p.ConversationKey,
		&p.WorkspaceID,
		&p.Platform,
		&p.ExternalID,
		&p.DisplayName,
		&p.Handle,
		&p.AvatarURL,
		&p.IsActive,
		&p.LastActivityAt,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}

	return &p, nil
}

// DeactivateWorkspace marks every participant of a workspace inactive
func (r *ParticipantRepository) DeactivateWorkspace(ctx context.Context, workspaceID uuid.UUID) error {
	query := `UPDATE participants SET is_active = FALSE WHERE workspace_id = $1 AND is_active`

	if _, err := r.db.Pool.Exec(ctx, query, workspaceID); err != nil {
		return fmt.Errorf("failed to deactivate participants: %w", err)
	}

	return nil
}
