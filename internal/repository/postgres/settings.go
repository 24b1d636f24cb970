package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/jackc/pgx/v5"
)

// SettingsRepository implements domain.SettingsRepository
type SettingsRepository struct {
	db *DB
}

// NewSettingsRepository creates a new conversation settings repository
func NewSettingsRepository(db *DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get retrieves the settings row for a conversation
func (r *SettingsRepository) Get(ctx context.Context, key domain.ConversationKey) (*domain.ConversationAISettings, error) {
	query := `
		SELECT conversation_key, assigned_bot_id, ai_enabled, override_workspace_default,
			funnel_id, human_takeover, updated_at
		FROM conversation_ai_settings
		WHERE conversation_key = $1
	`

	var s domain.ConversationAISettings
	err := r.db.Pool.QueryRow(ctx, query, key).Scan(
		&s.ConversationKey,
		&s.AssignedBotID,
		&s.AIEnabled,
		&s.OverrideWorkspaceDefault,
		&s.FunnelID,
		&s.HumanTakeover,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get conversation settings: %w", err)
	}

	return &s, nil
}

// Upsert writes the whole settings row
func (r *SettingsRepository) Upsert(ctx context.Context, s *domain.ConversationAISettings) error {
	query := `
		INSERT INTO conversation_ai_settings (
			conversation_key, assigned_bot_id, ai_enabled, override_workspace_default,
			funnel_id, human_takeover, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (conversation_key) DO UPDATE SET
			assigned_bot_id = EXCLUDED.assigned_bot_id,
			ai_enabled = EXCLUDED.ai_enabled,
			override_workspace_default = EXCLUDED.override_workspace_default,
			funnel_id = EXCLUDED.funnel_id,
			human_takeover = EXCLUDED.human_takeover,
			updated_at = NOW()
	`

	_, err := r.db.Pool.Exec(ctx, query,
		s.ConversationKey,
		s.AssignedBotID,
		s.AIEnabled,
		s.OverrideWorkspaceDefault,
		s.FunnelID,
		s.HumanTakeover,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation settings: %w", err)
	}

	return nil
}

// SetFunnel records the funnel currently driving the conversation
func (r *SettingsRepository) SetFunnel(ctx context.Context, key domain.ConversationKey, funnelID *int64) error {
	query := `
		INSERT INTO conversation_ai_settings (conversation_key, funnel_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (conversation_key) DO UPDATE SET
			funnel_id = EXCLUDED.funnel_id,
			updated_at = NOW()
	`

	if _, err := r.db.Pool.Exec(ctx, query, key, funnelID); err != nil {
		return fmt.Errorf("failed to set conversation funnel: %w", err)
	}

	return nil
}

// SetHumanTakeover flips the human takeover flag
func (r *SettingsRepository) SetHumanTakeover(ctx context.Context, key domain.ConversationKey, takeover bool) error {
	query := `
		INSERT INTO conversation_ai_settings (conversation_key, human_takeover, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (conversation_key) DO UPDATE SET
			human_takeover = EXCLUDED.human_takeover,
			updated_at = NOW()
	`

	if _, err := r.db.Pool.Exec(ctx, query, key, takeover); err != nil {
		return fmt.Errorf("failed to set human takeover: %w", err)
	}

	return nil
}

// TagRepository implements domain.TagRepository
type TagRepository struct {
	db *DB
}

// NewTagRepository creates a new tag repository
func NewTagRepository(db *DB) *TagRepository {
	return &TagRepository{db: db}
}

// Add attaches tags, ignoring ones already present
func (r *TagRepository) Add(ctx context.Context, key domain.ConversationKey, tags []string) error {
	if len(tags) == 0 {
		return nil
	}

	query := `
		INSERT INTO conversation_tags (conversation_key, tag)
		SELECT $1, UNNEST($2::text[])
		ON CONFLICT DO NOTHING
	`

	if _, err := r.db.Pool.Exec(ctx, query, key, tags); err != nil {
		return fmt.Errorf("failed to add tags: %w", err)
	}

	return nil
}

// Remove detaches tags
func (r *TagRepository) Remove(ctx context.Context, key domain.ConversationKey, tags []string) error {
	if len(tags) == 0 {
		return nil
	}

	query := `DELETE FROM conversation_tags WHERE conversation_key = $1 AND tag = ANY($2)`

	if _, err := r.db.Pool.Exec(ctx, query, key, tags); err != nil {
		return fmt.Errorf("failed to remove tags: %w", err)
	}

	return nil
}

// List returns the tags of a conversation sorted by name
func (r *TagRepository) List(ctx context.Context, key domain.ConversationKey) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT tag FROM conversation_tags WHERE conversation_key = $1 ORDER BY tag`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()

	tags, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect tags: %w", err)
	}

	return tags, nil
}
