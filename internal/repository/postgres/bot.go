package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// BotRepository implements domain.BotRepository
type BotRepository struct {
	db *DB
}

// NewBotRepository creates a new bot repository
func NewBotRepository(db *DB) *BotRepository {
	return &BotRepository{db: db}
}

const botColumns = `
	id, workspace_id, name, bot_type, ai_provider, ai_model, system_prompt,
	temperature, max_tokens, auto_respond, response_delay_seconds,
	max_messages_per_conversation, context_window_messages, encrypted_api_key,
	is_active, created_at
`

// Get retrieves a bot with its triggers
func (r *BotRepository) Get(ctx context.Context, id int64) (*domain.AIBot, error) {
	query := `SELECT ` + botColumns + ` FROM ai_bots WHERE id = $1`
	return r.one(ctx, query, id)
}

// GetWorkspaceDefault returns the oldest active auto-responding default bot
func (r *BotRepository) GetWorkspaceDefault(ctx context.Context, workspaceID uuid.UUID) (*domain.AIBot, error) {
	query := `SELECT ` + botColumns + `
		FROM ai_bots
		WHERE workspace_id = $1 AND bot_type = $2 AND is_active AND auto_respond
		ORDER BY id
		LIMIT 1`
	return r.one(ctx, query, workspaceID, domain.BotWorkspaceDefault)
}

func (r *BotRepository) one(ctx context.Context, query string, args ...any) (*domain.AIBot, error) {
	var b domain.AIBot

	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(
		&b.ID,
		&b.WorkspaceID,
		&b.Name,
		&b.Type,
		&b.Provider,
		&b.Model,
		&b.SystemPrompt,
		&b.Temperature,
		&b.MaxTokens,
		&b.AutoRespond,
		&b.ResponseDelaySeconds,
		&b.MaxMessagesPerConversation,
		&b.ContextWindowMessages,
		&b.EncryptedAPIKey,
		&b.IsActive,
		&b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get bot: %w", err)
	}

	triggers, err := r.triggers(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	b.Triggers = triggers

	return &b, nil
}

func (r *BotRepository) triggers(ctx context.Context, botID int64) ([]domain.Trigger, error) {
	query := `
		SELECT id, trigger_type, trigger_config, priority, is_active
		FROM ai_bot_triggers
		WHERE bot_id = $1
		ORDER BY priority DESC, id ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bot triggers: %w", err)
	}
	defer rows.Close()

	var triggers []domain.Trigger
	for rows.Next() {
		var t domain.Trigger
		var config []byte
		if err := rows.Scan(&t.ID, &t.Type, &config, &t.Priority, &t.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan bot trigger: %w", err)
		}
		t.Config = config
		triggers = append(triggers, t)
	}

	return triggers, rows.Err()
}
