package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MessageRepository implements domain.MessageRepository
type MessageRepository struct {
	db *DB
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `
	id, conversation_key, workspace_id, platform, external_message_id, direction,
	source, body, attachment_type, attachment_url, bot_id, enrollment_id, created_at
`

// Append inserts a message. Platform message ids are unique per platform.
func (r *MessageRepository) Append(ctx context.Context, m *domain.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}

	query := `INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	var externalID, attachmentType, attachmentURL *string
	if m.ExternalMessageID != "" {
		externalID = &m.ExternalMessageID
	}
	if m.Attachment != nil {
		attachmentType = &m.Attachment.Type
		attachmentURL = &m.Attachment.URL
	}

	_, err := r.db.Pool.Exec(ctx, query,
		m.ID,
		m.ConversationKey,
		m.WorkspaceID,
		m.Platform,
		externalID,
		m.Direction,
		m.Source,
		m.Body,
		attachmentType,
		attachmentURL,
		m.BotID,
		m.EnrollmentID,
		m.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s", domain.ErrDuplicateMessage, m.Platform, m.ExternalMessageID)
		}
		return fmt.Errorf("failed to append message: %w", err)
	}

	return nil
}

// ListRecent returns up to limit of the newest messages, oldest first
func (r *MessageRepository) ListRecent(ctx context.Context, key domain.ConversationKey, limit int) ([]domain.Message, error) {
	query := `
		SELECT * FROM (
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_key = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, key, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}

	return messages, rows.Err()
}

// LatestIncoming returns the newest incoming message, or nil
func (r *MessageRepository) LatestIncoming(ctx context.Context, key domain.ConversationKey) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_key = $1 AND direction = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	m, err := scanMessage(r.db.Pool.QueryRow(ctx, query, key, domain.DirectionIncoming))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return m, nil
}

// CountByConversation counts all messages of a conversation
func (r *MessageRepository) CountByConversation(ctx context.Context, key domain.ConversationKey) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_key = $1`, key,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// CountBotReplies counts replies a bot already sent in a conversation
func (r *MessageRepository) CountBotReplies(ctx context.Context, key domain.ConversationKey, botID int64) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_key = $1 AND source = $2 AND bot_id = $3`,
		key, domain.SourceBot, botID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count bot replies: %w", err)
	}
	return n, nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var m domain.Message
	var externalID, attachmentType, attachmentURL *string

	err := row.Scan(
		&m.ID,
		&m.ConversationKey,
		&m.WorkspaceID,
		&m.Platform,
		&externalID,
		&m.Direction,
		&m.Source,
		&m.Body,
		&attachmentType,
		&attachmentURL,
		&m.BotID,
		&m.EnrollmentID,
		&m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	if externalID != nil {
		m.ExternalMessageID = *externalID
	}
	if attachmentType != nil && attachmentURL != nil {
		m.Attachment = &domain.Attachment{Type: *attachmentType, URL: *attachmentURL}
	}

	return &m, nil
}
