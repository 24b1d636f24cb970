package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/jackc/pgx/v5"
)

// EnrollmentRepository implements domain.EnrollmentRepository
type EnrollmentRepository struct {
	db *DB
}

// NewEnrollmentRepository creates a new enrollment repository
func NewEnrollmentRepository(db *DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

const enrollmentColumns = `
	id, funnel_id, conversation_key, current_step, status, next_step_at,
	metadata, version, enrolled_at, updated_at, completed_at
`

// Create inserts a new enrollment at version 1. The partial unique index on
// active enrollments rejects a second active row for the same funnel.
func (r *EnrollmentRepository) Create(ctx context.Context, e *domain.FunnelEnrollment) error {
	metadata, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO funnel_enrollments (
			funnel_id, conversation_key, current_step, status, next_step_at,
			metadata, version, enrolled_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)
		RETURNING id
	`

	err = r.db.Pool.QueryRow(ctx, query,
		e.FunnelID,
		e.ConversationKey,
		e.CurrentStep,
		e.Status,
		e.NextStepAt,
		metadata,
		e.EnrolledAt,
	).Scan(&e.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: funnel %d", domain.ErrEnrollmentExists, e.FunnelID)
		}
		return fmt.Errorf("failed to create enrollment: %w", err)
	}

	e.Version = 1
	e.UpdatedAt = e.EnrolledAt
	return nil
}

// Get retrieves an enrollment by ID
func (r *EnrollmentRepository) Get(ctx context.Context, id int64) (*domain.FunnelEnrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM funnel_enrollments WHERE id = $1`

	e, err := scanEnrollment(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return e, nil
}

// ListActive returns the active enrollments of a conversation
func (r *EnrollmentRepository) ListActive(ctx context.Context, key domain.ConversationKey) ([]domain.FunnelEnrollment, error) {
	query := `SELECT ` + enrollmentColumns + `
		FROM funnel_enrollments
		WHERE conversation_key = $1 AND status = $2
		ORDER BY id`

	return r.list(ctx, query, key, domain.EnrollmentActive)
}

// ListByConversation returns every enrollment of a conversation
func (r *EnrollmentRepository) ListByConversation(ctx context.Context, key domain.ConversationKey) ([]domain.FunnelEnrollment, error) {
	query := `SELECT ` + enrollmentColumns + `
		FROM funnel_enrollments
		WHERE conversation_key = $1
		ORDER BY id`

	return r.list(ctx, query, key)
}

// ListDue returns active enrollments whose next step is due, oldest first
func (r *EnrollmentRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.FunnelEnrollment, error) {
	query := `SELECT ` + enrollmentColumns + `
		FROM funnel_enrollments
		WHERE status = $1 AND next_step_at IS NOT NULL AND next_step_at <= $2
		ORDER BY next_step_at, id
		LIMIT $3`

	return r.list(ctx, query, domain.EnrollmentActive, now, limit)
}

// Update writes the enrollment if its version is unchanged since it was read
func (r *EnrollmentRepository) Update(ctx context.Context, e *domain.FunnelEnrollment) error {
	metadata, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE funnel_enrollments
		SET current_step = $3,
			status = $4,
			next_step_at = $5,
			metadata = $6,
			completed_at = $7,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2
	`

	tag, err := r.db.Pool.Exec(ctx, query,
		e.ID,
		e.Version,
		e.CurrentStep,
		e.Status,
		e.NextStepAt,
		metadata,
		e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update enrollment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: enrollment %d at version %d", domain.ErrConcurrentEnrollmentConflict, e.ID, e.Version)
	}

	e.Version++
	return nil
}

func (r *EnrollmentRepository) list(ctx context.Context, query string, args ...any) ([]domain.FunnelEnrollment, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []domain.FunnelEnrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		enrollments = append(enrollments, *e)
	}

	return enrollments, rows.Err()
}

func scanEnrollment(row pgx.Row) (*domain.FunnelEnrollment, error) {
	var e domain.FunnelEnrollment
	var metadata []byte

	err := row.Scan(
		&e.ID,
		&e.FunnelID,
		&e.ConversationKey,
		&e.CurrentStep,
		&e.Status,
		&e.NextStepAt,
		&metadata,
		&e.Version,
		&e.EnrolledAt,
		&e.UpdatedAt,
		&e.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan enrollment: %w", err)
	}

	e.Metadata = domain.EnrollmentMetadata{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal enrollment metadata: %w", err)
		}
	}

	return &e, nil
}

func marshalMetadata(m domain.EnrollmentMetadata) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal enrollment metadata: %w", err)
	}
	return b, nil
}
