package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// FunnelRepository implements domain.FunnelRepository
type FunnelRepository struct {
	db *DB
}

// NewFunnelRepository creates a new funnel repository
func NewFunnelRepository(db *DB) *FunnelRepository {
	return &FunnelRepository{db: db}
}

const funnelColumns = `id, workspace_id, name, trigger_type, trigger_config, priority, is_active, created_at`

// ListActive returns active funnels with their steps, highest priority first
func (r *FunnelRepository) ListActive(ctx context.Context, workspaceID uuid.UUID) ([]domain.Funnel, error) {
	query := `SELECT ` + funnelColumns + `
		FROM funnels
		WHERE workspace_id = $1 AND is_active
		ORDER BY priority DESC, id ASC`

	rows, err := r.db.Pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list funnels: %w", err)
	}
	defer rows.Close()

	var funnels []domain.Funnel
	for rows.Next() {
		f, err := scanFunnel(rows)
		if err != nil {
			return nil, err
		}
		funnels = append(funnels, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate funnels: %w", err)
	}
	if len(funnels) == 0 {
		return funnels, nil
	}

	ids := make([]int64, len(funnels))
	for i := range funnels {
		ids[i] = funnels[i].ID
	}
	steps, err := r.steps(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range funnels {
		funnels[i].Steps = steps[funnels[i].ID]
	}

	return funnels, nil
}

// Get retrieves a funnel with its steps regardless of its active flag
func (r *FunnelRepository) Get(ctx context.Context, id int64) (*domain.Funnel, error) {
	query := `SELECT ` + funnelColumns + ` FROM funnels WHERE id = $1`

	f, err := scanFunnel(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	steps, err := r.steps(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	f.Steps = steps[id]

	return f, nil
}

func (r *FunnelRepository) steps(ctx context.Context, funnelIDs []int64) (map[int64][]domain.FunnelStep, error) {
	query := `
		SELECT id, funnel_id, step_order, step_type, config
		FROM funnel_steps
		WHERE funnel_id = ANY($1)
		ORDER BY funnel_id, step_order
	`

	rows, err := r.db.Pool.Query(ctx, query, funnelIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list funnel steps: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]domain.FunnelStep, len(funnelIDs))
	for rows.Next() {
		var step domain.FunnelStep
		var config []byte
		if err := rows.Scan(&step.ID, &step.FunnelID, &step.Order, &step.Type, &config); err != nil {
			return nil, fmt.Errorf("failed to scan funnel step: %w", err)
		}
		step.Config = config
		out[step.FunnelID] = append(out[step.FunnelID], step)
	}

	return out, rows.Err()
}

func scanFunnel(row pgx.Row) (*domain.Funnel, error) {
	var f domain.Funnel
	var config []byte

	err := row.Scan(
		&f.ID,
		&f.WorkspaceID,
		&f.Name,
		&f.TriggerType,
		&config,
		&f.Priority,
		&f.IsActive,
		&f.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan funnel: %w", err)
	}
	f.TriggerConfig = config

	return &f, nil
}
