package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WorkspaceRepository handles workspace data access
type WorkspaceRepository struct {
	db *DB
}

// NewWorkspaceRepository creates a new workspace repository
func NewWorkspaceRepository(db *DB) *WorkspaceRepository {
	return &WorkspaceRepository{db: db}
}

// GetByID retrieves a workspace by ID
func (r *WorkspaceRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Workspace, error) {
	query := `
		SELECT id, name, is_active, created_at, updated_at
		FROM workspaces
		WHERE id = $1
	`

	var workspace domain.Workspace
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&workspace.ID,
		&workspace.Name,
		&workspace.IsActive,
		&workspace.CreatedAt,
		&workspace.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}

	return &workspace, nil
}

// GetOwnerID returns the owner member of a workspace, or uuid.Nil when it has none
func (r *WorkspaceRepository) GetOwnerID(ctx context.Context, workspaceID uuid.UUID) (uuid.UUID, error) {
	query := `
		SELECT user_id
		FROM workspace_members
		WHERE workspace_id = $1 AND role = $2
		ORDER BY created_at
		LIMIT 1
	`

	var ownerID uuid.UUID
	err := r.db.Pool.QueryRow(ctx, query, workspaceID, domain.RoleOwner).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, nil
		}
		return uuid.Nil, fmt.Errorf("failed to get workspace owner: %w", err)
	}

	return ownerID, nil
}

// IsMember checks if a user is a member of a workspace
func (r *WorkspaceRepository) IsMember(ctx context.Context, workspaceID, userID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM workspace_members
			WHERE workspace_id = $1 AND user_id = $2
		)
	`

	var exists bool
	if err := r.db.Pool.QueryRow(ctx, query, workspaceID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}

	return exists, nil
}

// AccountRepository reads connected platform accounts
type AccountRepository struct {
	db *DB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetByExternalID finds the account a platform event was addressed to
func (r *AccountRepository) GetByExternalID(ctx context.Context, platform, externalAccountID string) (*domain.ConnectedAccount, error) {
	query := `
		SELECT id, workspace_id, platform, external_account_id, is_active
		FROM connected_accounts
		WHERE platform = $1 AND external_account_id = $2
	`

	var account domain.ConnectedAccount
	err := r.db.Pool.QueryRow(ctx, query, platform, externalAccountID).Scan(
		&account.ID,
		&account.WorkspaceID,
		&account.Platform,
		&account.ExternalAccountID,
		&account.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get connected account: %w", err)
	}

	return &account, nil
}
