package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Workspace represents a tenant workspace
type Workspace struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkspaceMember represents workspace membership
type WorkspaceMember struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	UserID      uuid.UUID `json:"user_id"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// Role constants
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// ConnectedAccount is a platform page or business account linked to a workspace.
// Rows are written by the account linking flow; the inbox only reads them.
type ConnectedAccount struct {
	ID                uuid.UUID `json:"id"`
	WorkspaceID       uuid.UUID `json:"workspace_id"`
	Platform          string    `json:"platform"`
	ExternalAccountID string    `json:"external_account_id"`
	IsActive          bool      `json:"is_active"`
}

// WorkspaceRepository defines the interface for workspace lookups
type WorkspaceRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Workspace, error)
	GetOwnerID(ctx context.Context, workspaceID uuid.UUID) (uuid.UUID, error)
	IsMember(ctx context.Context, workspaceID, userID uuid.UUID) (bool, error)
}

// AccountRepository resolves which workspace a platform account belongs to
type AccountRepository interface {
	GetByExternalID(ctx context.Context, platform, externalAccountID string) (*ConnectedAccount, error)
}
