package service

import (
	"context"
	"fmt"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// WorkspaceService answers workspace membership and account routing questions
type WorkspaceService struct {
	workspaceRepo   domain.WorkspaceRepository
	accountRepo     domain.AccountRepository
	participantRepo domain.ParticipantRepository
}

// NewWorkspaceService creates a new workspace service. participantRepo may be
// nil, in which case participants of deactivated workspaces are left alone.
func NewWorkspaceService(workspaceRepo domain.WorkspaceRepository, accountRepo domain.AccountRepository, participantRepo domain.ParticipantRepository) *WorkspaceService {
	return &WorkspaceService{workspaceRepo: workspaceRepo, accountRepo: accountRepo, participantRepo: participantRepo}
}

// GetByID retrieves an active workspace with access check
func (s *WorkspaceService) GetByID(ctx context.Context, userID, workspaceID uuid.UUID) (*domain.Workspace, error) {
	if err := s.CheckAccess(ctx, userID, workspaceID); err != nil {
		return nil, err
	}

	workspace, err := s.workspaceRepo.GetByID(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	if workspace == nil {
		return nil, domain.ErrNotFound
	}
	if !workspace.IsActive {
		return nil, domain.ErrInactiveAccount
	}

	return workspace, nil
}

// CheckAccess returns ErrAccessDenied unless the user belongs to the workspace
func (s *WorkspaceService) CheckAccess(ctx context.Context, userID, workspaceID uuid.UUID) error {
	isMember, err := s.workspaceRepo.IsMember(ctx, workspaceID, userID)
	if err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if !isMember {
		return domain.ErrAccessDenied
	}
	return nil
}

// OwnerID returns the owner of a workspace
func (s *WorkspaceService) OwnerID(ctx context.Context, workspaceID uuid.UUID) (uuid.UUID, error) {
	ownerID, err := s.workspaceRepo.GetOwnerID(ctx, workspaceID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to get workspace owner: %w", err)
	}
	if ownerID == uuid.Nil {
		return uuid.Nil, domain.ErrNotFound
	}
	return ownerID, nil
}

// ResolveAccount maps the page or business account that received a platform
// event to its workspace. Unknown or inactive accounts and workspaces yield
// ErrInactiveAccount.
func (s *WorkspaceService) ResolveAccount(ctx context.Context, platform, externalAccountID string) (*domain.ConnectedAccount, error) {
	account, err := s.accountRepo.GetByExternalID(ctx, platform, externalAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get connected account: %w", err)
	}
	if account == nil || !account.IsActive {
		return nil, fmt.Errorf("%w: %s account %s", domain.ErrInactiveAccount, platform, externalAccountID)
	}

	workspace, err := s.workspaceRepo.GetByID(ctx, account.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	if workspace == nil || !workspace.IsActive {
		s.deactivateParticipants(ctx, account.WorkspaceID)
		return nil, fmt.Errorf("%w: workspace %s", domain.ErrInactiveAccount, account.WorkspaceID)
	}

	return account, nil
}

// deactivateParticipants follows a workspace into deactivation. It runs when
// an event first reaches a deactivated workspace and is idempotent after that.
func (s *WorkspaceService) deactivateParticipants(ctx context.Context, workspaceID uuid.UUID) {
	if s.participantRepo == nil {
		return
	}
	if err := s.participantRepo.DeactivateWorkspace(ctx, workspaceID); err != nil {
		log.Warn().Err(err).Str("workspace_id", workspaceID.String()).Msg("failed to deactivate participants")
	}
}
