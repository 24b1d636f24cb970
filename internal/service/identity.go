package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/google/uuid"
)

// conversationKeyLen is the number of hex characters kept from the digest (128 bits)
const conversationKeyLen = 32

// DeriveKey maps a participant to its stable conversation key. Only the
// platform, the owning workspace and the participant's platform id take part,
// so the key survives page or account migrations within a workspace.
func DeriveKey(platform string, workspaceID uuid.UUID, externalID string) (domain.ConversationKey, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	externalID = strings.TrimSpace(externalID)

	if externalID == "" {
		return "", fmt.Errorf("%w: empty participant id", domain.ErrInvalidIdentity)
	}
	if platform == "" {
		return "", fmt.Errorf("%w: empty platform", domain.ErrInvalidIdentity)
	}
	if workspaceID == uuid.Nil {
		return "", fmt.Errorf("%w: empty workspace", domain.ErrInvalidIdentity)
	}

	h := sha256.New()
	h.Write([]byte(platform))
	h.Write([]byte{0})
	h.Write([]byte(workspaceID.String()))
	h.Write([]byte{0})
	h.Write([]byte(externalID))

	return domain.ConversationKey(hex.EncodeToString(h.Sum(nil))[:conversationKeyLen]), nil
}

// IdentityResolver derives conversation keys and keeps the participant directory current
type IdentityResolver struct {
	participants domain.ParticipantRepository
}

// NewIdentityResolver creates a new identity resolver
func NewIdentityResolver(participants domain.ParticipantRepository) *IdentityResolver {
	return &IdentityResolver{participants: participants}
}

// Resolve derives the key and upserts the participant row. The returned bool
// reports whether the participant was seen for the first time.
func (r *IdentityResolver) Resolve(
	ctx context.Context,
	platform string,
	workspaceID uuid.UUID,
	externalID string,
	profile domain.ParticipantProfile,
	at time.Time,
) (*domain.Participant, bool, error) {
	key, err := DeriveKey(platform, workspaceID, externalID)
	if err != nil {
		return nil, false, err
	}

	p := &domain.Participant{
		ConversationKey: key,
		WorkspaceID:     workspaceID,
		Platform:        strings.ToLower(strings.TrimSpace(platform)),
		ExternalID:      strings.TrimSpace(externalID),
		DisplayName:     profile.DisplayName,
		Handle:          profile.Handle,
		AvatarURL:       profile.AvatarURL,
		IsActive:        true,
		LastActivityAt:  at,
		CreatedAt:       at,
	}

	created, err := r.participants.Upsert(ctx, p)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert participant: %w", err)
	}

	return p, created, nil
}
