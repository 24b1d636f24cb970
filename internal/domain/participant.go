package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Supported platforms
const (
	PlatformFacebook  = "facebook"
	PlatformInstagram = "instagram"
)

// ConversationKey identifies one external participant within a workspace
type ConversationKey string

func (k ConversationKey) String() string {
	return string(k)
}

// Participant is the directory entry for a conversation
type Participant struct {
	ConversationKey ConversationKey `json:"conversation_key"`
	WorkspaceID     uuid.UUID       `json:"workspace_id"`
	Platform        string          `json:"platform"`
	ExternalID      string          `json:"external_id"`
	DisplayName     string          `json:"display_name,omitempty"`
	Handle          string          `json:"handle,omitempty"`
	AvatarURL       string          `json:"avatar_url,omitempty"`
	IsActive        bool            `json:"is_active"`
	LastActivityAt  time.Time       `json:"last_activity_at"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ParticipantProfile carries the mutable profile fields supplied by a platform event
type ParticipantProfile struct {
	DisplayName string
	Handle      string
	AvatarURL   string
}

// ParticipantRepository defines the interface for participant storage
type ParticipantRepository interface {
	// Upsert creates the participant on first sight and refreshes profile and
	// last activity afterwards. Empty profile fields never overwrite stored ones.
	Upsert(ctx context.Context, p *Participant) (created bool, err error)
	Get(ctx context.Context, key ConversationKey) (*Participant, error)
	DeactivateWorkspace(ctx context.Context, workspaceID uuid.UUID) error
}
