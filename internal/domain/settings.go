package domain

import (
	"context"
	"time"
)

// ConversationAISettings is the per-conversation automation override
type ConversationAISettings struct {
	ConversationKey          ConversationKey `json:"conversation_key"`
	AssignedBotID            *int64          `json:"assigned_bot_id,omitempty"`
	AIEnabled                bool            `json:"ai_enabled"`
	OverrideWorkspaceDefault bool            `json:"override_workspace_default"`
	FunnelID                 *int64          `json:"funnel_id,omitempty"`
	HumanTakeover            bool            `json:"human_takeover"`
	UpdatedAt                time.Time       `json:"updated_at"`
}

// AISettingsUpdate is the admin payload for changing a conversation override
type AISettingsUpdate struct {
	AssignedBotID            *int64 `json:"assigned_bot_id" validate:"omitempty,gt=0"`
	AIEnabled                bool   `json:"ai_enabled"`
	OverrideWorkspaceDefault bool   `json:"override_workspace_default"`
}

// SettingsRepository defines the interface for conversation settings storage
type SettingsRepository interface {
	// Get returns nil when no row exists for the conversation.
	Get(ctx context.Context, key ConversationKey) (*ConversationAISettings, error)
	Upsert(ctx context.Context, s *ConversationAISettings) error
	SetFunnel(ctx context.Context, key ConversationKey, funnelID *int64) error
	SetHumanTakeover(ctx context.Context, key ConversationKey, takeover bool) error
}

// TagRepository defines the interface for conversation tags
type TagRepository interface {
	Add(ctx context.Context, key ConversationKey, tags []string) error
	Remove(ctx context.Context, key ConversationKey, tags []string) error
	List(ctx context.Context, key ConversationKey) ([]string, error)
}
