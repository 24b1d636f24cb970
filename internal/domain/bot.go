package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BotType describes where a bot sits in the responder hierarchy
type BotType string

const (
	BotWorkspaceDefault     BotType = "workspace_default"
	BotFunnelSpecific       BotType = "funnel_specific"
	BotConversationOverride BotType = "conversation_override"
)

// Bot defaults
const (
	DefaultBotTemperature   = 0.7
	DefaultBotMaxTokens     = 500
	DefaultBotContextWindow = 10
)

// AIBot is an automated responder configuration
type AIBot struct {
	ID                         int64     `json:"id"`
	WorkspaceID                uuid.UUID `json:"workspace_id"`
	Name                       string    `json:"name"`
	Type                       BotType   `json:"bot_type"`
	Provider                   string    `json:"ai_provider"`
	Model                      string    `json:"ai_model"`
	SystemPrompt               string    `json:"system_prompt"`
	Temperature                *float64  `json:"temperature,omitempty"`
	MaxTokens                  int       `json:"max_tokens"`
	AutoRespond                bool      `json:"auto_respond"`
	ResponseDelaySeconds       int       `json:"response_delay_seconds"`
	MaxMessagesPerConversation *int      `json:"max_messages_per_conversation,omitempty"`
	ContextWindowMessages      int       `json:"context_window_messages"`
	EncryptedAPIKey            string    `json:"-"`
	IsActive                   bool      `json:"is_active"`
	Triggers                   []Trigger `json:"triggers"`
	CreatedAt                  time.Time `json:"created_at"`
}

// BotRepository defines the interface for bot storage
type BotRepository interface {
	// Get returns the bot with its triggers, or nil when it does not exist.
	Get(ctx context.Context, id int64) (*AIBot, error)
	// GetWorkspaceDefault returns the active auto-responding workspace_default bot, or nil.
	GetWorkspaceDefault(ctx context.Context, workspaceID uuid.UUID) (*AIBot, error)
}
