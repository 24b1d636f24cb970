package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Direction of a message relative to the workspace
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MessageSource records who produced a message
type MessageSource string

const (
	SourcePlatform MessageSource = "platform"
	SourceFunnel   MessageSource = "funnel"
	SourceBot      MessageSource = "bot"
)

// Attachment types
const (
	AttachmentImage = "image"
	AttachmentVideo = "video"
	AttachmentAudio = "audio"
	AttachmentFile  = "file"
)

// Attachment references media hosted by the platform
type Attachment struct {
	Type string `json:"type" validate:"required,oneof=image video audio file"`
	URL  string `json:"url" validate:"required"`
}

// Message is an immutable entry in a conversation log
type Message struct {
	ID                uuid.UUID       `json:"id"`
	ConversationKey   ConversationKey `json:"conversation_key"`
	WorkspaceID       uuid.UUID       `json:"workspace_id"`
	Platform          string          `json:"platform"`
	ExternalMessageID string          `json:"external_message_id,omitempty"`
	Direction         Direction       `json:"direction"`
	Source            MessageSource   `json:"source"`
	Body              string          `json:"body"`
	Attachment        *Attachment     `json:"attachment,omitempty"`
	BotID             *int64          `json:"bot_id,omitempty"`
	EnrollmentID      *int64          `json:"enrollment_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// MessageRepository defines the interface for message storage
type MessageRepository interface {
	// Append persists the message. It returns ErrDuplicateMessage when a
	// message with the same platform and external id already exists.
	Append(ctx context.Context, m *Message) error
	ListRecent(ctx context.Context, key ConversationKey, limit int) ([]Message, error)
	LatestIncoming(ctx context.Context, key ConversationKey) (*Message, error)
	CountByConversation(ctx context.Context, key ConversationKey) (int, error)
	CountBotReplies(ctx context.Context, key ConversationKey, botID int64) (int, error)
}
