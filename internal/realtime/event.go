package realtime

import (
	"github.com/Rrens/social-inbox/internal/domain"
)

// Event types. ping and pong are control frames, never application events.
const (
	EventNewMessage = "new_message"
	EventPing       = "ping"
	EventPong       = "pong"
)

// Close codes sent to clients. Anything other than websocket.CloseNormalClosure
// is an abnormal closure the client should back off from.
const (
	CloseHeartbeatTimeout = 4000
	CloseSlowConsumer     = 4003
	CloseSessionLimit     = 4029
)

// Event is the JSON frame delivered over the live channel
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// NewMessageData is the payload of a new_message event
type NewMessageData struct {
	ConversationID domain.ConversationKey `json:"conversation_id"`
	Message        *domain.Message        `json:"message"`
}

// NewMessageEvent builds the event published when a message is persisted
func NewMessageEvent(msg *domain.Message) Event {
	return Event{
		Type: EventNewMessage,
		Data: NewMessageData{
			ConversationID: msg.ConversationKey,
			Message:        msg,
		},
	}
}
