package llm

import (
	"fmt"
	"strings"

	"github.com/Rrens/social-inbox/internal/domain"
)

// BuildHistory maps stored messages, oldest first, to chat turns. Only the
// last window messages are kept; outgoing messages become assistant turns.
func BuildHistory(messages []domain.Message, window int) []ChatMessage {
	if window > 0 && len(messages) > window {
		messages = messages[len(messages)-window:]
	}

	history := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		content := strings.TrimSpace(m.Body)
		if content == "" && m.Attachment != nil {
			content = fmt.Sprintf("[%s attachment]", m.Attachment.Type)
		}
		if content == "" {
			continue
		}

		role := RoleUser
		if m.Direction == domain.DirectionOutgoing {
			role = RoleAssistant
		}
		history = append(history, ChatMessage{Role: role, Content: content})
	}
	return history
}

// MergeTurns collapses consecutive turns with the same role. Some providers
// require strictly alternating user and assistant turns starting with user.
func MergeTurns(history []ChatMessage) []ChatMessage {
	merged := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		if n := len(merged); n > 0 && merged[n-1].Role == m.Role {
			merged[n-1].Content += "\n" + m.Content
			continue
		}
		merged = append(merged, m)
	}
	for len(merged) > 0 && merged[0].Role != RoleUser {
		merged = merged[1:]
	}
	return merged
}

// CleanReply trims whitespace and a leading speaker label some models echo
func CleanReply(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "Assistant:")
	return strings.TrimSpace(s)
}
