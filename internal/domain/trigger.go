package domain

import "encoding/json"

// TriggerType identifies how a trigger is evaluated
type TriggerType string

const (
	TriggerKeyword         TriggerType = "keyword"
	TriggerSentiment       TriggerType = "sentiment"
	TriggerTimeBased       TriggerType = "time_based"
	TriggerAlways          TriggerType = "always"
	TriggerNewConversation TriggerType = "new_conversation"
	TriggerTag             TriggerType = "tag"
)

// Trigger is a predicate attached to a funnel or a bot
type Trigger struct {
	ID       int64           `json:"id"`
	Type     TriggerType     `json:"trigger_type"`
	Config   json.RawMessage `json:"trigger_config,omitempty"`
	Priority int             `json:"priority"`
	IsActive bool            `json:"is_active"`
}
