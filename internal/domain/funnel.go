package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StepType identifies a funnel step behaviour
type StepType string

const (
	StepSendMessage StepType = "send_message"
	StepDelay       StepType = "delay"
	StepCondition   StepType = "condition"
	StepTag         StepType = "tag"
	StepAssignHuman StepType = "assign_human"
	StepAIResponse  StepType = "ai_response"
)

// Funnel is a named multi-step automation
type Funnel struct {
	ID            int64           `json:"id"`
	WorkspaceID   uuid.UUID       `json:"workspace_id"`
	Name          string          `json:"name"`
	TriggerType   TriggerType     `json:"trigger_type"`
	TriggerConfig json.RawMessage `json:"trigger_config,omitempty"`
	Priority      int             `json:"priority"`
	IsActive      bool            `json:"is_active"`
	Steps         []FunnelStep    `json:"steps"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Trigger returns the funnel entry condition as a trigger carrying the funnel
// id and priority, so funnels are ranked the same way bot triggers are.
func (f *Funnel) Trigger() Trigger {
	return Trigger{
		ID:       f.ID,
		Type:     f.TriggerType,
		Config:   f.TriggerConfig,
		Priority: f.Priority,
		IsActive: f.IsActive,
	}
}

// Step returns the step at index i, or nil when i is out of range
func (f *Funnel) Step(i int) *FunnelStep {
	if i < 0 || i >= len(f.Steps) {
		return nil
	}
	return &f.Steps[i]
}

// FunnelStep is one step of a funnel. Steps are kept sorted by Order and
// enrollments address them by position.
type FunnelStep struct {
	ID       int64           `json:"id"`
	FunnelID int64           `json:"funnel_id"`
	Order    int             `json:"step_order"`
	Type     StepType        `json:"step_type"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// EnrollmentStatus is the state of a funnel enrollment
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentExited    EnrollmentStatus = "exited"
)

// Enrollment metadata keys
const (
	MetaReplied          = "replied"
	MetaAIReplies        = "ai_replies"
	MetaStepEnteredAt    = "step_entered_at"
	MetaLastInboundAt    = "last_inbound_at"
	MetaLastMalformedErr = "last_malformed_step"
	// MetaPendingEntry marks a current step that was scheduled but not entered yet
	MetaPendingEntry = "pending_entry"
)

// EnrollmentMetadata is the free-form bag used for condition branching
type EnrollmentMetadata map[string]any

// Bool reads a boolean value
func (m EnrollmentMetadata) Bool(key string) bool {
	v, _ := m[key].(bool)
	return v
}

// Int reads a numeric value, tolerating JSON decoded floats
func (m EnrollmentMetadata) Int(key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// FunnelEnrollment is a conversation's progress through one funnel
type FunnelEnrollment struct {
	ID              int64              `json:"id"`
	FunnelID        int64              `json:"funnel_id"`
	ConversationKey ConversationKey    `json:"conversation_key"`
	CurrentStep     int                `json:"current_step"`
	Status          EnrollmentStatus   `json:"status"`
	NextStepAt      *time.Time         `json:"next_step_at,omitempty"`
	Metadata        EnrollmentMetadata `json:"metadata"`
	Version         int64              `json:"version"`
	EnrolledAt      time.Time          `json:"enrolled_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

// EnrollmentState is the read model returned to admin surfaces
type EnrollmentState struct {
	Enrollment  FunnelEnrollment `json:"enrollment"`
	FunnelName  string           `json:"funnel_name"`
	Priority    int              `json:"priority"`
	CurrentType StepType         `json:"current_step_type,omitempty"`
	TotalSteps  int              `json:"total_steps"`
}

// FunnelRepository defines the interface for funnel storage
type FunnelRepository interface {
	// ListActive returns active funnels with their steps, highest priority first, ties by lowest id.
	ListActive(ctx context.Context, workspaceID uuid.UUID) ([]Funnel, error)
	Get(ctx context.Context, id int64) (*Funnel, error)
}

// EnrollmentRepository defines the interface for enrollment storage
type EnrollmentRepository interface {
	// Create inserts a new enrollment; ErrEnrollmentExists when the funnel already
	// has an active enrollment for the conversation.
	Create(ctx context.Context, e *FunnelEnrollment) error
	Get(ctx context.Context, id int64) (*FunnelEnrollment, error)
	ListActive(ctx context.Context, key ConversationKey) ([]FunnelEnrollment, error)
	ListByConversation(ctx context.Context, key ConversationKey) ([]FunnelEnrollment, error)
	// ListDue returns active enrollments whose next_step_at is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]FunnelEnrollment, error)
	// Update writes e only if the stored version still equals e.Version and
	// bumps e.Version on success. A lost race yields ErrConcurrentEnrollmentConflict.
	Update(ctx context.Context, e *FunnelEnrollment) error
}
