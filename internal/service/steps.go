package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Rrens/social-inbox/internal/domain"
)

// Condition predicates
const (
	ConditionUserReplied = "user_replied"
	ConditionHasTag      = "has_tag"
)

// SendMessageConfig is the config of a send_message step
type SendMessageConfig struct {
	Text string `json:"text"`
}

// DelayConfig is the config of a delay step; the parts are summed
type DelayConfig struct {
	Seconds int `json:"seconds"`
	Minutes int `json:"minutes"`
	Hours   int `json:"hours"`
	Days    int `json:"days"`
}

// Duration returns the total delay
func (c DelayConfig) Duration() time.Duration {
	return time.Duration(c.Seconds)*time.Second +
		time.Duration(c.Minutes)*time.Minute +
		time.Duration(c.Hours)*time.Hour +
		time.Duration(c.Days)*24*time.Hour
}

// ConditionConfig is the config of a condition step. Then and Else are step
// indexes; a missing index means the following step.
type ConditionConfig struct {
	If   string `json:"if"`
	Tag  string `json:"tag"`
	Then *int   `json:"then"`
	Else *int   `json:"else"`
	Wait string `json:"wait"`
}

// TagConfig is the config of a tag step
type TagConfig struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

func malformed(step domain.StepType, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", domain.ErrMalformedStepConfig, step, fmt.Sprintf(format, args...))
}

func decodeStep(step *domain.FunnelStep, v any) error {
	raw := step.Config
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return malformed(step.Type, "%v", err)
	}
	return nil
}

// ParseSendMessageConfig decodes a send_message step config
func ParseSendMessageConfig(step *domain.FunnelStep) (SendMessageConfig, error) {
	var cfg SendMessageConfig
	if err := decodeStep(step, &cfg); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.Text) == "" {
		return cfg, malformed(step.Type, "text is required")
	}
	return cfg, nil
}

// ParseDelayConfig decodes a delay step config
func ParseDelayConfig(step *domain.FunnelStep) (DelayConfig, error) {
	var cfg DelayConfig
	if err := decodeStep(step, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Duration() <= 0 {
		return cfg, malformed(step.Type, "duration must be positive")
	}
	return cfg, nil
}

// ParseConditionConfig decodes a condition step config
func ParseConditionConfig(step *domain.FunnelStep) (ConditionConfig, error) {
	var cfg ConditionConfig
	if err := decodeStep(step, &cfg); err != nil {
		return cfg, err
	}

	switch cfg.If {
	case ConditionUserReplied:
	case ConditionHasTag:
		if strings.TrimSpace(cfg.Tag) == "" {
			return cfg, malformed(step.Type, "has_tag needs a tag")
		}
	default:
		return cfg, malformed(step.Type, "unknown predicate %q", cfg.If)
	}

	for _, idx := range []*int{cfg.Then, cfg.Else} {
		if idx != nil && *idx < 0 {
			return cfg, malformed(step.Type, "negative step index %d", *idx)
		}
	}

	if cfg.Wait != "" {
		d, err := time.ParseDuration(cfg.Wait)
		if err != nil || d <= 0 {
			return cfg, malformed(step.Type, "invalid wait %q", cfg.Wait)
		}
	}
	return cfg, nil
}

// WaitOr returns the configured wait or the fallback
func (c ConditionConfig) WaitOr(fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(c.Wait); err == nil && d > 0 {
		return d
	}
	return fallback
}

// Target returns the step index to continue at for the given outcome
func (c ConditionConfig) Target(current int, outcome bool) int {
	idx := c.Else
	if outcome {
		idx = c.Then
	}
	if idx == nil {
		return current + 1
	}
	return *idx
}

// ParseTagConfig decodes a tag step config
func ParseTagConfig(step *domain.FunnelStep) (TagConfig, error) {
	var cfg TagConfig
	if err := decodeStep(step, &cfg); err != nil {
		return cfg, err
	}
	if len(cfg.Add) == 0 && len(cfg.Remove) == 0 {
		return cfg, malformed(step.Type, "nothing to add or remove")
	}
	return cfg, nil
}
