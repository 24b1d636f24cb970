// Package trigger evaluates funnel and bot trigger definitions against an
// inbound message. Everything here is pure; malformed configs never match.
package trigger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/Rrens/social-inbox/internal/domain"
)

// Input is the message and conversation context a trigger is evaluated against
type Input struct {
	Body            string
	ReceivedAt      time.Time
	Sentiment       map[string]float64
	NewConversation bool
	Tags            []string
}

// NormalizeSentiment lowercases polarity labels so lookups ignore the
// casing a classifier happened to use.
func NormalizeSentiment(scores map[string]float64) map[string]float64 {
	if len(scores) == 0 {
		return nil
	}
	out := make(map[string]float64, len(scores))
	for label, score := range scores {
		out[strings.ToLower(strings.TrimSpace(label))] = score
	}
	return out
}

// Keyword match modes
const (
	MatchAny = "any"
	MatchAll = "all"
)

type keywordConfig struct {
	Keywords  []string `json:"keywords"`
	Match     string   `json:"match"`
	MatchType string   `json:"match_type"`
}

type sentimentConfig struct {
	Polarity  string  `json:"polarity"`
	Threshold float64 `json:"threshold"`
}

type timeConfig struct {
	Timezone string   `json:"timezone"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
	Days     []string `json:"days"`
}

type tagConfig struct {
	Tags []string `json:"tags"`
}

// Evaluate reports whether the trigger fires for the input.
// Inactive triggers, unknown types and malformed configs never fire.
func Evaluate(t domain.Trigger, in Input) bool {
	if !t.IsActive {
		return false
	}
	ok, err := Check(t, in)
	return err == nil && ok
}

// Check evaluates the trigger and reports config problems to the caller
func Check(t domain.Trigger, in Input) (bool, error) {
	switch t.Type {
	case domain.TriggerAlways:
		return true, nil
	case domain.TriggerKeyword:
		var cfg keywordConfig
		if err := decode(t.Config, &cfg); err != nil {
			return false, err
		}
		return matchKeywords(cfg, in.Body), nil
	case domain.TriggerSentiment:
		var cfg sentimentConfig
		if err := decode(t.Config, &cfg); err != nil {
			return false, err
		}
		if cfg.Polarity == "" {
			return false, fmt.Errorf("%w: sentiment polarity missing", domain.ErrMalformedStepConfig)
		}
		score, ok := in.Sentiment[strings.ToLower(cfg.Polarity)]
		return ok && score >= cfg.Threshold, nil
	case domain.TriggerTimeBased:
		var cfg timeConfig
		if err := decode(t.Config, &cfg); err != nil {
			return false, err
		}
		return inWindow(cfg, in.ReceivedAt)
	case domain.TriggerNewConversation:
		return in.NewConversation, nil
	case domain.TriggerTag:
		var cfg tagConfig
		if err := decode(t.Config, &cfg); err != nil {
			return false, err
		}
		return hasAnyTag(in.Tags, cfg.Tags), nil
	default:
		return false, fmt.Errorf("%w: unknown trigger type %q", domain.ErrMalformedStepConfig, t.Type)
	}
}

// Sort returns a copy ordered by descending priority, ties by lowest id
func Sort(triggers []domain.Trigger) []domain.Trigger {
	sorted := make([]domain.Trigger, len(triggers))
	copy(sorted, triggers)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// First returns the first firing trigger in evaluation order
func First(triggers []domain.Trigger, in Input) (domain.Trigger, bool) {
	for _, t := range Sort(triggers) {
		if Evaluate(t, in) {
			return t, true
		}
	}
	return domain.Trigger{}, false
}

// Gate reports whether a bot with the given triggers may answer.
// A bot without active triggers always answers.
func Gate(triggers []domain.Trigger, in Input) bool {
	active := 0
	for _, t := range triggers {
		if t.IsActive {
			active++
		}
	}
	if active == 0 {
		return true
	}
	_, ok := First(triggers, in)
	return ok
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty trigger config", domain.ErrMalformedStepConfig)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedStepConfig, err)
	}
	return nil
}

func matchKeywords(cfg keywordConfig, body string) bool {
	mode := cfg.Match
	if mode == "" {
		mode = cfg.MatchType
	}
	text := strings.ToLower(body)

	matched := 0
	total := 0
	for _, kw := range cfg.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		total++
		if strings.Contains(text, kw) {
			if mode != MatchAll {
				return true
			}
			matched++
		}
	}
	return mode == MatchAll && total > 0 && matched == total
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

// parseWeekday accepts full or three-letter English day names, any case.
func parseWeekday(d string) (time.Weekday, bool) {
	ld := strings.ToLower(strings.TrimSpace(d))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		full := strings.ToLower(wd.String())
		if ld == full || ld == full[:3] {
			return wd, true
		}
	}
	return 0, false
}

// inWindow checks [start, end) in the configured zone. A window whose end is
// before its start wraps past midnight; equal bounds cover the whole day.
func inWindow(cfg timeConfig, at time.Time) (bool, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return false, fmt.Errorf("%w: timezone %q", domain.ErrMalformedStepConfig, cfg.Timezone)
		}
		loc = l
	}
	start, err := clockMinutes(cfg.Start)
	if err != nil {
		return false, err
	}
	end, err := clockMinutes(cfg.End)
	if err != nil {
		return false, err
	}

	local := at.In(loc)
	if len(cfg.Days) > 0 {
		allowed := false
		for _, d := range cfg.Days {
			wd, ok := parseWeekday(d)
			if !ok {
				return false, fmt.Errorf("%w: day %q", domain.ErrMalformedStepConfig, d)
			}
			if wd == local.Weekday() {
				allowed = true
			}
		}
		if !allowed {
			return false, nil
		}
	}

	now := local.Hour()*60 + local.Minute()
	switch {
	case start == end:
		return true, nil
	case start < end:
		return now >= start && now < end, nil
	default:
		return now >= start || now < end, nil
	}
}

func clockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: time of day %q", domain.ErrMalformedStepConfig, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
