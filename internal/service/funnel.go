package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Rrens/social-inbox/internal/config"
	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/Rrens/social-inbox/internal/metrics"
	"github.com/Rrens/social-inbox/internal/trigger"
	"github.com/rs/zerolog/log"
)

// FunnelEngine drives funnel enrollments through their steps. Every step
// persists its state transition before performing side effects, so the
// optimistic version check on the enrollment is what claims the step.
type FunnelEngine struct {
	participants domain.ParticipantRepository
	funnels      domain.FunnelRepository
	enrollments  domain.EnrollmentRepository
	settings     domain.SettingsRepository
	tags         domain.TagRepository
	dispatcher   *Dispatcher
	cfg          config.AutomationConfig
	now          func() time.Time
}

// NewFunnelEngine creates a new funnel engine
func NewFunnelEngine(
	participants domain.ParticipantRepository,
	funnels domain.FunnelRepository,
	enrollments domain.EnrollmentRepository,
	settings domain.SettingsRepository,
	tags domain.TagRepository,
	dispatcher *Dispatcher,
	cfg config.AutomationConfig,
) *FunnelEngine {
	if cfg.MaxStepsPerRun <= 0 {
		cfg.MaxStepsPerRun = 32
	}
	if cfg.DefaultConditionWait <= 0 {
		cfg.DefaultConditionWait = 24 * time.Hour
	}
	return &FunnelEngine{
		participants: participants,
		funnels:      funnels,
		enrollments:  enrollments,
		settings:     settings,
		tags:         tags,
		dispatcher:   dispatcher,
		cfg:          cfg,
		now:          time.Now,
	}
}

// Enroll starts the highest priority matching funnel for the conversation.
// Only funnels ranked strictly above every funnel the conversation is
// already active in are candidates; lower enrollments are exited on entry.
func (e *FunnelEngine) Enroll(ctx context.Context, p *domain.Participant, in trigger.Input) (*domain.FunnelEnrollment, error) {
	key := p.ConversationKey

	settings, err := e.settings.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get ai settings: %w", err)
	}
	if settings != nil && settings.HumanTakeover {
		return nil, nil
	}

	funnels, err := e.funnels.ListActive(ctx, p.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list funnels: %w", err)
	}
	if len(funnels) == 0 {
		return nil, nil
	}
	byID := make(map[int64]*domain.Funnel, len(funnels))
	for i := range funnels {
		byID[funnels[i].ID] = &funnels[i]
	}

	active, err := e.enrollments.ListActive(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list active enrollments: %w", err)
	}

	floor := math.MinInt
	for _, a := range active {
		f, ok := byID[a.FunnelID]
		if !ok {
			if f, err = e.funnels.Get(ctx, a.FunnelID); err != nil {
				return nil, fmt.Errorf("failed to get funnel: %w", err)
			}
		}
		priority := math.MaxInt
		if f != nil {
			priority = f.Priority
		}
		if priority > floor {
			floor = priority
		}
	}

	candidates := make([]domain.Trigger, 0, len(funnels))
	for i := range funnels {
		if len(active) > 0 && funnels[i].Priority <= floor {
			continue
		}
		candidates = append(candidates, funnels[i].Trigger())
	}

	match, ok := trigger.First(candidates, in)
	if !ok {
		return nil, nil
	}
	f := byID[match.ID]

	now := e.now()
	enr := &domain.FunnelEnrollment{
		FunnelID:        f.ID,
		ConversationKey: key,
		CurrentStep:     0,
		Status:          domain.EnrollmentActive,
		Metadata:        domain.EnrollmentMetadata{},
		EnrolledAt:      now,
		UpdatedAt:       now,
	}
	if err := e.enrollments.Create(ctx, enr); err != nil {
		if errors.Is(err, domain.ErrEnrollmentExists) {
			log.Debug().Str("conversation_key", key.String()).Int64("funnel_id", f.ID).Msg("already enrolled")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to create enrollment: %w", err)
	}

	for i := range active {
		if err := e.exit(ctx, &active[i], domain.EnrollmentActive); err != nil {
			log.Error().Err(err).Int64("enrollment_id", active[i].ID).Msg("failed to exit preempted enrollment")
		}
	}

	if err := e.settings.SetFunnel(ctx, key, &f.ID); err != nil {
		log.Error().Err(err).Str("conversation_key", key.String()).Msg("failed to record current funnel")
	}

	log.Info().
		Str("conversation_key", key.String()).
		Int64("funnel_id", f.ID).
		Int64("enrollment_id", enr.ID).
		Str("trigger", string(f.TriggerType)).
		Msg("conversation enrolled in funnel")

	return enr, e.execute(ctx, p, f, enr)
}

// OnInbound feeds an inbound message to active enrollments parked on a
// condition or ai_response step. skipID excludes an enrollment created for
// this very message.
func (e *FunnelEngine) OnInbound(ctx context.Context, p *domain.Participant, skipID int64) error {
	active, err := e.enrollments.ListActive(ctx, p.ConversationKey)
	if err != nil {
		return fmt.Errorf("failed to list active enrollments: %w", err)
	}

	var errs []error
	for i := range active {
		if active[i].ID == skipID {
			continue
		}
		if err := e.onInbound(ctx, p, &active[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *FunnelEngine) onInbound(ctx context.Context, p *domain.Participant, enr *domain.FunnelEnrollment) error {
	f, err := e.funnels.Get(ctx, enr.FunnelID)
	if err != nil || f == nil {
		return err
	}

	idx := enr.CurrentStep
	step := f.Step(idx)
	if step == nil {
		return nil
	}

	switch step.Type {
	case domain.StepCondition:
		return e.withRetry(ctx, enr, func(cur *domain.FunnelEnrollment) error {
			if cur.CurrentStep != idx || cur.Metadata.Bool(domain.MetaPendingEntry) {
				return nil
			}
			meta(cur)[domain.MetaReplied] = true
			cur.Metadata[domain.MetaLastInboundAt] = e.now().UTC().Format(time.RFC3339)
			return e.resolveCondition(ctx, p, f, cur)
		})

	case domain.StepAIResponse:
		return e.withRetry(ctx, enr, func(cur *domain.FunnelEnrollment) error {
			if cur.CurrentStep != idx || cur.Metadata.Bool(domain.MetaPendingEntry) {
				return nil
			}
			cfg, err := ParseAIResponseConfig(step.Config)
			if err != nil {
				return e.skip(ctx, p, f, cur, step, err)
			}
			if !cfg.capReached(cur) {
				return nil
			}
			log.Info().
				Int64("enrollment_id", cur.ID).
				Int("max_messages", cfg.MaxMessages).
				Msg("ai_response reply budget used, advancing")
			metrics.RecordStep(string(step.Type), "cap_reached")
			cur.CurrentStep++
			return e.execute(ctx, p, f, cur)
		})
	}

	return nil
}

// RunDue advances an enrollment whose next_step_at has passed
func (e *FunnelEngine) RunDue(ctx context.Context, enr *domain.FunnelEnrollment) error {
	return e.withRetry(ctx, enr, func(cur *domain.FunnelEnrollment) error {
		now := e.now()
		if cur.Status != domain.EnrollmentActive || cur.NextStepAt == nil || cur.NextStepAt.After(now) {
			return nil
		}

		f, err := e.funnels.Get(ctx, cur.FunnelID)
		if err != nil {
			return fmt.Errorf("failed to get funnel: %w", err)
		}
		if f == nil {
			log.Warn().Int64("enrollment_id", cur.ID).Int64("funnel_id", cur.FunnelID).Msg("funnel gone, exiting enrollment")
			return e.exit(ctx, cur, domain.EnrollmentActive)
		}

		p, err := e.participants.Get(ctx, cur.ConversationKey)
		if err != nil {
			return fmt.Errorf("failed to get participant: %w", err)
		}
		if p == nil {
			return fmt.Errorf("participant %s: %w", cur.ConversationKey, domain.ErrNotFound)
		}

		cur.NextStepAt = nil
		if meta(cur).Bool(domain.MetaPendingEntry) {
			delete(cur.Metadata, domain.MetaPendingEntry)
			return e.execute(ctx, p, f, cur)
		}

		step := f.Step(cur.CurrentStep)
		if step != nil {
			switch step.Type {
			case domain.StepDelay:
				metrics.RecordStep(string(step.Type), "elapsed")
				cur.CurrentStep++
			case domain.StepCondition:
				return e.resolveCondition(ctx, p, f, cur)
			}
		}
		return e.execute(ctx, p, f, cur)
	})
}

// RecordAIReply counts a bot reply produced while the enrollment sat on an ai_response step
func (e *FunnelEngine) RecordAIReply(ctx context.Context, enrollmentID int64) error {
	enr, err := e.enrollments.Get(ctx, enrollmentID)
	if err != nil {
		return fmt.Errorf("failed to get enrollment: %w", err)
	}
	if enr == nil {
		return nil
	}
	return e.withRetry(ctx, enr, func(cur *domain.FunnelEnrollment) error {
		if cur.Status != domain.EnrollmentActive {
			return nil
		}
		meta(cur)[domain.MetaAIReplies] = cur.Metadata.Int(domain.MetaAIReplies) + 1
		return e.save(ctx, cur)
	})
}

// GetEnrollmentState lists the conversation's enrollments, active first
func (e *FunnelEngine) GetEnrollmentState(ctx context.Context, key domain.ConversationKey) ([]domain.EnrollmentState, error) {
	all, err := e.enrollments.ListByConversation(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}

	cache := make(map[int64]*domain.Funnel)
	states := make([]domain.EnrollmentState, 0, len(all))
	for _, enr := range all {
		f, ok := cache[enr.FunnelID]
		if !ok {
			if f, err = e.funnels.Get(ctx, enr.FunnelID); err != nil {
				return nil, fmt.Errorf("failed to get funnel: %w", err)
			}
			cache[enr.FunnelID] = f
		}

		state := domain.EnrollmentState{Enrollment: enr}
		if f != nil {
			state.FunnelName = f.Name
			state.Priority = f.Priority
			state.TotalSteps = len(f.Steps)
			if step := f.Step(enr.CurrentStep); step != nil && enr.Status != domain.EnrollmentCompleted {
				state.CurrentType = step.Type
			}
		}
		states = append(states, state)
	}

	sort.SliceStable(states, func(i, j int) bool {
		ai := states[i].Enrollment.Status == domain.EnrollmentActive
		aj := states[j].Enrollment.Status == domain.EnrollmentActive
		if ai != aj {
			return ai
		}
		return states[i].Enrollment.EnrolledAt.After(states[j].Enrollment.EnrolledAt)
	})
	return states, nil
}

// ClearTakeover hands the conversation back to automation. Enrollments paused
// by assign_human are exited rather than resumed.
func (e *FunnelEngine) ClearTakeover(ctx context.Context, key domain.ConversationKey) error {
	if err := e.settings.SetHumanTakeover(ctx, key, false); err != nil {
		return fmt.Errorf("failed to clear human takeover: %w", err)
	}

	all, err := e.enrollments.ListByConversation(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to list enrollments: %w", err)
	}
	for i := range all {
		if all[i].Status != domain.EnrollmentPaused {
			continue
		}
		if err := e.exit(ctx, &all[i], domain.EnrollmentPaused); err != nil {
			return err
		}
	}

	log.Info().Str("conversation_key", key.String()).Msg("human takeover cleared")
	return nil
}

// execute enters steps from the current index until one has to wait
func (e *FunnelEngine) execute(ctx context.Context, p *domain.Participant, f *domain.Funnel, enr *domain.FunnelEnrollment) error {
	meta(enr)
	for n := 0; ; n++ {
		if n >= e.cfg.MaxStepsPerRun {
			// hand the rest to the scheduler
			at := e.now()
			enr.NextStepAt = &at
			enr.Metadata[domain.MetaPendingEntry] = true
			log.Warn().Int64("enrollment_id", enr.ID).Int("steps", n).Msg("step budget exhausted, deferring to scheduler")
			return e.save(ctx, enr)
		}

		step := f.Step(enr.CurrentStep)
		if step == nil {
			return e.complete(ctx, enr)
		}

		wait, err := e.enter(ctx, p, enr, step)
		if errors.Is(err, domain.ErrMalformedStepConfig) {
			e.logMalformed(enr, step, err)
			enr.CurrentStep++
			continue
		}
		if err != nil {
			return err
		}
		metrics.RecordStep(string(step.Type), "ok")
		if wait {
			return nil
		}
	}
}

// enter performs one step and reports whether the enrollment now waits
func (e *FunnelEngine) enter(ctx context.Context, p *domain.Participant, enr *domain.FunnelEnrollment, step *domain.FunnelStep) (bool, error) {
	now := e.now()
	enr.NextStepAt = nil
	enr.Metadata[domain.MetaStepEnteredAt] = now.UTC().Format(time.RFC3339)

	switch step.Type {
	case domain.StepSendMessage:
		cfg, err := ParseSendMessageConfig(step)
		if err != nil {
			return false, err
		}
		enr.CurrentStep++
		if err := e.save(ctx, enr); err != nil {
			return false, err
		}
		id := enr.ID
		if _, err := e.dispatcher.Deliver(ctx, p, Outgoing{Body: cfg.Text, Source: domain.SourceFunnel, EnrollmentID: &id}); err != nil {
			log.Error().Err(err).Int64("enrollment_id", enr.ID).Msg("funnel message not delivered")
		}
		return false, nil

	case domain.StepDelay:
		cfg, err := ParseDelayConfig(step)
		if err != nil {
			return false, err
		}
		at := now.Add(cfg.Duration())
		enr.NextStepAt = &at
		return true, e.save(ctx, enr)

	case domain.StepCondition:
		cfg, err := ParseConditionConfig(step)
		if err != nil {
			return false, err
		}
		at := now.Add(cfg.WaitOr(e.cfg.DefaultConditionWait))
		enr.NextStepAt = &at
		enr.Metadata[domain.MetaReplied] = false
		return true, e.save(ctx, enr)

	case domain.StepTag:
		cfg, err := ParseTagConfig(step)
		if err != nil {
			return false, err
		}
		enr.CurrentStep++
		if err := e.save(ctx, enr); err != nil {
			return false, err
		}
		if len(cfg.Add) > 0 {
			if err := e.tags.Add(ctx, enr.ConversationKey, cfg.Add); err != nil {
				log.Error().Err(err).Int64("enrollment_id", enr.ID).Msg("failed to add tags")
			}
		}
		if len(cfg.Remove) > 0 {
			if err := e.tags.Remove(ctx, enr.ConversationKey, cfg.Remove); err != nil {
				log.Error().Err(err).Int64("enrollment_id", enr.ID).Msg("failed to remove tags")
			}
		}
		return false, nil

	case domain.StepAssignHuman:
		enr.Status = domain.EnrollmentPaused
		if err := e.save(ctx, enr); err != nil {
			return false, err
		}
		if err := e.settings.SetHumanTakeover(ctx, enr.ConversationKey, true); err != nil {
			return true, fmt.Errorf("failed to set human takeover: %w", err)
		}
		log.Info().
			Str("conversation_key", enr.ConversationKey.String()).
			Int64("enrollment_id", enr.ID).
			Msg("conversation handed to a human")
		return true, nil

	case domain.StepAIResponse:
		if _, err := ParseAIResponseConfig(step.Config); err != nil {
			return false, err
		}
		enr.Metadata[domain.MetaAIReplies] = 0
		return true, e.save(ctx, enr)
	}

	return false, malformed(step.Type, "unknown step type")
}

// resolveCondition evaluates the current condition step and jumps to its branch
func (e *FunnelEngine) resolveCondition(ctx context.Context, p *domain.Participant, f *domain.Funnel, enr *domain.FunnelEnrollment) error {
	step := f.Step(enr.CurrentStep)
	cfg, err := ParseConditionConfig(step)
	if err != nil {
		return e.skip(ctx, p, f, enr, step, err)
	}

	var outcome bool
	switch cfg.If {
	case ConditionUserReplied:
		outcome = enr.Metadata.Bool(domain.MetaReplied)
	case ConditionHasTag:
		tags, err := e.tags.List(ctx, enr.ConversationKey)
		if err != nil {
			return fmt.Errorf("failed to list tags: %w", err)
		}
		for _, t := range tags {
			if t == cfg.Tag {
				outcome = true
				break
			}
		}
	}

	metrics.RecordStep(string(step.Type), fmt.Sprintf("%t", outcome))
	enr.NextStepAt = nil
	enr.CurrentStep = cfg.Target(enr.CurrentStep, outcome)
	return e.execute(ctx, p, f, enr)
}

func (e *FunnelEngine) skip(ctx context.Context, p *domain.Participant, f *domain.Funnel, enr *domain.FunnelEnrollment, step *domain.FunnelStep, cause error) error {
	e.logMalformed(enr, step, cause)
	enr.NextStepAt = nil
	enr.CurrentStep++
	return e.execute(ctx, p, f, enr)
}

func (e *FunnelEngine) logMalformed(enr *domain.FunnelEnrollment, step *domain.FunnelStep, err error) {
	log.Error().Err(err).
		Str("conversation_key", enr.ConversationKey.String()).
		Int64("enrollment_id", enr.ID).
		Int64("step_id", step.ID).
		Int("step", enr.CurrentStep).
		Msg("skipping malformed funnel step")
	metrics.RecordStep(string(step.Type), "malformed")
	meta(enr)[domain.MetaLastMalformedErr] = err.Error()
}

func (e *FunnelEngine) complete(ctx context.Context, enr *domain.FunnelEnrollment) error {
	now := e.now()
	enr.Status = domain.EnrollmentCompleted
	enr.CompletedAt = &now
	enr.NextStepAt = nil
	if err := e.save(ctx, enr); err != nil {
		return err
	}
	if err := e.settings.SetFunnel(ctx, enr.ConversationKey, nil); err != nil {
		log.Error().Err(err).Int64("enrollment_id", enr.ID).Msg("failed to clear current funnel")
	}
	log.Info().
		Str("conversation_key", enr.ConversationKey.String()).
		Int64("enrollment_id", enr.ID).
		Msg("funnel completed")
	return nil
}

// exit marks an enrollment exited if it still has the expected status
func (e *FunnelEngine) exit(ctx context.Context, enr *domain.FunnelEnrollment, from domain.EnrollmentStatus) error {
	return e.withRetry(ctx, enr, func(cur *domain.FunnelEnrollment) error {
		if cur.Status != from {
			return nil
		}
		now := e.now()
		cur.Status = domain.EnrollmentExited
		cur.CompletedAt = &now
		cur.NextStepAt = nil
		return e.save(ctx, cur)
	})
}

func (e *FunnelEngine) save(ctx context.Context, enr *domain.FunnelEnrollment) error {
	enr.UpdatedAt = e.now()
	if err := e.enrollments.Update(ctx, enr); err != nil {
		return fmt.Errorf("failed to update enrollment %d: %w", enr.ID, err)
	}
	return nil
}

// withRetry runs fn and, after losing a version race, once more against a
// freshly loaded copy. A second conflict is returned to the caller.
func (e *FunnelEngine) withRetry(ctx context.Context, enr *domain.FunnelEnrollment, fn func(*domain.FunnelEnrollment) error) error {
	err := fn(enr)
	if !errors.Is(err, domain.ErrConcurrentEnrollmentConflict) {
		return err
	}

	fresh, gerr := e.enrollments.Get(ctx, enr.ID)
	if gerr != nil {
		return fmt.Errorf("failed to reload enrollment: %w", gerr)
	}
	if fresh == nil {
		return nil
	}

	err = fn(fresh)
	if errors.Is(err, domain.ErrConcurrentEnrollmentConflict) {
		metrics.EnrollmentConflicts.Inc()
		log.Warn().Int64("enrollment_id", enr.ID).Msg("enrollment changed concurrently, giving up until next tick")
	}
	return err
}

func meta(enr *domain.FunnelEnrollment) domain.EnrollmentMetadata {
	if enr.Metadata == nil {
		enr.Metadata = domain.EnrollmentMetadata{}
	}
	return enr.Metadata
}
