package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Rrens/social-inbox/internal/config"
	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/Rrens/social-inbox/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Scheduler periodically advances enrollments whose next_step_at has passed.
// Runs never overlap, and each enrollment is processed under its
// conversation lock so it cannot race the ingestion pipeline.
type Scheduler struct {
	engine      *FunnelEngine
	enrollments domain.EnrollmentRepository
	locks       *KeyLocker
	cfg         config.AutomationConfig
	cron        *cron.Cron

	mu      sync.Mutex
	started bool
}

// NewScheduler creates a new scheduler
func NewScheduler(engine *FunnelEngine, enrollments domain.EnrollmentRepository, locks *KeyLocker, cfg config.AutomationConfig) *Scheduler {
	if cfg.SchedulerSpec == "" {
		cfg.SchedulerSpec = "@every 5s"
	}
	if cfg.SchedulerBatch <= 0 {
		cfg.SchedulerBatch = 100
	}

	logger := cronLogger{}
	return &Scheduler{
		engine:      engine,
		enrollments: enrollments,
		locks:       locks,
		cfg:         cfg,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Start registers the tick and starts the cron runner. The context bounds
// every run; cancel it together with Stop on shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if _, err := s.cron.AddFunc(s.cfg.SchedulerSpec, func() {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("scheduler run failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid scheduler spec %q: %w", s.cfg.SchedulerSpec, err)
	}

	s.cron.Start()
	s.started = true
	log.Info().Str("spec", s.cfg.SchedulerSpec).Int("batch", s.cfg.SchedulerBatch).Msg("funnel scheduler started")
	return nil
}

// Stop stops scheduling and waits for a running tick to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.started = false
	log.Info().Msg("funnel scheduler stopped")
}

// RunOnce processes one batch of due enrollments and returns how many were
// advanced. Conflicts are left for the next tick.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	due, err := s.enrollments.ListDue(ctx, s.engine.now(), s.cfg.SchedulerBatch)
	if err != nil {
		metrics.SchedulerRuns.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to list due enrollments: %w", err)
	}

	advanced := 0
	for i := range due {
		if err := ctx.Err(); err != nil {
			return advanced, err
		}

		if err := s.advance(ctx, &due[i]); err != nil {
			log.Error().Err(err).
				Int64("enrollment_id", due[i].ID).
				Str("conversation_key", due[i].ConversationKey.String()).
				Msg("failed to advance enrollment")
			continue
		}
		advanced++
	}

	metrics.SchedulerRuns.WithLabelValues("ok").Inc()
	if len(due) > 0 {
		log.Debug().Int("due", len(due)).Int("advanced", advanced).Msg("scheduler run finished")
	}
	return advanced, nil
}

func (s *Scheduler) advance(ctx context.Context, enr *domain.FunnelEnrollment) error {
	unlock := s.locks.Lock(enr.ConversationKey)
	defer unlock()
	return s.engine.RunDue(ctx, enr)
}

// cronLogger routes cron's own logging through zerolog
type cronLogger struct{}

var _ cron.Logger = cronLogger{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
