package service

import (
	"context"
	"testing"
	"time"

	"github.com/Rrens/social-inbox/internal/config"
	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_StartStop(t *testing.T) {
	h := newHarness(t)

	bad := NewScheduler(h.engine, memEnrollments{h.store}, h.locks, config.AutomationConfig{SchedulerSpec: "every now and then"})
	assert.Error(t, bad.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.scheduler.Start(ctx))
	require.NoError(t, h.scheduler.Start(ctx), "second start is a no-op")
	h.scheduler.Stop()
	h.scheduler.Stop()
}

func TestScheduler_RunOnceRespectsBatchAndLocks(t *testing.T) {
	h := newHarness(t)
	h.addFunnel(domain.Funnel{
		ID:          1,
		TriggerType: domain.TriggerAlways,
		Steps: []domain.FunnelStep{
			step(domain.StepDelay, `{"seconds":30}`),
			step(domain.StepSendMessage, `{"text":"ping"}`),
		},
	})

	for _, p := range []string{"P1", "P2", "P3"} {
		h.ingest(t, p, "mid."+p, "hi")
	}
	h.clock.Advance(30 * time.Second)

	small := NewScheduler(h.engine, memEnrollments{h.store}, h.locks, config.AutomationConfig{SchedulerBatch: 2})
	n, err := small.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = small.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, p := range []string{"P1", "P2", "P3"} {
		assert.Equal(t, []string{"ping"}, bodies(h.store.messagesFor(h.key(p)), domain.DirectionOutgoing))
		assert.Zero(t, h.locks.Held(h.key(p)))
	}
}

func TestScheduler_CanceledContext(t *testing.T) {
	h := newHarness(t)
	h.addFunnel(domain.Funnel{
		ID:          1,
		TriggerType: domain.TriggerAlways,
		Steps:       []domain.FunnelStep{step(domain.StepDelay, `{"seconds":1}`)},
	})
	h.ingest(t, "P1", "mid.1", "hi")
	h.clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := h.scheduler.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}
