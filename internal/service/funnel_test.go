package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func bodies(msgs []domain.Message, dir domain.Direction) []string {
	var out []string
	for _, m := range msgs {
		if m.Direction == dir {
			out = append(out, m.Body)
		}
	}
	return out
}

func TestFunnel_PriceScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addFunnel(domain.Funnel{
		ID:            1,
		Name:          "pricing",
		TriggerType:   domain.TriggerKeyword,
		TriggerConfig: json.RawMessage(`{"keywords":["price","cost"]}`),
		Steps: []domain.FunnelStep{
			step(domain.StepSendMessage, `{"text":"Here's our catalog"}`),
			step(domain.StepDelay, `{"minutes":2}`),
			step(domain.StepAIResponse, `{"bot_id":7,"max_messages":5}`),
		},
	})
	h.addBot(domain.AIBot{ID: 7, Type: domain.BotFunnelSpecific, Provider: "openai"})

	start := h.clock.Now()
	res := h.ingest(t, "P1", "m1", "price?")
	require.NotNil(t, res.EnrollmentID)
	require.NotNil(t, res.Decision)
	assert.False(t, res.Decision.UseBot(), "delay step selects no bot")

	enr := h.store.enrollment(*res.EnrollmentID)
	assert.Equal(t, 1, enr.CurrentStep)
	assert.Equal(t, domain.EnrollmentActive, enr.Status)
	require.NotNil(t, enr.NextStepAt)
	assert.Equal(t, start.Add(2*time.Minute), *enr.NextStepAt)
	assert.Equal(t, []string{"Here's our catalog"}, bodies(h.store.messagesFor(res.ConversationKey), domain.DirectionOutgoing))

	// not due yet
	h.clock.Advance(time.Minute)
	n, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(time.Minute)
	n, err = h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	enr = h.store.enrollment(*res.EnrollmentID)
	assert.Equal(t, 2, enr.CurrentStep)
	assert.Nil(t, enr.NextStepAt)

	h.replies.On("GenerateReply", mock.Anything, mock.MatchedBy(func(b *domain.AIBot) bool { return b.ID == 7 }), mock.Anything).
		Return("Plans start at $10", nil).Once()

	res2 := h.ingest(t, "P1", "m2", "and for two seats?")
	require.NotNil(t, res2.Decision)
	assert.Equal(t, SourceFunnel, res2.Decision.Source)
	assert.Equal(t, int64(7), res2.Decision.BotID)
	require.NotNil(t, res2.Reply)
	assert.Equal(t, "Plans start at $10", res2.Reply.Body)
	assert.Equal(t, domain.SourceBot, res2.Reply.Source)
	assert.Equal(t, res.EnrollmentID, res2.Reply.EnrollmentID)

	enr = h.store.enrollment(*res.EnrollmentID)
	assert.Equal(t, 1, enr.Metadata.Int(domain.MetaAIReplies))
	assert.Equal(t, 4, h.publisher.count())
}

func conditionFunnel() domain.Funnel {
	return domain.Funnel{
		ID:          1,
		Name:        "follow-up",
		TriggerType: domain.TriggerNewConversation,
		Steps: []domain.FunnelStep{
			step(domain.StepSendMessage, `{"text":"Hi there"}`),
			step(domain.StepCondition, `{"if":"user_replied","then":2,"else":4,"wait":"1h"}`),
			step(domain.StepTag, `{"add":["engaged"]}`),
			step(domain.StepAssignHuman, `{}`),
			step(domain.StepSendMessage, `{"text":"Still there?"}`),
		},
	}
}

func TestFunnel_ConditionReplied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addFunnel(conditionFunnel())

	res := h.ingest(t, "P1", "m1", "hello")
	require.NotNil(t, res.EnrollmentID)

	enr := h.store.enrollment(*res.EnrollmentID)
	assert.Equal(t, 1, enr.CurrentStep)
	assert.False(t, enr.Metadata.Bool(domain.MetaReplied))

	res2 := h.ingest(t, "P1", "m2", "yes I'm here")
	assert.Nil(t, res2.EnrollmentID)
	require.NotNil(t, res2.Decision)
	assert.Equal(t, ReasonHumanTakeover, res2.Decision.Reason)

	enr = h.store.enrollment(*res.EnrollmentID)
	assert.Equal(t, domain.EnrollmentPaused, enr.Status)
	assert.Equal(t, 3, enr.CurrentStep)

	tags, _ := memTags{h.store}.List(ctx, res.ConversationKey)
	assert.Equal(t, []string{"engaged"}, tags)

	settings, _ := memSettings{h.store}.Get(ctx, res.ConversationKey)
	require.NotNil(t, settings)
	assert.True(t, settings.HumanTakeover)

	// the scheduler never touches a paused enrollment
	h.clock.Advance(2 * time.Hour)
	n, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, h.engine.ClearTakeover(ctx, res.ConversationKey))
	enr = h.store.enrollment(*res.EnrollmentID)
	assert.Equal(t, domain.EnrollmentExited, enr.Status)
	settings, _ = memSettings{h.store}.Get(ctx, res.ConversationKey)
	assert.False(t, settings.HumanTakeover)
}

func TestFunnel_ConditionTimesOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addFunnel(conditionFunnel())

	res := h.ingest(t, "P1", "m1", "hello")
	require.NotNil(t, res.EnrollmentID)

	h.clock.Advance(time.Hour)
	n, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	enr := h.store.enrollment(*res.EnrollmentID)
	assert.Equal(t, domain.EnrollmentCompleted, enr.Status)
	require.NotNil(t, enr.CompletedAt)
	assert.Equal(t, []string{"Hi there", "Still there?"}, bodies(h.store.messagesFor(res.ConversationKey), domain.DirectionOutgoing))
}

func TestFunnel_TagsDriveCondition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.tags[h.key("P1")] = map[string]bool{"cold": true}
	h.addFunnel(domain.Funnel{
		ID:          1,
		TriggerType: domain.TriggerAlways,
		Steps: []domain.FunnelStep{
			step(domain.StepTag, `{"add":["vip"],"remove":["cold"]}`),
			step(domain.StepCondition, `{"if":"has_tag","tag":"vip","then":3,"else":2,"wait":"1m"}`),
			step(domain.StepSendMessage, `{"text":"regular"}`),
			step(domain.StepSendMessage, `{"text":"welcome back, VIP"}`),
		},
	})

	res := h.ingest(t, "P1", "m1", "hi")
	require.NotNil(t, res.EnrollmentID)

	tags, err := memTags{h.store}.List(ctx, res.ConversationKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"vip"}, tags)

	enr := h.store.enrollment(*res.EnrollmentID)
	assert.Equal(t, 1, enr.CurrentStep)
	require.NotNil(t, enr.NextStepAt)

	h.clock.Advance(2 * time.Minute)
	n, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	enr = h.store.enrollment(*res.EnrollmentID)
	assert.Equal(t, domain.EnrollmentCompleted, enr.Status)
	assert.Equal(t, []string{"welcome back, VIP"}, bodies(h.store.messagesFor(res.ConversationKey), domain.DirectionOutgoing))
}

func TestFunnel_MalformedStepsAreSkipped(t *testing.T) {
	h := newHarness(t)
	h.addFunnel(domain.Funnel{
		ID:          1,
		TriggerType: domain.TriggerAlways,
		Steps: []domain.FunnelStep{
			step(domain.StepSendMessage, `{}`),
			step(domain.StepType("teleport"), `{}`),
			step(domain.StepDelay, `{"minutes":"two"}`),
			step(domain.StepSendMessage, `{"text":"made it"}`),
		},
	})

	res := h.ingest(t, "P1", "m1", "hi")
	require.NotNil(t, res.EnrollmentID)

	enr := h.store.enrollment(*res.EnrollmentID)
	assert.Equal(t, domain.EnrollmentCompleted, enr.Status)
	assert.NotEmpty(t, enr.Metadata[domain.MetaLastMalformedErr])
	assert.Equal(t, []string{"made it"}, bodies(h.store.messagesFor(res.ConversationKey), domain.DirectionOutgoing))
}

func TestFunnel_HigherPriorityPreempts(t *testing.T) {
	h := newHarness(t)
	h.addFunnel(domain.Funnel{
		ID:            1,
		Priority:      1,
		TriggerType:   domain.TriggerKeyword,
		TriggerConfig: json.RawMessage(`{"keywords":["hi"]}`),
		Steps:         []domain.FunnelStep{step(domain.StepDelay, `{"hours":1}`)},
	})
	h.addFunnel(domain.Funnel{
		ID:            2,
		Priority:      5,
		TriggerType:   domain.TriggerKeyword,
		TriggerConfig: json.RawMessage(`{"keywords":["urgent"]}`),
		Steps:         []domain.FunnelStep{step(domain.StepDelay, `{"hours":1}`)},
	})

	low := h.ingest(t, "P1", "m1", "hi")
	require.NotNil(t, low.EnrollmentID)

	high := h.ingest(t, "P1", "m2", "urgent please")
	require.NotNil(t, high.EnrollmentID)
	assert.Equal(t, domain.EnrollmentExited, h.store.enrollment(*low.EnrollmentID).Status)
	assert.Equal(t, domain.EnrollmentActive, h.store.enrollment(*high.EnrollmentID).Status)

	again := h.ingest(t, "P1", "m3", "hi again")
	assert.Nil(t, again.EnrollmentID, "lower priority funnel cannot enroll over an active higher one")

	settings, _ := memSettings{h.store}.Get(context.Background(), high.ConversationKey)
	require.NotNil(t, settings.FunnelID)
	assert.Equal(t, int64(2), *settings.FunnelID)
}

func TestFunnel_AIResponseCapAdvances(t *testing.T) {
	h := newHarness(t)
	h.addFunnel(domain.Funnel{
		ID:          1,
		TriggerType: domain.TriggerNewConversation,
		Steps: []domain.FunnelStep{
			step(domain.StepAIResponse, `{"bot_id":7,"max_messages":1}`),
			step(domain.StepSendMessage, `{"text":"A teammate will follow up"}`),
		},
	})
	h.addBot(domain.AIBot{ID: 7, Type: domain.BotFunnelSpecific})
	h.replies.On("GenerateReply", mock.Anything, mock.Anything, mock.Anything).Return("bot answer", nil).Once()

	first := h.ingest(t, "P1", "m1", "question")
	require.NotNil(t, first.Reply)

	second := h.ingest(t, "P1", "m2", "another question")
	assert.Nil(t, second.Reply)
	require.NotNil(t, second.Decision)
	assert.Equal(t, ReasonNoBot, second.Decision.Reason)

	enr := h.store.enrollment(*first.EnrollmentID)
	assert.Equal(t, domain.EnrollmentCompleted, enr.Status)
	assert.Equal(t, []string{"bot answer", "A teammate will follow up"}, bodies(h.store.messagesFor(first.ConversationKey), domain.DirectionOutgoing))
}

func TestFunnel_ConflictRetriedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addFunnel(domain.Funnel{
		ID:          1,
		TriggerType: domain.TriggerAlways,
		Steps: []domain.FunnelStep{
			step(domain.StepDelay, `{"minutes":1}`),
			step(domain.StepSendMessage, `{"text":"after the delay"}`),
		},
	})

	res := h.ingest(t, "P1", "m1", "hi")
	require.NotNil(t, res.EnrollmentID)

	h.store.mu.Lock()
	h.store.conflictOnce[*res.EnrollmentID] = true
	h.store.mu.Unlock()

	h.clock.Advance(time.Minute)
	n, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, domain.EnrollmentCompleted, h.store.enrollment(*res.EnrollmentID).Status)
	assert.Equal(t, []string{"after the delay"}, bodies(h.store.messagesFor(res.ConversationKey), domain.DirectionOutgoing))
}

func TestFunnel_ConcurrentRunDueExecutesStepOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addFunnel(domain.Funnel{
		ID:          1,
		TriggerType: domain.TriggerAlways,
		Steps: []domain.FunnelStep{
			step(domain.StepDelay, `{"minutes":1}`),
			step(domain.StepSendMessage, `{"text":"once"}`),
		},
	})

	res := h.ingest(t, "P1", "m1", "hi")
	require.NotNil(t, res.EnrollmentID)
	h.clock.Advance(time.Minute)

	snapshot := h.store.enrollment(*res.EnrollmentID)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := cloneEnrollment(snapshot)
			_ = h.engine.RunDue(ctx, &e)
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"once"}, bodies(h.store.messagesFor(res.ConversationKey), domain.DirectionOutgoing))
	assert.Equal(t, domain.EnrollmentCompleted, h.store.enrollment(*res.EnrollmentID).Status)
}

func TestFunnelEngine_GetEnrollmentState(t *testing.T) {
	h := newHarness(t)
	h.addFunnel(conditionFunnel())

	res := h.ingest(t, "P1", "m1", "hello")
	require.NotNil(t, res.EnrollmentID)

	states, err := h.engine.GetEnrollmentState(context.Background(), res.ConversationKey)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "follow-up", states[0].FunnelName)
	assert.Equal(t, domain.StepCondition, states[0].CurrentType)
	assert.Equal(t, 5, states[0].TotalSteps)
}

func TestStepConfigs(t *testing.T) {
	delay := step(domain.StepDelay, `{"days":1,"hours":2,"minutes":3,"seconds":4}`)
	cfg, err := ParseDelayConfig(&delay)
	require.NoError(t, err)
	assert.Equal(t, 26*time.Hour+3*time.Minute+4*time.Second, cfg.Duration())

	bad := step(domain.StepDelay, `{}`)
	_, err = ParseDelayConfig(&bad)
	assert.ErrorIs(t, err, domain.ErrMalformedStepConfig)

	cond := step(domain.StepCondition, `{"if":"has_tag","tag":"vip","then":3}`)
	c, err := ParseConditionConfig(&cond)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Target(1, true))
	assert.Equal(t, 2, c.Target(1, false))
	assert.Equal(t, time.Hour, c.WaitOr(time.Hour))

	for _, raw := range []string{`{"if":"has_tag"}`, `{"if":"moon_phase"}`, `{"if":"user_replied","then":-1}`, `{"if":"user_replied","wait":"soon"}`} {
		s := step(domain.StepCondition, raw)
		_, err := ParseConditionConfig(&s)
		assert.ErrorIs(t, err, domain.ErrMalformedStepConfig, raw)
	}

	_, err = ParseAIResponseConfig(json.RawMessage(`{"max_messages":2}`))
	assert.ErrorIs(t, err, domain.ErrMalformedStepConfig)

	tag := step(domain.StepTag, `{}`)
	_, err = ParseTagConfig(&tag)
	assert.ErrorIs(t, err, domain.ErrMalformedStepConfig)
}
