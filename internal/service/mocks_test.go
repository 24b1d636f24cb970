package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Rrens/social-inbox/internal/config"
	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/Rrens/social-inbox/internal/realtime"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockReplyGenerator mocks the responder provider
type MockReplyGenerator struct {
	mock.Mock
}

func (m *MockReplyGenerator) GenerateReply(ctx context.Context, bot *domain.AIBot, history []domain.Message) (string, error) {
	args := m.Called(ctx, bot, history)
	return args.String(0), args.Error(1)
}

// MockWorkspaceRepository mocks the WorkspaceRepository interface
type MockWorkspaceRepository struct {
	mock.Mock
}

func (m *MockWorkspaceRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Workspace, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Workspace), args.Error(1)
}

func (m *MockWorkspaceRepository) GetOwnerID(ctx context.Context, workspaceID uuid.UUID) (uuid.UUID, error) {
	args := m.Called(ctx, workspaceID)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *MockWorkspaceRepository) IsMember(ctx context.Context, workspaceID, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, workspaceID, userID)
	return args.Bool(0), args.Error(1)
}

// MockAccountRepository mocks the AccountRepository interface
type MockAccountRepository struct {
	mock.Mock
}

func (m *MockAccountRepository) GetByExternalID(ctx context.Context, platform, externalAccountID string) (*domain.ConnectedAccount, error) {
	args := m.Called(ctx, platform, externalAccountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ConnectedAccount), args.Error(1)
}

// fakePublisher records published events
type fakePublisher struct {
	mu     sync.Mutex
	events []realtime.Event
	users  []uuid.UUID
}

func (p *fakePublisher) Publish(userID uuid.UUID, event realtime.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.users = append(p.users, userID)
	return 1
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type staticOwner uuid.UUID

func (o staticOwner) OwnerID(context.Context, uuid.UUID) (uuid.UUID, error) {
	return uuid.UUID(o), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness wires the whole automation core over the in-memory store
type harness struct {
	store       *memStore
	replies     *MockReplyGenerator
	publisher   *fakePublisher
	clock       *fakeClock
	locks       *KeyLocker
	workspaceID uuid.UUID
	ownerID     uuid.UUID

	identity   *IdentityResolver
	dispatcher *Dispatcher
	engine     *FunnelEngine
	resolver   *AutomationResolver
	pipeline   *Pipeline
	scheduler  *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := newMemStore()
	h := &harness{
		store:       store,
		replies:     new(MockReplyGenerator),
		publisher:   &fakePublisher{},
		clock:       &fakeClock{now: time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)},
		locks:       NewKeyLocker(),
		workspaceID: uuid.New(),
		ownerID:     uuid.New(),
	}

	cfg := config.AutomationConfig{
		SchedulerSpec:        "@every 1s",
		SchedulerBatch:       10,
		MaxStepsPerRun:       16,
		MaxResponseDelay:     time.Second,
		DefaultConditionWait: time.Hour,
	}

	h.identity = NewIdentityResolver(memParticipants{store})
	h.dispatcher = NewDispatcher(memMessages{store}, nil, h.publisher, staticOwner(h.ownerID))
	h.dispatcher.now = h.clock.Now
	h.engine = NewFunnelEngine(memParticipants{store}, memFunnels{store}, memEnrollments{store}, memSettings{store}, memTags{store}, h.dispatcher, cfg)
	h.engine.now = h.clock.Now
	h.resolver = NewAutomationResolver(memParticipants{store}, memMessages{store}, memSettings{store}, memBots{store}, memFunnels{store}, memEnrollments{store}, memTags{store})
	h.pipeline = NewPipeline(h.identity, memMessages{store}, memTags{store}, h.engine, h.resolver, h.replies, h.dispatcher, h.locks, cfg)
	h.pipeline.now = h.clock.Now
	h.scheduler = NewScheduler(h.engine, memEnrollments{store}, h.locks, cfg)

	t.Cleanup(func() { h.replies.AssertExpectations(t) })
	return h
}

func (h *harness) addFunnel(f domain.Funnel) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	f.WorkspaceID = h.workspaceID
	f.IsActive = true
	for i := range f.Steps {
		f.Steps[i].FunnelID = f.ID
		f.Steps[i].Order = i + 1
		f.Steps[i].ID = f.ID*100 + int64(i)
	}
	h.store.funnels = append(h.store.funnels, f)
}

func (h *harness) addBot(b domain.AIBot) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	b.WorkspaceID = h.workspaceID
	b.IsActive = true
	h.store.bots[b.ID] = b
}

func (h *harness) key(externalID string) domain.ConversationKey {
	key, err := DeriveKey(domain.PlatformFacebook, h.workspaceID, externalID)
	if err != nil {
		panic(err)
	}
	return key
}

func (h *harness) ingest(t *testing.T, externalID, mid, body string) *IngestResult {
	t.Helper()
	res, err := h.pipeline.Ingest(context.Background(), domain.PlatformFacebook, h.workspaceID, RawEvent{
		ExternalMessageID:     mid,
		ExternalParticipantID: externalID,
		Body:                  body,
		Timestamp:             h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("ingest %s: %v", mid, err)
	}
	return res
}

func step(typ domain.StepType, cfg string) domain.FunnelStep {
	return domain.FunnelStep{Type: typ, Config: []byte(cfg)}
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
