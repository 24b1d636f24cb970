package service

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/google/uuid"
)

// memStore is an in-memory stand-in for the postgres repositories with the
// same uniqueness and compare-and-swap rules
type memStore struct {
	mu sync.Mutex

	participants map[domain.ConversationKey]domain.Participant
	messages     []domain.Message
	funnels      []domain.Funnel
	enrollments  map[int64]domain.FunnelEnrollment
	nextEnrollID int64
	bots         map[int64]domain.AIBot
	settings     map[domain.ConversationKey]domain.ConversationAISettings
	tags         map[domain.ConversationKey]map[string]bool

	// conflictOnce makes the next Update of that enrollment id lose the race
	conflictOnce map[int64]bool
	updates      int
}

func newMemStore() *memStore {
	return &memStore{
		participants: make(map[domain.ConversationKey]domain.Participant),
		enrollments:  make(map[int64]domain.FunnelEnrollment),
		bots:         make(map[int64]domain.AIBot),
		settings:     make(map[domain.ConversationKey]domain.ConversationAISettings),
		tags:         make(map[domain.ConversationKey]map[string]bool),
		conflictOnce: make(map[int64]bool),
	}
}

func cloneEnrollment(e domain.FunnelEnrollment) domain.FunnelEnrollment {
	e.Metadata = maps.Clone(e.Metadata)
	if e.Metadata == nil {
		e.Metadata = domain.EnrollmentMetadata{}
	}
	if e.NextStepAt != nil {
		at := *e.NextStepAt
		e.NextStepAt = &at
	}
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		e.CompletedAt = &at
	}
	return e
}

// participants

type memParticipants struct{ *memStore }

func (s memParticipants) Upsert(_ context.Context, p *domain.Participant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.participants[p.ConversationKey]
	if !ok {
		s.participants[p.ConversationKey] = *p
		return true, nil
	}
	if p.DisplayName != "" {
		existing.DisplayName = p.DisplayName
	}
	if p.Handle != "" {
		existing.Handle = p.Handle
	}
	if p.AvatarURL != "" {
		existing.AvatarURL = p.AvatarURL
	}
	existing.LastActivityAt = p.LastActivityAt
	existing.IsActive = true
	s.participants[p.ConversationKey] = existing
	*p = existing
	return false, nil
}

func (s memParticipants) Get(_ context.Context, key domain.ConversationKey) (*domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[key]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s memParticipants) DeactivateWorkspace(_ context.Context, workspaceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, p := range s.participants {
		if p.WorkspaceID == workspaceID {
			p.IsActive = false
			s.participants[k] = p
		}
	}
	return nil
}

// messages

type memMessages struct{ *memStore }

func (s memMessages) Append(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ExternalMessageID != "" {
		for _, existing := range s.messages {
			if existing.Platform == m.Platform && existing.ExternalMessageID == m.ExternalMessageID {
				return domain.ErrDuplicateMessage
			}
		}
	}
	s.messages = append(s.messages, *m)
	return nil
}

func (s memMessages) byKey(key domain.ConversationKey) []domain.Message {
	var out []domain.Message
	for _, m := range s.messages {
		if m.ConversationKey == key {
			out = append(out, m)
		}
	}
	return out
}

func (s memMessages) ListRecent(_ context.Context, key domain.ConversationKey, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.byKey(key)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s memMessages) LatestIncoming(_ context.Context, key domain.ConversationKey) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.byKey(key)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Direction == domain.DirectionIncoming {
			return &msgs[i], nil
		}
	}
	return nil, nil
}

func (s memMessages) CountByConversation(_ context.Context, key domain.ConversationKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey(key)), nil
}

func (s memMessages) CountBotReplies(_ context.Context, key domain.ConversationKey, botID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.byKey(key) {
		if m.Source == domain.SourceBot && m.BotID != nil && *m.BotID == botID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) messagesFor(key domain.ConversationKey) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memMessages{s}.byKey(key)
}

// funnels

type memFunnels struct{ *memStore }

func (s memFunnels) ListActive(_ context.Context, workspaceID uuid.UUID) ([]domain.Funnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Funnel
	for _, f := range s.funnels {
		if f.WorkspaceID == workspaceID && f.IsActive {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s memFunnels) Get(_ context.Context, id int64) (*domain.Funnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.funnels {
		if f.ID == id {
			return &f, nil
		}
	}
	return nil, nil
}

// enrollments

type memEnrollments struct{ *memStore }

func (s memEnrollments) Create(_ context.Context, e *domain.FunnelEnrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.enrollments {
		if existing.FunnelID == e.FunnelID &&
			existing.ConversationKey == e.ConversationKey &&
			existing.Status == domain.EnrollmentActive {
			return domain.ErrEnrollmentExists
		}
	}
	s.nextEnrollID++
	e.ID = s.nextEnrollID
	e.Version = 1
	s.enrollments[e.ID] = cloneEnrollment(*e)
	return nil
}

func (s memEnrollments) Get(_ context.Context, id int64) (*domain.FunnelEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, nil
	}
	c := cloneEnrollment(e)
	return &c, nil
}

func (s memEnrollments) list(match func(domain.FunnelEnrollment) bool) []domain.FunnelEnrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FunnelEnrollment
	for _, e := range s.enrollments {
		if match(e) {
			out = append(out, cloneEnrollment(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s memEnrollments) ListActive(_ context.Context, key domain.ConversationKey) ([]domain.FunnelEnrollment, error) {
	return s.list(func(e domain.FunnelEnrollment) bool {
		return e.ConversationKey == key && e.Status == domain.EnrollmentActive
	}), nil
}

func (s memEnrollments) ListByConversation(_ context.Context, key domain.ConversationKey) ([]domain.FunnelEnrollment, error) {
	return s.list(func(e domain.FunnelEnrollment) bool {
		return e.ConversationKey == key
	}), nil
}

func (s memEnrollments) ListDue(_ context.Context, now time.Time, limit int) ([]domain.FunnelEnrollment, error) {
	out := s.list(func(e domain.FunnelEnrollment) bool {
		return e.Status == domain.EnrollmentActive && e.NextStepAt != nil && !e.NextStepAt.After(now)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memEnrollments) Update(_ context.Context, e *domain.FunnelEnrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.enrollments[e.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if s.conflictOnce[e.ID] {
		delete(s.conflictOnce, e.ID)
		stored.Version++
		s.enrollments[e.ID] = stored
		return domain.ErrConcurrentEnrollmentConflict
	}
	if stored.Version != e.Version {
		return domain.ErrConcurrentEnrollmentConflict
	}
	e.Version++
	s.enrollments[e.ID] = cloneEnrollment(*e)
	s.updates++
	return nil
}

func (s *memStore) enrollment(id int64) domain.FunnelEnrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneEnrollment(s.enrollments[id])
}

// bots

type memBots struct{ *memStore }

func (s memBots) Get(_ context.Context, id int64) (*domain.AIBot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s memBots) GetWorkspaceDefault(_ context.Context, workspaceID uuid.UUID) (*domain.AIBot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *domain.AIBot
	for _, b := range s.bots {
		if b.WorkspaceID != workspaceID || b.Type != domain.BotWorkspaceDefault || !b.IsActive || !b.AutoRespond {
			continue
		}
		if best == nil || b.ID < best.ID {
			c := b
			best = &c
		}
	}
	return best, nil
}

// settings

type memSettings struct{ *memStore }

func (s memSettings) Get(_ context.Context, key domain.ConversationKey) (*domain.ConversationAISettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settings[key]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s memSettings) Upsert(_ context.Context, st *domain.ConversationAISettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[st.ConversationKey] = *st
	return nil
}

func (s memSettings) SetFunnel(_ context.Context, key domain.ConversationKey, funnelID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.settings[key]
	st.ConversationKey = key
	st.FunnelID = funnelID
	s.settings[key] = st
	return nil
}

func (s memSettings) SetHumanTakeover(_ context.Context, key domain.ConversationKey, takeover bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.settings[key]
	st.ConversationKey = key
	st.HumanTakeover = takeover
	s.settings[key] = st
	return nil
}

// tags

type memTags struct{ *memStore }

func (s memTags) Add(_ context.Context, key domain.ConversationKey, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tags[key] == nil {
		s.tags[key] = make(map[string]bool)
	}
	for _, t := range tags {
		s.tags[key][t] = true
	}
	return nil
}

func (s memTags) Remove(_ context.Context, key domain.ConversationKey, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tags {
		delete(s.tags[key], t)
	}
	return nil
}

func (s memTags) List(_ context.Context, key domain.ConversationKey) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tags[key]))
	for t := range s.tags[key] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}
