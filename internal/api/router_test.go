package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Rrens/social-inbox/internal/api/handler"
	"github.com/Rrens/social-inbox/internal/config"
	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/Rrens/social-inbox/internal/security"
	"github.com/Rrens/social-inbox/internal/service"
	"github.com/Rrens/social-inbox/internal/webhook"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockConversations struct {
	mock.Mock
}

func (m *MockConversations) Get(ctx context.Context, userID uuid.UUID, key domain.ConversationKey) (*domain.Participant, error) {
	args := m.Called(ctx, userID, key)
	p, _ := args.Get(0).(*domain.Participant)
	return p, args.Error(1)
}

func (m *MockConversations) ResolveResponder(ctx context.Context, userID uuid.UUID, key domain.ConversationKey) (service.Decision, error) {
	args := m.Called(ctx, userID, key)
	return args.Get(0).(service.Decision), args.Error(1)
}

func (m *MockConversations) GetEnrollmentState(ctx context.Context, userID uuid.UUID, key domain.ConversationKey) ([]domain.EnrollmentState, error) {
	args := m.Called(ctx, userID, key)
	states, _ := args.Get(0).([]domain.EnrollmentState)
	return states, args.Error(1)
}

func (m *MockConversations) UpdateAISettings(ctx context.Context, userID uuid.UUID, key domain.ConversationKey, input domain.AISettingsUpdate) (*domain.ConversationAISettings, error) {
	args := m.Called(ctx, userID, key, input)
	settings, _ := args.Get(0).(*domain.ConversationAISettings)
	return settings, args.Error(1)
}

func (m *MockConversations) ClearTakeover(ctx context.Context, userID uuid.UUID, key domain.ConversationKey) error {
	return m.Called(ctx, userID, key).Error(0)
}

type MockIngester struct {
	mock.Mock
}

func (m *MockIngester) Ingest(ctx context.Context, platform string, workspaceID uuid.UUID, ev service.RawEvent) (*service.IngestResult, error) {
	args := m.Called(ctx, platform, workspaceID, ev)
	res, _ := args.Get(0).(*service.IngestResult)
	return res, args.Error(1)
}

type MockAccess struct {
	mock.Mock
}

func (m *MockAccess) CheckAccess(ctx context.Context, userID, workspaceID uuid.UUID) error {
	return m.Called(ctx, userID, workspaceID).Error(0)
}

type fakeReceiver struct {
	bodies [][]byte
	stats  webhook.Stats
}

func (f *fakeReceiver) Handle(_ context.Context, _ string, body []byte) (webhook.Stats, error) {
	f.bodies = append(f.bodies, body)
	return f.stats, nil
}

type fakeSessions struct {
	users []uuid.UUID
}

func (f *fakeSessions) Serve(w http.ResponseWriter, _ *http.Request, userID uuid.UUID) error {
	f.users = append(f.users, userID)
	w.WriteHeader(http.StatusOK)
	return nil
}

type fakeLimiter struct {
	allow bool
	err   error
}

func (f fakeLimiter) Allow(context.Context, string) (bool, int, time.Time, error) {
	return f.allow, 0, time.Date(2024, 5, 6, 10, 1, 0, 0, time.UTC), f.err
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type testServer struct {
	handler       http.Handler
	tokens        *security.JWTManager
	conversations *MockConversations
	ingester      *MockIngester
	access        *MockAccess
	receiver      *fakeReceiver
	sessions      *fakeSessions
	userID        uuid.UUID
}

func newTestServer(t *testing.T, mutate func(*Dependencies)) *testServer {
	t.Helper()

	cfg := &config.Config{
		Server:  config.ServerConfig{MiddlewareTimeout: 5 * time.Second},
		Webhook: config.WebhookConfig{VerifyToken: "verify-me", FacebookAppSecret: "app-secret"},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}

	ts := &testServer{
		tokens:        security.NewJWTManager("router-test-secret", "social-inbox", time.Hour),
		conversations: new(MockConversations),
		ingester:      new(MockIngester),
		access:        new(MockAccess),
		receiver:      &fakeReceiver{stats: webhook.Stats{Received: 1, Ingested: 1}},
		sessions:      &fakeSessions{},
		userID:        uuid.New(),
	}

	deps := Dependencies{
		Tokens:         ts.tokens,
		Conversations:  ts.conversations,
		Ingester:       ts.ingester,
		Access:         ts.access,
		Webhooks:       ts.receiver,
		Sessions:       ts.sessions,
		APILimiter:     fakeLimiter{allow: true},
		WebhookLimiter: fakeLimiter{allow: true},
		ConnectLimiter: fakeLimiter{allow: true},
		Ready:          map[string]handler.Pinger{"database": fakePinger{}},
	}
	if mutate != nil {
		mutate(&deps)
	}

	ts.handler = NewRouter(cfg, deps)
	return ts
}

func (ts *testServer) token(t *testing.T) string {
	t.Helper()
	token, err := ts.tokens.GenerateAccessToken(ts.userID, "agent@example.com")
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) authed(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ts.token(t))
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	down := newTestServer(t, func(d *Dependencies) {
		d.Ready = map[string]handler.Pinger{"redis": fakePinger{err: errors.New("down")}}
	})
	rec = down.do(httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "redis not ready", decode(t, rec)["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookVerify(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet,
		"/webhooks/facebook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1158201444", rec.Body.String())

	rec = ts.do(httptest.NewRequest(http.MethodGet,
		"/webhooks/facebook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookReceiveChecksSignature(t *testing.T) {
	ts := newTestServer(t, nil)
	body := []byte(`{"object":"page","entry":[]}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/facebook", bytes.NewReader(body))
	req.Header.Set(security.SignatureHeader, security.SignBody("other-secret", body))
	rec := ts.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, ts.receiver.bodies)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/facebook", bytes.NewReader(body))
	req.Header.Set(security.SignatureHeader, security.SignBody("app-secret", body))
	rec = ts.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ts.receiver.bodies, 1)
	assert.Equal(t, body, ts.receiver.bodies[0])

	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, float64(1), data["ingested"])
}

func TestWebhookReceiveUnsignedPlatform(t *testing.T) {
	// instagram has no secret configured in this server
	ts := newTestServer(t, nil)
	rec := ts.do(httptest.NewRequest(http.MethodPost, "/webhooks/instagram", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, ts.receiver.bodies, 1)
}

func TestWebhookRateLimited(t *testing.T) {
	ts := newTestServer(t, func(d *Dependencies) {
		d.WebhookLimiter = fakeLimiter{allow: false}
	})
	rec := ts.do(httptest.NewRequest(http.MethodPost, "/webhooks/instagram", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "2024-05-06T10:01:00Z", rec.Header().Get("X-RateLimit-Reset"))
	assert.Empty(t, ts.receiver.bodies)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	ts := newTestServer(t, func(d *Dependencies) {
		d.WebhookLimiter = fakeLimiter{err: errors.New("redis down")}
	})
	rec := ts.do(httptest.NewRequest(http.MethodPost, "/webhooks/instagram", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConversationRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/conversations/abc/responder", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/abc/responder", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = ts.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConversationResponder(t *testing.T) {
	ts := newTestServer(t, nil)
	key := domain.ConversationKey("3f2a9c")
	ts.conversations.On("ResolveResponder", mock.Anything, ts.userID, key).Return(service.Decision{
		Kind:   service.DecisionUseBot,
		BotID:  7,
		Source: service.SourceWorkspaceDefault,
	}, nil)

	rec := ts.do(ts.authed(t, http.MethodGet, "/api/v1/conversations/3f2a9c/responder", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, service.DecisionUseBot, data["decision"])
	assert.Equal(t, float64(7), data["bot_id"])
	assert.Equal(t, service.SourceWorkspaceDefault, data["source"])
	ts.conversations.AssertExpectations(t)
}

func TestConversationGet(t *testing.T) {
	ts := newTestServer(t, nil)
	key := domain.ConversationKey("3f2a9c")
	ts.conversations.On("Get", mock.Anything, ts.userID, key).Return(&domain.Participant{
		ConversationKey: key,
		Platform:        "instagram",
		DisplayName:     "Rina",
	}, nil)

	rec := ts.do(ts.authed(t, http.MethodGet, "/api/v1/conversations/3f2a9c", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "Rina", data["display_name"])
	assert.Equal(t, "instagram", data["platform"])
}

func TestConversationErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.conversations.On("GetEnrollmentState", mock.Anything, ts.userID, domain.ConversationKey("missing")).
		Return(nil, domain.ErrNotFound)
	ts.conversations.On("GetEnrollmentState", mock.Anything, ts.userID, domain.ConversationKey("foreign")).
		Return(nil, domain.ErrAccessDenied)
	ts.conversations.On("GetEnrollmentState", mock.Anything, ts.userID, domain.ConversationKey("broken")).
		Return(nil, errors.New("connection reset"))
	ts.conversations.On("GetEnrollmentState", mock.Anything, ts.userID, domain.ConversationKey("fresh")).
		Return(nil, nil)

	cases := map[string]int{
		"missing": http.StatusNotFound,
		"foreign": http.StatusForbidden,
		"broken":  http.StatusInternalServerError,
		"fresh":   http.StatusOK,
	}
	for key, status := range cases {
		rec := ts.do(ts.authed(t, http.MethodGet, "/api/v1/conversations/"+key+"/enrollment", nil))
		assert.Equal(t, status, rec.Code, key)
		if key == "broken" {
			assert.NotContains(t, rec.Body.String(), "connection reset")
		}
		if key == "fresh" {
			assert.Equal(t, []any{}, decode(t, rec)["data"])
		}
	}
}

func TestUpdateAISettings(t *testing.T) {
	ts := newTestServer(t, nil)
	botID := int64(12)
	input := domain.AISettingsUpdate{AssignedBotID: &botID, AIEnabled: true, OverrideWorkspaceDefault: true}

	ts.conversations.On("UpdateAISettings", mock.Anything, ts.userID, domain.ConversationKey("k1"), input).
		Return(&domain.ConversationAISettings{ConversationKey: "k1", AssignedBotID: &botID, AIEnabled: true}, nil)

	rec := ts.do(ts.authed(t, http.MethodPut, "/api/v1/conversations/k1/ai-settings", input))
	assert.Equal(t, http.StatusOK, rec.Code)

	bad := int64(-1)
	rec = ts.do(ts.authed(t, http.MethodPut, "/api/v1/conversations/k1/ai-settings",
		domain.AISettingsUpdate{AssignedBotID: &bad}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	ts.conversations.AssertNumberOfCalls(t, "UpdateAISettings", 1)
}

func TestClearTakeover(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.conversations.On("ClearTakeover", mock.Anything, ts.userID, domain.ConversationKey("k1")).Return(nil)

	rec := ts.do(ts.authed(t, http.MethodDelete, "/api/v1/conversations/k1/takeover", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestIngestEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	workspaceID := uuid.New()
	ev := service.RawEvent{ExternalMessageID: "m_1", ExternalParticipantID: "psid-1", Body: "hi"}

	ts.access.On("CheckAccess", mock.Anything, ts.userID, workspaceID).Return(nil)
	ts.ingester.On("Ingest", mock.Anything, "facebook", workspaceID, mock.MatchedBy(func(got service.RawEvent) bool {
		return got.ExternalMessageID == "m_1" && got.Body == "hi"
	})).Return(&service.IngestResult{ConversationKey: "abc"}, nil).Once()

	path := "/api/v1/workspaces/" + workspaceID.String() + "/ingest"
	rec := ts.do(ts.authed(t, http.MethodPost, path, map[string]any{"platform": "facebook", "event": ev}))
	assert.Equal(t, http.StatusCreated, rec.Code)

	ts.ingester.On("Ingest", mock.Anything, "facebook", workspaceID, mock.Anything).
		Return(&service.IngestResult{ConversationKey: "abc", Duplicate: true}, nil).Once()
	rec = ts.do(ts.authed(t, http.MethodPost, path, map[string]any{"platform": "facebook", "event": ev}))
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.ingester.On("Ingest", mock.Anything, "facebook", workspaceID, mock.Anything).
		Return(nil, domain.ErrInvalidIdentity).Once()
	rec = ts.do(ts.authed(t, http.MethodPost, path, map[string]any{"platform": "facebook", "event": service.RawEvent{}}))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestIngestEndpointRejects(t *testing.T) {
	ts := newTestServer(t, nil)
	workspaceID := uuid.New()
	path := "/api/v1/workspaces/" + workspaceID.String() + "/ingest"

	rec := ts.do(ts.authed(t, http.MethodPost, "/api/v1/workspaces/not-a-uuid/ingest", map[string]any{"platform": "facebook"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(ts.authed(t, http.MethodPost, path, map[string]any{"platform": "telegram"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.access.On("CheckAccess", mock.Anything, ts.userID, workspaceID).Return(domain.ErrAccessDenied)
	rec = ts.do(ts.authed(t, http.MethodPost, path, map[string]any{"platform": "facebook"}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	ts.ingester.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLiveChannelAuth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/ws?token=garbage", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ts.sessions.users)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/ws?token="+ts.token(t), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{ts.userID}, ts.sessions.users)
}

func TestLiveChannelConnectRateLimit(t *testing.T) {
	ts := newTestServer(t, func(d *Dependencies) {
		d.ConnectLimiter = fakeLimiter{allow: false}
	})

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/ws?token="+ts.token(t), nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, ts.sessions.users)
}
