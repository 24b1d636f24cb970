// Package realtime keeps live websocket sessions per user and fans out events to them.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/Rrens/social-inbox/internal/config"
	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/Rrens/social-inbox/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const shardCount = 32

// Conn is the subset of *websocket.Conn a session needs
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type shard struct {
	mu    sync.Mutex
	users map[uuid.UUID]map[*Session]struct{}
}

// Registry maps user ids to their live sessions. Users are spread over
// independently locked shards; nothing locks across users.
type Registry struct {
	cfg       config.RealtimeConfig
	shards    [shardCount]*shard
	upgrader  websocket.Upgrader
	onOffline func(userID uuid.UUID)
}

// NewRegistry creates a registry; zero config values fall back to defaults
func NewRegistry(cfg config.RealtimeConfig) *Registry {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxSessionsPerUser <= 0 {
		cfg.MaxSessionsPerUser = 8
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}

	r := &Registry{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[uuid.UUID]map[*Session]struct{})}
	}
	return r
}

// OnOffline sets a callback fired when a user's last session goes away
func (r *Registry) OnOffline(fn func(userID uuid.UUID)) {
	r.onOffline = fn
}

func (r *Registry) shardFor(userID uuid.UUID) *shard {
	h := fnv.New32a()
	h.Write(userID[:])
	return r.shards[h.Sum32()%shardCount]
}

// Register accepts a new session for the user. Concurrent sessions are fine
// up to the per-user limit; past it the connection is closed with
// CloseSessionLimit and ErrConnectionRegistryFull is returned.
func (r *Registry) Register(ctx context.Context, userID uuid.UUID, conn Conn) (*Session, error) {
	sh := r.shardFor(userID)

	sh.mu.Lock()
	sessions := sh.users[userID]
	if len(sessions) >= r.cfg.MaxSessionsPerUser {
		sh.mu.Unlock()
		metrics.SessionsRejected.WithLabelValues("session_limit").Inc()
		msg := websocket.FormatCloseMessage(CloseSessionLimit, "session limit")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(r.cfg.WriteTimeout))
		_ = conn.Close()
		return nil, fmt.Errorf("%w: user %s has %d sessions", domain.ErrConnectionRegistryFull, userID, r.cfg.MaxSessionsPerUser)
	}
	if sessions == nil {
		sessions = make(map[*Session]struct{})
		sh.users[userID] = sessions
	}
	s := newSession(ctx, r, userID, conn)
	sessions[s] = struct{}{}
	sh.mu.Unlock()

	metrics.LiveSessions.Inc()
	log.Debug().Str("user_id", userID.String()).Str("session_id", s.id).Msg("Session registered")
	return s, nil
}

// Unregister removes the session. Safe to call more than once.
func (r *Registry) Unregister(s *Session) {
	sh := r.shardFor(s.userID)

	sh.mu.Lock()
	sessions, ok := sh.users[s.userID]
	if !ok {
		sh.mu.Unlock()
		return
	}
	if _, ok := sessions[s]; !ok {
		sh.mu.Unlock()
		return
	}
	delete(sessions, s)
	offline := len(sessions) == 0
	if offline {
		delete(sh.users, s.userID)
	}
	sh.mu.Unlock()

	metrics.LiveSessions.Dec()
	if offline {
		log.Debug().Str("user_id", s.userID.String()).Msg("User offline")
		if r.onOffline != nil {
			r.onOffline(s.userID)
		}
	}
}

// Publish delivers the event to every live session of the user and returns
// how many sessions accepted it. A session whose send buffer is full is
// closed as a slow consumer rather than dropping the event silently.
func (r *Registry) Publish(userID uuid.UUID, event Event) int {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", event.Type).Msg("Failed to encode event")
		return 0
	}

	sh := r.shardFor(userID)
	sh.mu.Lock()
	targets := make([]*Session, 0, len(sh.users[userID]))
	for s := range sh.users[userID] {
		targets = append(targets, s)
	}
	sh.mu.Unlock()

	delivered := 0
	for _, s := range targets {
		switch err := s.enqueue(data); err {
		case nil:
			delivered++
		case errSendBufferFull:
			log.Warn().Str("user_id", userID.String()).Str("session_id", s.id).Msg("Closing slow consumer")
			go s.Close(CloseSlowConsumer, "slow consumer")
		}
	}

	if delivered > 0 {
		metrics.EventsPublished.WithLabelValues(event.Type).Add(float64(delivered))
	}
	return delivered
}

// SessionCount returns the number of live sessions for the user
func (r *Registry) SessionCount(userID uuid.UUID) int {
	sh := r.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.users[userID])
}

// Online reports whether the user has at least one live session
func (r *Registry) Online(userID uuid.UUID) bool {
	return r.SessionCount(userID) > 0
}

// Serve upgrades the request, registers the session and blocks until it ends
func (r *Registry) Serve(w http.ResponseWriter, req *http.Request, userID uuid.UUID) error {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	// The session outlives the handshake request context.
	s, err := r.Register(context.Background(), userID, conn)
	if err != nil {
		return err
	}
	s.Run()
	return nil
}

// Shutdown closes every session with a going-away code
func (r *Registry) Shutdown() {
	var all []*Session
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, sessions := range sh.users {
			for s := range sessions {
				all = append(all, s)
			}
		}
		sh.mu.Unlock()
	}

	for _, s := range all {
		s.Close(websocket.CloseGoingAway, "server shutdown")
		r.Unregister(s)
	}
}
