package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rrens/social-inbox/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errSessionClosed  = errors.New("session closed")
)

// Session is one live connection. Its goroutines and heartbeat timers stop
// when the session closes; nothing else is affected.
type Session struct {
	id       string
	userID   uuid.UUID
	conn     Conn
	registry *Registry

	send chan []byte
	pong chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeCode atomic.Int32
	probes    atomic.Int64
	lastPong  atomic.Int64
}

func newSession(ctx context.Context, r *Registry, userID uuid.UUID, conn Conn) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:       uuid.NewString(),
		userID:   userID,
		conn:     conn,
		registry: r,
		send:     make(chan []byte, r.cfg.SendBuffer),
		pong:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.lastPong.Store(time.Now().UnixNano())
	return s
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// UserID returns the owning user
func (s *Session) UserID() uuid.UUID { return s.userID }

// Done is closed once the session is closed
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Probes returns how many liveness probes were sent
func (s *Session) Probes() int64 { return s.probes.Load() }

// LastPong returns when the peer last answered a probe
func (s *Session) LastPong() time.Time { return time.Unix(0, s.lastPong.Load()) }

// CloseCode returns the code the session was closed with, or 0 while open
func (s *Session) CloseCode() int { return int(s.closeCode.Load()) }

// Run serves the session until the peer goes away or it is closed
func (s *Session) Run() {
	defer s.registry.Unregister(s)

	go s.writeLoop()
	go s.heartbeat()
	s.readLoop()

	s.Close(websocket.CloseNormalClosure, "")
}

// Close sends a close frame with the given code and tears the session down
func (s *Session) Close(code int, reason string) {
	s.shutdown(code, reason, true)
}

// abort tears the session down after a transport failure, without a close frame
func (s *Session) abort(reason string) {
	s.shutdown(websocket.CloseAbnormalClosure, reason, false)
}

func (s *Session) shutdown(code int, reason string, sendFrame bool) {
	s.closeOnce.Do(func() {
		s.closeCode.Store(int32(code))
		s.cancel()

		if sendFrame {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.registry.cfg.WriteTimeout))
		}
		_ = s.conn.Close()

		metrics.SessionsClosed.WithLabelValues(closeLabel(code)).Inc()
		log.Debug().
			Str("user_id", s.userID.String()).
			Str("session_id", s.id).
			Int("code", code).
			Str("reason", reason).
			Msg("Session closed")
	})
}

func closeLabel(code int) string {
	switch code {
	case CloseHeartbeatTimeout:
		return "heartbeat_timeout"
	case CloseSlowConsumer:
		return "slow_consumer"
	case CloseSessionLimit:
		return "session_limit"
	case websocket.CloseGoingAway:
		return "going_away"
	case websocket.CloseNormalClosure:
		return "normal"
	default:
		return "error"
	}
}

func (s *Session) markPong() {
	s.lastPong.Store(time.Now().UnixNano())
	select {
	case s.pong <- struct{}{}:
	default:
	}
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(s.registry.cfg.MaxMessageBytes)
	s.conn.SetPongHandler(func(string) error {
		s.markPong()
		return nil
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.handleFrame(data)
	}
}

type inboundFrame struct {
	Type string `json:"type"`
}

func (s *Session) handleFrame(data []byte) {
	frameType := ""
	if trimmed := bytes.TrimSpace(data); string(trimmed) == EventPing {
		frameType = EventPing
	} else {
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err == nil {
			frameType = frame.Type
		}
	}

	switch frameType {
	case EventPing:
		reply, _ := json.Marshal(Event{Type: EventPong})
		_ = s.enqueue(reply)
	case EventPong:
		s.markPong()
	default:
		log.Debug().Str("session_id", s.id).Int("bytes", len(data)).Msg("Ignoring client frame")
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.registry.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.abort("write failed")
				return
			}
		}
	}
}

// heartbeat probes the peer every ping interval and closes the session when
// a probe is not answered within the pong timeout.
func (s *Session) heartbeat() {
	cfg := s.registry.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		// a pong that arrived between probes does not answer the next one
		select {
		case <-s.pong:
		default:
		}

		s.probes.Add(1)
		if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
			s.abort("probe failed")
			return
		}

		timeout := time.NewTimer(cfg.PongTimeout)
		select {
		case <-s.ctx.Done():
			timeout.Stop()
			return
		case <-s.pong:
			timeout.Stop()
		case <-timeout.C:
			log.Info().Str("user_id", s.userID.String()).Str("session_id", s.id).Msg("Heartbeat timeout")
			s.Close(CloseHeartbeatTimeout, "heartbeat timeout")
			return
		}
	}
}

func (s *Session) enqueue(data []byte) error {
	select {
	case <-s.ctx.Done():
		return errSessionClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}
