package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ClientOptions configures a reconnecting live channel client
type ClientOptions struct {
	URL     string
	Header  http.Header
	Backoff BackoffPolicy
	Dialer  *websocket.Dialer
	// OnEvent receives application events; control frames are handled internally.
	OnEvent func(Event)
	// OnOpen fires after a session opened and the outbound queue was flushed.
	OnOpen func()
}

// Client keeps a live channel open. It reconnects with exponential backoff
// after abnormal closures and buffers frames sent while disconnected,
// flushing them in order before anything else once a session opens.
type Client struct {
	opts ClientOptions

	mu    sync.Mutex
	conn  *websocket.Conn
	queue [][]byte

	writeMu sync.Mutex
}

// NewClient creates a client; call Run to connect
func NewClient(opts ClientOptions) *Client {
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{opts: opts}
}

// Send writes v as JSON, or queues it while no session is open
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.queue = append(c.queue, data)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.write(conn, data); err != nil {
		c.mu.Lock()
		c.queue = append(c.queue, data)
		c.mu.Unlock()
	}
	return nil
}

// Pending returns the number of queued frames
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Run connects and reconnects until ctx is done or the server closes the
// session normally.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			log.Debug().Err(err).Int("attempt", attempt).Msg("Live channel dial failed")
			if !sleep(ctx, c.opts.Backoff.Delay(attempt)) {
				return ctx.Err()
			}
			continue
		}

		attempt = 0
		if err := c.open(conn); err != nil {
			_ = conn.Close()
			attempt++
			if !sleep(ctx, c.opts.Backoff.Delay(attempt)) {
				return ctx.Err()
			}
			continue
		}

		closeErr := c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		var ce *websocket.CloseError
		if errors.As(closeErr, &ce) {
			switch ce.Code {
			case websocket.CloseNormalClosure:
				return nil
			case CloseSessionLimit:
				if !sleep(ctx, c.opts.Backoff.Max) {
					return ctx.Err()
				}
				continue
			}
		}

		attempt++
		if !sleep(ctx, c.opts.Backoff.Delay(attempt)) {
			return ctx.Err()
		}
	}
}

// open flushes the queue while holding mu, so Send calls made meanwhile land after it
func (c *Client) open(conn *websocket.Conn) error {
	c.mu.Lock()
	for len(c.queue) > 0 {
		if err := c.write(conn, c.queue[0]); err != nil {
			c.mu.Unlock()
			return err
		}
		c.queue = c.queue[1:]
	}
	c.conn = conn
	c.mu.Unlock()

	if c.opts.OnOpen != nil {
		c.opts.OnOpen()
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case EventPing:
			reply, _ := json.Marshal(Event{Type: EventPong})
			_ = c.write(conn, reply)
		case EventPong:
		default:
			if c.opts.OnEvent != nil {
				c.opts.OnEvent(ev)
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
