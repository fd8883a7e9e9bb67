// Package transport maintains the persistent event channel to the kit
// server: a websocket carrying JSON frames of the form
// {"event": <name>, "payload": <object>}.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tri2510/uda-deployment-agent/internal/metrics"
	"github.com/tri2510/uda-deployment-agent/internal/protocol"
)

// Frame is one message on the wire, either direction.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ErrNotConnected is returned by Send while the channel is down.
var ErrNotConnected = errors.New("transport: not connected")

const (
	backoffMin   = time.Second
	backoffMax   = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// DefaultHeartbeatInterval paces the runtime_heartbeat event.
const DefaultHeartbeatInterval = 30 * time.Second

// MessageHandler consumes inbound command payloads.
type MessageHandler interface {
	HandleRaw(raw []byte)
}

// Config assembles a Client.
type Config struct {
	URL       string
	Handler   MessageHandler
	Logger    *slog.Logger
	Dialer    *websocket.Dialer
	Heartbeat time.Duration

	// OnConnect runs after every successful dial, before the read loop;
	// it sends the registration announcement.
	OnConnect func(send func(event string, payload any) error) error
	// HeartbeatPayload builds each periodic liveness message.
	HeartbeatPayload func() any
}

// Client dials the kit server, redials with capped backoff on failure, and
// multiplexes outbound events over one connection.
type Client struct {
	cfg Config

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("transport: empty server url")
	}
	if cfg.Handler == nil {
		return nil, errors.New("transport: nil handler")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeatInterval
	}
	return &Client{cfg: cfg}, nil
}

// Send emits one event. Concurrent callers are serialized; failures while
// disconnected return ErrNotConnected and the caller decides whether the
// event matters enough to retry.
func (c *Client) Send(event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", event, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(Frame{Event: event, Payload: body}); err != nil {
		return fmt.Errorf("transport: write %s: %w", event, err)
	}
	return nil
}

// Connected reports whether the channel is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run dials and serves the channel until ctx is canceled. Every connection
// loss triggers a redial with jittered exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := backoffMin
	first := true
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !first {
			metrics.IncReconnect()
		}
		conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.cfg.Logger.Warn("dial failed", "url", c.cfg.URL, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter(backoff)):
			}
			backoff = min(backoff*2, backoffMax)
			first = false
			continue
		}
		backoff = backoffMin
		first = false
		c.cfg.Logger.Info("connected", "url", c.cfg.URL)

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if c.cfg.OnConnect != nil {
			if err := c.cfg.OnConnect(c.Send); err != nil {
				c.cfg.Logger.Warn("post-connect announce failed", "error", err)
			}
		}

		err = c.serve(ctx, conn)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.cfg.Logger.Warn("connection lost", "error", err)
	}
}

// serve runs the read loop and the heartbeat ticker for one connection;
// it returns when either ctx ends or the connection breaks.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			c.route(raw)
		}
	}()

	hb := time.NewTicker(c.cfg.Heartbeat)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-hb.C:
			if c.cfg.HeartbeatPayload == nil {
				continue
			}
			if err := c.Send(protocol.EventHeartbeat, c.cfg.HeartbeatPayload()); err != nil {
				c.cfg.Logger.Debug("heartbeat send failed", "error", err)
			}
		}
	}
}

func (c *Client) route(raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.cfg.Logger.Warn("unreadable frame", "error", err)
		return
	}
	switch f.Event {
	case protocol.EventToKit:
		c.cfg.Handler.HandleRaw(f.Payload)
	default:
		c.cfg.Logger.Debug("ignoring event", "event", f.Event)
	}
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
