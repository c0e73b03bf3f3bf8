package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/yumeko-ai/yumeko/internal/protocol"
)

// ErrClosed is returned by Send after the client shut down.
var ErrClosed = errors.New("worker client closed")

// ClientConfig tunes the relay link. Zero values take defaults.
type ClientConfig struct {
	RelayURL          string
	Token             string
	MaxReconnects     int           // consecutive failed attempts before giving up; 0 means retry forever
	ReconnectDelay    time.Duration // base delay for exponential backoff (default 1s)
	MaxBackoff        time.Duration // backoff cap (default 30s)
	BackoffMultiplier float64       // backoff growth (default 2.0)
	HeartbeatInterval time.Duration // ping cadence (default 30s)
}

// Client dials the relay's /ws endpoint and keeps the duplex link alive
// across drops with exponential-backoff reconnection. Incoming task
// frames are handed to the pipeline; its replies travel back over the
// same connection.
type Client struct {
	cfg      ClientConfig
	pipeline *Pipeline
	logger   *slog.Logger

	mu     sync.Mutex // guards conn pointer
	wmu    sync.Mutex // serializes frame writes
	conn   *websocket.Conn
	closed bool
}

// NewClient creates a Client for the given relay. Defaults are applied
// for zero-valued backoff settings.
func NewClient(cfg ClientConfig, pipeline *Pipeline) *Client {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.BackoffMultiplier == 0 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Client{
		cfg:      cfg,
		pipeline: pipeline,
		logger:   slog.Default(),
	}
}

// Connected reports whether the relay link is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send marshals msg and writes it as one text frame to the relay.
// Implements Sender for the pipeline.
func (c *Client) Send(ctx context.Context, msg any) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return errors.New("not connected to relay")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

// Run connects to the relay and serves tasks until ctx is cancelled or
// the reconnect budget is exhausted. Each successful connection resets
// the budget and the backoff.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	delay := c.cfg.ReconnectDelay

	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// Clean close from the relay side resets the budget, but
			// the base delay still applies so a relay that closes on
			// accept cannot induce a hot redial loop.
			attempts = 0
			delay = c.cfg.ReconnectDelay
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		attempts++
		if c.cfg.MaxReconnects > 0 && attempts > c.cfg.MaxReconnects {
			return fmt.Errorf("giving up after %d failed connection attempts: %w", attempts-1, err)
		}

		c.logger.Warn("relay link down, retrying", "attempt", attempts, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * c.cfg.BackoffMultiplier)
		if delay > c.cfg.MaxBackoff {
			delay = c.cfg.MaxBackoff
		}
	}
}

// connectAndServe dials once and runs the read loop until the link
// drops. A nil return means the relay closed the connection cleanly.
func (c *Client) connectAndServe(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.cfg.RelayURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("connected to relay", "url", c.cfg.RelayURL)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go c.heartbeat(hbCtx)

	err = c.readLoop(ctx, conn)

	stopHeartbeat()
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")

	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			c.logger.Warn("unparseable relay message, dropping", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.InferRequest:
			c.logger.Info("task received", "task_id", m.TaskID)
			// Per-task goroutine; the pipeline's session mutex
			// serializes actual work.
			go c.pipeline.HandleInfer(ctx, m, c)
		case *protocol.HistoryRequest:
			go c.pipeline.HandleHistory(ctx, m, c)
		case *protocol.Ping:
			if err := c.Send(ctx, protocol.NewPong()); err != nil {
				c.logger.Warn("answering ping", "error", err)
			}
		case *protocol.Pong:
			// Heartbeat reply, nothing to do.
		default:
			c.logger.Warn("unexpected message from relay", "type", fmt.Sprintf("%T", m))
		}
	}
}

// heartbeat pings the relay so half-open links surface as read errors
// instead of silent stalls.
func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Send(ctx, protocol.NewPing()); err != nil {
				c.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// Close tears down the link and marks the client unusable.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	return nil
}
