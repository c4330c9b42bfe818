package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
	"kiosklink/pkg/retry"
)

type ClientConfig struct {
	URL          string
	DeviceID     string
	Role         domain.Role
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	Reconnect    retry.Backoff
}

// Client is the kiosk side of the basket messaging channel. It reconnects
// with backoff and re-joins every pairing key after a reconnect. Delivery is
// best effort: Publish fails while disconnected.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu     sync.Mutex
	conn   *websocket.Conn
	keys   map[domain.PairingKey]struct{}
	subs   map[int]func(domain.Message)
	nextID int
	closed bool

	writeMu sync.Mutex
	done    chan struct{}
}

var _ ports.Messenger = (*Client)(nil)

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = retry.Exponential{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2}
	}
	return &Client{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: logger,
		keys:   make(map[domain.PairingKey]struct{}),
		subs:   make(map[int]func(domain.Message)),
		done:   make(chan struct{}),
	}
}

// Run keeps the connection alive until ctx is done or Close is called.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-c.done:
			return nil
		default:
		}

		delay := c.cfg.Reconnect.Delay(attempt)
		attempt++
		if err == nil {
			attempt = 0
		}
		c.logger.Warnw("messaging connection lost, reconnecting",
			"error", err,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		}
	}
}

// session dials once and reads until the connection breaks. It returns nil
// when the connection had been established.
func (c *Client) session(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid messaging url: %w", err)
	}
	q := u.Query()
	q.Set("device_id", c.cfg.DeviceID)
	q.Set("role", string(c.cfg.Role))
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial messaging channel: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	keys := make([]domain.PairingKey, 0, len(c.keys))
	for k := range c.keys {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	c.logger.Infow("messaging connected", "url", c.cfg.URL, "keys", len(keys))
	for _, k := range keys {
		if err := c.write(c.subscribeMessage(k)); err != nil {
			c.logger.Warnw("failed to re-join pairing key", "pairing_key", k, "error", err)
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(conn, stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})
	// the hub pings too
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			conn.Close()
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debugw("dropping malformed message", "error", err)
			continue
		}
		if msg.Type == domain.MessageError {
			c.logger.Debugw("messaging error from hub", "error", msg.Error)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Client) dispatch(msg domain.Message) {
	c.mu.Lock()
	fns := make([]func(domain.Message), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

// Join subscribes to the channel of key. Keys are remembered and re-joined
// after reconnects.
func (c *Client) Join(ctx context.Context, key domain.PairingKey) error {
	c.mu.Lock()
	c.keys[key] = struct{}{}
	c.mu.Unlock()

	if err := c.write(c.subscribeMessage(key)); err != nil {
		c.logger.Debugw("join deferred until connected", "pairing_key", key, "error", err)
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, msg domain.Message) error {
	if msg.Sender == "" {
		msg.Sender = c.cfg.DeviceID
	}
	if msg.Role == "" {
		msg.Role = c.cfg.Role
	}
	return c.write(msg)
}

func (c *Client) Subscribe(fn func(domain.Message)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

func (c *Client) subscribeMessage(key domain.PairingKey) domain.Message {
	return domain.Message{
		Type:       domain.MessageSubscribe,
		PairingKey: key,
		Sender:     c.cfg.DeviceID,
		Role:       c.cfg.Role,
	}
}

func (c *Client) write(msg domain.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrRelayUnavailable
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write %s: %w", msg.Type, err)
	}
	return nil
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
