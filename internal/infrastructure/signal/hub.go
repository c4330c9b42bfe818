package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
	"kiosklink/pkg/utils"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type HubConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
	SendBuffer        int
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:      20 * time.Second,
		PongTimeout:       45 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 20,
		Burst:             40,
		MaxMessageSize:    64 * 1024,
		SendBuffer:        32,
	}
}

// Hub is the relay side of the basket messaging channel. Clients join
// pairing keys with a subscribe message; every other message is fanned out
// to the clients joined to its pairing key.
type Hub struct {
	cfg    HubConfig
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	baskets map[domain.PairingKey]map[*hubClient]struct{}
}

type hubClient struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu       sync.Mutex
	deviceID string
	role     domain.Role
	keys     map[domain.PairingKey]struct{}
}

var _ ports.Broadcaster = (*Hub)(nil)

func NewHub(cfg HubConfig, logger *zap.SugaredLogger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*hubClient]struct{}),
		baskets: make(map[domain.PairingKey]map[*hubClient]struct{}),
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &hubClient{
		id:       utils.NewRequestID(),
		conn:     conn,
		send:     make(chan []byte, h.cfg.SendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.Burst),
		deviceID: r.URL.Query().Get("device_id"),
		role:     domain.Role(r.URL.Query().Get("role")),
		keys:     make(map[domain.PairingKey]struct{}),
	}
	if h.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageSize)
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Infow("messaging client connected",
		"client_id", c.id,
		"device_id", c.deviceID,
		"role", c.role,
	)

	done := make(chan struct{})
	go h.writePump(c, done)
	h.readPump(c)
	close(done)

	h.remove(c)
	conn.Close()
	h.logger.Infow("messaging client disconnected", "client_id", c.id, "device_id", c.deviceID)
}

func (h *Hub) readPump(c *hubClient) {
	c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
		return nil
	})

	for {
		var msg domain.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Infow("error reading message from client", "client_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		if !c.limiter.Allow() {
			h.sendError(c, "rate_limited")
			continue
		}
		h.handleMessage(c, msg)
	}
}

func (h *Hub) writePump(c *hubClient, done <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debugw("error writing to client", "client_id", c.id, "error", err)
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debugw("error sending ping", "client_id", c.id, "error", err)
				c.conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Hub) handleMessage(c *hubClient, msg domain.Message) {
	if msg.Type == "" {
		h.sendError(c, "missing_type")
		return
	}
	if msg.PairingKey == "" {
		h.sendError(c, "basketId required")
		return
	}

	c.mu.Lock()
	if msg.Sender == "" {
		msg.Sender = c.deviceID
	}
	if msg.Role == "" {
		msg.Role = c.role
	}
	c.mu.Unlock()

	switch msg.Type {
	case domain.MessageSubscribe:
		h.join(c, msg)
	case domain.MessageHeartbeat:
		// peers receive the heartbeat as a status snapshot of the sender
		msg.Type = domain.MessageStatus
		h.fanOut(msg, c)
	case domain.MessageOffer, domain.MessageStopped, domain.MessageProvider,
		domain.MessageStatus, domain.MessagePreflightBegin:
		h.fanOut(msg, c)
	default:
		h.sendError(c, "unknown_type")
	}
}

func (h *Hub) join(c *hubClient, msg domain.Message) {
	c.mu.Lock()
	if msg.Sender != "" {
		c.deviceID = msg.Sender
	}
	if msg.Role.Valid() {
		c.role = msg.Role
	}
	c.keys[msg.PairingKey] = struct{}{}
	c.mu.Unlock()

	h.mu.Lock()
	set, ok := h.baskets[msg.PairingKey]
	if !ok {
		set = make(map[*hubClient]struct{})
		h.baskets[msg.PairingKey] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debugw("client joined",
		"client_id", c.id,
		"pairing_key", msg.PairingKey,
		"device_id", msg.Sender,
	)
}

// Broadcast delivers msg to every client joined to msg.PairingKey.
func (h *Hub) Broadcast(msg domain.Message) {
	h.fanOut(msg, nil)
}

func (h *Hub) fanOut(msg domain.Message, except *hubClient) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorw("failed to marshal message", "type", msg.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.baskets[msg.PairingKey] {
		if c == except {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warnw("client send buffer full, dropping message",
				"client_id", c.id,
				"type", msg.Type,
			)
		}
	}
}

func (h *Hub) sendError(c *hubClient, message string) {
	data, err := json.Marshal(domain.Message{Type: domain.MessageError, Error: message})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) remove(c *hubClient) {
	c.mu.Lock()
	keys := make([]domain.PairingKey, 0, len(c.keys))
	for k := range c.keys {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	for _, k := range keys {
		set := h.baskets[k]
		delete(set, c)
		if len(set) == 0 {
			delete(h.baskets, k)
		}
	}
}

// Members returns how many clients are joined to key.
func (h *Hub) Members(key domain.PairingKey) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.baskets[key])
}

func (h *Hub) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": h.ConnectedClients(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
