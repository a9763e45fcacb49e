package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/domain"
	pkglog "github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/log"
)

// WSConfig holds websocket timing limits.
type WSConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

func (c WSConfig) withDefaults() WSConfig {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = (c.PongWait * 9) / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	return c
}

// DisconnectHandler is called when a client disconnects.
type DisconnectHandler func(*Client)

// Client is one connected websocket peer. Identity comes from the token
// verified at upgrade time.
type Client struct {
	ID     string
	UserID string
	Role   domain.Role

	Hub  *Hub
	Conn *websocket.Conn
	Send chan []byte

	disconnectHandler DisconnectHandler
}

// SetDisconnectHandler sets the handler called once when the read pump ends.
func (c *Client) SetDisconnectHandler(handler DisconnectHandler) {
	c.disconnectHandler = handler
}

// Hub tracks connected clients. Room membership lives in the session
// registry; the hub only delivers frames.
type Hub struct {
	cfg        WSConfig
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex
}

// NewHub creates a hub.
func NewHub(cfg WSConfig) *Hub {
	return &Hub{
		cfg:        cfg.withDefaults(),
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	l := pkglog.L()
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			l.Info().Str(pkglog.FieldConnID, client.ID).Str(pkglog.FieldUserID, client.UserID).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
			}
			h.mu.Unlock()
			l.Info().Str(pkglog.FieldConnID, client.ID).Msg("client unregistered")
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// SendToClient sends a message to a specific client. Unknown clients are
// silently skipped; they may have just disconnected.
func (h *Hub) SendToClient(connID string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	select {
	case client.Send <- data:
	default:
		go h.Unregister(client)
	}
	return nil
}

// ReadPump pumps messages from the websocket connection into handler.
func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer func() {
		if c.disconnectHandler != nil {
			c.disconnectHandler(c)
		}
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	cfg := c.Hub.cfg
	c.Conn.SetReadLimit(cfg.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				pkglog.L().Error().Err(err).Str(pkglog.FieldConnID, c.ID).Msg("websocket error")
			}
			break
		}
		handler(c, message)
	}
}

// WritePump pumps outbound frames and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.cfg.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage marshals and queues a message for this client.
func (c *Client) SendMessage(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	select {
	case c.Send <- data:
	default:
	}
	return nil
}
