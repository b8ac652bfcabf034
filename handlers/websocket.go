package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"claimsync/events"
	"claimsync/middleware"
	"claimsync/models"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Client is one websocket connection of an identity.
type Client struct {
	server   *Server
	conn     *websocket.Conn
	send     chan []byte
	identity models.Contact
}

type delivery struct {
	userID string
	data   []byte
}

// Hub maintains the set of active connections. An identity may hold several
// connections at once, and pushes reach all of them.
type Hub struct {
	clients    map[string]map[*Client]struct{} // userID -> connections
	register   chan *Client
	unregister chan *Client
	broadcast  chan delivery
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *zap.Logger
}

// NewHub creates an idle hub; Run starts it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan delivery, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run processes registrations and pushes until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mutex.Lock()
		for userID, conns := range h.clients {
			for c := range conns {
				close(c.send)
			}
			delete(h.clients, userID)
		}
		h.mutex.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mutex.Lock()
			conns, ok := h.clients[client.identity.ID]
			if !ok {
				conns = make(map[*Client]struct{})
				h.clients[client.identity.ID] = conns
			}
			conns[client] = struct{}{}
			h.mutex.Unlock()
			h.logger.Info("Client connected", zap.String("userID", client.identity.ID), zap.Int("connections", len(conns)))

		case client := <-h.unregister:
			h.mutex.Lock()
			if conns, ok := h.clients[client.identity.ID]; ok {
				if _, ok := conns[client]; ok {
					delete(conns, client)
					close(client.send)
				}
				if len(conns) == 0 {
					delete(h.clients, client.identity.ID)
				}
			}
			h.mutex.Unlock()
			h.logger.Info("Client disconnected", zap.String("userID", client.identity.ID))

		case d := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients[d.userID] {
				select {
				case client.send <- d.data:
				default:
					h.logger.Warn("Dropping slow client", zap.String("userID", d.userID))
					close(client.send)
					delete(h.clients[d.userID], client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// IsOnline checks if a user currently holds at least one connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients[userID]) > 0
}

// Push sends ev to every connection of userID.
func (h *Hub) Push(userID string, ev events.Event) {
	data, err := events.Encode(ev)
	if err != nil {
		h.logger.Error("Failed to encode event", zap.String("type", ev.Kind().String()), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- delivery{userID: userID, data: data}:
	case <-h.done:
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// HandleWebSocket upgrades an authenticated request to the event channel.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}

	client := &Client{
		server:   s,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		identity: identity,
	}
	if !s.hub.add(client) {
		conn.Close()
		return
	}

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.server.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("WebSocket error", zap.String("userID", c.identity.ID), zap.Error(err))
			}
			return
		}

		cmd, err := events.DecodeCommand(message)
		if err != nil {
			c.server.logger.Debug("Ignoring malformed command", zap.String("userID", c.identity.ID), zap.Error(err))
			continue
		}
		if err := c.server.handleCommand(context.Background(), c.identity, cmd); err != nil {
			c.server.logger.Warn("Command failed",
				zap.String("userID", c.identity.ID),
				zap.String("command", cmd.CommandName()),
				zap.Error(err),
			)
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}
