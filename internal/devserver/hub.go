package devserver

import (
	"context"
	"sync"
	"time"

	"github.com/binhbb2204/chatsync/internal/protocol"
	"github.com/binhbb2204/chatsync/pkg/logger"
	"github.com/binhbb2204/chatsync/pkg/metrics"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type Client struct {
	UserID      int64
	Username    string
	Conn        *websocket.Conn
	Send        chan []byte
	Hub         *Hub
	Handler     *Handler
	LastActive  time.Time
	ConnectedAt time.Time
	limiter     *rate.Limiter
	mu          sync.Mutex

	// sendMu guards Send against a send racing its close.
	sendMu sync.Mutex
	closed bool
}

// Hub tracks connected clients and which rooms each has joined. Room
// membership is per connection and is forgotten when the socket closes.
type Hub struct {
	clients    map[*Client]struct{}
	rooms      map[int64]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	log        *logger.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        logger.WithContext("component", "devserver_hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			metrics.SetActiveConnections(int64(len(h.clients)))
			h.mu.Unlock()
			h.log.Debug("client_registered", "username", client.Username)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			for room, set := range h.rooms {
				delete(set, client)
				if len(set) == 0 {
					delete(h.rooms, room)
				}
			}
			metrics.SetActiveConnections(int64(len(h.clients)))
			h.mu.Unlock()
			h.log.Debug("client_unregistered", "username", client.Username)
		}
	}
}

func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.closeSend()
		delete(h.clients, c)
	}
	h.rooms = make(map[int64]map[*Client]struct{})
	metrics.SetActiveConnections(0)
}

func (h *Hub) Join(c *Client, roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[*Client]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
}

func (h *Hub) Leave(c *Client, roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.rooms[roomID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) IsMember(c *Client, roomID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID][c]
	return ok
}

// BroadcastRoom queues env for every member of the room except skip.
// A member whose queue is full is disconnected.
func (h *Hub) BroadcastRoom(roomID int64, env protocol.Envelope, skip *Client) int {
	data, err := protocol.Encode(env)
	if err != nil {
		h.log.Error("broadcast_encode_failed", "error", err.Error())
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for c := range h.rooms[roomID] {
		if c == skip {
			continue
		}
		if c.queue(data) {
			sent++
		} else {
			metrics.IncrementBroadcastFails()
			h.log.Warn("slow_client_dropped", "username", c.Username, "room_id", roomID)
			c.Conn.Close()
		}
	}
	metrics.IncrementBroadcasts()
	return sent
}

func (h *Hub) RoomClientCount(roomID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Running reports whether Run is still serving.
func (h *Hub) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) sendEnvelope(env protocol.Envelope) bool {
	data, err := protocol.Encode(env)
	if err != nil {
		return false
	}
	return c.queue(data)
}

// queue hands data to WritePump without blocking. It reports false when
// the queue is full or already closed.
func (c *Client) queue(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) sendError(message, code string) {
	env, err := protocol.NewEnvelope(protocol.EventError, protocol.ErrorPayload{Message: message, Code: code})
	if err == nil {
		c.sendEnvelope(env)
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		c.UpdateActivity()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("websocket_read_error", "error", err.Error(), "username", c.Username)
			}
			break
		}
		c.UpdateActivity()

		if !c.limiter.Allow() {
			metrics.IncrementRateLimited()
			c.sendError("rate limit exceeded", "rate_limited")
			continue
		}

		if err := c.Handler.HandleClientMessage(c, message); err != nil {
			logger.Warn("client_message_rejected", "error", err.Error(), "username", c.Username)
			c.sendError(err.Error(), "bad_request")
		}
	}
}

func (c *Client) UpdateActivity() {
	c.mu.Lock()
	c.LastActive = time.Now()
	c.mu.Unlock()
}

func (c *Client) GetLastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LastActive
}

func (c *Client) WritePump() {
	defer c.Conn.Close()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
