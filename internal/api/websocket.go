package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/atlas-desktop/confluence-engine/internal/events"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType defines WebSocket message types.
type MessageType string

const (
	// Server -> Client messages
	MsgTypeEvent     MessageType = "event"
	MsgTypeHeartbeat MessageType = "heartbeat"

	// Client -> Server messages
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
)

const (
	heartbeatInterval = 30 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = 54 * time.Second
	writeWait         = 10 * time.Second
	maxMessageSize    = 4096
)

// WSMessage is a WebSocket message. Channel is an event type.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type outbound struct {
	channel string
	payload []byte
}

// Client is a WebSocket client connection. A client without
// subscriptions receives every channel.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

func (c *Client) wants(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[channel]
}

// Hub fans engine events out to WebSocket clients.
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("ws-hub"),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("id", client.id))

		case client := <-h.unregister:
			h.remove(client)
			h.logger.Debug("Client unregistered", zap.String("id", client.id))

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-ticker.C:
			data, _ := json.Marshal(WSMessage{
				Type:      MsgTypeHeartbeat,
				Timestamp: time.Now().UnixMilli(),
			})
			h.deliver(outbound{payload: data})
		}
	}
}

// Register adds a client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// deliver sends to every interested client. Slow clients are dropped.
func (h *Hub) deliver(msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if msg.channel != "" && !client.wants(msg.channel) {
			continue
		}
		select {
		case client.send <- msg.payload:
		default:
			delete(h.clients, client)
			close(client.send)
			h.logger.Warn("Dropping slow client", zap.String("id", client.id))
		}
	}
}

// HandleEvent is an event bus handler that forwards the event to clients
// subscribed to its type.
func (h *Hub) HandleEvent(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	msg, err := json.Marshal(WSMessage{
		Type:      MsgTypeEvent,
		Channel:   string(e.GetType()),
		Data:      data,
		Timestamp: e.GetTimestamp().UnixMilli(),
	})
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- outbound{channel: string(e.GetType()), payload: msg}:
	default:
		h.logger.Warn("Broadcast channel full, dropping message",
			zap.String("channel", string(e.GetType())))
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient creates a new client.
func NewClient(id string, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:            id,
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
	}
}

// ReadPump reads subscription requests until the connection closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Warn("Invalid WebSocket message", zap.Error(err))
			continue
		}

		c.mu.Lock()
		switch msg.Type {
		case MsgTypeSubscribe:
			c.subscriptions[msg.Channel] = true
		case MsgTypeUnsubscribe:
			delete(c.subscriptions, msg.Channel)
		}
		c.mu.Unlock()
	}
}

// WritePump writes queued messages and keeps the connection alive.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
