package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"projecthub.io/assistant/internal/store"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBuffer      = 64
	broadcastBuffer = 256
)

// Channel protocol events.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventHeartbeat = "heartbeat"
	EventReply     = "phx_reply"
	EventTurn      = "turn_created"
)

// Topics. Project-scoped turns go to "turns:<projectId>", cross-project turns
// to TopicGlobal, and every turn to TopicAll.
const (
	TopicAll    = "turns:all"
	TopicGlobal = "turns:global"
	topicPrefix = "turns:"
)

// TurnTopic returns the topic a turn of the given scope is published on.
func TurnTopic(projectID *string) string {
	if projectID == nil || *projectID == "" {
		return TopicGlobal
	}
	return topicPrefix + *projectID
}

type IncomingMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref"`
}

type OutgoingMessage struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref,omitempty"`
}

type broadcastMessage struct {
	topic string
	data  []byte
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// guarded by hub.mu
	topics map[string]bool
}

// queue hands data to the write pump. It never blocks and reports false when
// the client is gone or too slow.
func (c *Client) queue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub fans persisted turns out to websocket subscribers.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMessage
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*Client]bool
	topics  map[string]map[*Client]bool
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastMessage, broadcastBuffer),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]bool),
	}
}

// Run serves registrations and broadcasts until ctx ends, then disconnects
// every client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Realtime client connected", zap.Int("clients", h.ClientCount()))
		case client := <-h.unregister:
			h.drop(client)
		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.close()
	}
	h.clients = make(map[*Client]bool)
	h.topics = make(map[string]map[*Client]bool)
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.close()
	for topic := range client.topics {
		h.leave(client, topic)
	}
}

func (h *Hub) deliver(message broadcastMessage) {
	h.mu.RLock()
	var slow []*Client
	for client := range h.topics[message.topic] {
		if !client.queue(message.data) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("Dropping slow realtime client", zap.String("topic", message.topic))
		h.drop(client)
	}
}

// join and leave expect h.mu to be held for writing.
func (h *Hub) join(client *Client, topic string) {
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]bool)
	}
	h.topics[topic][client] = true
	client.topics[topic] = true
}

func (h *Hub) leave(client *Client, topic string) {
	if clients, ok := h.topics[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(client.topics, topic)
}

// Broadcast queues an event for the subscribers of topic. It does not block;
// the event is dropped when the hub is saturated or stopped.
func (h *Hub) Broadcast(topic, event string, payload any) bool {
	data, err := json.Marshal(OutgoingMessage{Topic: topic, Event: event, Payload: payload})
	if err != nil {
		h.logger.Warn("Failed to encode realtime event", zap.String("topic", topic), zap.Error(err))
		return false
	}
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- broadcastMessage{topic: topic, data: data}:
		return true
	default:
		h.logger.Warn("Realtime broadcast queue full, dropping event", zap.String("topic", topic))
		return false
	}
}

// Publish implements core.Publisher.
func (h *Hub) Publish(turn *store.Turn) {
	h.Broadcast(TurnTopic(turn.ProjectID), EventTurn, turn)
	h.Broadcast(TopicAll, EventTurn, turn)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWs upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), topics: make(map[string]bool)}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Realtime client closed unexpectedly", zap.Error(err))
			}
			break
		}

		var msg IncomingMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Debug("Ignoring malformed realtime message", zap.Error(err))
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg IncomingMessage) {
	switch msg.Event {
	case EventJoin:
		if len(msg.Topic) <= len(topicPrefix) || msg.Topic[:len(topicPrefix)] != topicPrefix {
			c.reply(msg, "error", map[string]string{"reason": "unknown topic"})
			return
		}
		c.hub.mu.Lock()
		c.hub.join(c, msg.Topic)
		c.hub.mu.Unlock()
		c.reply(msg, "ok", map[string]string{})
	case EventLeave:
		c.hub.mu.Lock()
		c.hub.leave(c, msg.Topic)
		c.hub.mu.Unlock()
		c.reply(msg, "ok", map[string]string{})
	case EventHeartbeat:
		c.reply(msg, "ok", map[string]string{})
	default:
		c.reply(msg, "error", map[string]string{"reason": "unknown event"})
	}
}

func (c *Client) reply(msg IncomingMessage, status string, response any) {
	data, err := json.Marshal(OutgoingMessage{
		Topic: msg.Topic,
		Event: EventReply,
		Ref:   msg.Ref,
		Payload: map[string]any{
			"status":   status,
			"response": response,
		},
	})
	if err != nil {
		return
	}
	c.queue(data)
}

func (c *Client) writePump() {
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
				// The hub closed the channel.
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
