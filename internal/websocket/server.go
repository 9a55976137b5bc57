// Package websocket streams doser status changes to browser clients
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Config holds websocket settings
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	Path            string        `yaml:"path"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	CheckOrigin     bool          `yaml:"check_origin"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	SendBuffer      int           `yaml:"send_buffer"`
}

// DefaultConfig returns default websocket settings
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		Path:            "/ws",
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		PingInterval:    54 * time.Second,
		SendBuffer:      64,
	}
}

// MessageType names a websocket message
type MessageType string

const (
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSnapshot    MessageType = "snapshot"
	MessageTypeError       MessageType = "error"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
)

// Message is the envelope for every frame
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
}

// SubscribeMessage selects which event types a client receives
type SubscribeMessage struct {
	Topic string `json:"topic"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type broadcast struct {
	topic string
	data  []byte
}

// Hub fans doser events out to connected clients
type Hub struct {
	config   *Config
	logger   *logrus.Entry
	upgrader websocket.Upgrader
	snapshot func() interface{}

	clients    map[*client]struct{}
	clientsMux sync.RWMutex

	broadcast  chan broadcast
	register   chan *client
	unregister chan *client
	done       chan struct{}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	// greeting is sent once the hub has registered the client
	greeting *Message

	// all applies to topics without an explicit entry
	all           bool
	subscriptions map[string]bool
	subMux        sync.RWMutex
}

// NewHub creates a hub. snapshot, when set, is sent to each client on connect.
func NewHub(cfg *Config, logger logrus.FieldLogger, snapshot func() interface{}) *Hub {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 54 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
	}
	// A nil CheckOrigin makes gorilla enforce same-origin
	if !cfg.CheckOrigin {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}

	return &Hub{
		config:     cfg,
		logger:     logger.WithField("component", "websocket"),
		upgrader:   upgrader,
		snapshot:   snapshot,
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan broadcast, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.clientsMux.Lock()
			h.clients[c] = struct{}{}
			h.clientsMux.Unlock()
			h.logger.WithField("client_id", c.id).Debug("Client connected")

			if c.greeting != nil {
				h.sendTo(c, *c.greeting)
			}

		case c := <-h.unregister:
			h.remove(c)

		case b := <-h.broadcast:
			h.clientsMux.RLock()
			var slow []*client
			for c := range h.clients {
				if !c.isSubscribedTo(b.topic) {
					continue
				}
				select {
				case c.send <- b.data:
				default:
					slow = append(slow, c)
				}
			}
			h.clientsMux.RUnlock()

			for _, c := range slow {
				h.logger.WithField("client_id", c.id).Warn("Dropping slow websocket client")
				h.remove(c)
			}

		case <-ctx.Done():
			h.clientsMux.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.clientsMux.Unlock()
			return
		}
	}
}

// Done is closed once Run has returned
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Path is the route the hub is mounted on
func (h *Hub) Path() string {
	if h.config.Path == "" {
		return "/ws"
	}
	return h.config.Path
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients)
}

// Notify queues an event for every subscribed client. It never blocks; events
// are dropped when the queue is full.
func (h *Hub) Notify(event string, payload interface{}) {
	data, err := json.Marshal(h.message(MessageType(event), payload, ""))
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal broadcast message")
		return
	}

	select {
	case h.broadcast <- broadcast{topic: event, data: data}:
	default:
		h.logger.WithField("event", event).Warn("Broadcast queue full, dropping event")
	}
}

// Handle upgrades a gin request to a websocket client
func (h *Hub) Handle(c *gin.Context) {
	h.ServeHTTP(c.Writer, c.Request)
}

// ServeHTTP upgrades the request to a websocket client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade websocket connection")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.config.SendBuffer),
		id:   uuid.NewString(),
		all:  true,

		subscriptions: make(map[string]bool),
	}
	// Taken here so a slow snapshot never stalls the hub goroutine
	if h.snapshot != nil {
		msg := h.message(MessageTypeSnapshot, h.snapshot(), "")
		c.greeting = &msg
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.clientsMux.Lock()
	defer h.clientsMux.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.WithField("client_id", c.id).Debug("Client disconnected")
	}
}

func (h *Hub) message(t MessageType, payload interface{}, requestID string) Message {
	msg := Message{
		Type:      t,
		Timestamp: time.Now(),
		RequestID: requestID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			h.logger.WithError(err).Error("Failed to marshal payload")
		} else {
			msg.Payload = raw
		}
	}
	return msg
}

// sendTo must run on the hub goroutine
func (h *Hub) sendTo(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal client message")
		return
	}

	select {
	case c.send <- data:
	default:
		h.remove(c)
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	deadline := 2 * c.hub.config.PingInterval
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).Warn("Websocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(c.hub.message(MessageTypeError, ErrorMessage{Code: http.StatusBadRequest, Message: "invalid message format"}, ""))
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handleMessage(msg Message) {
	switch msg.Type {
	case MessageTypeSubscribe, MessageTypeUnsubscribe:
		var sub SubscribeMessage
		if err := json.Unmarshal(msg.Payload, &sub); err != nil || sub.Topic == "" {
			c.reply(c.hub.message(MessageTypeError, ErrorMessage{Code: http.StatusBadRequest, Message: "invalid subscription"}, msg.RequestID))
			return
		}
		c.setSubscription(sub.Topic, msg.Type == MessageTypeSubscribe)

	case MessageTypePing:
		c.reply(c.hub.message(MessageTypePong, nil, msg.RequestID))

	default:
		c.reply(c.hub.message(MessageTypeError, ErrorMessage{Code: http.StatusBadRequest, Message: "unknown message type"}, msg.RequestID))
	}
}

// setSubscription narrows a client to explicit topics on its first subscribe
func (c *client) setSubscription(topic string, on bool) {
	c.subMux.Lock()
	if on {
		c.all = false
	}
	c.subscriptions[topic] = on
	c.subMux.Unlock()

	c.hub.logger.WithFields(logrus.Fields{
		"client_id":  c.id,
		"topic":      topic,
		"subscribed": on,
	}).Debug("Subscription changed")
}

func (c *client) isSubscribedTo(topic string) bool {
	c.subMux.RLock()
	defer c.subMux.RUnlock()
	if on, ok := c.subscriptions[topic]; ok {
		return on
	}
	return c.all
}

// reply queues a direct response. Replies are dropped for a saturated client.
func (c *client) reply(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.hub.clientsMux.RLock()
	defer c.hub.clientsMux.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
