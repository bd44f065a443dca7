package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // production deployments should restrict this
	},
}

// MessageType enumerates the device message vocabulary (spec.md §6).
type MessageType string

const (
	// Client -> server.
	MessageTypeAuth                     MessageType = "auth"
	MessageTypeRegisterDevice           MessageType = "register_device"
	MessageTypePrompt                   MessageType = "prompt"
	MessageTypeHeartbeat                MessageType = "heartbeat"
	MessageTypeExecutionResult          MessageType = "execution_result"
	MessageTypeMemoryResponse           MessageType = "memory_response"
	MessageTypeAdminResponse            MessageType = "admin_response"
	MessageTypeLLMCallRequest           MessageType = "llm_call_request"
	MessageTypeCredentialSessionRequest MessageType = "credential_session_request"
	MessageTypeCredentialStored         MessageType = "credential_stored"

	// Server -> client.
	MessageTypeExecutionCommand   MessageType = "execution_command"
	MessageTypeMemoryRequest      MessageType = "memory_request"
	MessageTypeAdminRequest       MessageType = "admin_request"
	MessageTypeLLMCallResponse    MessageType = "llm_call_response"
	MessageTypeCredentialReady    MessageType = "credential_session_ready"
	MessageTypeAgentLifecycle     MessageType = "agent_lifecycle"
	MessageTypeRunLog             MessageType = "run_log"
	MessageTypeNotification       MessageType = "notification"

	// Tool dispatch, correlated by id between the Transport Bridge and a
	// device (spec.md §4.1); not part of the client-facing vocabulary above.
	MessageTypeToolCall   MessageType = "tool_call"
	MessageTypeToolResult MessageType = "tool_result"
	MessageTypeError      MessageType = "error"
	MessageTypePing       MessageType = "ping"
	MessageTypePong       MessageType = "pong"
)

// WSMessage is the wire envelope for every frame exchanged over the
// bridge.
type WSMessage struct {
	Type      MessageType            `json:"type"`
	ID        string                 `json:"id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Client is one connected device's websocket session.
type Client struct {
	ID        string
	DeviceID  string
	SessionID string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	logger    *zap.Logger
}

// Hub fans inbound frames out to a single registered handler and
// multiplexes outbound sends across connected clients.
type Hub struct {
	clients    map[string]*Client
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	logger     *zap.Logger
	mu         sync.RWMutex

	onMessage func(client *Client, msg *WSMessage)
}

// NewHub builds a hub. Call Run to start its event loop.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// SetMessageHandler installs the single callback invoked for every
// inbound frame.
func (h *Hub) SetMessageHandler(handler func(client *Client, msg *WSMessage)) {
	h.onMessage = handler
}

// Run drives client (un)registration and broadcast until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.logger.Info("client connected",
				zap.String("client_id", client.ID),
				zap.String("device_id", client.DeviceID),
			)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", zap.String("client_id", client.ID))
		case message := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client.ID)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// SendToClient sends msg to one connected client by id; a no-op (not an
// error) if the client is no longer connected.
func (h *Hub) SendToClient(clientID string, msg *WSMessage) error {
	h.mu.RLock()
	client, exists := h.clients[clientID]
	h.mu.RUnlock()

	if !exists {
		return nil
	}

	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case client.send <- data:
		return nil
	default:
		return nil
	}
}

// SendToSession sends msg to every client sharing the given session id.
func (h *Hub) SendToSession(sessionID string, msg *WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msg.Timestamp = time.Now().Unix()
	data, _ := json.Marshal(msg)

	for _, client := range h.clients {
		if client.SessionID == sessionID {
			select {
			case client.send <- data:
			default:
			}
		}
	}
}

// GetClientCount returns the number of currently connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler upgrades incoming HTTP requests to websocket connections.
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHandler builds a Handler bound to hub.
func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: logger,
	}
}

// ServeWS upgrades the connection and registers a new Client with the hub.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	deviceID := r.URL.Query().Get("device_id")
	sessionID := r.URL.Query().Get("session_id")
	clientID := r.URL.Query().Get("client_id")

	if clientID == "" {
		clientID = deviceID + "_" + time.Now().Format("20060102150405")
	}

	client := &Client{
		ID:        clientID,
		DeviceID:  deviceID,
		SessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       h.hub,
		logger:    h.logger,
	}

	h.hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("failed to parse message", zap.Error(err))
			continue
		}

		if msg.Type == MessageTypePing {
			c.send <- mustMarshal(&WSMessage{
				Type:      MessageTypePong,
				Timestamp: time.Now().Unix(),
			})
			continue
		}

		if c.hub.onMessage != nil {
			c.hub.onMessage(c, &msg)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
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

// SendMessage sends msg directly to this client.
func (c *Client) SendMessage(msg *WSMessage) {
	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.send <- data
}

// GetID returns the client's connection id.
func (c *Client) GetID() string {
	return c.ID
}

// GetDeviceID returns the device id the client authenticated as.
func (c *Client) GetDeviceID() string {
	return c.DeviceID
}

// GetSessionID returns the client's session id.
func (c *Client) GetSessionID() string {
	return c.SessionID
}

func mustMarshal(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
