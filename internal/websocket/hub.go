// Package websocket is the client-facing session layer: it upgrades HTTP
// connections, tracks active clients, and bridges JSON envelopes to the
// per-connection conversation pipeline.
package websocket

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/swaralabs/swara/domain/entities"
	"github.com/swaralabs/swara/internal/orchestrator"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Conversation is the per-connection pipeline the session layer drives.
// Satisfied by the orchestrator.
type Conversation interface {
	UpdateConfig(update entities.ConversationConfig) entities.ConversationConfig
	PushAudio(data []byte, final bool)
	CancelOutput()
	ClearContext()
	Close()
}

// ConversationFactory builds one conversation pipeline per client
// connection, with the session's outbound events wired in.
type ConversationFactory func(deviceID, userID string, events orchestrator.Events) (Conversation, error)

// Hub maintains the set of active clients
type Hub struct {
	// Registered clients keyed by device ID.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	mu sync.RWMutex

	newConversation ConversationFactory
	logger          *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(factory ConversationFactory, logger *zap.Logger) *Hub {
	return &Hub{
		clients:         make(map[string]*Client),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		newConversation: factory,
		logger:          logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if previous, ok := h.clients[client.deviceID]; ok {
				// one live connection per device
				previous.shutdown()
			}
			h.clients[client.deviceID] = client
			h.mu.Unlock()
			h.logger.Info("Client registered", zap.String("deviceID", client.deviceID))

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.deviceID]; ok && current == client {
				delete(h.clients, client.deviceID)
			}
			h.mu.Unlock()
			client.shutdown()
			h.logger.Info("Client unregistered", zap.String("deviceID", client.deviceID))
		}
	}
}

// ClientCount reports the number of live client connections
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between one websocket connection and its
// conversation pipeline.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	deviceID string
	userID   string

	logger *zap.Logger

	mu           sync.Mutex
	conversation Conversation
	closed       bool
}

// ServeWS upgrades an authenticated request and runs the session until the
// connection drops.
func ServeWS(hub *Hub, c echo.Context, deviceID, userID string, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan WriteData, 256),
		deviceID: deviceID,
		userID:   userID,
		logger:   logger.With(zap.String("deviceID", deviceID)),
	}

	conversation, err := hub.newConversation(deviceID, userID, client.events())
	if err != nil {
		logger.Error("Failed to build conversation pipeline", zap.Error(err))
		conn.Close()
		return err
	}
	client.conversation = conversation

	client.hub.register <- client

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	client.sendEvent(EventConnectionEstablished, ConnectionEstablishedPayload{DeviceID: deviceID})
	return nil
}

// events wires the conversation pipeline's outbound signals to this
// connection.
func (c *Client) events() orchestrator.Events {
	return orchestrator.Events{
		OnText: func(text string, complete bool) {
			payload := TextStreamPayload{Role: "assistant", Text: text}
			if complete {
				c.sendEvent(EventTextComplete, payload)
			} else {
				c.sendEvent(EventTextStream, payload)
			}
		},
		OnAudio: func(chunk []byte) {
			c.sendEvent(EventAudioStream, AudioStreamPayload{
				Audio: base64.StdEncoding.EncodeToString(chunk),
			})
		},
		OnAudioComplete: func() {
			c.sendEvent(EventAudioComplete, nil)
		},
		OnChatComplete: func(success bool, errs []string) {
			c.sendEvent(EventChatComplete, ChatCompletePayload{Success: success, Errors: errs})
		},
		OnCancelAck: func() {
			c.sendEvent(EventCancelOutputAck, nil)
		},
		OnFatal: func(err error) {
			c.logger.Error("Conversation pipeline failed, closing connection", zap.Error(err))
			c.conn.Close()
		},
	}
}

// shutdown tears down the conversation pipeline once. Safe to call from the
// hub loop and from pump exits.
func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conversation := c.conversation
	c.mu.Unlock()

	if conversation != nil {
		conversation.Close()
	}
	close(c.send)
	c.conn.Close()
}

// readPump pumps messages from the websocket connection to the
// conversation pipeline.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processRequest(message)
		case websocket.BinaryMessage:
			// raw binary frames are audio chunks, no envelope
			c.conversation.PushAudio(message, false)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the session to the websocket connection.
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
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

// processRequest dispatches one inbound JSON envelope
func (c *Client) processRequest(message []byte) {
	req, err := ParseRequest(message)
	if err != nil {
		c.logger.Error("Failed to parse request", zap.Error(err))
		c.sendResponse(NewErrorResponse("", "", "invalid request envelope"))
		return
	}

	switch req.Action {
	case ActionUpdateConfig:
		c.handleUpdateConfig(req)
	case ActionInputAudioStream:
		c.handleAudioChunk(req)
	case ActionInputAudioComplete:
		c.conversation.PushAudio(nil, true)
		c.sendResponse(NewAck(req.ID, req.Action, nil))
	case ActionClearContext:
		c.conversation.ClearContext()
		c.sendResponse(NewAck(req.ID, req.Action, nil))
	case ActionCancelOutput:
		// acknowledged via the cancel-output-ack event once the
		// interrupt protocol has run
		c.conversation.CancelOutput()
	default:
		c.logger.Warn("Unknown action", zap.String("action", req.Action))
		c.sendResponse(NewErrorResponse(req.ID, req.Action, "unknown action"))
	}
}

func (c *Client) handleUpdateConfig(req Request) {
	var payload ConfigPayload
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &payload); err != nil {
			c.sendResponse(NewErrorResponse(req.ID, req.Action, "invalid config payload"))
			return
		}
	}

	update := entities.ConversationConfig{
		ConversationID: payload.ConversationID,
		Timezone:       payload.Timezone,
		OutputText:     true,
	}
	if payload.OutputText != nil {
		update.OutputText = *payload.OutputText
	}

	effective := c.conversation.UpdateConfig(update)
	c.sendResponse(NewAck(req.ID, req.Action, effective))
}

func (c *Client) handleAudioChunk(req Request) {
	var payload AudioChunkPayload
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		c.sendResponse(NewErrorResponse(req.ID, req.Action, "invalid audio payload"))
		return
	}
	audio, err := base64.StdEncoding.DecodeString(payload.Audio)
	if err != nil {
		c.sendResponse(NewErrorResponse(req.ID, req.Action, "invalid base64 audio"))
		return
	}
	c.conversation.PushAudio(audio, false)
}

func (c *Client) sendEvent(action string, data interface{}) {
	c.sendResponse(NewEvent(action, data))
}

func (c *Client) sendResponse(resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
	default:
		c.logger.Warn("Dropping outbound message, send buffer full",
			zap.String("action", resp.Action))
	}
}
