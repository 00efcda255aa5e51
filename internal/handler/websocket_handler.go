// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"instrument-service/internal/model"
	"instrument-service/internal/service"
	"instrument-service/internal/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	commandTimeout = 30 * time.Second
)

// WebSocketHandler streams instrument and discovery events to WebSocket
// clients and accepts raw commands over the same connection
type WebSocketHandler struct {
	upgrader         websocket.Upgrader
	connections      *ConnectionManager
	eventBus         *EventBus
	operationService *service.OperationService
	logger           *utils.ServiceLogger

	// mu guards closed and the Add side of clients
	mu      sync.Mutex
	closed  bool
	clients sync.WaitGroup
}

// NewWebSocketHandler creates a new WebSocket handler. An empty origin list
// or "*" accepts every origin.
func NewWebSocketHandler(
	eventBus *EventBus,
	operationService *service.OperationService,
	allowedOrigins []string,
	logger *zap.Logger,
) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		connections:      NewConnectionManager(),
		eventBus:         eventBus,
		operationService: operationService,
		logger:           utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 || slices.Contains(allowed, "*") {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws/events", h.HandleEventConnection)
}

// Run forwards bus events to clients until the bus stops or ctx is done,
// then disconnects every client and waits for their goroutines to exit.
// Connections arriving afterwards are refused.
func (h *WebSocketHandler) Run(ctx context.Context) {
	subscriberID := NewSubscriberID("websocket")
	events := h.eventBus.Subscribe(subscriberID)
	defer func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()

		h.eventBus.Unsubscribe(subscriberID)
		h.connections.CloseAll()
		h.clients.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			h.broadcastEvent(event)
		}
	}
}

// HandleEventConnection upgrades a request to an event stream. The optional
// instrument_id query parameter limits the stream to one instrument and
// event_types to a comma separated list of event types.
// @Summary Event stream
// @Tags Events
// @Param instrument_id query string false "Instrument ID"
// @Param event_types query string false "Comma separated event types"
// @Router /ws/events [get]
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	var instrumentID *uuid.UUID
	if raw := c.Query("instrument_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid instrument ID", err)
			return
		}
		instrumentID = &id
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:           uuid.New().String(),
		Connection:   conn,
		Send:         make(chan []byte, 256),
		InstrumentID: instrumentID,
		UserAgent:    c.Request.UserAgent(),
		RemoteAddr:   c.Request.RemoteAddr,
		ConnectedAt:  time.Now(),
	}
	for _, t := range strings.Split(c.Query("event_types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			client.Subscribe(model.EventType(strings.ToUpper(t)))
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.clients.Add(2)
	h.connections.Register(client)
	h.mu.Unlock()

	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	h.sendMessage(client, &WebSocketMessage{
		Type:      "connected",
		Data:      map[string]interface{}{"client_id": client.ID},
		Timestamp: time.Now(),
	})

	go func() {
		defer h.clients.Done()
		h.handleClientRead(client)
	}()
	go func() {
		defer h.clients.Done()
		h.handleClientWrite(client)
	}()
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		_ = client.Connection.Close()
		h.logger.Info("Event WebSocket client disconnected", zap.String("client_id", client.ID))
	}()

	_ = client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		return client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.sendError(client, "", "invalid message")
			continue
		}
		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			_ = client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, message *WebSocketMessage) {
	switch message.Type {
	case "subscribe", "unsubscribe":
		h.handleSubscription(client, message)
	case "command":
		h.handleCommand(client, message)
	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	default:
		h.sendError(client, message.RequestID, fmt.Sprintf("unknown message type: %s", message.Type))
	}
}

// handleSubscription adds or removes an event type from the client filter
func (h *WebSocketHandler) handleSubscription(client *Client, message *WebSocketMessage) {
	data, _ := message.Data.(map[string]interface{})
	eventType, _ := data["event_type"].(string)
	if eventType == "" {
		h.sendError(client, message.RequestID, "event_type is required")
		return
	}

	et := model.EventType(strings.ToUpper(eventType))
	if message.Type == "subscribe" {
		client.Subscribe(et)
	} else {
		client.Unsubscribe(et)
	}

	h.sendMessage(client, &WebSocketMessage{
		Type:      message.Type + "d",
		Data:      map[string]interface{}{"event_type": et},
		Timestamp: time.Now(),
		RequestID: message.RequestID,
	})
}

// handleCommand runs one raw transaction. Data carries instrument_id,
// operation (query, send or write) and command.
func (h *WebSocketHandler) handleCommand(client *Client, message *WebSocketMessage) {
	data, ok := message.Data.(map[string]interface{})
	if !ok {
		h.sendError(client, message.RequestID, "invalid command data")
		return
	}

	rawID, _ := data["instrument_id"].(string)
	if rawID == "" && client.InstrumentID != nil {
		rawID = client.InstrumentID.String()
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		h.sendError(client, message.RequestID, "instrument_id is required")
		return
	}
	operation, _ := data["operation"].(string)
	command, _ := data["command"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if _, err := uuid.Parse(message.RequestID); err == nil {
		ctx = context.WithValue(ctx, utils.RequestIDKey, message.RequestID)
	}

	var resp interface{}
	switch strings.ToLower(operation) {
	case "query", "":
		resp, err = h.operationService.Query(ctx, id, command)
	case "send":
		resp, err = h.operationService.Send(ctx, id, command)
	case "write":
		resp, err = h.operationService.Write(ctx, id, command)
	default:
		h.sendError(client, message.RequestID, fmt.Sprintf("unknown operation: %s", operation))
		return
	}

	result := map[string]interface{}{
		"instrument_id": id.String(),
		"success":       err == nil,
		"result":        resp,
	}
	if err != nil {
		result["error"] = err.Error()
		_, result["error_code"] = utils.ClassifyError(err)
	}
	h.sendMessage(client, &WebSocketMessage{
		Type:      "command_response",
		Data:      result,
		Timestamp: time.Now(),
		RequestID: message.RequestID,
	})
}

func (h *WebSocketHandler) broadcastEvent(event *model.InstrumentEvent) {
	messageBytes, err := json.Marshal(&WebSocketMessage{
		Type:      "event",
		Data:      event,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	dropped := h.connections.Broadcast(messageBytes, func(c *Client) bool { return c.Wants(event) })
	for _, id := range dropped {
		h.logger.Warn("Client send channel full during broadcast", zap.String("client_id", id))
	}
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}
	if !h.connections.Deliver(client, messageBytes) {
		h.logger.Warn("Client send channel full, dropping message", zap.String("client_id", client.ID))
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, requestID, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      "error",
		Data:      map[string]interface{}{"error": errorMsg},
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}
