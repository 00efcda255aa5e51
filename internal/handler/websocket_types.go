// internal/handler/websocket_types.go
package handler

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"instrument-service/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	ID           string          `json:"id"`
	Connection   *websocket.Conn `json:"-"`
	Send         chan []byte     `json:"-"`
	InstrumentID *uuid.UUID      `json:"instrument_id,omitempty"`
	UserAgent    string          `json:"user_agent"`
	RemoteAddr   string          `json:"remote_addr"`
	ConnectedAt  time.Time       `json:"connected_at"`

	mu sync.RWMutex
	// subscriptions holds event types; empty means every type
	subscriptions map[model.EventType]bool
}

// Subscribe adds an event type to the client's filter
func (c *Client) Subscribe(eventType model.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscriptions == nil {
		c.subscriptions = make(map[model.EventType]bool)
	}
	c.subscriptions[eventType] = true
}

// Unsubscribe removes an event type from the client's filter
func (c *Client) Unsubscribe(eventType model.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, eventType)
}

// Wants reports whether an event passes the client's filters
func (c *Client) Wants(event *model.InstrumentEvent) bool {
	if c.InstrumentID != nil && (event.InstrumentID == nil || *event.InstrumentID != *c.InstrumentID) {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[event.EventType]
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ConnectionManager tracks WebSocket clients. A client's Send channel is
// only written under the manager's read lock and only closed under its
// write lock.
type ConnectionManager struct {
	clients map[string]*Client
	mutex   sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		clients: make(map[string]*Client),
	}
}

// Register registers a new client
func (cm *ConnectionManager) Register(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.clients[client.ID] = client
}

// Unregister removes a client and closes its send channel. It is safe to
// call more than once.
func (cm *ConnectionManager) Unregister(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	if _, ok := cm.clients[client.ID]; ok {
		delete(cm.clients, client.ID)
		close(client.Send)
	}
}

// Deliver queues a message for one client. It reports false when the client
// is gone or its queue is full.
func (cm *ConnectionManager) Deliver(client *Client, message []byte) bool {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	if _, ok := cm.clients[client.ID]; !ok {
		return false
	}
	select {
	case client.Send <- message:
		return true
	default:
		return false
	}
}

// Broadcast queues a message for every client accepted by filter and
// returns the ids of clients whose queue was full
func (cm *ConnectionManager) Broadcast(message []byte, filter func(*Client) bool) []string {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	var dropped []string
	for _, client := range cm.clients {
		if filter != nil && !filter(client) {
			continue
		}
		select {
		case client.Send <- message:
		default:
			dropped = append(dropped, client.ID)
		}
	}
	return dropped
}

// CloseAll unregisters every client
func (cm *ConnectionManager) CloseAll() {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	for id, client := range cm.clients {
		delete(cm.clients, id)
		close(client.Send)
	}
}

// GetStats returns connection statistics
func (cm *ConnectionManager) GetStats() *ConnectionStats {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	stats := &ConnectionStats{
		TotalConnections: len(cm.clients),
		Clients:          make([]*Client, 0, len(cm.clients)),
	}
	for _, client := range cm.clients {
		if client.InstrumentID != nil {
			stats.InstrumentScoped++
		}
		stats.Clients = append(stats.Clients, client)
	}
	return stats
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	TotalConnections int       `json:"total_connections"`
	InstrumentScoped int       `json:"instrument_scoped"`
	Clients          []*Client `json:"clients"`
}
