package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raaihank/contract-sentinel/internal/pipeline"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeRunState is a pipeline state transition
	EventTypeRunState = EventType(pipeline.EventRunState)
	// EventTypePIIDetection reports entity counts for a tokenized document
	EventTypePIIDetection = EventType(pipeline.EventPIIDetection)
	// EventTypeDataIntegrity reports unknown tokens in an analysis result
	EventTypeDataIntegrity = EventType(pipeline.EventDataIntegrity)
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	DocumentID string    `json:"document_id,omitempty"`
	Data       any       `json:"data"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string  `json:"status"`
	Uptime           string  `json:"uptime"`
	QueueLength      int64   `json:"queue_length"`
	Processed        int64   `json:"processed"`
	Failed           int64   `json:"failed"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
	ConnectedClients int     `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
	Message  string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string               `json:"type"`
	Data *SubscriptionRequest `json:"data,omitempty"`
}

// SubscriptionRequest narrows the events a client receives. Empty lists
// match everything.
type SubscriptionRequest struct {
	Events      []EventType `json:"events"`
	DocumentIDs []string    `json:"document_ids,omitempty"`
}

func (s *SubscriptionRequest) matches(event Event) bool {
	if len(s.Events) > 0 && !contains(s.Events, event.Type) {
		return false
	}
	if len(s.DocumentIDs) > 0 && event.DocumentID != "" && !contains(s.DocumentIDs, event.DocumentID) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	mu           sync.RWMutex
	subscription *SubscriptionRequest
}

func (c *Client) subscribe(s *SubscriptionRequest) {
	c.mu.Lock()
	c.subscription = s
	c.mu.Unlock()
}

func (c *Client) wants(event Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscription == nil || c.subscription.matches(event)
}
