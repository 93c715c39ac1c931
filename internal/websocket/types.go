package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeAuditAppended is sent for every record committed to the audit log
	EventTypeAuditAppended EventType = "audit_appended"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// AuditEvent carries audit record metadata. It never includes field values.
type AuditEvent struct {
	Sequence       int64    `json:"sequence"`
	RecordID       string   `json:"record_id"`
	Actor          string   `json:"actor"`
	Action         string   `json:"action"`
	EntityTypes    []string `json:"entity_types"`
	RuleIDs        []string `json:"rule_ids"`
	LowConfidence  int      `json:"low_confidence"`
	FailOpenFields int      `json:"fail_open_fields"`
	RuleSetVersion string   `json:"ruleset_version"`
	Hash           string   `json:"hash"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	RuleSetVersion   string `json:"ruleset_version"`
	ActiveRules      int    `json:"active_rules"`
	AuditNextSeq     int64  `json:"audit_next_sequence"`
	SurrogateEntries int64  `json:"surrogate_entries"`
	ConnectedClients int    `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
	ClientIP string `json:"client_ip"`
	Message  string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string               `json:"type"`
	Data *SubscriptionRequest `json:"data,omitempty"`
}

// SubscriptionRequest narrows the events a client receives. An empty list
// means every event.
type SubscriptionRequest struct {
	Events      []EventType `json:"events"`
	EntityTypes []string    `json:"entity_types,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	LastPing     time.Time
	IP           string
	UserAgent    string
}
