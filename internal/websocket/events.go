package websocket

import (
	"encoding/json"
	"log"
	"time"

	"github.com/calendar-hub/backend/internal/storage/models"
)

// MessageType identifies a WebSocket message.
type MessageType string

const (
	// Server -> client events.
	TypeSyncStarted      MessageType = "sync.started"
	TypeSyncCompleted    MessageType = "sync.completed"
	TypeSyncFailed       MessageType = "sync.failed"
	TypeConnectionChange MessageType = "connection.changed"

	// Client -> server commands and their replies.
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the envelope every WebSocket payload travels in.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload"`
}

// NewMessage wraps a payload with the current timestamp.
func NewMessage(msgType MessageType, payload any) Message {
	return Message{Type: msgType, Timestamp: time.Now().UTC(), Payload: payload}
}

// SyncCompletedPayload reports one finished sync pass.
type SyncCompletedPayload struct {
	UserID       string           `json:"user_id"`
	ConnectionID string           `json:"connection_id"`
	Stats        models.SyncStats `json:"stats"`
}

// SyncFailedPayload reports a failed sync pass.
type SyncFailedPayload struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	Error        string `json:"error"`
}

// ConnectionChangePayload reports a connection being added, disconnected,
// or flagged for re-authorization.
type ConnectionChangePayload struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	Change       string `json:"change"`
}

// Broadcaster publishes sync lifecycle events through the hub. It satisfies
// the sync engine's notification contract.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster creates a broadcaster over the hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

// SyncCompleted announces a finished sync pass.
func (b *Broadcaster) SyncCompleted(userID, connectionID string, stats models.SyncStats) {
	b.send(NewMessage(TypeSyncCompleted, SyncCompletedPayload{
		UserID:       userID,
		ConnectionID: connectionID,
		Stats:        stats,
	}))
}

// SyncFailed announces a failed sync pass.
func (b *Broadcaster) SyncFailed(userID, connectionID string, message string) {
	b.send(NewMessage(TypeSyncFailed, SyncFailedPayload{
		UserID:       userID,
		ConnectionID: connectionID,
		Error:        message,
	}))
}

// ConnectionChanged announces a connection lifecycle change.
func (b *Broadcaster) ConnectionChanged(userID, connectionID, change string) {
	b.send(NewMessage(TypeConnectionChange, ConnectionChangePayload{
		UserID:       userID,
		ConnectionID: connectionID,
		Change:       change,
	}))
}

func (b *Broadcaster) send(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Error encoding WebSocket message: %v", err)
		return
	}
	b.hub.Broadcast(data)
}
