// Package model defines data structures for the intake assistant.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is one utterance in a conversation. Messages are never mutated
// after creation; ID makes repeated appends of the same message idempotent.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message with a fresh time-ordered ID.
func NewMessage(role Role, text string, at time.Time) Message {
	return Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      role,
		Text:      text,
		Timestamp: at.UTC(),
	}
}

// Record is the persisted shape of one message in a sender's log.
type Record struct {
	SenderID    string    `json:"sender_id"`
	MessageData Message   `json:"message_data"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewRecord wraps msg for storage under senderID.
func NewRecord(senderID string, msg Message) Record {
	return Record{
		SenderID:    senderID,
		MessageData: msg,
		Timestamp:   msg.Timestamp,
	}
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	SenderID string `json:"sender_id"`
	Message  string `json:"message"`
}

// ChatResponse is the body returned by POST /chat.
type ChatResponse struct {
	Response string `json:"response"`
}

// TurnResult is what the intake service hands back to a channel adapter.
type TurnResult struct {
	Reply        Message
	Route        string
	FirstContact bool
}
