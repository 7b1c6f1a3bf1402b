package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of triage event.
type EventType string

const (
	EventTypeEmergency        EventType = "emergency"
	EventTypeModelUnavailable EventType = "model_unavailable"
)

// TriageEvent is published next to the message log so operators can react
// to emergencies and model outages. Events are not part of the history.
type TriageEvent struct {
	ID        string            `json:"id"`
	SenderID  string            `json:"sender_id"`
	Type      EventType         `json:"type"`
	Reason    string            `json:"reason"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewTriageEvent creates an event with a fresh ID.
func NewTriageEvent(senderID string, eventType EventType, reason string, at time.Time) *TriageEvent {
	return &TriageEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		SenderID:  senderID,
		Type:      eventType,
		Reason:    reason,
		CreatedAt: at.UTC(),
	}
}
