package model

import (
	"time"
)

// ConversationView is the staff-facing read model of one conversation.
type ConversationView struct {
	SenderID      string     `json:"sender_id"`
	Messages      []Message  `json:"messages"`
	MessageCount  int        `json:"message_count"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// NewConversationView builds the view from an ordered history.
func NewConversationView(senderID string, history []Message) *ConversationView {
	view := &ConversationView{
		SenderID:     senderID,
		Messages:     history,
		MessageCount: len(history),
	}
	if view.Messages == nil {
		view.Messages = []Message{}
	}
	if len(history) > 0 {
		first := history[0].Timestamp
		last := history[len(history)-1].Timestamp
		view.StartedAt = &first
		view.LastMessageAt = &last
	}
	return view
}
