// Package store persists conversation histories as per-sender append-only
// logs of messages.
package store

import (
	"context"
	"errors"

	"github.com/clinicai/intake-assistant/internal/model"
)

// ErrConversationExists is returned by Seed when the sender already has at
// least one message.
var ErrConversationExists = errors.New("store: conversation already exists")

// Store is the conversation store.
type Store interface {
	// Load returns the sender's messages in append order, or an empty slice
	// for a sender that has never been seen.
	Load(ctx context.Context, senderID string) ([]model.Message, error)

	// Seed writes the opening greeting. At most one Seed per sender succeeds;
	// the others return ErrConversationExists.
	Seed(ctx context.Context, senderID string, greeting model.Message) error

	// Append adds msgs in order. Re-appending a message with an ID that is
	// already stored has no effect.
	Append(ctx context.Context, senderID string, msgs ...model.Message) error
}

// EventPublisher publishes triage events for operators.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.TriageEvent) error
}

// Pinger reports whether the backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
