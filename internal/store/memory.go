package store

import (
	"context"
	"errors"
	"sync"

	"github.com/clinicai/intake-assistant/internal/model"
)

// MemoryStore keeps conversations in process memory. It is lost on restart
// and is meant for tests and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	logs   map[string][]model.Message
	ids    map[string]map[string]struct{}
	events []model.TriageEvent
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: make(map[string][]model.Message),
		ids:  make(map[string]map[string]struct{}),
	}
}

// Load returns a copy of the sender's history.
func (s *MemoryStore) Load(ctx context.Context, senderID string) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Message, len(s.logs[senderID]))
	copy(out, s.logs[senderID])
	return out, nil
}

// Seed writes greeting if the sender has no messages yet.
func (s *MemoryStore) Seed(ctx context.Context, senderID string, greeting model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.logs[senderID]) > 0 {
		return ErrConversationExists
	}
	s.appendLocked(senderID, greeting)
	return nil
}

// Append adds msgs, skipping any whose ID is already stored.
func (s *MemoryStore) Append(ctx context.Context, senderID string, msgs ...model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg.ID == "" {
			return errors.New("store: message ID is required")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range msgs {
		s.appendLocked(senderID, msg)
	}
	return nil
}

func (s *MemoryStore) appendLocked(senderID string, msg model.Message) {
	seen, ok := s.ids[senderID]
	if !ok {
		seen = make(map[string]struct{})
		s.ids[senderID] = seen
	}
	if _, dup := seen[msg.ID]; dup {
		return
	}
	seen[msg.ID] = struct{}{}
	s.logs[senderID] = append(s.logs[senderID], msg)
}

// PublishEvent records event.
func (s *MemoryStore) PublishEvent(ctx context.Context, event *model.TriageEvent) error {
	if event == nil {
		return errors.New("store: event is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *event)
	return nil
}

// Events returns the published events in order.
func (s *MemoryStore) Events() []model.TriageEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.TriageEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
