package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/clinicai/intake-assistant/internal/model"
	"github.com/clinicai/intake-assistant/pkg/logger"
	"github.com/clinicai/intake-assistant/pkg/metrics"
)

const (
	// DefaultStreamName is the name of the conversations stream.
	DefaultStreamName = "CLINIC_CONVERSATIONS"

	// DefaultSubjectPrefix is the prefix for all conversation subjects.
	DefaultSubjectPrefix = "clinic"

	dedupeWindow  = 10 * time.Minute
	historyMaxAge = 365 * 24 * time.Hour
)

// JetStreamConfig configures a JetStreamStore.
type JetStreamConfig struct {
	Stream        string
	SubjectPrefix string
	Replicas      int
}

// JetStreamStore keeps each sender's history on its own subject of a
// file-backed stream that forbids deletes and purges.
type JetStreamStore struct {
	js       jetstream.JetStream
	stream   string
	prefix   string
	replicas int
	logger   *logger.Logger
}

// NewJetStreamStore creates a store on js. Call EnsureStream before use.
func NewJetStreamStore(js jetstream.JetStream, cfg JetStreamConfig, log *logger.Logger) *JetStreamStore {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStreamName
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &JetStreamStore{
		js:       js,
		stream:   cfg.Stream,
		prefix:   cfg.SubjectPrefix,
		replicas: cfg.Replicas,
		logger:   log,
	}
}

// EnsureStream ensures the conversations stream exists with proper configuration.
func (s *JetStreamStore) EnsureStream(ctx context.Context) error {
	if _, err := s.js.Stream(ctx, s.stream); err == nil {
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err := s.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        s.stream,
		Subjects:    []string{s.prefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      historyMaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    s.replicas,
		Compression: jetstream.S2Compression,
		Duplicates:  dedupeWindow,
		DenyDelete:  true,
		DenyPurge:   true,
		AllowDirect: true,
		Description: "Patient intake conversations and triage events",
	})
	if err != nil && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	s.logger.Info("conversation stream ready", zap.String("stream", s.stream))
	return nil
}

// MessageSubject returns the subject holding a sender's history. Sender IDs
// are base64url encoded so phone numbers or arbitrary client IDs cannot
// inject subject tokens.
func MessageSubject(prefix, senderID string) string {
	return fmt.Sprintf("%s.msg.%s", prefix, encodeSender(senderID))
}

// EventSubject returns the subject for a triage event.
func EventSubject(prefix, senderID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.event.%s.%s", prefix, encodeSender(senderID), eventType)
}

func encodeSender(senderID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(senderID))
}

// Load replays the sender's subject from the start. Messages are read with
// subject-filtered gets, so a load leaves no consumer behind on the server.
func (s *JetStreamStore) Load(ctx context.Context, senderID string) (msgs []model.Message, err error) {
	defer func() { metrics.RecordStore("load", err) }()

	subject := MessageSubject(s.prefix, senderID)

	stream, err := s.js.Stream(ctx, s.stream)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(subject))
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}

	count := info.State.Subjects[subject]
	if count == 0 {
		return []model.Message{}, nil
	}

	msgs = make([]model.Message, 0, count)
	seq := max(info.State.FirstSeq, 1)
	for uint64(len(msgs)) < count {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := stream.GetMsg(ctx, seq, jetstream.WithGetMsgSubject(subject))
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, fmt.Errorf("history for sender truncated: got %d of %d messages", len(msgs), count)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get message: %w", err)
		}

		var rec model.Record
		if err := json.Unmarshal(raw.Data, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record at seq %d: %w", raw.Sequence, err)
		}
		msgs = append(msgs, rec.MessageData)
		seq = raw.Sequence + 1
	}

	return msgs, nil
}

// Seed publishes greeting only if the sender's subject is empty; the server
// rejects the publish otherwise, so two racing seeds cannot both land.
func (s *JetStreamStore) Seed(ctx context.Context, senderID string, greeting model.Message) (err error) {
	defer func() {
		if errors.Is(err, ErrConversationExists) {
			metrics.RecordStore("seed", nil)
			return
		}
		metrics.RecordStore("seed", err)
	}()

	data, err := json.Marshal(model.NewRecord(senderID, greeting))
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = s.js.Publish(ctx, MessageSubject(s.prefix, senderID), data,
		jetstream.WithMsgID(greeting.ID),
		jetstream.WithExpectLastSequencePerSubject(0),
	)
	if err != nil {
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			return ErrConversationExists
		}
		return fmt.Errorf("failed to publish greeting: %w", err)
	}
	return nil
}

// Append publishes msgs in order. Each message ID doubles as the JetStream
// message ID, so a retried append inside the dedupe window is a no-op.
func (s *JetStreamStore) Append(ctx context.Context, senderID string, msgs ...model.Message) (err error) {
	defer func() { metrics.RecordStore("append", err) }()

	subject := MessageSubject(s.prefix, senderID)
	for _, msg := range msgs {
		if msg.ID == "" {
			return errors.New("store: message ID is required")
		}

		data, err := json.Marshal(model.NewRecord(senderID, msg))
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		ack, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(msg.ID))
		if err != nil {
			return fmt.Errorf("failed to publish message: %w", err)
		}
		if ack.Duplicate {
			s.logger.Debug("duplicate append ignored", zap.String("message_id", msg.ID))
		}
	}
	return nil
}

// PublishEvent publishes a triage event next to the message log.
func (s *JetStreamStore) PublishEvent(ctx context.Context, event *model.TriageEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = s.js.Publish(ctx, EventSubject(s.prefix, event.SenderID, event.Type), data,
		jetstream.WithMsgID(event.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Ping checks that the stream is reachable.
func (s *JetStreamStore) Ping(ctx context.Context) error {
	if _, err := s.js.Stream(ctx, s.stream); err != nil {
		return fmt.Errorf("stream %s unavailable: %w", s.stream, err)
	}
	return nil
}
