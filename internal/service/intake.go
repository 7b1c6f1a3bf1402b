// Package service provides the business logic of the intake assistant.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clinicai/intake-assistant/internal/lock"
	"github.com/clinicai/intake-assistant/internal/model"
	"github.com/clinicai/intake-assistant/internal/store"
	"github.com/clinicai/intake-assistant/internal/triage"
	"github.com/clinicai/intake-assistant/pkg/logger"
	"github.com/clinicai/intake-assistant/pkg/metrics"
)

var (
	// ErrStoreUnavailable is returned when the conversation store could not
	// be read or written after retries.
	ErrStoreUnavailable = errors.New("service: conversation store unavailable")

	// ErrInvalidInput is returned for an empty sender or message.
	ErrInvalidInput = errors.New("service: sender and message are required")
)

// Routes set by the service itself rather than the triage router.
const (
	// RouteGreeting marks a first-contact turn answered with the greeting only.
	RouteGreeting = "greeting"

	// RouteDuplicate marks a redelivered inbound message answered from
	// history without running a new turn.
	RouteDuplicate = "duplicate"
)

const (
	defaultAppendRetries = 3
	eventPublishTimeout  = 5 * time.Second
)

// Channel names where a turn came from.
type Channel string

const (
	ChannelChat     Channel = "chat"
	ChannelWhatsApp Channel = "whatsapp"
)

type channelKey struct{}

// WithChannel tags ctx with the channel that received the message.
func WithChannel(ctx context.Context, ch Channel) context.Context {
	return context.WithValue(ctx, channelKey{}, ch)
}

func channelFrom(ctx context.Context) Channel {
	if ch, ok := ctx.Value(channelKey{}).(Channel); ok {
		return ch
	}
	return ChannelChat
}

type inboundKey struct{}

// WithInboundID tags ctx with the channel's own ID for the inbound message
// (the WhatsApp wamid). The stored user message takes an ID derived from
// it, so a redelivery is recognised and answered from history.
func WithInboundID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, inboundKey{}, id)
}

// inboundMessageID returns the message ID derived from the inbound ID in
// ctx, or "" when there is none.
func inboundMessageID(ctx context.Context, channel Channel) string {
	id, _ := ctx.Value(inboundKey{}).(string)
	if id == "" {
		return ""
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("clinicai:"+string(channel)+":"+id)).String()
}

// IntakeConfig wires an IntakeService.
type IntakeConfig struct {
	Store    store.Store
	Events   store.EventPublisher
	Locker   lock.Locker
	Router   *triage.Router
	Greeting string

	AppendRetries uint64
	RetryInterval time.Duration

	Logger *logger.Logger
	Now    func() time.Time
}

// IntakeService runs conversational turns: one user message in, exactly
// one assistant message out, both persisted together.
type IntakeService struct {
	store         store.Store
	events        store.EventPublisher
	locker        lock.Locker
	router        *triage.Router
	greeting      string
	appendRetries uint64
	retryInterval time.Duration
	logger        *logger.Logger
	now           func() time.Time
}

// NewIntakeService creates a new intake service.
func NewIntakeService(cfg IntakeConfig) (*IntakeService, error) {
	if cfg.Store == nil {
		return nil, errors.New("service: store must not be nil")
	}
	if cfg.Router == nil {
		return nil, errors.New("service: router must not be nil")
	}
	if strings.TrimSpace(cfg.Greeting) == "" {
		return nil, errors.New("service: greeting must not be empty")
	}

	s := &IntakeService{
		store:         cfg.Store,
		events:        cfg.Events,
		locker:        cfg.Locker,
		router:        cfg.Router,
		greeting:      cfg.Greeting,
		appendRetries: cfg.AppendRetries,
		retryInterval: cfg.RetryInterval,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
	if s.locker == nil {
		s.locker = lock.NewLocal()
	}
	if s.appendRetries == 0 {
		s.appendRetries = defaultAppendRetries
	}
	if s.retryInterval <= 0 {
		s.retryInterval = 100 * time.Millisecond
	}
	if s.logger == nil {
		s.logger = logger.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// HandleMessage runs one turn for senderID. Turns for the same sender are
// serialized; the returned reply is already persisted.
//
// If the store fails on a turn whose text is an emergency, the referral is
// still returned, together with an error wrapping ErrStoreUnavailable.
// Callers must deliver a non-nil result even when err is non-nil.
func (s *IntakeService) HandleMessage(ctx context.Context, senderID, text string) (*model.TurnResult, error) {
	if strings.TrimSpace(senderID) == "" || strings.TrimSpace(text) == "" {
		return nil, ErrInvalidInput
	}

	log := logger.FromContext(ctx, s.logger)
	channel := channelFrom(ctx)

	ctx, span := otel.Tracer("github.com/clinicai/intake-assistant/internal/service").Start(ctx, "intake.handle_message",
		trace.WithAttributes(attribute.String("channel", string(channel))),
	)
	defer span.End()

	result, err := s.handle(ctx, log, channel, senderID, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetAttributes(
		attribute.String("triage.route", result.Route),
		attribute.Bool("first_contact", result.FirstContact),
	)
	return result, nil
}

func (s *IntakeService) handle(ctx context.Context, log *logger.Logger, channel Channel, senderID, text string) (*model.TurnResult, error) {
	release, err := s.locker.Acquire(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("acquire turn lock: %w", err)
	}
	defer release()

	history, err := s.store.Load(ctx, senderID)
	if err != nil {
		return s.referWithoutStore(ctx, log, channel, senderID, text, fmt.Errorf("%w: load: %v", ErrStoreUnavailable, err))
	}

	inboundID := inboundMessageID(ctx, channel)
	if reply, ok := replyFor(history, inboundID); ok {
		log.Info("redelivered message answered from history")
		return &model.TurnResult{Reply: reply, Route: RouteDuplicate}, nil
	}
	if n := len(history); inboundID != "" && n > 0 && history[n-1].ID == inboundID {
		// An earlier attempt stored the user message but not its reply.
		history = history[:n-1]
	}

	firstContact := false
	if len(history) == 0 {
		emergency := s.router.IsEmergency(text)
		greeting := model.NewMessage(model.RoleAssistant, s.greeting, s.now())
		if inboundID != "" && !emergency {
			// The inbound text is not stored on a greeting-only turn, so the
			// greeting carries its ID.
			greeting.ID = inboundID
		}

		err := s.store.Seed(ctx, senderID, greeting)
		switch {
		case err == nil:
			firstContact = true
			history = []model.Message{greeting}
			metrics.FirstContactsTotal.WithLabelValues(string(channel)).Inc()
			log.Info("conversation started")

			if !emergency {
				return &model.TurnResult{
					Reply:        greeting,
					Route:        RouteGreeting,
					FirstContact: true,
				}, nil
			}
		case errors.Is(err, store.ErrConversationExists):
			// Another replica seeded first; continue on its history.
			history, err = s.store.Load(ctx, senderID)
			if err != nil {
				return s.referWithoutStore(ctx, log, channel, senderID, text, fmt.Errorf("%w: reload: %v", ErrStoreUnavailable, err))
			}
			if reply, ok := replyFor(history, inboundID); ok {
				return &model.TurnResult{Reply: reply, Route: RouteDuplicate}, nil
			}
		default:
			return s.referWithoutStore(ctx, log, channel, senderID, text, fmt.Errorf("%w: seed: %v", ErrStoreUnavailable, err))
		}
	}

	user := model.NewMessage(model.RoleUser, text, s.now())
	if inboundID != "" {
		user.ID = inboundID
	}
	turn := make([]model.Message, 0, len(history)+1)
	turn = append(turn, history...)
	turn = append(turn, user)

	outcome, err := s.router.Respond(ctx, turn)
	if err != nil {
		if errors.Is(err, triage.ErrModelUnavailable) {
			s.publish(ctx, log, model.NewTriageEvent(senderID, model.EventTypeModelUnavailable, err.Error(), s.now()))
		}
		return nil, err
	}

	result := &model.TurnResult{
		Reply:        outcome.Reply,
		Route:        string(outcome.Route),
		FirstContact: firstContact,
	}

	if err := s.appendWithRetry(ctx, log, senderID, user, outcome.Reply); err != nil {
		if outcome.Route != triage.RouteEmergency {
			return nil, err
		}
		s.reportEmergency(ctx, log, channel, senderID, outcome.Phrase)
		return result, err
	}

	if outcome.Route == triage.RouteEmergency {
		s.reportEmergency(ctx, log, channel, senderID, outcome.Phrase)
	}
	return result, nil
}

// referWithoutStore answers an emergency text when the history could not be
// read or seeded. The referral needs neither the store nor the model, so it
// is returned alongside cause. Other texts just fail with cause.
func (s *IntakeService) referWithoutStore(ctx context.Context, log *logger.Logger, channel Channel, senderID, text string, cause error) (*model.TurnResult, error) {
	if !s.router.IsEmergency(text) {
		return nil, cause
	}

	outcome, err := s.router.Respond(ctx, []model.Message{model.NewMessage(model.RoleUser, text, s.now())})
	if err != nil {
		return nil, errors.Join(cause, err)
	}

	log.Error("emergency referral sent without history", zap.Error(cause))
	s.reportEmergency(ctx, log, channel, senderID, outcome.Phrase)
	return &model.TurnResult{
		Reply: outcome.Reply,
		Route: string(outcome.Route),
	}, cause
}

func (s *IntakeService) reportEmergency(ctx context.Context, log *logger.Logger, channel Channel, senderID, phrase string) {
	log.Warn("emergency referral sent", zap.String("phrase", phrase))
	event := model.NewTriageEvent(senderID, model.EventTypeEmergency, phrase, s.now())
	event.Metadata = map[string]string{"channel": string(channel)}
	s.publish(ctx, log, event)
}

// replyFor finds the reply already given to the message with ID id: the
// message itself when it is the greeting, else the assistant message that
// follows it.
func replyFor(history []model.Message, id string) (model.Message, bool) {
	if id == "" {
		return model.Message{}, false
	}
	for i, msg := range history {
		if msg.ID != id {
			continue
		}
		if msg.Role == model.RoleAssistant {
			return msg, true
		}
		if i+1 < len(history) && history[i+1].Role == model.RoleAssistant {
			return history[i+1], true
		}
		return model.Message{}, false
	}
	return model.Message{}, false
}

// appendWithRetry persists the turn. Message IDs make a retry after a
// partially applied append safe.
func (s *IntakeService) appendWithRetry(ctx context.Context, log *logger.Logger, senderID string, msgs ...model.Message) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return s.store.Append(ctx, senderID, msgs...)
	}, backoff.WithContext(backoff.WithMaxRetries(b, s.appendRetries), ctx), func(err error, wait time.Duration) {
		log.Warn("append failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		log.Error("append failed", zap.Int("attempts", attempt), zap.Error(err))
		return fmt.Errorf("%w: append: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// publish sends a triage event. Failures are logged and never fail the turn.
func (s *IntakeService) publish(ctx context.Context, log *logger.Logger, event *model.TriageEvent) {
	if s.events == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()

	if err := s.events.PublishEvent(ctx, event); err != nil {
		log.Warn("failed to publish triage event",
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
}

// History returns the sender's conversation for staff review.
func (s *IntakeService) History(ctx context.Context, senderID string) (*model.ConversationView, error) {
	if strings.TrimSpace(senderID) == "" {
		return nil, ErrInvalidInput
	}

	history, err := s.store.Load(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrStoreUnavailable, err)
	}
	return model.NewConversationView(senderID, history), nil
}

// Ready checks that the store backend is reachable.
func (s *IntakeService) Ready(ctx context.Context) error {
	p, ok := s.store.(store.Pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
