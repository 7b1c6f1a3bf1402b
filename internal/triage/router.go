package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/clinicai/intake-assistant/internal/llm"
	"github.com/clinicai/intake-assistant/internal/model"
	"github.com/clinicai/intake-assistant/pkg/logger"
	"github.com/clinicai/intake-assistant/pkg/metrics"
)

var (
	// ErrModelUnavailable is returned when the generative model could not
	// produce a reply (transport failure, timeout, quota, empty output).
	ErrModelUnavailable = errors.New("triage: model unavailable")

	// ErrInvalidHistory is returned when Respond is called with an empty
	// history or one that does not end in a user message.
	ErrInvalidHistory = errors.New("triage: history must end with a user message")
)

// Route names the workflow arm a turn took.
type Route string

const (
	RouteEmergency Route = "emergency"
	RouteStandard  Route = "standard"
)

const defaultModelTimeout = 30 * time.Second

// RouterConfig configures a Router.
type RouterConfig struct {
	Classifier     *Classifier
	Model          llm.Client
	Preamble       string
	EmergencyReply string

	ModelName   string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration

	Logger *logger.Logger
	Now    func() time.Time
}

// Router answers one turn: the canned emergency referral when the latest
// user message matches an emergency phrase, a model completion otherwise.
// It keeps no state between calls.
type Router struct {
	classifier     *Classifier
	model          llm.Client
	preamble       string
	emergencyReply string
	modelName      string
	temperature    float64
	maxTokens      int
	timeout        time.Duration
	logger         *logger.Logger
	now            func() time.Time
}

// Outcome is the single reply produced for a turn.
type Outcome struct {
	Reply  model.Message
	Route  Route
	Phrase string
}

// NewRouter creates a router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Classifier == nil {
		return nil, errors.New("triage: classifier must not be nil")
	}
	if cfg.Model == nil {
		return nil, errors.New("triage: model client must not be nil")
	}
	if strings.TrimSpace(cfg.Preamble) == "" {
		return nil, errors.New("triage: persona preamble must not be empty")
	}
	if strings.TrimSpace(cfg.EmergencyReply) == "" {
		return nil, errors.New("triage: emergency reply must not be empty")
	}

	r := &Router{
		classifier:     cfg.Classifier,
		model:          cfg.Model,
		preamble:       cfg.Preamble,
		emergencyReply: cfg.EmergencyReply,
		modelName:      cfg.ModelName,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		timeout:        cfg.Timeout,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
	if r.timeout <= 0 {
		r.timeout = defaultModelTimeout
	}
	if r.logger == nil {
		r.logger = logger.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// IsEmergency reports whether text contains an emergency phrase.
func (r *Router) IsEmergency(text string) bool {
	return r.classifier.Classify(text)
}

// Respond produces exactly one assistant message for history.
func (r *Router) Respond(ctx context.Context, history []model.Message) (*Outcome, error) {
	if len(history) == 0 || history[len(history)-1].Role != model.RoleUser {
		return nil, ErrInvalidHistory
	}

	ctx, span := otel.Tracer("github.com/clinicai/intake-assistant/internal/triage").Start(ctx, "triage.respond")
	defer span.End()
	span.SetAttributes(attribute.Int("history.length", len(history)))

	last := history[len(history)-1]
	if phrase, ok := r.classifier.Match(last.Text); ok {
		span.SetAttributes(attribute.String("triage.route", string(RouteEmergency)))
		metrics.TurnsTotal.WithLabelValues(string(RouteEmergency)).Inc()
		r.logger.Info("emergency phrase detected", zap.String("phrase", phrase))

		return &Outcome{
			Reply:  model.NewMessage(model.RoleAssistant, r.emergencyReply, r.now()),
			Route:  RouteEmergency,
			Phrase: phrase,
		}, nil
	}

	span.SetAttributes(
		attribute.String("triage.route", string(RouteStandard)),
		attribute.String("llm.provider", r.model.Name()),
	)

	text, err := r.complete(ctx, history)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model unavailable")
		r.logger.Warn("model call failed", zap.String("provider", r.model.Name()), zap.Error(err))
		return nil, err
	}
	metrics.TurnsTotal.WithLabelValues(string(RouteStandard)).Inc()

	return &Outcome{
		Reply: model.NewMessage(model.RoleAssistant, text, r.now()),
		Route: RouteStandard,
	}, nil
}

func (r *Router) complete(ctx context.Context, history []model.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.model.Complete(ctx, &llm.CompletionRequest{
		Model:       r.modelName,
		Messages:    r.modelInput(history),
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrModelUnavailable, r.model.Name(), err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("%w: %s returned an empty completion", ErrModelUnavailable, r.model.Name())
	}
	return strings.TrimSpace(resp.Content), nil
}

// modelInput is the persona preamble followed by the full history.
func (r *Router) modelInput(history []model.Message) []llm.ChatMessage {
	messages := make([]llm.ChatMessage, 0, len(history)+1)
	messages = append(messages, llm.ChatMessage{
		Role:    string(model.RoleSystem),
		Content: r.preamble,
	})
	for _, msg := range history {
		messages = append(messages, llm.ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Text,
		})
	}
	return messages
}
