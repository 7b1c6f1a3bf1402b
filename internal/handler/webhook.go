package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/clinicai/intake-assistant/internal/middleware"
	"github.com/clinicai/intake-assistant/internal/model"
	"github.com/clinicai/intake-assistant/internal/service"
	"github.com/clinicai/intake-assistant/internal/triage"
	"github.com/clinicai/intake-assistant/internal/whatsapp"
	"github.com/clinicai/intake-assistant/pkg/logger"
	"github.com/clinicai/intake-assistant/pkg/metrics"
)

const maxWebhookBodyBytes = 1 << 20

// WebhookHandler is the WhatsApp Cloud API channel.
type WebhookHandler struct {
	intake      Intake
	sender      whatsapp.Sender
	verifyToken string
	apology     string
	logger      *logger.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(intake Intake, sender whatsapp.Sender, verifyToken, apology string, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		intake:      intake,
		sender:      sender,
		verifyToken: verifyToken,
		apology:     apology,
		logger:      log,
	}
}

// Verify handles GET /webhook, the subscription handshake.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || h.verifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.verifyToken)) != 1 {
		logger.FromContext(r.Context(), h.logger).Warn("webhook verification rejected", zap.String("mode", mode))
		w.WriteHeader(http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// Receive handles POST /webhook. It always answers 200 so the platform does
// not redeliver; failures are logged and counted instead.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	defer writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	log := logger.FromContext(r.Context(), h.logger)

	var payload model.WebhookPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBodyBytes)).Decode(&payload); err != nil {
		metrics.WebhookErrorsTotal.WithLabelValues("parse").Inc()
		log.Warn("failed to parse webhook payload", zap.Error(err))
		return
	}

	for _, msg := range payload.TextMessages() {
		h.handleText(r, msg)
	}
}

func (h *WebhookHandler) handleText(r *http.Request, msg model.InboundMessage) {
	log := logger.FromContext(r.Context(), h.logger).
		WithTurn(middleware.GetCorrelationID(r.Context()), msg.From, string(service.ChannelWhatsApp)).
		With(zap.String("wa_message_id", msg.ID))
	ctx := service.WithInboundID(service.WithChannel(r.Context(), service.ChannelWhatsApp), msg.ID)
	ctx = logger.IntoContext(ctx, log)

	if err := middleware.ValidateMessageContent(msg.Text.Body); err != nil {
		metrics.WebhookErrorsTotal.WithLabelValues("validate").Inc()
		log.Warn("ignoring invalid inbound message", zap.Error(err))
		return
	}

	var reply string
	result, err := h.intake.HandleMessage(ctx, msg.From, msg.Text.Body)
	switch {
	case err == nil && result.Route == service.RouteDuplicate:
		log.Info("redelivered whatsapp message, reply already sent")
		return
	case err == nil:
		reply = result.Reply.Text
		log.Info("whatsapp turn completed",
			zap.String("route", result.Route),
			zap.Bool("first_contact", result.FirstContact),
		)
	case result != nil:
		// Emergency referral produced while the store was failing.
		metrics.WebhookErrorsTotal.WithLabelValues("store").Inc()
		log.Error("whatsapp turn not persisted", zap.String("route", result.Route), zap.Error(err))
		reply = result.Reply.Text
	case errors.Is(err, triage.ErrModelUnavailable):
		metrics.WebhookErrorsTotal.WithLabelValues("model").Inc()
		reply = h.apology
	default:
		metrics.WebhookErrorsTotal.WithLabelValues("turn").Inc()
		log.Error("failed to handle whatsapp message", zap.Error(err))
		return
	}

	if h.sender == nil {
		log.Warn("whatsapp sender not configured, reply dropped")
		return
	}
	if err := h.sender.Send(ctx, msg.From, reply); err != nil {
		metrics.WebhookErrorsTotal.WithLabelValues("send").Inc()
	}
}
