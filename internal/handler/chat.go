// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/clinicai/intake-assistant/internal/middleware"
	"github.com/clinicai/intake-assistant/internal/model"
	"github.com/clinicai/intake-assistant/internal/service"
	"github.com/clinicai/intake-assistant/internal/triage"
	"github.com/clinicai/intake-assistant/pkg/logger"
)

const maxChatBodyBytes = 64 << 10

// ChatHandler is the generic JSON chat channel.
type ChatHandler struct {
	intake  Intake
	apology string
	logger  *logger.Logger
}

// NewChatHandler creates a chat handler. apology is returned to the
// patient when the model cannot answer.
func NewChatHandler(intake Intake, apology string, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		intake:  intake,
		apology: apology,
		logger:  log,
	}
}

// Chat handles POST /chat
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)

	var req model.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateSenderID(req.SenderID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := logger.FromContext(r.Context(), h.logger).WithTurn(
		middleware.GetCorrelationID(r.Context()), req.SenderID, string(service.ChannelChat))
	ctx := logger.IntoContext(service.WithChannel(r.Context(), service.ChannelChat), log)

	result, err := h.intake.HandleMessage(ctx, req.SenderID, req.Message)
	if err != nil && result != nil {
		// Emergency referral produced while the store was failing.
		log.Error("chat turn not persisted", zap.String("route", result.Route), zap.Error(err))
		writeJSON(w, http.StatusOK, model.ChatResponse{Response: result.Reply.Text})
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, triage.ErrModelUnavailable):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error":    "assistant temporarily unavailable",
				"response": h.apology,
			})
		case errors.Is(err, service.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Error("failed to handle chat message", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to process message")
		}
		return
	}

	log.Info("chat turn completed",
		zap.String("route", result.Route),
		zap.Bool("first_contact", result.FirstContact),
	)

	writeJSON(w, http.StatusOK, model.ChatResponse{Response: result.Reply.Text})
}
