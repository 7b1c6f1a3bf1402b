package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clinicai/intake-assistant/internal/middleware"
	"github.com/clinicai/intake-assistant/internal/service"
	"github.com/clinicai/intake-assistant/pkg/logger"
)

// ConversationHandler serves conversation histories to clinic staff.
type ConversationHandler struct {
	intake Intake
	logger *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(intake Intake, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		intake: intake,
		logger: log,
	}
}

// Get handles GET /api/v1/conversations/{senderID}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	senderID := chi.URLParam(r, "senderID")

	if err := middleware.ValidateSenderID(senderID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := logger.FromContext(ctx, h.logger)

	view, err := h.intake.History(ctx, senderID)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error("failed to load conversation",
			zap.String("sender", logger.MaskSender(senderID)),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	log.Info("conversation viewed",
		zap.String("sender", logger.MaskSender(senderID)),
		zap.String("staff_id", middleware.GetStaffID(ctx)),
		zap.Int("message_count", view.MessageCount),
	)

	writeJSON(w, http.StatusOK, view)
}
