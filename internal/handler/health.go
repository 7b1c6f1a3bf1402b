package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/clinicai/intake-assistant/pkg/logger"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	intake Intake
	logger *logger.Logger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(intake Intake, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		intake: intake,
		logger: log,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.intake.Ready(ctx); err != nil {
		logger.FromContext(r.Context(), h.logger).Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "conversation store unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
