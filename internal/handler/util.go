package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/clinicai/intake-assistant/internal/model"
)

// Intake is the subset of the intake service the handlers use.
type Intake interface {
	HandleMessage(ctx context.Context, senderID, text string) (*model.TurnResult, error)
	History(ctx context.Context, senderID string) (*model.ConversationView, error)
	Ready(ctx context.Context) error
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
