package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// EpochInfo reports the exchange's epoch clock, so health responses carry the
// current settlement window.
type EpochInfo interface {
	EpochStart(ts time.Time) int64
	EpochLength() int64
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	epochs EpochInfo
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler with the provided logger.
func NewHealthHandler(epochs EpochInfo, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{epochs: epochs, logger: logger}
}

// HealthCheck responds with a simple JSON status indicating the server is
// alive, plus the epoch currently accepting trades.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"timestamp":    now.Format(time.RFC3339),
		"epoch":        h.epochs.EpochStart(now),
		"epoch_length": h.epochs.EpochLength(),
	})
}
