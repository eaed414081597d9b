package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the engine's runtime settings for the dashboard.
type StatusHandler struct {
	Mode        string
	Oracle      string
	AutoExecute bool
	StartedAt   time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, oracle string, autoExecute bool) *StatusHandler {
	return &StatusHandler{Mode: mode, Oracle: oracle, AutoExecute: autoExecute, StartedAt: time.Now().UTC()}
}

// GetStatus responds with the current mode and sizing oracle.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"oracle":         h.Oracle,
		"auto_execute":   h.AutoExecute,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}
