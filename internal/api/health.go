package api

import (
	"net/http"
	"time"
)

// HealthHandler reports process liveness and component state.
type HealthHandler struct {
	version   string
	startTime time.Time
	demux     interface{ Reconnects() int64 }
}

func NewHealthHandler(version string, startTime time.Time, demux interface{ Reconnects() int64 }) *HealthHandler {
	return &HealthHandler{version: version, startTime: startTime, demux: demux}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startTime) / time.Second),
	}
	if h.demux != nil {
		body["pbx_reconnects"] = h.demux.Reconnects()
	}
	WriteJSON(w, http.StatusOK, body)
}
