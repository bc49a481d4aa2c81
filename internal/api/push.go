package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/callpilot/internal/push"
)

// PushHandler upgrades subscriber sockets and binds them to calls.
type PushHandler struct {
	registry *push.Registry
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewPushHandler(registry *push.Registry, log zerolog.Logger) *PushHandler {
	return &PushHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			// Subscribers connect from tenant dashboards on other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

func (h *PushHandler) Routes(r chi.Router) {
	r.Get("/push", h.Subscribe)
	r.Get("/api/push/active", h.Active)
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	callID, ok := QueryString(r, "callId")
	if !ok {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrMissingField, "callId is required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.Debug().Err(err).Msg("push upgrade failed")
		return
	}

	if err := h.registry.Attach(callID, conn); err != nil {
		h.log.Warn().Str("call_id", callID).Msg("second push socket rejected")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session already attached"))
		conn.Close()
		return
	}
	h.log.Info().Str("call_id", callID).Msg("push subscriber connected")

	// Drain the socket so client closes are noticed; subscribers are
	// not expected to send anything.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.registry.Close(callID)
				return
			}
		}
	}()
}

// Active is a read-through debug view of the registry.
func (h *PushHandler) Active(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"count": h.registry.Count(),
		"calls": h.registry.ActiveCalls(),
	})
}
