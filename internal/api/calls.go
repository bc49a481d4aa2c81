package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/callpilot/internal/callstore"
	"github.com/snarg/callpilot/internal/channel"
	"github.com/snarg/callpilot/internal/ivr"
	"github.com/snarg/callpilot/internal/metrics"
	"github.com/snarg/callpilot/internal/origination"
	"github.com/snarg/callpilot/internal/pbx"
	"github.com/snarg/callpilot/internal/trunkstore"
)

// Originator is the slice of the PBX client call creation needs.
type Originator interface {
	Originate(ctx context.Context, req pbx.OriginateRequest) error
}

// CallsHandler creates and destroys outbound calls.
type CallsHandler struct {
	trunks   *trunkstore.Store
	calls    *callstore.Store
	queue    *origination.Queue
	channels *channel.Registry
	catalog  *ivr.Catalog
	pbxc     Originator
	sessPBX  channel.PBX
	log      zerolog.Logger
}

func NewCallsHandler(trunks *trunkstore.Store, calls *callstore.Store, queue *origination.Queue, channels *channel.Registry, catalog *ivr.Catalog, orig Originator, sessPBX channel.PBX, log zerolog.Logger) *CallsHandler {
	return &CallsHandler{
		trunks:   trunks,
		calls:    calls,
		queue:    queue,
		channels: channels,
		catalog:  catalog,
		pbxc:     orig,
		sessPBX:  sessPBX,
		log:      log,
	}
}

func (h *CallsHandler) Routes(r chi.Router) {
	r.Post("/api/calls/create", h.Create)
	r.Post("/api/calls/{callID}/destroy", h.Destroy)
	r.Get("/api/calls/queue/stats", h.QueueStats)
}

func (h *CallsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PhoneNumber    string `json:"phone_number"`
		Campaign       string `json:"campaign"`
		AssignmentUUID string `json:"assignment_uuid"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body")
		return
	}
	if body.PhoneNumber == "" || body.Campaign == "" || body.AssignmentUUID == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrMissingField, "phone_number, campaign and assignment_uuid are required")
		return
	}

	// Creating a call counts as activity on the reservation.
	if err := h.trunks.KeepAlive(body.AssignmentUUID); err != nil {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "assignment not found")
		return
	}
	assignment, err := h.trunks.Lookup(body.AssignmentUUID)
	if err != nil {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "assignment not found")
		return
	}

	callID := uuid.NewString()
	from := assignment.Trunk.RandomNumber()

	_, err = h.queue.Enqueue(assignment.TrunkID, func() (any, error) {
		originateErr := h.pbxc.Originate(r.Context(), pbx.OriginateRequest{
			Endpoint:  "PJSIP/" + body.PhoneNumber + "@" + assignment.TrunkID,
			CallerID:  from,
			ChannelID: callID,
		})
		if originateErr != nil {
			return nil, originateErr
		}

		// Register only after the PBX accepted the call; its events
		// start flowing once the channel enters stasis.
		h.calls.Save(callID, "created", body.Campaign)
		channel.New(channel.Config{
			ChannelID: callID,
			PBX:       h.sessPBX,
			Registry:  h.channels,
			Log:       h.log,
		})
		return callID, nil
	})
	if err != nil {
		if errors.Is(err, origination.ErrQueueFull) {
			metrics.OriginationsTotal.WithLabelValues("rejected").Inc()
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrQueueFull, "origination queue full for trunk")
			return
		}
		metrics.OriginationsTotal.WithLabelValues("failed").Inc()
		h.log.Warn().Err(err).Str("trunk_id", assignment.TrunkID).Msg("originate failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrUpstream, "pbx originate failed")
		return
	}

	metrics.OriginationsTotal.WithLabelValues("ok").Inc()
	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"call_id": callID,
	})
}

func (h *CallsHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	callID, err := PathString(r, "callID")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrMissingField, err.Error())
		return
	}
	sess := h.channels.Lookup(callID)
	if sess == nil {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "call not found")
		return
	}
	sess.Destroy()
	WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *CallsHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.queue.Stats())
}
