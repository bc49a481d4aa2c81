package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/callpilot/internal/ivr"
)

// ActionsHandler serves XML action scripts to the PBX.
type ActionsHandler struct {
	engine  *ivr.Engine
	catalog *ivr.Catalog
	log     zerolog.Logger
}

func NewActionsHandler(engine *ivr.Engine, catalog *ivr.Catalog, log zerolog.Logger) *ActionsHandler {
	return &ActionsHandler{engine: engine, catalog: catalog, log: log}
}

func (h *ActionsHandler) Routes(r chi.Router) {
	r.Get("/action/debug/campaigns", h.DebugCampaigns)
	r.Post("/action/debug/reload", h.DebugReload)
	r.Get("/action/{status}", h.Action)
}

func (h *ActionsHandler) Action(w http.ResponseWriter, r *http.Request) {
	status := chi.URLParam(r, "status")
	uuid := r.URL.Query().Get("uuid")
	digits := r.URL.Query().Get("Digits")
	WriteXML(w, h.engine.Handle(status, uuid, digits))
}

func (h *ActionsHandler) DebugCampaigns(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.catalog.Campaigns())
}

func (h *ActionsHandler) DebugReload(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.FetchOnce(context.Background()); err != nil {
		WriteErrorWithCode(w, http.StatusBadGateway, ErrUpstream, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}
