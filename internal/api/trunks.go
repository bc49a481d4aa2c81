package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/callpilot/internal/trunkstore"
)

// trunkMgmtPort is where each trunk-management server listens.
const trunkMgmtPort = 56201

// TrunksHandler serves assignment endpoints and proxies trunk
// provisioning to the per-server management daemons.
type TrunksHandler struct {
	store  *trunkstore.Store
	client *http.Client
	log    zerolog.Logger
}

func NewTrunksHandler(store *trunkstore.Store, timeout time.Duration, log zerolog.Logger) *TrunksHandler {
	return &TrunksHandler{
		store:  store,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

func (h *TrunksHandler) Routes(r chi.Router) {
	r.Post("/api/trunks/assign", h.Assign)
	r.Post("/api/trunks/release", h.Release)
	r.Post("/trunk/add", h.Add)
	r.Delete("/trunk/delete/{trunkID}", h.Delete)
	r.Get("/trunk/list", h.List)
}

func (h *TrunksHandler) Assign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserToken string `json:"user_token"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body")
		return
	}
	if body.UserToken == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrMissingField, "user_token is required")
		return
	}

	a, err := h.store.Assign(body.UserToken)
	if err != nil {
		WriteJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   "no trunk available",
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"assignment_uuid": a.ID,
		"trunk_name":      a.TrunkID,
	})
}

func (h *TrunksHandler) Release(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AssignmentUUID string `json:"assignment_uuid"`
	}
	if err := DecodeJSON(r, &body); err != nil || body.AssignmentUUID == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrMissingField, "assignment_uuid is required")
		return
	}

	if err := h.store.Release(body.AssignmentUUID); err != nil {
		if errors.Is(err, trunkstore.ErrNotFound) {
			WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "assignment not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Add proxies trunk provisioning to the target server's management daemon.
func (h *TrunksHandler) Add(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IPServer     string `json:"ip_server"`
		SipUsername  string `json:"sip_username"`
		SipPassword  string `json:"sip_password"`
		SipServerURL string `json:"sip_server_url"`
		Type         string `json:"type"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body")
		return
	}
	if body.IPServer == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrMissingField, "ip_server is required")
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"username": body.SipUsername,
		"password": body.SipPassword,
		"server":   body.SipServerURL,
		"type":     body.Type,
	})
	url := fmt.Sprintf("http://%s:%d/add-trunk", body.IPServer, trunkMgmtPort)
	resp, err := h.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		h.log.Warn().Err(err).Str("server", body.IPServer).Msg("add-trunk proxy failed")
		WriteErrorWithCode(w, http.StatusBadGateway, ErrUpstream, "trunk server unreachable")
		return
	}
	defer resp.Body.Close()
	relay(w, resp)
}

// Delete proxies trunk removal to the target server's management daemon.
func (h *TrunksHandler) Delete(w http.ResponseWriter, r *http.Request) {
	trunkID := chi.URLParam(r, "trunkID")
	var body struct {
		IPServer string `json:"ip_server"`
	}
	if err := DecodeJSON(r, &body); err != nil || body.IPServer == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrMissingField, "ip_server is required")
		return
	}

	url := fmt.Sprintf("http://%s:%d/delete-trunk/%s", body.IPServer, trunkMgmtPort, trunkID)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodDelete, url, nil)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.log.Warn().Err(err).Str("server", body.IPServer).Msg("delete-trunk proxy failed")
		WriteErrorWithCode(w, http.StatusBadGateway, ErrUpstream, "trunk server unreachable")
		return
	}
	defer resp.Body.Close()
	relay(w, resp)
}

func (h *TrunksHandler) List(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.store.Stats())
}

// relay copies an upstream response through verbatim.
func relay(w http.ResponseWriter, resp *http.Response) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
