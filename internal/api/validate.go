package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/callpilot/internal/ivr"
)

// ValidateHandler receives tenant OTP decisions.
type ValidateHandler struct {
	validator *ivr.Validator
	log       zerolog.Logger
}

func NewValidateHandler(validator *ivr.Validator, log zerolog.Logger) *ValidateHandler {
	return &ValidateHandler{validator: validator, log: log}
}

func (h *ValidateHandler) Routes(r chi.Router) {
	r.Post("/otp/validate/{callID}", h.Validate)
}

func (h *ValidateHandler) Validate(w http.ResponseWriter, r *http.Request) {
	callID, err := PathString(r, "callID")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrMissingField, err.Error())
		return
	}
	var body struct {
		IsValid *bool `json:"isValid"`
	}
	if err := DecodeJSON(r, &body); err != nil || body.IsValid == nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrMissingField, "isValid is required")
		return
	}

	err = h.validator.Validate(callID, *body.IsValid)
	switch {
	case errors.Is(err, ivr.ErrCallNotFound), errors.Is(err, ivr.ErrChannelNotFound):
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, err.Error())
	case err != nil:
		WriteError(w, http.StatusInternalServerError, err.Error())
	default:
		WriteJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}
