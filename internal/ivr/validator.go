package ivr

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/snarg/callpilot/internal/callstore"
	"github.com/snarg/callpilot/internal/channel"
)

var (
	// ErrCallNotFound means no call record exists for the id.
	ErrCallNotFound = errors.New("call not found")
	// ErrChannelNotFound means the call has no live channel to steer.
	ErrChannelNotFound = errors.New("channel not found")
)

// Validator applies tenant OTP decisions to active calls, steering the
// channel session onto the dialogue branch the decision selects.
type Validator struct {
	catalog  *Catalog
	calls    *callstore.Store
	channels *channel.Registry
	pusher   Pusher
	baseURL  string
	log      zerolog.Logger
}

func NewValidator(catalog *Catalog, calls *callstore.Store, channels *channel.Registry, pusher Pusher, baseURL string, log zerolog.Logger) *Validator {
	return &Validator{
		catalog:  catalog,
		calls:    calls,
		channels: channels,
		pusher:   pusher,
		baseURL:  baseURL,
		log:      log.With().Str("component", "otp-validator").Logger(),
	}
}

func (v *Validator) actionURL(step string) string {
	return v.baseURL + "/action/" + step
}

// Validate dispatches one isValid decision for the call.
func (v *Validator) Validate(callID string, isValid bool) error {
	call := v.calls.Get(callID)
	if call == nil {
		return ErrCallNotFound
	}
	sess := v.channels.Lookup(callID)
	if sess == nil {
		return ErrChannelNotFound
	}

	twoGather := v.catalog.TwoGather(call.Campaign)
	stage := call.GatherStage

	v.log.Info().
		Str("call_id", callID).
		Bool("is_valid", isValid).
		Bool("two_gather", twoGather).
		Str("gather_stage", string(stage)).
		Msg("otp decision")

	switch {
	case isValid && twoGather && stage != callstore.StageSecond:
		// First OTP accepted: move the caller into the second round.
		v.calls.Update(callID, callstore.Update{GatherStage: callstore.Stage(callstore.StageSecond)})
		sess.SetAction(v.actionURL("gather1"), nil)
		v.push(callID, map[string]any{"OtpValidation": "valid", "gatherStage": "second"})

	case isValid && twoGather:
		sess.SetAction(v.actionURL("completed"), nil)
		v.push(callID, map[string]any{"OtpValidation": "valid", "gatherStage": "completed"})

	case isValid:
		step := "completed"
		switch call.SelectedOption {
		case "1":
			step = "completed_option1"
		case "2":
			step = "completed_option2"
		}
		sess.SetAction(v.actionURL(step), nil)
		v.push(callID, map[string]any{"OtpValidation": "valid", "selectedOption": call.SelectedOption})

	case twoGather && stage != callstore.StageSecond:
		v.calls.Update(callID, callstore.Update{GatherStage: callstore.Stage(callstore.StageFirst)})
		sess.SetAction(v.actionURL("invalid"), nil)
		v.push(callID, map[string]any{"OtpValidation": "invalid"})

	case twoGather:
		// Second-round retry: replay gather1 rather than restarting.
		sess.SetAction(v.actionURL("gather1"), nil)
		v.push(callID, map[string]any{"OtpValidation": "invalid"})

	default:
		sess.SetAction(v.actionURL("invalid"), nil)
		v.push(callID, map[string]any{"OtpValidation": "invalid"})
	}
	return nil
}

func (v *Validator) push(callID string, payload map[string]any) {
	if v.pusher == nil {
		return
	}
	if err := v.pusher.Send(callID, payload); err != nil {
		v.log.Debug().Err(err).Str("call_id", callID).Msg("push send failed")
	}
}
