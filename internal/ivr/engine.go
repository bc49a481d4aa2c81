package ivr

import (
	"encoding/xml"
	"math/rand"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snarg/callpilot/internal/callstore"
)

// Pusher delivers realtime messages to the call's subscriber.
type Pusher interface {
	Send(callID string, payload map[string]any) error
}

// Engine maps incoming action requests — the PBX fetching the next
// dialogue step — to XML scripts and call-state updates. Every response
// is XML with HTTP 200, including errors: the PBX cannot interpret
// anything else mid-call.
type Engine struct {
	catalog *Catalog
	calls   *callstore.Store
	pusher  Pusher
	baseURL string
	log     zerolog.Logger

	// jitter picks the answer-prompt gather timeout; tests pin it.
	jitter func(min, max int) int
}

func NewEngine(catalog *Catalog, calls *callstore.Store, pusher Pusher, baseURL string, log zerolog.Logger) *Engine {
	return &Engine{
		catalog: catalog,
		calls:   calls,
		pusher:  pusher,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log.With().Str("component", "action-engine").Logger(),
		jitter:  func(min, max int) int { return min + rand.Intn(max-min+1) },
	}
}

// XML response documents.

type playElem struct {
	XMLName xml.Name `xml:"Play"`
	Timeout int      `xml:"timeout,attr,omitempty"`
	Media   string   `xml:",chardata"`
}

type gatherElem struct {
	XMLName     xml.Name `xml:"Gather"`
	Input       string   `xml:"input,attr"`
	Action      string   `xml:"action,attr"`
	Timeout     int      `xml:"timeout,attr"`
	NumDigits   int      `xml:"numDigits,attr"`
	FinishOnKey string   `xml:"finishOnKey,attr,omitempty"`
}

type redirectElem struct {
	XMLName xml.Name `xml:"Redirect"`
	URL     string   `xml:",chardata"`
}

type hangupElem struct {
	XMLName xml.Name `xml:"Hangup"`
}

type responseDoc struct {
	XMLName  xml.Name `xml:"Response"`
	Play     *playElem
	Gather   *gatherElem
	Redirect *redirectElem
	Hangup   *hangupElem
}

func marshalDoc(doc responseDoc) []byte {
	data, err := xml.Marshal(doc)
	if err != nil {
		// Statically-shaped documents; marshal cannot fail in practice.
		return []byte("<Response/>")
	}
	return append([]byte(xml.Header), data...)
}

// errorDoc ends the call cleanly when the request cannot be served —
// unknown call, unknown campaign or step. Logged, never surfaced as JSON.
func errorDoc() []byte {
	return marshalDoc(responseDoc{Hangup: &hangupElem{}})
}

// fallbackNext is the step-progression table used when a spec carries
// no explicit next.
var fallbackNext = map[string]string{
	"answer":  "gather",
	"gather":  "confirm",
	"invalid": "gather",
}

// Handle serves one /action/:status request and returns the XML body.
func (e *Engine) Handle(status, uuid, digits string) []byte {
	status = strings.ToLower(strings.TrimSpace(status))

	call := e.calls.Get(uuid)
	if call == nil {
		e.log.Warn().Str("uuid", uuid).Str("status", status).Msg("action request for unknown call")
		return errorDoc()
	}
	campaign := call.Campaign
	if !e.catalog.HasCampaign(campaign) {
		e.log.Warn().Str("campaign", campaign).Msg("action request for unknown campaign")
		return errorDoc()
	}

	// Menu hoisting: a digit on the options menu picks the branch.
	if status == "options" && digits != "" {
		selected := "2"
		if digits == "1" {
			selected = "1"
		}
		e.calls.Update(uuid, callstore.Update{SelectedOption: callstore.String(selected)})
		call.SelectedOption = selected
		if selected == "1" {
			status = "option1"
		} else {
			status = "option2"
		}
	}

	twoGather := e.catalog.TwoGather(campaign)
	e.applySideEffects(status, uuid, digits, call, twoGather)

	// gather1 input short-circuits into a redirect to its next step;
	// the OTP validator decides where the call really goes.
	if status == "gather1" && digits != "" {
		spec, _ := e.catalog.Lookup(campaign, "gather1")
		return marshalDoc(responseDoc{Redirect: &redirectElem{URL: e.resolveNext(spec.Next, "")}})
	}

	spec, ok := e.catalog.Lookup(campaign, status)
	if !ok {
		e.log.Warn().Str("campaign", campaign).Str("status", status).Msg("unknown catalog step")
		return errorDoc()
	}

	audio := "custom/" + campaign + "/" + status

	// Terminal prompts carry no gather.
	if status == "confirm" {
		return marshalDoc(responseDoc{Play: &playElem{Timeout: spec.Timeout, Media: audio}})
	}
	if strings.HasPrefix(status, "completed") {
		return marshalDoc(responseDoc{Play: &playElem{Media: audio}})
	}

	gather := &gatherElem{
		Input:   "speech dtmf",
		Action:  e.nextURL(status, spec),
		Timeout: spec.Timeout,
	}
	if status == "answer" {
		// Only the initial prompt gets a jittered answer window.
		gather.Timeout = e.jitter(10, 15)
	}
	if len(spec.FinishOnKey) == 1 {
		gather.NumDigits = 0
		gather.FinishOnKey = spec.FinishOnKey
	} else {
		gather.NumDigits = spec.Digits
	}

	return marshalDoc(responseDoc{
		Play:   &playElem{Media: audio},
		Gather: gather,
	})
}

// applySideEffects performs the per-status store updates and pushes.
func (e *Engine) applySideEffects(status, uuid, digits string, call *callstore.CallData, twoGather bool) {
	switch {
	case status == "gather" && digits != "":
		if twoGather {
			e.calls.Update(uuid, callstore.Update{GatherStage: callstore.Stage(callstore.StageFirst)})
		}
		e.push(uuid, map[string]any{"SendOtp": digits})

	case status == "gather1" && digits != "":
		if twoGather {
			e.calls.Update(uuid, callstore.Update{
				GatherStage: callstore.Stage(callstore.StageSecond),
				State:       callstore.String("gather1"),
			})
		}
		e.push(uuid, map[string]any{"OtpCode": digits})

	case (status == "option1" || status == "option2") && digits != "":
		e.push(uuid, map[string]any{"SendOtp": digits})

	case status == "confirm":
		if twoGather && call.GatherStage == callstore.StageSecond {
			e.calls.Update(uuid, callstore.Update{State: callstore.String("completed")})
		} else if digits != "" {
			e.push(uuid, map[string]any{"OtpCode": digits, "selectedOption": call.SelectedOption})
		}
	}
}

// nextURL resolves the gather's action target for the given status.
func (e *Engine) nextURL(status string, spec ActionSpec) string {
	if status == "gather1" {
		// gather1 posts back to itself; steering happens out of band.
		return e.baseURL + "/action/gather1"
	}
	return e.resolveNext(spec.Next, status)
}

// resolveNext maps a catalog next value to an absolute URL. Absolute
// values pass through; relative ones are steps under /action/; an empty
// value falls back to the progression table.
func (e *Engine) resolveNext(next, status string) string {
	if next == "" {
		step, ok := fallbackNext[status]
		if !ok {
			step = "completed"
		}
		return e.baseURL + "/action/" + step
	}
	if strings.HasPrefix(next, "http://") || strings.HasPrefix(next, "https://") {
		return next
	}
	return e.baseURL + "/action/" + next
}

func (e *Engine) push(callID string, payload map[string]any) {
	if e.pusher == nil {
		return
	}
	if err := e.pusher.Send(callID, payload); err != nil {
		e.log.Debug().Err(err).Str("call_id", callID).Msg("push send failed")
	}
}
