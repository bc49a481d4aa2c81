package lifecycle

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/callpilot/internal/callstore"
	"github.com/snarg/callpilot/internal/channel"
	"github.com/snarg/callpilot/internal/ivr"
	"github.com/snarg/callpilot/internal/metrics"
)

// Pushes is the slice of the push registry the lifecycle drives.
type Pushes interface {
	Send(callID string, payload map[string]any) error
	MarkTerminal(callID string, payload map[string]any)
}

// Manager owns channel sessions across their lifetime: it answers
// channels entering stasis, starts their dialogue, relays caller input,
// and tears everything down on hangup. It is the demux's Handler.
type Manager struct {
	pbxc     channel.PBX
	channels *channel.Registry
	calls    *callstore.Store
	pushes   Pushes
	catalog  *ivr.Catalog
	baseURL  string
	log      zerolog.Logger

	mu         sync.Mutex
	answeredAt map[string]time.Time
	now        func() time.Time
}

func NewManager(pbxc channel.PBX, channels *channel.Registry, calls *callstore.Store, pushes Pushes, catalog *ivr.Catalog, baseURL string, log zerolog.Logger) *Manager {
	return &Manager{
		pbxc:       pbxc,
		channels:   channels,
		calls:      calls,
		pushes:     pushes,
		catalog:    catalog,
		baseURL:    baseURL,
		log:        log.With().Str("component", "lifecycle").Logger(),
		answeredAt: make(map[string]time.Time),
		now:        time.Now,
	}
}

// HandleStasisStart answers the channel and begins its dialogue on the
// campaign's start step.
func (m *Manager) HandleStasisStart(channelID string) {
	metrics.PBXEventsTotal.WithLabelValues("stasis_start").Inc()

	sess := m.channels.Lookup(channelID)
	if sess == nil {
		m.log.Warn().Str("channel_id", channelID).Msg("stasis entry for unknown channel")
		return
	}
	call := m.calls.Get(channelID)
	if call == nil {
		m.log.Warn().Str("channel_id", channelID).Msg("stasis entry without call data")
		sess.Destroy()
		return
	}

	if err := m.pbxc.Answer(context.Background(), channelID); err != nil {
		m.log.Error().Err(err).Str("channel_id", channelID).Msg("answer failed")
		sess.Destroy()
		return
	}

	m.mu.Lock()
	m.answeredAt[channelID] = m.now()
	m.mu.Unlock()

	m.calls.Update(channelID, callstore.Update{State: callstore.String("answered")})
	m.push(channelID, map[string]any{"status": "answered"})

	start := m.catalog.StartStep(call.Campaign)
	sess.Start(m.baseURL+"/action/"+start, nil)
}

// HandleRinging relays the early ringing indication.
func (m *Manager) HandleRinging(channelID string) {
	metrics.PBXEventsTotal.WithLabelValues("ringing").Inc()
	m.calls.Update(channelID, callstore.Update{State: callstore.String("ringing")})
	m.push(channelID, map[string]any{"status": "ringing"})
}

// HandleDTMF forwards a digit to the owning session.
func (m *Manager) HandleDTMF(channelID, digit string) {
	metrics.PBXEventsTotal.WithLabelValues("dtmf").Inc()
	if sess := m.channels.Lookup(channelID); sess != nil {
		sess.HandleDTMF(digit)
	}
}

// HandlePlaybackFinished forwards playback completion.
func (m *Manager) HandlePlaybackFinished(channelID, playbackID string) {
	metrics.PBXEventsTotal.WithLabelValues("playback_finished").Inc()
	if sess := m.channels.Lookup(channelID); sess != nil {
		sess.HandlePlaybackFinished(playbackID)
	}
}

// HandleHangup finishes the call: terminal status to the subscriber,
// session destroy, call record removal.
func (m *Manager) HandleHangup(channelID string, cause int) {
	metrics.PBXEventsTotal.WithLabelValues("hangup").Inc()

	m.mu.Lock()
	answered, wasAnswered := m.answeredAt[channelID]
	delete(m.answeredAt, channelID)
	m.mu.Unlock()

	var duration int
	if wasAnswered {
		duration = int(m.now().Sub(answered) / time.Second)
	}

	if sess := m.channels.Lookup(channelID); sess != nil {
		sess.Destroy()
	}

	m.pushes.MarkTerminal(channelID, map[string]any{
		"status":       "completed",
		"callDuration": strconv.Itoa(duration),
		"hangupCause":  CauseString(cause),
	})
	m.calls.Delete(channelID)

	m.log.Info().
		Str("channel_id", channelID).
		Int("cause", cause).
		Int("duration_s", duration).
		Msg("call ended")
}

// HandleServerFailed reacts to the demux giving up on the PBX stream.
func (m *Manager) HandleServerFailed(err error) {
	m.log.Error().Err(err).Msg("pbx event stream lost; live calls can no longer be driven")
}

func (m *Manager) push(callID string, payload map[string]any) {
	if err := m.pushes.Send(callID, payload); err != nil {
		m.log.Debug().Err(err).Str("call_id", callID).Msg("push send failed")
		return
	}
	metrics.PushMessagesTotal.Inc()
}

// CauseString maps a PBX hangup cause code to its wire string.
func CauseString(cause int) string {
	switch cause {
	case 16:
		return "normal"
	case 17:
		return "busy"
	case 18, 19:
		return "no-answer"
	case 21:
		return "rejected"
	case 34:
		return "congestion"
	default:
		return "unknown"
	}
}
