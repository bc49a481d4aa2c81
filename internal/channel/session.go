package channel

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/callpilot/internal/pbx"
)

// PBX is the slice of the PBX REST surface a session drives.
type PBX interface {
	Answer(ctx context.Context, channelID string) error
	Play(ctx context.Context, channelID, playbackID, media string) error
	StopPlayback(ctx context.Context, playbackID string) error
	Hangup(ctx context.Context, channelID string) error
}

const defaultGatherTimeout = 5 // seconds

// gatherState is the DTMF collection window of a blocking gather.
// The timer is armed only once audio has finished playing.
type gatherState struct {
	running     bool
	collected   string
	numDigits   int
	finishOnKey string
	nextAction  string
	timeoutS    int
	timer       *time.Timer
}

// pendingNext is a queued script swap consumed when playback finishes.
// Nothing populates it today; the consume path is kept live for callers
// that want to defer a swap until the current prompt ends.
type pendingNext struct {
	url    string
	params map[string]string
}

// Session walks one channel through its IVR dialogue. All mutations —
// DTMF, playback-finished, timer fires, external steering — run under
// one mutex, in arrival order. Destroy latches: once set, timers are
// dead and no further PBX call is issued.
type Session struct {
	mu        sync.Mutex
	channelID string

	pbxc  PBX
	httpc *http.Client
	reg   *Registry
	log   zerolog.Logger

	remaining      []Action
	gather         gatherState
	playing        bool
	playbackID     string
	postPlayback   *time.Timer
	currentTimeout int
	pending        *pendingNext
	currentStatus  string
	destroyed      bool

	// tick scales script timeout units; tests shrink it.
	tick time.Duration
}

// Config wires a session's collaborators.
type Config struct {
	ChannelID  string
	PBX        PBX
	Registry   *Registry
	HTTPClient *http.Client
	Log        zerolog.Logger
}

// New creates the session and registers it with the registry.
func New(cfg Config) *Session {
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	s := &Session{
		channelID: cfg.ChannelID,
		tick:      time.Second,
		pbxc:      cfg.PBX,
		httpc:     httpc,
		reg:       cfg.Registry,
		log:       cfg.Log.With().Str("component", "channel").Str("channel_id", cfg.ChannelID).Logger(),
	}
	if cfg.Registry != nil {
		cfg.Registry.register(s)
	}
	return s
}

func (s *Session) ChannelID() string { return s.channelID }

// Start loads the first action script and begins executing it.
func (s *Session) Start(actionURL string, params map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	if err := s.loadActionsLocked(actionURL, params); err != nil {
		s.log.Error().Err(err).Msg("initial action load failed")
		s.destroyLocked()
		return
	}
	s.runNextLocked()
}

// SetAction hot-swaps the action script under the running session.
func (s *Session) SetAction(actionURL string, params map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.cancelPostPlaybackLocked()
	if err := s.loadActionsLocked(actionURL, params); err != nil {
		s.log.Error().Err(err).Str("url", actionURL).Msg("action load failed")
		s.destroyLocked()
		return
	}
	s.runNextLocked()
}

// loadActionsLocked fetches and parses the script at actionURL,
// replacing the remaining action list. The channel's uuid is appended
// unless the URL already carries one; Digits/action params are folded
// into the query string.
func (s *Session) loadActionsLocked(actionURL string, params map[string]string) error {
	u, err := url.Parse(actionURL)
	if err != nil {
		return fmt.Errorf("action url: %w", err)
	}
	q := u.Query()
	if q.Get("uuid") == "" {
		q.Set("uuid", s.channelID)
	}
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	// Trailing path segment names the dialogue step; kept for logs.
	if i := strings.LastIndex(u.Path, "/"); i >= 0 {
		s.currentStatus = u.Path[i+1:]
	}

	resp, err := s.httpc.Get(u.String())
	if err != nil {
		return fmt.Errorf("fetch actions: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read actions: %w", err)
	}

	actions, err := ParseActions(data)
	if err != nil {
		return err
	}
	s.remaining = actions
	s.log.Debug().Str("status", s.currentStatus).Int("actions", len(actions)).Msg("actions loaded")
	return nil
}

// runNextLocked executes actions until one blocks (gather), the list
// drains, or the session dies.
func (s *Session) runNextLocked() {
	for !s.destroyed && len(s.remaining) > 0 {
		head := s.remaining[0]
		s.remaining = s.remaining[1:]

		switch head.Name {
		case ActionPlay:
			s.execPlayLocked(head)

		case ActionGather:
			s.gather = gatherState{
				running:     true,
				numDigits:   max(head.Attrs.NumDigits, 1),
				finishOnKey: head.Attrs.FinishOnKey,
				nextAction:  head.Attrs.ActionURL,
				timeoutS:    head.Attrs.Timeout,
			}
			if s.gather.timeoutS == 0 {
				s.gather.timeoutS = defaultGatherTimeout
			}
			// While audio is up the timeout window opens on
			// playback-finished instead.
			if !s.playing {
				s.armGatherTimerLocked()
			}
			return

		case ActionRedirect:
			s.cancelPostPlaybackLocked()
			params := map[string]string{}
			if head.Attrs.ActionURL != "" {
				params["action"] = head.Attrs.ActionURL
			}
			if err := s.loadActionsLocked(head.Data, params); err != nil {
				s.log.Error().Err(err).Str("url", head.Data).Msg("redirect load failed")
				s.destroyLocked()
				return
			}

		case ActionHangup:
			if err := s.pbxc.Hangup(context.Background(), s.channelID); err != nil && !pbx.IsNotFound(err) {
				s.log.Warn().Err(err).Msg("hangup action failed")
			}
			s.destroyLocked()
			return
		}
	}
}

func (s *Session) execPlayLocked(a Action) {
	playbackID := fmt.Sprintf("%s_%d_%d", s.channelID, time.Now().UnixMilli(), rand.Intn(1_000_000))
	if err := s.pbxc.Play(context.Background(), s.channelID, playbackID, a.Data); err != nil {
		// A failed prompt should not kill the call; the next action
		// (typically the gather) still runs.
		s.log.Warn().Err(err).Str("media", a.Data).Msg("play failed, continuing")
		return
	}
	s.playing = true
	s.playbackID = playbackID
	s.currentTimeout = a.Attrs.Timeout
	if a.Attrs.Timeout > 0 {
		s.armPostPlaybackLocked(time.Duration(a.Attrs.Timeout) * s.tick)
	}
}

// HandleDTMF processes one keypad digit.
func (s *Session) HandleDTMF(digit string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}

	// Barge-in: any digit interrupts the current prompt.
	if s.playing {
		if err := s.pbxc.StopPlayback(context.Background(), s.playbackID); err != nil && !pbx.IsNotFound(err) {
			s.log.Warn().Err(err).Msg("stop playback failed")
		}
		s.playing = false
		s.playbackID = ""
		s.cancelPostPlaybackLocked()
	}

	if !s.gather.running {
		return
	}

	if s.gather.finishOnKey != "" && digit == s.gather.finishOnKey {
		// Terminator digit is not part of the collected input.
		s.finishGatherLocked()
		return
	}

	s.gather.collected += digit
	if s.gather.finishOnKey == "" && len(s.gather.collected) >= s.gather.numDigits {
		s.finishGatherLocked()
	}
}

func (s *Session) finishGatherLocked() {
	s.gather.running = false
	s.cancelGatherTimerLocked()
	digits := s.gather.collected
	next := s.gather.nextAction
	if err := s.loadActionsLocked(next, map[string]string{"Digits": digits}); err != nil {
		s.log.Error().Err(err).Str("url", next).Msg("gather action load failed")
		s.destroyLocked()
		return
	}
	s.runNextLocked()
}

// HandlePlaybackFinished advances the session once its prompt ends.
// A playback id that differs from the current one is a late event.
func (s *Session) HandlePlaybackFinished(playbackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	if playbackID != "" && s.playbackID != "" && playbackID != s.playbackID {
		return
	}
	s.playing = false
	s.playbackID = ""
	s.cancelPostPlaybackLocked()

	switch {
	case s.pending != nil:
		p := s.pending
		s.pending = nil
		if err := s.loadActionsLocked(p.url, p.params); err != nil {
			s.log.Error().Err(err).Str("url", p.url).Msg("pending action load failed")
			s.destroyLocked()
			return
		}
		s.runNextLocked()

	case s.gather.running:
		// The caller's answer window opens now that audio is done.
		s.armGatherTimerLocked()

	case len(s.remaining) == 0:
		s.armPostPlaybackLocked(time.Duration(s.currentTimeout) * s.tick)

	default:
		s.runNextLocked()
	}
}

// armGatherTimerLocked starts the no-input countdown; firing kills the call.
func (s *Session) armGatherTimerLocked() {
	s.cancelGatherTimerLocked()
	var t *time.Timer
	t = time.AfterFunc(time.Duration(s.gather.timeoutS)*s.tick, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.destroyed || s.gather.timer != t {
			return
		}
		s.gather.timer = nil
		s.gather.running = false
		s.log.Debug().Msg("gather timed out")
		s.destroyLocked()
	})
	s.gather.timer = t
}

func (s *Session) cancelGatherTimerLocked() {
	if s.gather.timer != nil {
		s.gather.timer.Stop()
		s.gather.timer = nil
	}
}

// armPostPlaybackLocked schedules destruction after d of idle silence.
// A zero duration still defers to the next tick rather than firing inline.
func (s *Session) armPostPlaybackLocked(d time.Duration) {
	s.cancelPostPlaybackLocked()
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.destroyed || s.postPlayback != t {
			return
		}
		s.postPlayback = nil
		s.destroyLocked()
	})
	s.postPlayback = t
}

func (s *Session) cancelPostPlaybackLocked() {
	if s.postPlayback != nil {
		s.postPlayback.Stop()
		s.postPlayback = nil
	}
}

// Destroy tears the session down. Idempotent; safe from any goroutine.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked()
}

func (s *Session) destroyLocked() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.cancelGatherTimerLocked()
	s.cancelPostPlaybackLocked()
	s.gather.running = false
	s.playing = false
	s.playbackID = ""
	s.remaining = nil
	if s.reg != nil {
		s.reg.deregister(s)
	}
	if err := s.pbxc.Hangup(context.Background(), s.channelID); err != nil && !pbx.IsNotFound(err) {
		s.log.Warn().Err(err).Msg("hangup on destroy failed")
	}
	s.log.Debug().Msg("session destroyed")
}

// Destroyed reports whether the session has been torn down.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}
