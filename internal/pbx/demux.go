package pbx

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler receives typed, per-channel PBX events. Calls arrive from the
// demux read loop, one at a time, in PBX emission order.
type Handler interface {
	HandleStasisStart(channelID string)
	HandleDTMF(channelID, digit string)
	HandleRinging(channelID string)
	HandlePlaybackFinished(channelID, playbackID string)
	HandleHangup(channelID string, cause int)
	HandleServerFailed(err error)
}

// rawEvent is the PBX event envelope; only the fields the demux routes
// on are decoded.
type rawEvent struct {
	Type     string       `json:"type"`
	Digit    string       `json:"digit"`
	Cause    int          `json:"cause"`
	Channel  *rawChannel  `json:"channel"`
	Playback *rawPlayback `json:"playback"`
}

type rawChannel struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type rawPlayback struct {
	ID        string `json:"id"`
	TargetURI string `json:"target_uri"`
}

const (
	dedupeWindow      = 30 * time.Second
	reconnectAttempts = 5
	reconnectInterval = 5 * time.Second
)

// Demux subscribes to the PBX event WebSocket and re-emits typed events
// tagged with their channel id. Duplicate playback_finished events (by
// playback id) and duplicate hangups (by channel id) are dropped inside
// a 30 s window; stasis entry is emitted once per channel.
type Demux struct {
	url     string
	handler Handler
	dialer  *websocket.Dialer
	log     zerolog.Logger

	attempts int
	interval time.Duration

	mu            sync.Mutex
	seenPlaybacks map[string]time.Time
	doneChannels  map[string]*time.Timer
	stasisSeen    map[string]struct{}

	reconnects atomic.Int64
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewDemux(eventsURL string, handler Handler, log zerolog.Logger) *Demux {
	return &Demux{
		url:     eventsURL,
		handler: handler,
		dialer: &websocket.Dialer{
			HandshakeTimeout: connectTimeout,
		},
		log:           log.With().Str("component", "pbx-demux").Logger(),
		attempts:      reconnectAttempts,
		interval:      reconnectInterval,
		seenPlaybacks: make(map[string]time.Time),
		doneChannels:  make(map[string]*time.Timer),
		stasisSeen:    make(map[string]struct{}),
		stop:          make(chan struct{}),
	}
}

func (d *Demux) Start() {
	go d.run()
}

func (d *Demux) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.mu.Lock()
	for _, t := range d.doneChannels {
		t.Stop()
	}
	d.mu.Unlock()
}

// Reconnects reports how many reconnect attempts were made; for metrics.
func (d *Demux) Reconnects() int64 {
	return d.reconnects.Load()
}

func (d *Demux) run() {
	failures := 0
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		conn, _, err := d.dialer.Dial(d.url, nil)
		if err != nil {
			failures++
			d.reconnects.Add(1)
			if failures >= d.attempts {
				d.log.Error().Err(err).Int("attempts", failures).Msg("pbx event stream unreachable, giving up")
				d.handler.HandleServerFailed(err)
				return
			}
			d.log.Warn().Err(err).Int("attempt", failures).Msg("pbx event stream connect failed, retrying")
			select {
			case <-time.After(d.interval):
			case <-d.stop:
				return
			}
			continue
		}

		failures = 0
		d.log.Info().Msg("pbx event stream connected")
		d.readLoop(conn)
		conn.Close()

		select {
		case <-d.stop:
			return
		default:
			d.log.Warn().Msg("pbx event stream disconnected")
		}
	}
}

func (d *Demux) readLoop(conn *websocket.Conn) {
	// Close the socket when Stop fires so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-d.stop:
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		d.route(data)
	}
}

// route parses one raw event and dispatches it. Parse errors are logged
// and the event dropped; the stream itself stays up.
func (d *Demux) route(data []byte) {
	var ev rawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		d.log.Warn().Err(err).Msg("unparseable pbx event dropped")
		return
	}

	switch ev.Type {
	case "StasisStart":
		if ev.Channel == nil {
			return
		}
		if !d.firstStasis(ev.Channel.ID) {
			return
		}
		d.handler.HandleStasisStart(ev.Channel.ID)

	case "ChannelDtmfReceived":
		if ev.Channel == nil || ev.Digit == "" {
			return
		}
		d.handler.HandleDTMF(ev.Channel.ID, ev.Digit)

	case "ChannelStateChange":
		if ev.Channel == nil || ev.Channel.State != "Ringing" {
			return
		}
		d.handler.HandleRinging(ev.Channel.ID)

	case "PlaybackFinished":
		if ev.Playback == nil {
			return
		}
		if !d.firstPlaybackFinish(ev.Playback.ID) {
			return
		}
		channelID := strings.TrimPrefix(ev.Playback.TargetURI, "channel:")
		d.handler.HandlePlaybackFinished(channelID, ev.Playback.ID)

	case "ChannelHangupRequest", "ChannelDestroyed":
		if ev.Channel == nil {
			return
		}
		if !d.firstHangup(ev.Channel.ID) {
			return
		}
		d.handler.HandleHangup(ev.Channel.ID, ev.Cause)

	default:
		// Events the orchestrator has no use for.
	}
}

func (d *Demux) firstStasis(channelID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, seen := d.stasisSeen[channelID]; seen {
		return false
	}
	d.stasisSeen[channelID] = struct{}{}
	return true
}

// firstPlaybackFinish dedupes by playback id inside the window; stale
// entries are pruned on each insert.
func (d *Demux) firstPlaybackFinish(playbackID string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, at := range d.seenPlaybacks {
		if now.Sub(at) > dedupeWindow {
			delete(d.seenPlaybacks, id)
		}
	}
	if _, seen := d.seenPlaybacks[playbackID]; seen {
		return false
	}
	d.seenPlaybacks[playbackID] = now
	return true
}

// firstHangup dedupes hangups per channel; the channel is forgotten —
// and its stasis marker cleared — after the window so ids can recycle.
func (d *Demux) firstHangup(channelID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, seen := d.doneChannels[channelID]; seen {
		return false
	}
	d.doneChannels[channelID] = time.AfterFunc(dedupeWindow, func() {
		d.mu.Lock()
		delete(d.doneChannels, channelID)
		delete(d.stasisSeen, channelID)
		d.mu.Unlock()
	})
	return true
}
