package lifecycle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/callpilot/internal/callstore"
	"github.com/snarg/callpilot/internal/channel"
	"github.com/snarg/callpilot/internal/ivr"
)

type fakePBX struct {
	mu        sync.Mutex
	answers   []string
	answerErr error
}

func (p *fakePBX) Answer(_ context.Context, channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.answerErr != nil {
		return p.answerErr
	}
	p.answers = append(p.answers, channelID)
	return nil
}

func (p *fakePBX) Play(context.Context, string, string, string) error { return nil }
func (p *fakePBX) StopPlayback(context.Context, string) error         { return nil }
func (p *fakePBX) Hangup(context.Context, string) error               { return nil }

type fakePushes struct {
	mu        sync.Mutex
	sent      []map[string]any
	terminals []map[string]any
}

func (p *fakePushes) Send(callID string, payload map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := map[string]any{"callId": callID}
	for k, v := range payload {
		m[k] = v
	}
	p.sent = append(p.sent, m)
	return nil
}

func (p *fakePushes) MarkTerminal(callID string, payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := map[string]any{"callId": callID}
	for k, v := range payload {
		m[k] = v
	}
	p.terminals = append(p.terminals, m)
}

type fixture struct {
	mgr    *Manager
	pbxc   *fakePBX
	pushes *fakePushes
	calls  *callstore.Store
	reg    *channel.Registry
	server *httptest.Server

	mu    sync.Mutex
	paths []string
}

func (f *fixture) fetchedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.paths = append(f.paths, r.URL.Path)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(`<Response><Play>custom/acme/answer</Play></Response>`))
	}))
	t.Cleanup(server.Close)

	catalog := ivr.NewCatalog("http://unused", time.Hour, time.Second, zerolog.Nop())
	catalog.Replace(map[string]ivr.Campaign{
		"acme":  {"answer": {Timeout: 5}, "gather": {Timeout: 5}},
		"menus": {"options": {Timeout: 5}, "option1": {Timeout: 5}},
	})

	f.pbxc = &fakePBX{}
	f.pushes = &fakePushes{}
	f.calls = callstore.New(zerolog.Nop())
	f.reg = channel.NewRegistry()
	f.server = server
	f.mgr = NewManager(f.pbxc, f.reg, f.calls, f.pushes, catalog, server.URL, zerolog.Nop())
	return f
}

func (f *fixture) newSession(channelID string) *channel.Session {
	return channel.New(channel.Config{
		ChannelID: channelID,
		PBX:       f.pbxc,
		Registry:  f.reg,
		Log:       zerolog.Nop(),
	})
}

// ── Stasis entry ─────────────────────────────────────────────────────

func TestStasisStartAnswersAndStarts(t *testing.T) {
	f := newFixture(t)
	f.calls.Save("ch1", "created", "acme")
	f.newSession("ch1")

	f.mgr.HandleStasisStart("ch1")

	if len(f.pbxc.answers) != 1 {
		t.Fatalf("answers = %v, want one", f.pbxc.answers)
	}
	if got := f.calls.Get("ch1").State; got != "answered" {
		t.Errorf("state = %q, want answered", got)
	}
	if len(f.pushes.sent) != 1 || f.pushes.sent[0]["status"] != "answered" {
		t.Errorf("pushes = %v, want answered status", f.pushes.sent)
	}
	if paths := f.fetchedPaths(); len(paths) != 1 || paths[0] != "/action/answer" {
		t.Errorf("paths = %v, want initial /action/answer fetch", paths)
	}
}

func TestStasisStartMenuCampaignStartsOnOptions(t *testing.T) {
	f := newFixture(t)
	f.calls.Save("ch1", "created", "menus")
	f.newSession("ch1")

	f.mgr.HandleStasisStart("ch1")

	if paths := f.fetchedPaths(); len(paths) != 1 || paths[0] != "/action/options" {
		t.Errorf("paths = %v, want /action/options start", paths)
	}
}

func TestStasisStartUnknownChannelIgnored(t *testing.T) {
	f := newFixture(t)
	f.mgr.HandleStasisStart("ghost")
	if len(f.pbxc.answers) != 0 {
		t.Error("answered a channel we do not own")
	}
}

func TestStasisStartWithoutCallDataDestroys(t *testing.T) {
	f := newFixture(t)
	s := f.newSession("ch1")

	f.mgr.HandleStasisStart("ch1")

	if !s.Destroyed() {
		t.Error("orphan session not destroyed")
	}
}

// ── Ringing & hangup ─────────────────────────────────────────────────

func TestRingingPushed(t *testing.T) {
	f := newFixture(t)
	f.calls.Save("ch1", "created", "acme")

	f.mgr.HandleRinging("ch1")

	if len(f.pushes.sent) != 1 || f.pushes.sent[0]["status"] != "ringing" {
		t.Errorf("pushes = %v, want ringing", f.pushes.sent)
	}
	if got := f.calls.Get("ch1").State; got != "ringing" {
		t.Errorf("state = %q, want ringing", got)
	}
}

func TestHangupDestroysAndPushesTerminal(t *testing.T) {
	f := newFixture(t)
	f.calls.Save("ch1", "created", "acme")
	s := f.newSession("ch1")
	f.mgr.HandleStasisStart("ch1")

	f.mgr.HandleHangup("ch1", 17)

	if !s.Destroyed() {
		t.Error("session survived hangup")
	}
	if f.calls.Get("ch1") != nil {
		t.Error("call record survived hangup")
	}
	if len(f.pushes.terminals) != 1 {
		t.Fatalf("terminals = %v, want one", f.pushes.terminals)
	}
	term := f.pushes.terminals[0]
	if term["status"] != "completed" || term["hangupCause"] != "busy" {
		t.Errorf("terminal = %v", term)
	}
	if _, ok := term["callDuration"]; !ok {
		t.Error("terminal missing callDuration")
	}
}

func TestHangupBeforeAnswerZeroDuration(t *testing.T) {
	f := newFixture(t)
	f.calls.Save("ch1", "created", "acme")
	f.newSession("ch1")

	f.mgr.HandleHangup("ch1", 19)

	term := f.pushes.terminals[0]
	if term["callDuration"] != "0" {
		t.Errorf("callDuration = %v, want 0 for unanswered call", term["callDuration"])
	}
	if term["hangupCause"] != "no-answer" {
		t.Errorf("hangupCause = %v, want no-answer", term["hangupCause"])
	}
}

// ── Cause mapping ────────────────────────────────────────────────────

func TestCauseString(t *testing.T) {
	tests := []struct {
		cause int
		want  string
	}{
		{16, "normal"},
		{17, "busy"},
		{18, "no-answer"},
		{19, "no-answer"},
		{21, "rejected"},
		{34, "congestion"},
		{0, "unknown"},
		{99, "unknown"},
	}
	for _, tt := range tests {
		if got := CauseString(tt.cause); got != tt.want {
			t.Errorf("CauseString(%d) = %q, want %q", tt.cause, got, tt.want)
		}
	}
}
