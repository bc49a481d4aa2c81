package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/callpilot/internal/push"
)

func newPushServer(t *testing.T) (*httptest.Server, *push.Registry) {
	t.Helper()
	registry := push.NewRegistry(zerolog.Nop())
	r := chi.NewRouter()
	NewPushHandler(registry, zerolog.Nop()).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(registry.Shutdown)
	return srv, registry
}

func wsURL(srv *httptest.Server, callID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/push?callId=" + callID
}

func TestPushSubscribeAndReceive(t *testing.T) {
	srv, registry := newPushServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "c1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Attach is visible server-side before the first send.
	deadline := time.Now().Add(time.Second)
	for registry.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := registry.Send("c1", map[string]any{"status": "ringing"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"callId":"c1"`) || !strings.Contains(string(data), `"status":"ringing"`) {
		t.Errorf("message = %s", data)
	}
}

func TestPushSecondSocketRejected(t *testing.T) {
	srv, registry := newPushServer(t)

	first, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "c1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()

	deadline := time.Now().Add(time.Second)
	for registry.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	second, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "c1"), nil)
	if err != nil {
		// Rejected at upgrade time is also acceptable.
		return
	}
	defer second.Close()

	// The server must close the duplicate socket promptly.
	second.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Error("duplicate socket was not closed")
	}

	if got := registry.Count(); got != 1 {
		t.Errorf("open sessions = %d, want 1", got)
	}
}

func TestPushRequiresCallID(t *testing.T) {
	srv, _ := newPushServer(t)
	resp, err := http.Get(srv.URL + "/push")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPushActiveView(t *testing.T) {
	srv, registry := newPushServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "c9"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for registry.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get(srv.URL + "/api/push/active")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	if !strings.Contains(string(buf[:n]), "c9") {
		t.Errorf("active view = %s, want c9 listed", buf[:n])
	}
}
