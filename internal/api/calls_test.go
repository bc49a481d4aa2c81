package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/callpilot/internal/callstore"
	"github.com/snarg/callpilot/internal/channel"
	"github.com/snarg/callpilot/internal/ivr"
	"github.com/snarg/callpilot/internal/origination"
	"github.com/snarg/callpilot/internal/pbx"
	"github.com/snarg/callpilot/internal/trunkstore"
)

type fakeOriginator struct {
	mu   sync.Mutex
	reqs []pbx.OriginateRequest
	err  error
}

func (f *fakeOriginator) Originate(_ context.Context, req pbx.OriginateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reqs = append(f.reqs, req)
	return nil
}

type nopSessionPBX struct{}

func (nopSessionPBX) Answer(context.Context, string) error               { return nil }
func (nopSessionPBX) Play(context.Context, string, string, string) error { return nil }
func (nopSessionPBX) StopPlayback(context.Context, string) error         { return nil }
func (nopSessionPBX) Hangup(context.Context, string) error               { return nil }

type callsFixture struct {
	handler  http.Handler
	trunks   *trunkstore.Store
	calls    *callstore.Store
	channels *channel.Registry
	orig     *fakeOriginator
}

func newCallsFixture(t *testing.T) *callsFixture {
	t.Helper()
	trunks := trunkstore.New(time.Minute, zerolog.Nop())
	t.Cleanup(trunks.Close)
	trunks.UpdateInventory(map[string][]trunkstore.Trunk{
		"U": {{ID: "custom_A", PhoneNumbers: []string{"15550001", "15550002"}}},
	})

	calls := callstore.New(zerolog.Nop())
	queue := origination.New(time.Millisecond, 2, zerolog.Nop())
	channels := channel.NewRegistry()
	catalog := ivr.NewCatalog("http://unused", time.Hour, time.Second, zerolog.Nop())
	orig := &fakeOriginator{}

	r := chi.NewRouter()
	NewCallsHandler(trunks, calls, queue, channels, catalog, orig, nopSessionPBX{}, zerolog.Nop()).Routes(r)
	return &callsFixture{handler: r, trunks: trunks, calls: calls, channels: channels, orig: orig}
}

func (f *callsFixture) create(t *testing.T, body map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/calls/create", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// ── Create ───────────────────────────────────────────────────────────

func TestCreateCall(t *testing.T) {
	f := newCallsFixture(t)
	a, err := f.trunks.Assign("U")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	rec := f.create(t, map[string]string{
		"phone_number":    "15559999",
		"campaign":        "acme",
		"assignment_uuid": a.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp struct {
		Success bool   `json:"success"`
		CallID  string `json:"call_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.CallID == "" {
		t.Fatalf("resp = %+v", resp)
	}

	// The originate used the trunk endpoint and a trunk number as caller id.
	f.orig.mu.Lock()
	req := f.orig.reqs[0]
	f.orig.mu.Unlock()
	if req.Endpoint != "PJSIP/15559999@custom_A" {
		t.Errorf("endpoint = %q", req.Endpoint)
	}
	if req.CallerID != "15550001" && req.CallerID != "15550002" {
		t.Errorf("caller id = %q, want one of the trunk numbers", req.CallerID)
	}
	if req.ChannelID != resp.CallID {
		t.Errorf("channel id %q != call id %q", req.ChannelID, resp.CallID)
	}

	// Session registered, call data saved.
	if f.channels.Lookup(resp.CallID) == nil {
		t.Error("channel session not registered")
	}
	call := f.calls.Get(resp.CallID)
	if call == nil || call.Campaign != "acme" || call.State != "created" {
		t.Errorf("call data = %+v", call)
	}
}

func TestCreateCallMissingFields(t *testing.T) {
	f := newCallsFixture(t)
	rec := f.create(t, map[string]string{"phone_number": "123"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCreateCallUnknownAssignment(t *testing.T) {
	f := newCallsFixture(t)
	rec := f.create(t, map[string]string{
		"phone_number":    "15559999",
		"campaign":        "acme",
		"assignment_uuid": "nope",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCreateCallOriginateFailure(t *testing.T) {
	f := newCallsFixture(t)
	f.orig.err = errors.New("pbx down")
	a, _ := f.trunks.Assign("U")

	rec := f.create(t, map[string]string{
		"phone_number":    "15559999",
		"campaign":        "acme",
		"assignment_uuid": a.ID,
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	// No session or call data is left behind on failure.
	if f.channels.Count() != 0 {
		t.Error("failed originate registered a session")
	}
	// The failed attempt does not release the assignment (TTL owns it).
	if _, err := f.trunks.Lookup(a.ID); err != nil {
		t.Error("failed originate released the assignment")
	}
}

func TestCreateCallRenewsAssignment(t *testing.T) {
	f := newCallsFixture(t)
	a, _ := f.trunks.Assign("U")
	before, _ := f.trunks.Lookup(a.ID)

	time.Sleep(5 * time.Millisecond)
	f.create(t, map[string]string{
		"phone_number":    "15559999",
		"campaign":        "acme",
		"assignment_uuid": a.ID,
	})

	after, _ := f.trunks.Lookup(a.ID)
	if !after.ExpiresAt.After(before.ExpiresAt) {
		t.Error("call creation did not renew the assignment TTL")
	}
}

// ── Destroy & stats ──────────────────────────────────────────────────

func TestDestroyCall(t *testing.T) {
	f := newCallsFixture(t)
	s := channel.New(channel.Config{ChannelID: "c1", PBX: nopSessionPBX{}, Registry: f.channels, Log: zerolog.Nop()})

	req := httptest.NewRequest(http.MethodPost, "/api/calls/c1/destroy", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !s.Destroyed() {
		t.Error("session not destroyed")
	}

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/calls/c1/destroy", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("destroy of gone call = %d, want 404", rec.Code)
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	f := newCallsFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/calls/queue/stats", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats origination.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
}
