package push

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrAlreadyAttached is returned when a call already has an open socket.
var ErrAlreadyAttached = errors.New("push session already attached")

// Conn is the subset of *websocket.Conn the registry needs; tests
// substitute a fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// session is one subscriber socket. The write mutex keeps per-call
// delivery in submission order.
type session struct {
	conn Conn
	wmu  sync.Mutex
}

func (s *session) write(data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Registry tracks at most one push socket per call. Messages sent while
// no socket is attached are buffered best-effort: only the most recent
// one is retained and flushed on the next attach.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	pending  map[string][]byte

	closeDelay time.Duration
	log        zerolog.Logger
}

// terminalCloseDelay gives the subscriber time to read the final status
// message before the server side drops the socket.
const terminalCloseDelay = 5 * time.Second

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		sessions:   make(map[string]*session),
		pending:    make(map[string][]byte),
		closeDelay: terminalCloseDelay,
		log:        log.With().Str("component", "push").Logger(),
	}
}

// Attach registers the socket for the call, rejecting a second socket
// while one is open, and flushes any buffered message.
func (r *Registry) Attach(callID string, conn Conn) error {
	r.mu.Lock()
	if _, ok := r.sessions[callID]; ok {
		r.mu.Unlock()
		return ErrAlreadyAttached
	}
	s := &session{conn: conn}
	r.sessions[callID] = s
	buffered, hadPending := r.pending[callID]
	delete(r.pending, callID)
	r.mu.Unlock()

	r.log.Debug().Str("call_id", callID).Bool("flushed_pending", hadPending).Msg("push session attached")

	if hadPending {
		if err := s.write(buffered); err != nil {
			r.dropSession(callID, s, err)
		}
	}
	return nil
}

// Send delivers the payload to the call's subscriber, stamping callId
// into the message. Without an open socket the payload replaces any
// previously pending one.
func (r *Registry) Send(callID string, payload map[string]any) error {
	msg := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["callId"] = callID
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	s, ok := r.sessions[callID]
	if !ok {
		r.pending[callID] = data
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := s.write(data); err != nil {
		r.dropSession(callID, s, err)
		return err
	}
	return nil
}

// dropSession forgets a session whose socket failed. Only the exact
// session is removed, so a replacement attached meanwhile is safe.
func (r *Registry) dropSession(callID string, s *session, cause error) {
	r.mu.Lock()
	if cur, ok := r.sessions[callID]; ok && cur == s {
		delete(r.sessions, callID)
	}
	r.mu.Unlock()
	s.conn.Close()
	r.log.Warn().Err(cause).Str("call_id", callID).Msg("push socket write failed, session dropped")
}

// Close shuts the call's socket and forgets all its state.
func (r *Registry) Close(callID string) {
	r.mu.Lock()
	s, ok := r.sessions[callID]
	delete(r.sessions, callID)
	delete(r.pending, callID)
	r.mu.Unlock()
	if ok {
		s.conn.Close()
	}
}

// MarkTerminal pushes one final status message then schedules the
// socket close shortly after, giving the client time to read it.
func (r *Registry) MarkTerminal(callID string, payload map[string]any) {
	r.Send(callID, payload)
	time.AfterFunc(r.closeDelay, func() { r.Close(callID) })
}

// ActiveCalls lists call ids with an open socket, sorted for stable output.
// This is a read-through debug view; the sessions map stays authoritative.
func (r *Registry) ActiveCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count reports open sockets.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown closes every socket.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.pending = make(map[string][]byte)
	r.mu.Unlock()
	for _, s := range sessions {
		s.conn.Close()
	}
}
