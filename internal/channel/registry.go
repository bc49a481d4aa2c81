package channel

import (
	"sort"
	"sync"
)

// Registry maps channel ids to their live sessions. The action engine,
// the OTP validator and the event demux steer sessions through lookups
// here; ownership stays with the lifecycle layer.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.channelID] = s
}

// deregister removes the session only if it is still the registered one.
func (r *Registry) deregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.channelID]; ok && cur == s {
		delete(r.sessions, s.channelID)
	}
}

// Lookup returns the live session for the channel, or nil.
func (r *Registry) Lookup(channelID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[channelID]
}

// Count reports live sessions; for metrics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ActiveIDs lists live channel ids, sorted.
func (r *Registry) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DestroyAll tears down every live session; used on shutdown.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Destroy()
	}
}
