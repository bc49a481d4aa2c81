package trunkstore

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned for operations on an unknown assignment.
	ErrNotFound = errors.New("assignment not found")
	// ErrNoTrunkAvailable is returned when every trunk for a user is at its cap.
	ErrNoTrunkAvailable = errors.New("no trunk available")
)

// Kind classifies a trunk by its provisioning origin.
type Kind string

const (
	KindCustomOrTelnyx Kind = "custom_or_telnyx"
	KindOther          Kind = "other"
)

// Trunk is one outbound SIP route with its dialable numbers.
type Trunk struct {
	ID           string
	PhoneNumbers []string
	Verified     bool
}

// Kind derives the trunk class from its id prefix.
func (t *Trunk) Kind() Kind {
	if strings.HasPrefix(t.ID, "telnyx_") || strings.HasPrefix(t.ID, "custom_") {
		return KindCustomOrTelnyx
	}
	return KindOther
}

// UsageCap returns the concurrent-assignment cap and whether one applies.
// Other trunks are uncapped; custom/telnyx trunks get 9 when verified, 4 otherwise.
func (t *Trunk) UsageCap() (int, bool) {
	if t.Kind() == KindOther {
		return 0, false
	}
	if t.Verified {
		return 9, true
	}
	return 4, true
}

// RandomNumber picks one of the trunk's numbers uniformly at random.
func (t *Trunk) RandomNumber() string {
	if len(t.PhoneNumbers) == 0 {
		return ""
	}
	return t.PhoneNumbers[rand.Intn(len(t.PhoneNumbers))]
}

// Clone deep-copies the trunk so assignment snapshots do not alias inventory.
func (t *Trunk) Clone() *Trunk {
	c := *t
	c.PhoneNumbers = append([]string(nil), t.PhoneNumbers...)
	return &c
}

// Assignment is a time-limited reservation of one trunk for one tenant.
// Trunk is a snapshot; it is refreshed on inventory updates while the
// underlying trunk survives, and goes stale when it vanishes.
type Assignment struct {
	ID         string
	TrunkID    string
	Trunk      *Trunk
	UserToken  string
	AssignedAt time.Time
	ExpiresAt  time.Time

	timer *time.Timer
}

func (a *Assignment) snapshot() *Assignment {
	c := *a
	c.Trunk = a.Trunk.Clone()
	c.timer = nil
	return &c
}

// Store tracks trunk inventory, per-trunk usage counters, and live
// assignments with a sliding TTL. Each live assignment whose trunk is
// still in inventory is counted exactly once in usage; releasing — by
// request, TTL expiry, or inventory loss — decrements exactly once.
type Store struct {
	mu           sync.Mutex
	trunksByUser map[string][]*Trunk
	usage        map[string]int
	assignments  map[string]*Assignment

	ttl time.Duration
	now func() time.Time
	log zerolog.Logger
}

func New(ttl time.Duration, log zerolog.Logger) *Store {
	return &Store{
		trunksByUser: make(map[string][]*Trunk),
		usage:        make(map[string]int),
		assignments:  make(map[string]*Assignment),
		ttl:          ttl,
		now:          time.Now,
		log:          log.With().Str("component", "trunkstore").Logger(),
	}
}

// normalizeToken strips all dashes; callers pass raw tokens.
func normalizeToken(token string) string {
	return strings.ReplaceAll(token, "-", "")
}

// UpdateInventory replaces the trunk inventory wholesale. Snapshots of
// live assignments are refreshed when their trunk survives; assignments
// whose trunk vanished are logged and left in place (their next
// origination will fail at the PBX). Usage counters for vanished trunks
// are dropped.
func (s *Store) UpdateInventory(trunksByUser map[string][]Trunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string][]*Trunk, len(trunksByUser))
	byID := make(map[string]*Trunk)
	for token, trunks := range trunksByUser {
		norm := normalizeToken(token)
		for i := range trunks {
			t := trunks[i].Clone()
			next[norm] = append(next[norm], t)
			byID[t.ID] = t
		}
	}
	s.trunksByUser = next

	for _, a := range s.assignments {
		if t, ok := byID[a.TrunkID]; ok {
			a.Trunk = t.Clone()
			continue
		}
		s.log.Warn().
			Str("assignment_id", a.ID).
			Str("trunk_id", a.TrunkID).
			Msg("assignment invalidated: trunk removed from inventory")
	}

	for trunkID := range s.usage {
		if _, ok := byID[trunkID]; !ok {
			delete(s.usage, trunkID)
		}
	}
}

// FindAvailable returns the first trunk for the user whose usage is under cap.
func (s *Store) FindAvailable(userToken string) (*Trunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findAvailableLocked(userToken)
	if t == nil {
		return nil, ErrNoTrunkAvailable
	}
	return t.Clone(), nil
}

func (s *Store) findAvailableLocked(userToken string) *Trunk {
	for _, t := range s.trunksByUser[normalizeToken(userToken)] {
		cap, capped := t.UsageCap()
		if !capped || s.usage[t.ID] < cap {
			return t
		}
	}
	return nil
}

// Assign reserves a trunk for the user and arms the TTL timer.
func (s *Store) Assign(userToken string) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findAvailableLocked(userToken)
	if t == nil {
		return nil, ErrNoTrunkAvailable
	}

	now := s.now()
	a := &Assignment{
		ID:         uuid.NewString(),
		TrunkID:    t.ID,
		Trunk:      t.Clone(),
		UserToken:  normalizeToken(userToken),
		AssignedAt: now,
		ExpiresAt:  now.Add(s.ttl),
	}
	s.usage[t.ID]++
	s.assignments[a.ID] = a
	a.timer = time.AfterFunc(s.ttl, func() { s.expire(a.ID) })

	s.log.Debug().
		Str("assignment_id", a.ID).
		Str("trunk_id", t.ID).
		Int("usage", s.usage[t.ID]).
		Msg("trunk assigned")
	return a.snapshot(), nil
}

// KeepAlive re-arms the TTL from now and refreshes the assignment time.
func (s *Store) KeepAlive(assignmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[assignmentID]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	a.AssignedAt = now
	a.ExpiresAt = now.Add(s.ttl)
	a.timer.Stop()
	a.timer = time.AfterFunc(s.ttl, func() { s.expire(a.ID) })
	return nil
}

// Release drops the assignment and decrements usage. Idempotent with
// TTL expiry: whichever runs second sees ErrNotFound / a no-op.
func (s *Store) Release(assignmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assignments[assignmentID]; !ok {
		return ErrNotFound
	}
	s.releaseLocked(assignmentID, "released")
	return nil
}

func (s *Store) expire(assignmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assignments[assignmentID]; !ok {
		return
	}
	s.releaseLocked(assignmentID, "expired")
}

func (s *Store) releaseLocked(assignmentID, reason string) {
	a := s.assignments[assignmentID]
	delete(s.assignments, assignmentID)
	a.timer.Stop()
	if n, ok := s.usage[a.TrunkID]; ok {
		if n <= 1 {
			delete(s.usage, a.TrunkID)
		} else {
			s.usage[a.TrunkID] = n - 1
		}
	}
	s.log.Debug().
		Str("assignment_id", assignmentID).
		Str("trunk_id", a.TrunkID).
		Str("reason", reason).
		Msg("assignment released")
}

// Lookup returns a snapshot of the assignment.
func (s *Store) Lookup(assignmentID string) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[assignmentID]
	if !ok {
		return nil, ErrNotFound
	}
	return a.snapshot(), nil
}

// TrunkUsage describes one trunk's live reservation load.
type TrunkUsage struct {
	TrunkID  string `json:"trunk_id"`
	Usage    int    `json:"usage"`
	Cap      int    `json:"cap"`
	Capped   bool   `json:"capped"`
	Verified bool   `json:"verified"`
	Numbers  int    `json:"numbers"`
}

// Stats summarizes inventory and reservation state for the API and metrics.
type Stats struct {
	Users       int          `json:"users"`
	Trunks      int          `json:"trunks"`
	Assignments int          `json:"assignments"`
	PerTrunk    []TrunkUsage `json:"per_trunk"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Users: len(s.trunksByUser), Assignments: len(s.assignments)}
	for _, trunks := range s.trunksByUser {
		for _, t := range trunks {
			st.Trunks++
			cap, capped := t.UsageCap()
			st.PerTrunk = append(st.PerTrunk, TrunkUsage{
				TrunkID:  t.ID,
				Usage:    s.usage[t.ID],
				Cap:      cap,
				Capped:   capped,
				Verified: t.Verified,
				Numbers:  len(t.PhoneNumbers),
			})
		}
	}
	return st
}

// Close stops every pending TTL timer. Assignments are process state;
// there is nothing to persist.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assignments {
		a.timer.Stop()
	}
	s.assignments = make(map[string]*Assignment)
	s.usage = make(map[string]int)
}
