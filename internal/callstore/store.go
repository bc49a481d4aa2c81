package callstore

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// GatherStage tracks progress through a two-gather (double OTP) campaign.
type GatherStage string

const (
	StageFirst  GatherStage = "first"
	StageSecond GatherStage = "second"
)

// CallData is the per-call metadata mutated by the action engine and the
// OTP validation endpoint.
type CallData struct {
	CallID         string
	State          string
	Campaign       string
	CreatedAt      time.Time
	SelectedOption string
	GatherStage    GatherStage
}

// Update is a partial CallData merge; nil fields are left untouched.
type Update struct {
	State          *string
	SelectedOption *string
	GatherStage    *GatherStage
}

// Store is a keyed in-memory call store. Entries idle for longer than
// the retention window are swept every sweep interval; hangup removes
// them eagerly.
type Store struct {
	mu    sync.Mutex
	calls map[string]*CallData

	retention time.Duration
	sweepEach time.Duration
	now       func() time.Time
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

const (
	defaultRetention = 15 * time.Minute
	defaultSweep     = 60 * time.Second
)

func New(log zerolog.Logger) *Store {
	return &Store{
		calls:     make(map[string]*CallData),
		retention: defaultRetention,
		sweepEach: defaultSweep,
		now:       time.Now,
		log:       log.With().Str("component", "callstore").Logger(),
		stop:      make(chan struct{}),
	}
}

// Start launches the background sweeper.
func (s *Store) Start() {
	go s.loop()
}

func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Store) loop() {
	ticker := time.NewTicker(s.sweepEach)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) sweep() {
	cutoff := s.now().Add(-s.retention)
	s.mu.Lock()
	var removed int
	for id, c := range s.calls {
		if c.CreatedAt.Before(cutoff) {
			delete(s.calls, id)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("stale calls swept")
	}
}

// Save creates or overwrites the record for a call.
func (s *Store) Save(callID, state, campaign string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[callID] = &CallData{
		CallID:    callID,
		State:     state,
		Campaign:  campaign,
		CreatedAt: s.now(),
	}
}

// Update merges the non-nil fields into an existing record.
// Unknown ids are a no-op.
func (s *Store) Update(callID string, u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return
	}
	if u.State != nil {
		c.State = *u.State
	}
	if u.SelectedOption != nil {
		c.SelectedOption = *u.SelectedOption
	}
	if u.GatherStage != nil {
		c.GatherStage = *u.GatherStage
	}
}

// Get returns a snapshot of the record, or nil if absent.
func (s *Store) Get(callID string) *CallData {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return nil
	}
	snap := *c
	return &snap
}

// Delete removes the record; used on hangup.
func (s *Store) Delete(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, callID)
}

// Len reports the number of live records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Helper constructors for Update fields.
func String(v string) *string { return &v }

func Stage(v GatherStage) *GatherStage { return &v }
