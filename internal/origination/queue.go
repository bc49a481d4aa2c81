package origination

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrQueueFull is returned when a trunk already has the maximum number
// of pending originations.
var ErrQueueFull = errors.New("origination queue full")

// Job performs one PBX originate attempt and returns its result.
type Job func() (any, error)

const (
	// DefaultSpacing is the minimum wall-clock gap the PBX tolerates
	// between originations on one outbound route.
	DefaultSpacing = 1100 * time.Millisecond
	// DefaultLimit caps pending jobs per trunk.
	DefaultLimit = 50
)

type result struct {
	value any
	err   error
}

type pending struct {
	job  Job
	done chan result
}

// lane is the per-trunk FIFO. draining is true while a goroutine owns
// the lane; lastFiredAt records the previous job's completion.
type lane struct {
	jobs        []*pending
	draining    bool
	lastFiredAt time.Time
}

// Queue serializes originations per trunk with rate-limited draining.
// Jobs on one trunk run in enqueue order with at least `spacing`
// between the completion of one and the start of the next; jobs across
// trunks run concurrently. A job's error goes to its submitter only.
type Queue struct {
	mu    sync.Mutex
	lanes map[string]*lane

	spacing time.Duration
	limit   int
	now     func() time.Time
	log     zerolog.Logger

	enqueued  int64
	completed int64
	failed    int64
	rejected  int64
}

func New(spacing time.Duration, limit int, log zerolog.Logger) *Queue {
	if spacing <= 0 {
		spacing = DefaultSpacing
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Queue{
		lanes:   make(map[string]*lane),
		spacing: spacing,
		limit:   limit,
		now:     time.Now,
		log:     log.With().Str("component", "origination").Logger(),
	}
}

// Enqueue submits a job for the trunk and blocks until it ran.
// Returns ErrQueueFull immediately when the trunk's lane is at capacity.
func (q *Queue) Enqueue(trunkID string, job Job) (any, error) {
	q.mu.Lock()
	l, ok := q.lanes[trunkID]
	if !ok {
		l = &lane{}
		q.lanes[trunkID] = l
	}
	if len(l.jobs) >= q.limit {
		q.rejected++
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
	p := &pending{job: job, done: make(chan result, 1)}
	l.jobs = append(l.jobs, p)
	q.enqueued++
	if !l.draining {
		l.draining = true
		go q.drain(trunkID, l)
	}
	q.mu.Unlock()

	r := <-p.done
	return r.value, r.err
}

func (q *Queue) drain(trunkID string, l *lane) {
	for {
		q.mu.Lock()
		if len(l.jobs) == 0 {
			l.draining = false
			q.mu.Unlock()
			return
		}
		head := l.jobs[0]
		var wait time.Duration
		if !l.lastFiredAt.IsZero() {
			wait = q.spacing - q.now().Sub(l.lastFiredAt)
		}
		q.mu.Unlock()

		if wait > 0 {
			time.Sleep(wait)
		}

		value, err := head.job()
		if err != nil {
			q.log.Warn().Err(err).Str("trunk_id", trunkID).Msg("origination job failed")
		}

		q.mu.Lock()
		l.lastFiredAt = q.now()
		l.jobs = l.jobs[1:]
		if err != nil {
			q.failed++
		} else {
			q.completed++
		}
		q.mu.Unlock()

		head.done <- result{value: value, err: err}
	}
}

// TrunkStats is one lane's live state.
type TrunkStats struct {
	TrunkID string `json:"trunk_id"`
	Pending int    `json:"pending"`
}

// Stats summarizes queue state for the API and metrics.
type Stats struct {
	Enqueued  int64        `json:"enqueued"`
	Completed int64        `json:"completed"`
	Failed    int64        `json:"failed"`
	Rejected  int64        `json:"rejected"`
	Pending   int          `json:"pending"`
	PerTrunk  []TrunkStats `json:"per_trunk"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{
		Enqueued:  q.enqueued,
		Completed: q.completed,
		Failed:    q.failed,
		Rejected:  q.rejected,
	}
	for id, l := range q.lanes {
		if len(l.jobs) == 0 {
			continue
		}
		st.Pending += len(l.jobs)
		st.PerTrunk = append(st.PerTrunk, TrunkStats{TrunkID: id, Pending: len(l.jobs)})
	}
	return st
}
