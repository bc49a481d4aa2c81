package origination

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestQueue(spacing time.Duration) *Queue {
	return New(spacing, DefaultLimit, zerolog.Nop())
}

// ── Spacing ──────────────────────────────────────────────────────────

func TestSameTrunkSpacing(t *testing.T) {
	const spacing = 60 * time.Millisecond
	q := newTestQueue(spacing)

	var mu sync.Mutex
	var starts []time.Time
	job := func() (any, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Enqueue("trunk_a", job); err != nil {
				t.Errorf("enqueue: %v", err)
			}
		}()
		// Stagger submissions slightly so enqueue order is deterministic.
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 3 {
		t.Fatalf("ran %d jobs, want 3", len(starts))
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < spacing {
			t.Errorf("gap %d→%d = %v, want >= %v", i-1, i, gap, spacing)
		}
	}
}

func TestDifferentTrunksRunConcurrently(t *testing.T) {
	q := newTestQueue(200 * time.Millisecond)

	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	blocking := func() (any, error) {
		arrived <- struct{}{}
		<-release
		return nil, nil
	}

	done := make(chan struct{}, 2)
	go func() { q.Enqueue("trunk_a", blocking); done <- struct{}{} }()
	go func() { q.Enqueue("trunk_b", blocking); done <- struct{}{} }()

	// Both lanes must reach their job without waiting on each other.
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(time.Second):
			t.Fatal("cross-trunk jobs blocked each other")
		}
	}
	close(release)
	<-done
	<-done
}

// ── FIFO & errors ────────────────────────────────────────────────────

func TestFIFOOrderPerTrunk(t *testing.T) {
	q := newTestQueue(time.Millisecond)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue("trunk_a", func() (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestJobErrorDoesNotStallQueue(t *testing.T) {
	q := newTestQueue(time.Millisecond)
	boom := errors.New("pbx rejected")

	var wg sync.WaitGroup
	var secondRan bool
	var firstErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, firstErr = q.Enqueue("trunk_a", func() (any, error) { return nil, boom })
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		defer wg.Done()
		q.Enqueue("trunk_a", func() (any, error) { secondRan = true; return nil, nil })
	}()
	wg.Wait()

	if !errors.Is(firstErr, boom) {
		t.Errorf("first job err = %v, want submitter to see the failure", firstErr)
	}
	if !secondRan {
		t.Error("second job did not run after first failed")
	}
}

func TestJobResultReturned(t *testing.T) {
	q := newTestQueue(time.Millisecond)
	v, err := q.Enqueue("trunk_a", func() (any, error) { return "channel-42", nil })
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if v != "channel-42" {
		t.Errorf("value = %v, want channel-42", v)
	}
}

// ── Capacity ─────────────────────────────────────────────────────────

func TestQueueFull(t *testing.T) {
	q := New(time.Millisecond, 2, zerolog.Nop())

	release := make(chan struct{})
	defer close(release)

	// Fill the lane: one running + one waiting.
	for i := 0; i < 2; i++ {
		go q.Enqueue("trunk_a", func() (any, error) {
			<-release
			return nil, nil
		})
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := q.Enqueue("trunk_a", func() (any, error) { return nil, nil }); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	// Other trunks are unaffected.
	if _, err := q.Enqueue("trunk_b", func() (any, error) { return nil, nil }); err != nil {
		t.Errorf("other trunk rejected: %v", err)
	}
}

func TestStats(t *testing.T) {
	q := newTestQueue(time.Millisecond)
	q.Enqueue("trunk_a", func() (any, error) { return nil, nil })
	q.Enqueue("trunk_a", func() (any, error) { return nil, errors.New("x") })

	st := q.Stats()
	if st.Enqueued != 2 || st.Completed != 1 || st.Failed != 1 {
		t.Errorf("stats = %+v, want enqueued=2 completed=1 failed=1", st)
	}
	if st.Pending != 0 {
		t.Errorf("pending = %d, want 0", st.Pending)
	}
}
