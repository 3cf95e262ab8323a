// ============================================================================
// querybatch Task Tracker
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Function: In-memory index of one run's tasks by state
//
// State flow:
//   pending ──MarkInFlight──▶ in_flight ──MarkDone──▶ succeeded | failed
//                                 │
//                                 └──MarkInterrupted──▶ interrupted
//
// interrupted covers tasks that finished without a checkpoint (fatal abort,
// cancellation, or handed back un-run); they run again on the next resume.
// The tracker is not durable: the checkpoint store is the source of truth,
// the tracker only feeds the dispatch loop, progress and /status.
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/querybatch/pkg/types"
)

var (
	// ErrDuplicateTask indicates a correlation id was enqueued twice
	ErrDuplicateTask = errors.New("task already exists")
	// ErrNotInFlight indicates a completion for a task that is not running
	ErrNotInFlight = errors.New("task not in flight")
	// ErrTaskNotFound indicates an unknown correlation id
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotPending indicates a dispatch of a task that is not pending
	ErrNotPending = errors.New("task not in pending status")
)

// State is a task's position in the current run.
type State string

const (
	StatePending     State = "pending"
	StateInFlight    State = "in_flight"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateInterrupted State = "interrupted"
)

// Entry is the tracked state of one task.
type Entry struct {
	Task      types.Task
	State     State
	Status    types.Status // set once the task is done
	Attempts  int
	UpdatedAt time.Time
}

// Stats is a point-in-time summary served on /status.
type Stats struct {
	Total       int `json:"total"`
	Resumed     int `json:"resumed"`
	Pending     int `json:"pending"`
	InFlight    int `json:"in_flight"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Interrupted int `json:"interrupted"`
}

// Done returns the number of tasks with a terminal checkpoint in this run.
func (s Stats) Done() int {
	return s.Succeeded + s.Failed
}

// Tracker indexes the tasks of one run.
type Tracker struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	queue    []string
	inFlight map[string]*Entry
	counts   map[State]int
	resumed  int
	now      func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		entries:  make(map[string]*Entry),
		queue:    make([]string, 0),
		inFlight: make(map[string]*Entry),
		counts:   make(map[State]int),
		now:      time.Now,
	}
}

// Enqueue adds a pending task.
func (t *Tracker) Enqueue(task types.Task) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[task.CorrelationID]; exists {
		return ErrDuplicateTask
	}

	t.entries[task.CorrelationID] = &Entry{Task: task, State: StatePending, UpdatedAt: t.now()}
	t.queue = append(t.queue, task.CorrelationID)
	t.counts[StatePending]++
	return nil
}

// SetResumed records how many tasks were excluded by existing checkpoints.
func (t *Tracker) SetResumed(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resumed = n
}

// PopPending removes and returns the next pending task in enqueue order,
// or nil when the queue is empty. The task stays pending until MarkInFlight.
func (t *Tracker) PopPending() *types.Task {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.queue) == 0 {
		return nil
	}
	id := t.queue[0]
	t.queue = t.queue[1:]

	task := t.entries[id].Task
	return &task
}

// MarkInFlight moves a pending task to in_flight.
func (t *Tracker) MarkInFlight(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[id]
	if !exists {
		return ErrTaskNotFound
	}
	if e.State != StatePending {
		return ErrNotPending
	}
	t.move(e, StateInFlight)
	t.inFlight[id] = e
	return nil
}

// MarkDone records a checkpointed outcome.
func (t *Tracker) MarkDone(id string, status types.Status, attempts int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[id]
	if !exists {
		return ErrTaskNotFound
	}
	if e.State != StateInFlight {
		return ErrNotInFlight
	}

	to := StateSucceeded
	if status.Failed() {
		to = StateFailed
	}
	e.Status = status
	e.Attempts = attempts
	t.move(e, to)
	delete(t.inFlight, id)
	return nil
}

// MarkInterrupted records a task that ended without a checkpoint.
func (t *Tracker) MarkInterrupted(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[id]
	if !exists {
		return ErrTaskNotFound
	}
	switch e.State {
	case StateInFlight:
		delete(t.inFlight, id)
	case StatePending:
	default:
		return ErrNotInFlight
	}
	t.move(e, StateInterrupted)
	return nil
}

// DrainPending marks every task still queued as interrupted and returns
// how many there were. Used when dispatch stops early.
func (t *Tracker) DrainPending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.State == StatePending {
			t.move(e, StateInterrupted)
			n++
		}
	}
	t.queue = t.queue[:0]
	return n
}

func (t *Tracker) move(e *Entry, to State) {
	t.counts[e.State]--
	e.State = to
	e.UpdatedAt = t.now()
	t.counts[to]++
}

// Get returns a copy of the entry for id.
func (t *Tracker) Get(id string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// InFlight returns the correlation ids currently running, sorted.
func (t *Tracker) InFlight() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.inFlight))
	for id := range t.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns counts by state.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Stats{
		Total:       len(t.entries),
		Resumed:     t.resumed,
		Pending:     t.counts[StatePending],
		InFlight:    t.counts[StateInFlight],
		Succeeded:   t.counts[StateSucceeded],
		Failed:      t.counts[StateFailed],
		Interrupted: t.counts[StateInterrupted],
	}
}
