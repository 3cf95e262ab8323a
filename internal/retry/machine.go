// ============================================================================
// Retry Controller - per-task state machine
// ============================================================================
//
// Package: internal/retry
// File: machine.go
//
// State machine:
//
//	pending ──issue──▶ in_flight ──ok──────────────▶ succeeded
//	                      │  ▲
//	                      │  └──slept D── retry_wait
//	                      ├──retryable, attempts < R ─┘
//	                      ├──retryable, attempts == R ▶ failed_exhausted
//	                      ├──fatal ───────────────────▶ failed_fatal
//	                      ├──malformed/unclassified ──▶ failed
//	                      └──parent ctx done ─────────▶ cancelled
//
// Both executors share one Policy. The live pool drives one Machine per task;
// the async batch job uses the same Delay at whole-job granularity.
//
// ============================================================================

package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/querybatch/internal/failure"
)

// State is a node of the per-task state machine.
type State string

const (
	StatePending         State = "pending"
	StateInFlight        State = "in_flight"
	StateRetryWait       State = "retry_wait"
	StateSucceeded       State = "succeeded"
	StateFailedFatal     State = "failed_fatal"
	StateFailedExhausted State = "failed_exhausted"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailedFatal, StateFailedExhausted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ErrInvalidTransition is returned for a transition not in Transitions.
var ErrInvalidTransition = errors.New("retry: invalid state transition")

// Transitions is the complete set of legal moves.
var Transitions = map[State][]State{
	StatePending:   {StateInFlight, StateCancelled},
	StateInFlight:  {StateSucceeded, StateRetryWait, StateFailedExhausted, StateFailedFatal, StateFailed, StateCancelled},
	StateRetryWait: {StateInFlight, StateCancelled},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to State) bool {
	for _, s := range Transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Policy is the single retry policy: R total attempts with a fixed delay D.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultPolicy returns R=5, D=5s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Delay: 5 * time.Second}
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Call issues one attempt. attempt starts at 1.
type Call func(ctx context.Context, attempt int) (string, error)

// Observer is notified about every attempt; all fields may be nil.
type Observer struct {
	OnAttempt func(attempt int, kind failure.Kind, elapsed time.Duration)
	OnRetry   func(attempt int, kind failure.Kind, err error)
}

// Outcome is the terminal result of running a Machine.
type Outcome struct {
	State    State
	Attempts int
	Response string
	Err      error
	Kind     failure.Kind
}

// Fatal reports whether the outcome must abort dispatch.
func (o Outcome) Fatal() bool {
	return o.State == StateFailedFatal
}

// Machine runs one task through the state machine. Not safe for concurrent use.
type Machine struct {
	policy   Policy
	sleep    Sleeper
	observer Observer

	state    State
	attempts int
	history  []State
}

// NewMachine creates a machine in the pending state. A nil sleeper uses Sleep.
func NewMachine(policy Policy, sleep Sleeper, observer Observer) *Machine {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if sleep == nil {
		sleep = Sleep
	}
	return &Machine{
		policy:   policy,
		sleep:    sleep,
		observer: observer,
		state:    StatePending,
		history:  []State{StatePending},
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Attempts returns the number of issued calls.
func (m *Machine) Attempts() int { return m.attempts }

// History returns every state visited, in order.
func (m *Machine) History() []State {
	out := make([]State, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Machine) transition(to State) error {
	if !CanTransition(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}

// Run drives the machine to a terminal state. Errors from call are
// classified with failure.Classify. When ctx is done, the outcome is
// cancelled rather than failed so the task is not recorded as finished.
func (m *Machine) Run(ctx context.Context, call Call) (Outcome, error) {
	for {
		if ctx.Err() != nil {
			return m.finish(StateCancelled, "", ctx.Err(), "")
		}
		if err := m.transition(StateInFlight); err != nil {
			return Outcome{}, err
		}
		m.attempts++

		start := time.Now()
		resp, err := call(ctx, m.attempts)
		elapsed := time.Since(start)

		if err == nil {
			m.notifyAttempt("", elapsed)
			return m.finish(StateSucceeded, resp, nil, "")
		}

		// The parent context ending is an interruption, not a task failure.
		if ctx.Err() != nil {
			return m.finish(StateCancelled, "", err, "")
		}

		kind := failure.Classify(err)
		m.notifyAttempt(kind, elapsed)

		switch {
		case kind.Fatal():
			return m.finish(StateFailedFatal, "", err, kind)
		case kind.Retryable() && m.attempts >= m.policy.MaxAttempts:
			return m.finish(StateFailedExhausted, "", err, kind)
		case kind.Retryable():
			if err := m.transition(StateRetryWait); err != nil {
				return Outcome{}, err
			}
			if m.observer.OnRetry != nil {
				m.observer.OnRetry(m.attempts, kind, err)
			}
			if serr := m.sleep(ctx, m.policy.Delay); serr != nil {
				return m.finish(StateCancelled, "", err, kind)
			}
		default:
			return m.finish(StateFailed, "", err, kind)
		}
	}
}

func (m *Machine) notifyAttempt(kind failure.Kind, elapsed time.Duration) {
	if m.observer.OnAttempt != nil {
		m.observer.OnAttempt(m.attempts, kind, elapsed)
	}
}

func (m *Machine) finish(to State, resp string, err error, kind failure.Kind) (Outcome, error) {
	if terr := m.transition(to); terr != nil {
		return Outcome{}, terr
	}
	return Outcome{
		State:    to,
		Attempts: m.attempts,
		Response: resp,
		Err:      err,
		Kind:     kind,
	}, nil
}
