package runstate

import (
	"fmt"
	"sync"
)

// State is a position in the per-run lifecycle.
type State string

const (
	StateQueued       State = "QUEUED"
	StateLeased       State = "LEASED"
	StateBuilding     State = "BUILDING"
	StateSnapshotting State = "SNAPSHOTTING"
	StateVerifying    State = "VERIFYING"
	StateFeedback     State = "FEEDBACK"
	StateSucceeded    State = "SUCCEEDED"
	StateFailed       State = "FAILED"
	StateCanceled     State = "CANCELED"
)

// Event triggers a transition.
type Event string

const (
	EventWorkspaceAcquired     Event = "WORKSPACE_ACQUIRED"
	EventBuildStarted          Event = "BUILD_STARTED"
	EventBuildCompleted        Event = "BUILD_COMPLETED"
	EventBuildFailed           Event = "BUILD_FAILED"
	EventSnapshotCompleted     Event = "SNAPSHOT_COMPLETED"
	EventSnapshotFailed        Event = "SNAPSHOT_FAILED"
	EventVerifyPassed          Event = "VERIFY_PASSED"
	EventVerifyFailedRetryable Event = "VERIFY_FAILED_RETRYABLE"
	EventVerifyFailedTerminal  Event = "VERIFY_FAILED_TERMINAL"
	EventFeedbackGenerated     Event = "FEEDBACK_GENERATED"
	EventUserCanceled          Event = "USER_CANCELED"
	EventSystemError           Event = "SYSTEM_ERROR"
)

// transitions is the per-state event table. USER_CANCELED and SYSTEM_ERROR
// are valid from every non-terminal state and are handled in Next rather than
// repeated per row.
var transitions = map[State]map[Event]State{
	StateQueued: {
		EventWorkspaceAcquired: StateLeased,
	},
	StateLeased: {
		EventBuildStarted: StateBuilding,
	},
	StateBuilding: {
		EventBuildCompleted: StateSnapshotting,
		EventBuildFailed:    StateFailed,
	},
	StateSnapshotting: {
		EventSnapshotCompleted: StateVerifying,
		EventSnapshotFailed:    StateFailed,
	},
	StateVerifying: {
		EventVerifyPassed:          StateSucceeded,
		EventVerifyFailedRetryable: StateFeedback,
		EventVerifyFailedTerminal:  StateFailed,
	},
	StateFeedback: {
		EventFeedbackGenerated: StateBuilding,
	},
	StateSucceeded: {},
	StateFailed:    {},
	StateCanceled:  {},
}

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

// Valid reports whether the state is part of the machine.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Next is the pure transition function. It returns the successor state for
// (state, event) or an error for undefined pairs. Invalid pairs are a
// programming error at the call site, never a recoverable condition.
func Next(s State, e Event) (State, error) {
	row, ok := transitions[s]
	if !ok {
		return "", fmt.Errorf("unknown state: %q", s)
	}
	if s.Terminal() {
		return "", fmt.Errorf("state %s is terminal: no transition for event %s", s, e)
	}
	// Universal failure edges, valid from every non-terminal state.
	switch e {
	case EventUserCanceled:
		return StateCanceled, nil
	case EventSystemError:
		return StateFailed, nil
	}
	next, ok := row[e]
	if !ok {
		return "", fmt.Errorf("invalid transition: no edge for event %s in state %s", e, s)
	}
	return next, nil
}

// Machine tracks the current state of one run. Transitions are linearizable:
// Apply takes the expected current state as a precondition and rejects if the
// machine has moved on.
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine returns a machine positioned at QUEUED.
func NewMachine() *Machine {
	return &Machine{state: StateQueued}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Apply transitions the machine on event e, provided the current state still
// equals from. It returns the new state.
func (m *Machine) Apply(from State, e Event) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return m.state, fmt.Errorf("stale transition: expected state %s, machine is in %s", from, m.state)
	}
	next, err := Next(m.state, e)
	if err != nil {
		return m.state, err
	}
	m.state = next
	return next, nil
}

// Fire transitions on event e from whatever the current state is.
func (m *Machine) Fire(e Event) (State, error) {
	m.mu.Lock()
	from := m.state
	m.mu.Unlock()
	return m.Apply(from, e)
}
