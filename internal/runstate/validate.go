package runstate

import (
	"fmt"
	"sort"
)

// Validate checks the structural integrity of the transition table:
// every non-terminal state has at least one outgoing edge, terminal states
// have none, all states are reachable from QUEUED, and every declared event
// is handled somewhere. It runs as a startup self-test.
func Validate() error {
	for state, row := range transitions {
		if state.Terminal() && len(row) > 0 {
			return fmt.Errorf("terminal state %s has %d outgoing transitions", state, len(row))
		}
		if !state.Terminal() && len(row) == 0 {
			return fmt.Errorf("non-terminal state %s has no outgoing transitions", state)
		}
	}

	// Reachability from QUEUED over declared edges plus the universal
	// cancel/error edges.
	reached := map[State]bool{StateQueued: true}
	frontier := []State{StateQueued}
	for len(frontier) > 0 {
		s := frontier[0]
		frontier = frontier[1:]
		if s.Terminal() {
			continue
		}
		targets := []State{StateCanceled, StateFailed}
		for _, next := range transitions[s] {
			targets = append(targets, next)
		}
		for _, next := range targets {
			if !reached[next] {
				reached[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	var unreachable []string
	for state := range transitions {
		if !reached[state] {
			unreachable = append(unreachable, string(state))
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return fmt.Errorf("states unreachable from %s: %v", StateQueued, unreachable)
	}

	// Every declared event must be handled by at least one state.
	declared := []Event{
		EventWorkspaceAcquired, EventBuildStarted, EventBuildCompleted,
		EventBuildFailed, EventSnapshotCompleted, EventSnapshotFailed,
		EventVerifyPassed, EventVerifyFailedRetryable, EventVerifyFailedTerminal,
		EventFeedbackGenerated, EventUserCanceled, EventSystemError,
	}
	handled := map[Event]bool{
		// Universal edges handled in Next for all non-terminal states.
		EventUserCanceled: true,
		EventSystemError:  true,
	}
	for _, row := range transitions {
		for e := range row {
			handled[e] = true
		}
	}
	for _, e := range declared {
		if !handled[e] {
			return fmt.Errorf("declared event %s is not handled by any state", e)
		}
	}
	return nil
}
