// Package workflow holds the project lifecycle phase graph. Phases move
// strictly forward one step at a time; the only permitted cycle is
// EXECUTION <-> MONITORING_AND_CONTROLLING. CLOSING is terminal and is
// entered only from MONITORING_AND_CONTROLLING, its predecessor in the
// canonical order.
package workflow

import (
	"fmt"
	"strings"

	"paperline/internal/domain"
)

const (
	StateInitiation = "INITIATION"
	StatePlanning   = "PLANNING"
	StateExecution  = "EXECUTION"
	StateMonitoring = "MONITORING_AND_CONTROLLING"
	StateClosing    = "CLOSING"
)

// adjacency is the fixed transition table.
var adjacency = map[string][]string{
	StateInitiation: {StatePlanning},
	StatePlanning:   {StateExecution},
	StateExecution:  {StateMonitoring},
	StateMonitoring: {StateExecution, StateClosing},
	StateClosing:    {},
}

// Initial is the phase every project starts in.
func Initial() string { return StateInitiation }

// Terminal reports whether no transition leaves the state.
func Terminal(state string) bool { return len(adjacency[state]) == 0 }

// Known reports whether the state is part of the closed set.
func Known(state string) bool {
	_, ok := adjacency[state]
	return ok
}

// Allowed returns the states reachable from current, in canonical order.
func Allowed(current string) []string {
	next := adjacency[current]
	out := make([]string, len(next))
	copy(out, next)
	return out
}

// InvalidTransitionError names the valid alternatives so callers can recover
// by picking one.
type InvalidTransitionError struct {
	From    string
	To      string
	Allowed []string
}

func (e InvalidTransitionError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("invalid workflow transition %s -> %s: %s is terminal", e.From, e.To, e.From)
	}
	return fmt.Sprintf("invalid workflow transition %s -> %s: valid next states are %s", e.From, e.To, strings.Join(e.Allowed, ", "))
}

// ValidateTransition checks to against the adjacency table for from.
func ValidateTransition(from, to string) error {
	if !Known(from) {
		return InvalidTransitionError{From: from, To: to}
	}
	for _, s := range adjacency[from] {
		if s == to {
			return nil
		}
	}
	return InvalidTransitionError{From: from, To: to, Allowed: Allowed(from)}
}

// Replay folds a transition history from the initial state. It fails if any
// step is not a valid edge, so a stored history is always re-checkable.
func Replay(history []domain.WorkflowTransition) (string, error) {
	current := Initial()
	for i, tr := range history {
		if tr.FromState != current {
			return "", fmt.Errorf("replay: step %d starts at %s, expected %s", i, tr.FromState, current)
		}
		if err := ValidateTransition(tr.FromState, tr.ToState); err != nil {
			return "", fmt.Errorf("replay: step %d: %w", i, err)
		}
		current = tr.ToState
	}
	return current, nil
}
