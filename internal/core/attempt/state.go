package attempt

import (
	"errors"

	"github.com/vietddude/collector/internal/core/domain"
)

// State is an alias for domain.RetryStatus for internal use.
type State = domain.RetryStatus

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid retry attempt transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
// Terminal states have no entry.
var ValidTransitions = map[State][]State{
	domain.RetryStatusPending: {domain.RetryStatusInProgress, domain.RetryStatusCancelled},
	domain.RetryStatusInProgress: {
		domain.RetryStatusSuccess,
		domain.RetryStatusFailed,
		domain.RetryStatusCancelled,
	},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// sourcesOf returns every state that may move to `to`.
func sourcesOf(to State) []State {
	var from []State
	for _, s := range []State{
		domain.RetryStatusPending,
		domain.RetryStatusInProgress,
		domain.RetryStatusSuccess,
		domain.RetryStatusFailed,
		domain.RetryStatusCancelled,
	} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}
