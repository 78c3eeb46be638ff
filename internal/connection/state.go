// Package connection models the lifecycle of a single outbound connection as an
// explicit state machine driven by transport events.
package connection

import (
	"errors"
	"fmt"
)

// State represents the lifecycle state of a connection.
type State int

const (
	// StateReady is the initial state. No attempt has been made yet.
	StateReady State = iota

	// StateConnecting indicates an outbound attempt is in flight.
	StateConnecting

	// StateConnected indicates the transport reported success.
	StateConnected

	// StateErrored indicates the attempt failed (terminal state).
	StateErrored

	// StateClosed indicates the connection was closed by either side or cancelled (terminal state).
	StateClosed
)

// ErrConnectInErrorState is returned by Connect when the machine is in StateErrored.
var ErrConnectInErrorState = errors.New("cannot connect in error state")

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal returns true if no further transitions are allowed.
func (s State) IsTerminal() bool {
	return s == StateErrored || s == StateClosed
}

// IsActive returns true if the connection is usable for sending/receiving data.
func (s State) IsActive() bool {
	return s == StateConnected
}

// CanTransitionTo returns true if a transition to the target state is valid.
func (s State) CanTransitionTo(target State) bool {
	if s.IsTerminal() {
		return false
	}

	switch s {
	case StateReady:
		// Start an attempt, or be closed before one was ever made
		return target == StateConnecting || target == StateClosed

	case StateConnecting:
		// Succeed, fail, or be cancelled / closed by the peer before establishment
		return target == StateConnected || target == StateErrored || target == StateClosed

	case StateConnected:
		return target == StateClosed

	default:
		return false
	}
}

// TransitionError is returned when an invalid state transition is attempted.
type TransitionError struct {
	From    State
	To      State
	Name    string
	Message string
}

func (e *TransitionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("invalid state transition for %s: %s -> %s: %s",
			e.Name, e.From, e.To, e.Message)
	}
	return fmt.Sprintf("invalid state transition for %s: %s -> %s",
		e.Name, e.From, e.To)
}

// NewTransitionError creates a new transition error.
func NewTransitionError(from, to State, name, message string) *TransitionError {
	return &TransitionError{
		From:    from,
		To:      to,
		Name:    name,
		Message: message,
	}
}
