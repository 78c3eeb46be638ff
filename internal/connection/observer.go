package connection

import (
	"time"

	"github.com/rs/zerolog"
)

// Transition represents a state change event.
type Transition struct {
	// Name identifies the machine whose state changed.
	Name string

	// From is the previous state.
	From State

	// To is the new state.
	To State

	// Timestamp is when the transition occurred.
	Timestamp time.Time

	// Reason is a human-readable description of why the transition occurred.
	Reason string

	// Error is non-nil if the transition was caused by an error.
	Error error
}

// Observer receives notifications about state transitions.
type Observer interface {
	// OnTransition is called synchronously after the state has changed, outside
	// the machine's lock. Implementations should not block. An observer may
	// call back into the machine; a transition it triggers is delivered after
	// every observer has seen t.
	OnTransition(t Transition)
}

// ObserverFunc is an adapter that allows using ordinary functions as Observers.
type ObserverFunc func(Transition)

// OnTransition implements the Observer interface.
func (f ObserverFunc) OnTransition(t Transition) {
	f(t)
}

// MultiObserver combines multiple observers into one.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver creates a new MultiObserver with the given observers.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	return &MultiObserver{
		observers: observers,
	}
}

// Add adds an observer to the multi-observer.
func (m *MultiObserver) Add(o Observer) {
	m.observers = append(m.observers, o)
}

// OnTransition notifies all observers of the transition.
func (m *MultiObserver) OnTransition(t Transition) {
	for _, o := range m.observers {
		o.OnTransition(t)
	}
}

// LoggingObserver logs every transition at info level.
type LoggingObserver struct {
	Logger zerolog.Logger
}

// OnTransition implements the Observer interface.
func (l *LoggingObserver) OnTransition(t Transition) {
	ev := l.Logger.Info()
	if t.Error != nil {
		ev = l.Logger.Warn().Err(t.Error)
	}
	ev.Str("conn", t.Name).
		Str("from", t.From.String()).
		Str("to", t.To.String()).
		Str("reason", t.Reason).
		Msg("connection state changed")
}
