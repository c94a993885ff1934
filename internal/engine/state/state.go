// Package state provides the lifecycle status shared by every long-lived
// component of the runtime: providers, services and view-model bindings.
package state

import (
	"encoding/json"
	"fmt"
)

// Status represents the lifecycle status of a component.
type Status int32

const (
	// StatusUninitialized is the initial status and the status a component
	// returns to after a failed initialization.
	StatusUninitialized Status = iota

	// StatusInitializing indicates initialize is in flight.
	StatusInitializing

	// StatusInitialized indicates the component is ready for use.
	StatusInitialized

	// StatusEnding indicates end is in flight.
	StatusEnding

	// StatusEnded indicates the component was torn down. Ended components
	// are not reusable.
	StatusEnded
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusInitializing:
		return "initializing"
	case StatusInitialized:
		return "initialized"
	case StatusEnding:
		return "ending"
	case StatusEnded:
		return "ended"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// ParseStatus converts a string to Status. Unknown strings map to
// StatusUninitialized.
func ParseStatus(s string) Status {
	switch s {
	case "initializing":
		return StatusInitializing
	case "initialized", "ready":
		return StatusInitialized
	case "ending":
		return StatusEnding
	case "ended":
		return StatusEnded
	default:
		return StatusUninitialized
	}
}

// IsTerminal returns true for Ended.
func (s Status) IsTerminal() bool {
	return s == StatusEnded
}

// IsReady returns true if the component is initialized.
func (s Status) IsReady() bool {
	return s == StatusInitialized
}

// CanInitialize returns true if initialize may start from this status.
func (s Status) CanInitialize() bool {
	return s == StatusUninitialized
}

// CanEnd returns true if end has work to do from this status.
func (s Status) CanEnd() bool {
	return s == StatusInitialized
}

// ValidTransitions defines allowed state transitions.
var ValidTransitions = map[Status][]Status{
	StatusUninitialized: {StatusInitializing},
	StatusInitializing:  {StatusInitialized, StatusUninitialized},
	StatusInitialized:   {StatusEnding},
	StatusEnding:        {StatusEnded},
	StatusEnded:         {},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to Status) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid state transition.
type TransitionError struct {
	From Status
	To   Status
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(from, to Status) TransitionError {
	return TransitionError{From: from, To: to}
}
