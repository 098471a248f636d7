// Package settlement provides the transition table shared by every
// status-driven settlement flow (lab orders, genetic-analysis orders,
// subscriptions).
//
// A Machine only answers "may this event move status X to status Y". Side
// effects (escrow deposits, releases, burns) belong to the caller, which must
// perform them before persisting the new status.
package settlement

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an event is not permitted from the
// current status.
var ErrInvalidTransition = errors.New("invalid state transition")

// Event names a transition trigger.
type Event string

// Transition allows Event to move any status in From to To.
type Transition[S ~string] struct {
	From  []S
	Event Event
	To    S
}

// Machine is an immutable transition table.
type Machine[S ~string] struct {
	name     string
	table    map[Event]map[S]S
	terminal map[S]bool
}

// NewMachine builds a machine. Terminal statuses accept no events even if a
// transition lists them as a source.
func NewMachine[S ~string](name string, transitions []Transition[S], terminal ...S) *Machine[S] {
	m := &Machine[S]{
		name:     name,
		table:    make(map[Event]map[S]S),
		terminal: make(map[S]bool, len(terminal)),
	}
	for _, s := range terminal {
		m.terminal[s] = true
	}
	for _, t := range transitions {
		byFrom, ok := m.table[t.Event]
		if !ok {
			byFrom = make(map[S]S)
			m.table[t.Event] = byFrom
		}
		for _, from := range t.From {
			if m.terminal[from] {
				panic(fmt.Sprintf("settlement: %s transition %q leaves terminal status %q", name, t.Event, from))
			}
			byFrom[from] = t.To
		}
	}
	return m
}

// Fire returns the status reached by applying event to current.
func (m *Machine[S]) Fire(current S, event Event) (S, error) {
	if to, ok := m.table[event][current]; ok {
		return to, nil
	}
	return current, &TransitionError{Machine: m.name, From: string(current), Event: event}
}

// IsTerminal reports whether s accepts no further events.
func (m *Machine[S]) IsTerminal(s S) bool {
	return m.terminal[s]
}

// TransitionError describes a rejected transition. It matches
// ErrInvalidTransition under errors.Is.
type TransitionError struct {
	Machine string
	From    string
	Event   Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s not permitted from %q", e.Machine, e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
