// state.go defines the connection-state machine for relay sessions.
//
// Transitions are validated against an explicit edge table; the only two-way
// edge is connected <-> reconnecting. Every transition is recorded in a
// per-session ring buffer (50 entries) for diagnostics.

package session

import (
	"errors"
	"time"
)

// State is the connection state of a session.
type State string

const (
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
	StateDisconnecting  State = "disconnecting"
	StateDisconnected   State = "disconnected"
	StateCancelled      State = "cancelled"
	StateClosed         State = "closed"
	StateError          State = "error"
)

// ErrInvalidTransition is returned by Registry.Transition for an edge not in
// the table.
var ErrInvalidTransition = errors.New("invalid state transition")

// legalTransitions is the full edge table. A state not present (closed) is
// terminal.
var legalTransitions = map[State][]State{
	StateConnecting:     {StateAuthenticating, StateConnected, StateError, StateCancelled, StateDisconnected},
	StateAuthenticating: {StateConnected, StateError, StateCancelled, StateDisconnected},
	StateConnected:      {StateReconnecting, StateDisconnecting, StateDisconnected, StateError, StateClosed},
	StateReconnecting:   {StateConnected, StateError, StateDisconnecting, StateDisconnected, StateCancelled},
	StateDisconnecting:  {StateDisconnected, StateClosed, StateError},
	StateDisconnected:   {StateClosed},
	StateCancelled:      {StateClosed},
	StateError:          {StateClosed},
}

// CanTransitionTo reports whether s -> to is a legal edge.
func (s State) CanTransitionTo(to State) bool {
	for _, next := range legalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions except closed.
func (s State) Terminal() bool {
	return s == StateClosed
}

// transitionBufferSize is the maximum number of state transitions stored per
// session for diagnostics.
const transitionBufferSize = 50

// Transition records a single state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// transitionLog is a fixed-size ring buffer of state transitions.
type transitionLog struct {
	entries [transitionBufferSize]Transition
	head    int // next write position
	count   int // capped at buffer size for reads
}

func (l *transitionLog) record(from, to State, reason string) {
	l.entries[l.head] = Transition{From: from, To: to, Timestamp: time.Now(), Reason: reason}
	l.head = (l.head + 1) % transitionBufferSize
	if l.count < transitionBufferSize {
		l.count++
	}
}

// history returns the transitions in chronological order.
func (l *transitionLog) history() []Transition {
	if l.count == 0 {
		return nil
	}

	result := make([]Transition, l.count)
	if l.count < transitionBufferSize {
		copy(result, l.entries[:l.count])
	} else {
		// Buffer is full; head is the oldest entry.
		n := copy(result, l.entries[l.head:])
		copy(result[n:], l.entries[:l.head])
	}
	return result
}
