package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shan-hee/EasySSH-sub011/internal/remote"
)

// StateChangeCallback is invoked on every successful state transition.
// Callbacks run synchronously after the registry lock is released;
// long-running handlers should spawn goroutines.
type StateChangeCallback func(s *Session, from, to State, reason string)

// Registry tracks all live sessions. It is the only process-wide shared
// mutable state; all mutation goes through Register/Transition/Remove, which
// are safe under concurrent access from session workers and timers.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	callbacks []StateChangeCallback
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// OnStateChange registers a callback for state transitions.
func (r *Registry) OnStateChange(cb StateChangeCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Register creates a session in the connecting state with the given transport.
func (r *Registry) Register(sessionID string, cfg remote.Config, transport Transport) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; exists {
		return nil, fmt.Errorf("session %q already registered", sessionID)
	}

	now := time.Now()
	s := &Session{
		ID:           sessionID,
		Config:       cfg,
		CreatedAt:    now,
		transport:    transport,
		generation:   1,
		state:        StateConnecting,
		lastActivity: now,
	}
	r.sessions[sessionID] = s
	log.Printf("[registry] registered session %s (%s@%s)", sessionID, cfg.Username, cfg.Addr())
	return s, nil
}

// Get returns the session for an id, or nil.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// All returns a snapshot of every registered session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

// ReplaceTransport supersedes the session's transport for reconnection.
// Frames still in flight on the old transport are discarded by the
// generation check in WriteFrameGen.
func (r *Registry) ReplaceTransport(sessionID string, transport Transport) (uint64, error) {
	s := r.Get(sessionID)
	if s == nil {
		return 0, fmt.Errorf("session %q not found", sessionID)
	}
	gen := s.ReplaceTransport(transport)
	log.Printf("[registry] session %s transport replaced (generation %d)", sessionID, gen)
	return gen, nil
}

// Transition moves a session to a new state, validating the edge against the
// state table. Entering connected resets the retry counter. Registered
// callbacks fire after the transition commits; teardown of transfer
// operations and the shell bridge on error/disconnected is wired up as a
// callback by the relay.
func (r *Registry) Transition(sessionID string, to State, reason string) error {
	s := r.Get(sessionID)
	if s == nil {
		return fmt.Errorf("session %q not found", sessionID)
	}

	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return nil
	}
	if !from.CanTransitionTo(to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	s.transitions.record(from, to, reason)
	s.lastActivity = time.Now()
	if to == StateConnected {
		s.retryCount = 0
	}
	s.mu.Unlock()

	log.Printf("[registry] session %s: %s -> %s (%s)", sessionID, from, to, reason)

	r.mu.RLock()
	cbs := make([]StateChangeCallback, len(r.callbacks))
	copy(cbs, r.callbacks)
	r.mu.RUnlock()

	for _, cb := range cbs {
		cb(s, from, to, reason)
	}
	return nil
}

// Remove deletes a session from the registry and closes its transport.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if ok {
		s.CloseTransport()
		log.Printf("[registry] removed session %s", sessionID)
	}
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CleanupIdle removes sessions that have been inactive longer than timeout
// and are terminal, disconnected, or stuck reconnecting with no client
// coming back. Called periodically from the cron sweep.
func (r *Registry) CleanupIdle(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		state := s.State()
		switch state {
		case StateDisconnected, StateClosed, StateCancelled, StateError, StateReconnecting:
			if s.LastActivity().Before(cutoff) {
				stale = append(stale, id)
			}
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		log.Printf("[registry] cleaning up idle session %s", id)
		r.Remove(id)
	}
	return len(stale)
}
