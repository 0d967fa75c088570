// Package session owns per-session state for the relay: the connection-state
// machine, the single live transport per session, latency statistics, and the
// registry that is the only process-wide shared mutable state.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shan-hee/EasySSH-sub011/internal/protocol"
	"github.com/shan-hee/EasySSH-sub011/internal/remote"
)

// Transport is one bidirectional byte stream to the client. The relay wraps
// a WebSocket connection; tests use in-memory pipes.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// ErrStaleTransport is returned when a write names a transport generation
// that has been superseded by a reconnect. Frames from superseded transports
// are discarded, never delivered.
var ErrStaleTransport = errors.New("stale transport generation")

// LatencyStats aggregates keepalive round-trip measurements for a session.
type LatencyStats struct {
	LastRTT time.Duration
	MinRTT  time.Duration
	MaxRTT  time.Duration
	AvgRTT  time.Duration
	Samples uint64
}

func (ls *LatencyStats) record(rtt time.Duration) {
	ls.LastRTT = rtt
	if ls.Samples == 0 || rtt < ls.MinRTT {
		ls.MinRTT = rtt
	}
	if rtt > ls.MaxRTT {
		ls.MaxRTT = rtt
	}
	// Cumulative average keeps the math simple; sample counts are small.
	total := time.Duration(ls.Samples)*ls.AvgRTT + rtt
	ls.Samples++
	ls.AvgRTT = total / time.Duration(ls.Samples)
}

// Session is one logical client-to-endpoint relationship. It survives
// transport reconnections: ReplaceTransport bumps the generation and writes
// pinned to an older generation fail with ErrStaleTransport.
type Session struct {
	ID        string
	Config    remote.Config
	CreatedAt time.Time

	mu           sync.Mutex
	transport    Transport
	generation   uint64
	state        State
	transitions  transitionLog
	lastActivity time.Time
	retryCount   int
	latency      LatencyStats
	ackCounter   uint64 // cumulative acked shell bytes, monotonic

	// writeMu serializes all frame writes onto the transport so concurrent
	// components never interleave mid-frame.
	writeMu sync.Mutex
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transitions returns the recorded state transition history, oldest first.
func (s *Session) Transitions() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitions.history()
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last inbound frame or state change.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// RetryCount returns the current reconnection attempt counter.
func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// IncrementRetry bumps the reconnection counter and returns the new value.
func (s *Session) IncrementRetry() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount++
	return s.retryCount
}

// RecordRTT folds one round-trip measurement into the latency statistics.
func (s *Session) RecordRTT(rtt time.Duration) {
	s.mu.Lock()
	s.latency.record(rtt)
	s.mu.Unlock()
}

// Latency returns a snapshot of the latency statistics.
func (s *Session) Latency() LatencyStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

// Generation returns the current transport generation. Components writing on
// behalf of a particular transport capture this and pass it to WriteFrameGen.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// ReplaceTransport atomically supersedes the current transport. The old
// transport is closed; any writer still holding the old generation gets
// ErrStaleTransport on its next write. Returns the new generation.
func (s *Session) ReplaceTransport(t Transport) uint64 {
	s.mu.Lock()
	old := s.transport
	s.transport = t
	s.generation++
	gen := s.generation
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return gen
}

// AdvanceAck advances the cumulative shell ack counter to n. The counter is
// monotonic: a smaller value is ignored and the current value returned.
func (s *Session) AdvanceAck(n uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.ackCounter {
		s.ackCounter = n
	}
	return s.ackCounter
}

// AckCounter returns the cumulative shell ack counter.
func (s *Session) AckCounter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackCounter
}

// WriteFrame encodes and writes a frame on the current transport, whatever
// its generation. Used for control traffic tied to the session, not to a
// particular transport.
func (s *Session) WriteFrame(ctx context.Context, t protocol.MessageType, header any, payload []byte) error {
	return s.writeFrame(ctx, 0, false, t, header, payload)
}

// WriteFrameGen is WriteFrame pinned to a transport generation. It returns
// ErrStaleTransport without writing if gen has been superseded.
func (s *Session) WriteFrameGen(ctx context.Context, gen uint64, t protocol.MessageType, header any, payload []byte) error {
	return s.writeFrame(ctx, gen, true, t, header, payload)
}

func (s *Session) writeFrame(ctx context.Context, gen uint64, pinned bool, t protocol.MessageType, header any, payload []byte) error {
	block, err := protocol.MarshalHeader(header)
	if err != nil {
		return err
	}
	buf, err := protocol.Encode(t, s.ID, block, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	transport := s.transport
	current := s.generation
	s.mu.Unlock()

	if transport == nil {
		return ErrStaleTransport
	}
	if pinned && gen != current {
		return ErrStaleTransport
	}

	return transport.WriteMessage(ctx, buf)
}

// CloseTransport closes the live transport, if any.
func (s *Session) CloseTransport() {
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	if t != nil {
		t.Close()
	}
}
