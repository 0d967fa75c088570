// Package faults classifies errors crossing the relay's component boundaries
// and tracks repeated failures per session.
//
// Errors local to one transfer operation terminate only that operation;
// errors on the shell bridge or transport escalate to a session state
// transition. Classification buckets transport failures by matching known
// error patterns (reset, timeout, closed) so the client receives a stable
// error kind rather than a raw Go error string.
package faults

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Kind is the coarse error category surfaced to clients.
type Kind string

const (
	KindConnection Kind = "connection_error"
	KindValidation Kind = "validation_error"
	KindTimeout    Kind = "timeout_error"
	KindSystem     Kind = "system_error"
	KindUnknown    Kind = "unknown_error"
)

// connectionPatterns are substrings that identify transport and remote
// endpoint failures in error strings from the ssh and websocket layers.
var connectionPatterns = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"use of closed network connection",
	"ssh: disconnect",
	"ssh: handshake failed",
	"websocket: close",
	"session channel closed",
	"no route to host",
}

// ErrValidation marks malformed request parameters. Wrap with fmt.Errorf and
// %w so Classify can recognize it.
var ErrValidation = errors.New("validation error")

// Classify maps an error to its Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, ErrValidation) {
		return KindValidation
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return KindConnection
	}

	msg := strings.ToLower(err.Error())
	for _, p := range connectionPatterns {
		if strings.Contains(msg, p) {
			return KindConnection
		}
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return KindTimeout
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
		return KindSystem
	}
	if strings.Contains(msg, "permission denied") || strings.Contains(msg, "no such file") {
		return KindSystem
	}

	return KindUnknown
}

// Counter tracks failures per component within a sliding window. Once a
// component reaches the threshold inside the window, further automatic retry
// is suppressed and the failure must be surfaced as fatal.
type Counter struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	failures  map[string][]time.Time // component -> failure timestamps
	now       func() time.Time       // overridable for tests
}

// NewCounter creates a failure counter. threshold <= 0 disables suppression.
func NewCounter(threshold int, window time.Duration) *Counter {
	return &Counter{
		threshold: threshold,
		window:    window,
		failures:  make(map[string][]time.Time),
		now:       time.Now,
	}
}

// Record registers a failure for a component and reports whether automatic
// retry is now suppressed for it.
func (c *Counter) Record(component string) bool {
	if c.threshold <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.failures[component] = append(c.prune(component, now), now)
	return len(c.failures[component]) >= c.threshold
}

// Suppressed reports whether a component has exceeded the failure threshold
// within the window.
func (c *Counter) Suppressed(component string) bool {
	if c.threshold <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pruned := c.prune(component, c.now())
	c.failures[component] = pruned
	return len(pruned) >= c.threshold
}

// Reset clears the failure history for a component, re-enabling retry.
func (c *Counter) Reset(component string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, component)
}

// prune drops failures older than the window. Caller must hold c.mu.
func (c *Counter) prune(component string, now time.Time) []time.Time {
	cutoff := now.Add(-c.window)
	kept := c.failures[component][:0]
	for _, ts := range c.failures[component] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
