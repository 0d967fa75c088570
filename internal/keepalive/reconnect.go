package keepalive

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shan-hee/EasySSH-sub011/internal/metrics"
	"github.com/shan-hee/EasySSH-sub011/internal/session"
)

// Reconnection defaults. Package-level vars so tests can override.
var (
	reconnectDefaultBaseDelay = 2 * time.Second
	reconnectDefaultAttempts  = 5
)

// AttemptFunc dials the remote endpoint once. On success it must leave the
// session ready for the connected state.
type AttemptFunc func(ctx context.Context, attempt int) error

// Reconnector re-establishes remote endpoint connections with bounded linear
// backoff: attempt n waits baseDelay * n before dialing. After maxAttempts
// failures the session moves to the error state and no further attempt is
// scheduled.
type Reconnector struct {
	registry    *session.Registry
	maxAttempts int
	baseDelay   time.Duration
	collector   *metrics.RelayCollector // optional

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc

	// wait is swapped out in tests to skip real delays.
	wait func(ctx context.Context, d time.Duration) error
}

// NewReconnector creates a reconnector. maxAttempts < 1 and baseDelay <= 0
// fall back to the package defaults.
func NewReconnector(registry *session.Registry, maxAttempts int, baseDelay time.Duration, collector *metrics.RelayCollector) *Reconnector {
	if maxAttempts < 1 {
		maxAttempts = reconnectDefaultAttempts
	}
	if baseDelay <= 0 {
		baseDelay = reconnectDefaultBaseDelay
	}
	return &Reconnector{
		registry:    registry,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		collector:   collector,
		inFlight:    make(map[string]context.CancelFunc),
		wait:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Trigger starts an asynchronous reconnection for a session. It returns
// immediately; duplicate triggers while one is in flight are dropped.
func (r *Reconnector) Trigger(sessionID, reason string, attempt AttemptFunc) {
	r.mu.Lock()
	if _, running := r.inFlight[sessionID]; running {
		r.mu.Unlock()
		log.Printf("[reconnect] session %s: reconnection already in progress, skipping", sessionID)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.inFlight[sessionID] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, sessionID)
			r.mu.Unlock()
		}()
		if err := r.Run(ctx, sessionID, reason, attempt); err != nil {
			log.Printf("[reconnect] session %s: %v", sessionID, err)
		}
	}()
}

// Cancel aborts an in-flight reconnection for a session, if any.
func (r *Reconnector) Cancel(sessionID string) {
	r.mu.Lock()
	cancel := r.inFlight[sessionID]
	delete(r.inFlight, sessionID)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// CancelAll aborts every in-flight reconnection.
func (r *Reconnector) CancelAll() {
	r.mu.Lock()
	for id, cancel := range r.inFlight {
		cancel()
		delete(r.inFlight, id)
	}
	r.mu.Unlock()
}

// Run performs the reconnection loop synchronously. It moves the session to
// reconnecting, dials up to maxAttempts times with linear backoff, and
// commits connected on success or error on exhaustion.
func (r *Reconnector) Run(ctx context.Context, sessionID, reason string, attempt AttemptFunc) error {
	sess := r.registry.Get(sessionID)
	if sess == nil {
		return fmt.Errorf("session %q not found", sessionID)
	}

	if err := r.registry.Transition(sessionID, session.StateReconnecting, reason); err != nil {
		return fmt.Errorf("enter reconnecting: %w", err)
	}

	var lastErr error
	for n := 1; n <= r.maxAttempts; n++ {
		if err := r.wait(ctx, time.Duration(n)*r.baseDelay); err != nil {
			return err
		}

		sess.IncrementRetry()
		if r.collector != nil {
			r.collector.ReconnectAttempt()
		}
		log.Printf("[reconnect] session %s: attempt %d/%d (%s)", sessionID, n, r.maxAttempts, reason)

		if err := attempt(ctx, n); err != nil {
			lastErr = err
			log.Printf("[reconnect] session %s: attempt %d failed: %v", sessionID, n, err)
			continue
		}

		if err := r.registry.Transition(sessionID, session.StateConnected, fmt.Sprintf("reconnected after %d attempt(s)", n)); err != nil {
			return fmt.Errorf("commit connected: %w", err)
		}
		return nil
	}

	detail := fmt.Sprintf("gave up after %d attempts: %v", r.maxAttempts, lastErr)
	if err := r.registry.Transition(sessionID, session.StateError, detail); err != nil {
		return fmt.Errorf("commit error state: %w", err)
	}
	return fmt.Errorf("reconnect failed after %d attempts: %w", r.maxAttempts, lastErr)
}
