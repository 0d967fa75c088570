package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/shan-hee/EasySSH-sub011/internal/remote"
)

// PendingResult completes a pending connection: either a registered session
// id or the reason the connect failed.
type PendingResult struct {
	SessionID string
	Err       error
}

// PendingConn is a transient record for an outbound connect request that the
// remote endpoint has not yet confirmed. It is destroyed on confirmation,
// rejection, or timeout.
type PendingConn struct {
	CorrelationID string
	Config        remote.Config
	CreatedAt     time.Time

	once sync.Once
	done chan PendingResult
}

// Done returns a channel that receives exactly one PendingResult.
func (p *PendingConn) Done() <-chan PendingResult {
	return p.done
}

func (p *PendingConn) complete(res PendingResult) {
	p.once.Do(func() {
		p.done <- res
		close(p.done)
	})
}

// PendingSet tracks pending connection records by correlation id.
type PendingSet struct {
	mu      sync.Mutex
	pending map[string]*PendingConn
}

// NewPendingSet creates an empty pending set.
func NewPendingSet() *PendingSet {
	return &PendingSet{pending: make(map[string]*PendingConn)}
}

// Add creates a pending record for a connect request.
func (ps *PendingSet) Add(correlationID string, cfg remote.Config) (*PendingConn, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, exists := ps.pending[correlationID]; exists {
		return nil, fmt.Errorf("pending connect %q already exists", correlationID)
	}

	p := &PendingConn{
		CorrelationID: correlationID,
		Config:        cfg,
		CreatedAt:     time.Now(),
		done:          make(chan PendingResult, 1),
	}
	ps.pending[correlationID] = p
	return p, nil
}

// Resolve completes a pending connect with a registered session id and
// removes the record.
func (ps *PendingSet) Resolve(correlationID, sessionID string) bool {
	p := ps.take(correlationID)
	if p == nil {
		return false
	}
	p.complete(PendingResult{SessionID: sessionID})
	return true
}

// Reject completes a pending connect with an error and removes the record.
func (ps *PendingSet) Reject(correlationID string, err error) bool {
	p := ps.take(correlationID)
	if p == nil {
		return false
	}
	p.complete(PendingResult{Err: err})
	return true
}

// ExpireStale rejects all pending connects older than maxAge with a timeout
// error and returns how many were expired.
func (ps *PendingSet) ExpireStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	ps.mu.Lock()
	var expired []*PendingConn
	for id, p := range ps.pending {
		if p.CreatedAt.Before(cutoff) {
			expired = append(expired, p)
			delete(ps.pending, id)
		}
	}
	ps.mu.Unlock()

	for _, p := range expired {
		p.complete(PendingResult{Err: fmt.Errorf("connect %q timed out", p.CorrelationID)})
	}
	return len(expired)
}

// Count returns the number of pending records.
func (ps *PendingSet) Count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}

func (ps *PendingSet) take(correlationID string) *PendingConn {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p := ps.pending[correlationID]
	delete(ps.pending, correlationID)
	return p
}
