package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shan-hee/EasySSH-sub011/internal/protocol"
	"github.com/shan-hee/EasySSH-sub011/internal/remote"
)

// fakeTransport collects written messages in memory.
type fakeTransport struct {
	mu     sync.Mutex
	wrote  [][]byte
	closed bool
}

func (f *fakeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeTransport) WriteMessage(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.wrote = append(f.wrote, cp)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) frames(t *testing.T) []*protocol.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Frame, 0, len(f.wrote))
	for _, buf := range f.wrote {
		fr, err := protocol.Decode(buf)
		if err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		out = append(out, fr)
	}
	return out
}

func testConfig() remote.Config {
	return remote.Config{Host: "10.0.0.5", Port: 22, Username: "root", AuthMode: "password"}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	s, err := r.Register("sess-1", testConfig(), &fakeTransport{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if s.State() != StateConnecting {
		t.Errorf("initial state = %v, want connecting", s.State())
	}
	if got := r.Get("sess-1"); got != s {
		t.Error("Get returned a different session")
	}
	if _, err := r.Register("sess-1", testConfig(), &fakeTransport{}); err == nil {
		t.Error("duplicate Register should fail")
	}
	if r.Get("missing") != nil {
		t.Error("Get of unknown id should be nil")
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from State
		to   State
		ok   bool
	}{
		{StateConnecting, StateAuthenticating, true},
		{StateAuthenticating, StateConnected, true},
		{StateConnected, StateReconnecting, true},
		{StateReconnecting, StateConnected, true}, // the only two-way edge
		{StateConnected, StateDisconnecting, true},
		{StateDisconnecting, StateDisconnected, true},
		{StateDisconnected, StateClosed, true},
		{StateError, StateClosed, true},
		{StateClosed, StateConnected, false},
		{StateDisconnected, StateConnected, false},
		{StateConnected, StateConnecting, false},
		{StateCancelled, StateConnected, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestTransitionValidation(t *testing.T) {
	r := NewRegistry()
	r.Register("s", testConfig(), &fakeTransport{})

	if err := r.Transition("s", StateAuthenticating, "creds received"); err != nil {
		t.Fatalf("legal transition: %v", err)
	}
	if err := r.Transition("s", StateConnecting, "backwards"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("illegal transition error = %v, want ErrInvalidTransition", err)
	}
	// Same-state transition is a no-op, not an error
	if err := r.Transition("s", StateAuthenticating, "again"); err != nil {
		t.Errorf("same-state transition: %v", err)
	}
	if err := r.Transition("missing", StateConnected, ""); err == nil {
		t.Error("transition on unknown session should fail")
	}
}

func TestTransitionResetsRetryAndFiresCallbacks(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Register("s", testConfig(), &fakeTransport{})

	var mu sync.Mutex
	var seen []State
	r.OnStateChange(func(_ *Session, _, to State, _ string) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	r.Transition("s", StateAuthenticating, "")
	r.Transition("s", StateConnected, "")
	r.Transition("s", StateReconnecting, "ping timeout")
	s.IncrementRetry()
	s.IncrementRetry()
	if s.RetryCount() != 2 {
		t.Fatalf("RetryCount = %d, want 2", s.RetryCount())
	}
	r.Transition("s", StateConnected, "reconnected")
	if s.RetryCount() != 0 {
		t.Errorf("RetryCount after connected = %d, want 0", s.RetryCount())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateAuthenticating, StateConnected, StateReconnecting, StateConnected}
	if len(seen) != len(want) {
		t.Fatalf("callbacks fired %d times, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("callback %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestTransitionHistory(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Register("s", testConfig(), &fakeTransport{})
	r.Transition("s", StateAuthenticating, "r1")
	r.Transition("s", StateConnected, "r2")

	hist := s.Transitions()
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].From != StateConnecting || hist[0].To != StateAuthenticating {
		t.Errorf("history[0] = %+v", hist[0])
	}
	if hist[1].Reason != "r2" {
		t.Errorf("history[1].Reason = %q, want r2", hist[1].Reason)
	}
}

func TestReplaceTransportDiscardsStaleWrites(t *testing.T) {
	r := NewRegistry()
	oldT := &fakeTransport{}
	s, _ := r.Register("s", testConfig(), oldT)

	gen := s.Generation()
	newT := &fakeTransport{}
	newGen, err := r.ReplaceTransport("s", newT)
	if err != nil {
		t.Fatalf("ReplaceTransport: %v", err)
	}
	if newGen == gen {
		t.Fatal("generation did not advance")
	}
	if !oldT.closed {
		t.Error("old transport was not closed")
	}

	// Writer pinned to the superseded generation is discarded
	err = s.WriteFrameGen(context.Background(), gen, protocol.MsgData, nil, []byte("stale"))
	if !errors.Is(err, ErrStaleTransport) {
		t.Errorf("stale write error = %v, want ErrStaleTransport", err)
	}
	if len(newT.frames(t)) != 0 {
		t.Error("stale frame reached the new transport")
	}

	// Writer on the current generation goes through
	if err := s.WriteFrameGen(context.Background(), newGen, protocol.MsgData, nil, []byte("fresh")); err != nil {
		t.Fatalf("fresh write: %v", err)
	}
	frames := newT.frames(t)
	if len(frames) != 1 || string(frames[0].Payload) != "fresh" {
		t.Errorf("new transport frames = %d", len(frames))
	}
}

func TestAckCounterMonotonic(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Register("s", testConfig(), &fakeTransport{})

	if got := s.AdvanceAck(100); got != 100 {
		t.Errorf("AdvanceAck(100) = %d", got)
	}
	// A smaller ack never regresses the counter
	if got := s.AdvanceAck(50); got != 100 {
		t.Errorf("AdvanceAck(50) = %d, want 100", got)
	}
	if got := s.AdvanceAck(250); got != 250 {
		t.Errorf("AdvanceAck(250) = %d", got)
	}
}

func TestLatencyStats(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Register("s", testConfig(), &fakeTransport{})

	s.RecordRTT(10 * time.Millisecond)
	s.RecordRTT(30 * time.Millisecond)
	s.RecordRTT(20 * time.Millisecond)

	ls := s.Latency()
	if ls.Samples != 3 {
		t.Errorf("Samples = %d, want 3", ls.Samples)
	}
	if ls.MinRTT != 10*time.Millisecond {
		t.Errorf("MinRTT = %v", ls.MinRTT)
	}
	if ls.MaxRTT != 30*time.Millisecond {
		t.Errorf("MaxRTT = %v", ls.MaxRTT)
	}
	if ls.AvgRTT != 20*time.Millisecond {
		t.Errorf("AvgRTT = %v", ls.AvgRTT)
	}
	if ls.LastRTT != 20*time.Millisecond {
		t.Errorf("LastRTT = %v", ls.LastRTT)
	}
}

func TestCleanupIdle(t *testing.T) {
	r := NewRegistry()
	r.Register("live", testConfig(), &fakeTransport{})
	s, _ := r.Register("dead", testConfig(), &fakeTransport{})
	r.Transition("dead", StateError, "boom")

	// Backdate the dead session's activity
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	if n := r.CleanupIdle(30 * time.Minute); n != 1 {
		t.Fatalf("CleanupIdle = %d, want 1", n)
	}
	if r.Get("dead") != nil {
		t.Error("dead session still registered")
	}
	if r.Get("live") == nil {
		t.Error("live session was removed")
	}
}

func TestCleanupIdleSweepsAbandonedReconnecting(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Register("gone", testConfig(), &fakeTransport{})
	r.Transition("gone", StateConnected, "")
	r.Transition("gone", StateReconnecting, "transport lost")

	// Client never came back
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	if n := r.CleanupIdle(30 * time.Minute); n != 1 {
		t.Fatalf("CleanupIdle = %d, want 1", n)
	}
	if r.Get("gone") != nil {
		t.Error("abandoned reconnecting session still registered")
	}
}

func TestPendingSet(t *testing.T) {
	ps := NewPendingSet()
	p, err := ps.Add("corr-1", testConfig())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := ps.Add("corr-1", testConfig()); err == nil {
		t.Error("duplicate Add should fail")
	}

	if !ps.Resolve("corr-1", "sess-9") {
		t.Fatal("Resolve returned false")
	}
	res := <-p.Done()
	if res.Err != nil || res.SessionID != "sess-9" {
		t.Errorf("result = %+v", res)
	}
	// Record is destroyed on completion
	if ps.Resolve("corr-1", "x") {
		t.Error("second Resolve should be a no-op")
	}

	p2, _ := ps.Add("corr-2", testConfig())
	if !ps.Reject("corr-2", errors.New("auth failed")) {
		t.Fatal("Reject returned false")
	}
	if res := <-p2.Done(); res.Err == nil {
		t.Error("expected rejection error")
	}
}

func TestPendingExpireStale(t *testing.T) {
	ps := NewPendingSet()
	p, _ := ps.Add("old", testConfig())
	p.CreatedAt = time.Now().Add(-time.Hour)
	ps.Add("new", testConfig())

	if n := ps.ExpireStale(time.Minute); n != 1 {
		t.Fatalf("ExpireStale = %d, want 1", n)
	}
	if res := <-p.Done(); res.Err == nil {
		t.Error("expired pending should carry a timeout error")
	}
	if ps.Count() != 1 {
		t.Errorf("Count = %d, want 1", ps.Count())
	}
}
