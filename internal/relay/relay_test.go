package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/shan-hee/EasySSH-sub011/internal/protocol"
	"github.com/shan-hee/EasySSH-sub011/internal/remote"
	"github.com/shan-hee/EasySSH-sub011/internal/session"
)

// scriptTransport is an in-memory session.Transport driven by the test.
type scriptTransport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	out []*protocol.Frame
}

func newScriptTransport() *scriptTransport {
	return &scriptTransport{
		in:     make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (t *scriptTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *scriptTransport) WriteMessage(_ context.Context, data []byte) error {
	select {
	case <-t.closed:
		return net.ErrClosed
	default:
	}
	f, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.out = append(t.out, f)
	t.mu.Unlock()
	return nil
}

func (t *scriptTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *scriptTransport) ofType(mt protocol.MessageType) []*protocol.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*protocol.Frame
	for _, f := range t.out {
		if f.Type == mt {
			out = append(out, f)
		}
	}
	return out
}

// send encodes a frame and queues it as client input.
func (t *scriptTransport) send(tb testing.TB, mt protocol.MessageType, sessionID string, header any, payload []byte) {
	tb.Helper()
	block, err := protocol.MarshalHeader(header)
	if err != nil {
		tb.Fatalf("marshal header: %v", err)
	}
	buf, err := protocol.Encode(mt, sessionID, block, payload)
	if err != nil {
		tb.Fatalf("encode frame: %v", err)
	}
	t.in <- buf
}

// fakeCloser records policy-violation closes.
type fakeCloser struct {
	mu     sync.Mutex
	code   websocket.StatusCode
	reason string
	called bool
}

func (c *fakeCloser) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.called = true
	c.code = code
	c.reason = reason
	return nil
}

// fakeShell queues output chunks and records stdin and resizes.
type fakeShell struct {
	mu      sync.Mutex
	chunks  [][]byte
	stdin   bytes.Buffer
	resizes [][2]uint16
	closed  bool
	more    chan struct{}
}

func newFakeShell() *fakeShell {
	return &fakeShell{more: make(chan struct{}, 1)}
}

func (s *fakeShell) emit(data []byte) {
	s.mu.Lock()
	s.chunks = append(s.chunks, data)
	s.mu.Unlock()
	select {
	case s.more <- struct{}{}:
	default:
	}
}

func (s *fakeShell) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if len(s.chunks) > 0 {
			chunk := s.chunks[0]
			s.chunks = s.chunks[1:]
			s.mu.Unlock()
			return copy(p, chunk), nil
		}
		if s.closed {
			s.mu.Unlock()
			return 0, io.EOF
		}
		s.mu.Unlock()
		<-s.more
	}
}

func (s *fakeShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.stdin.Write(p)
}

func (s *fakeShell) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizes = append(s.resizes, [2]uint16{cols, rows})
	return nil
}

func (s *fakeShell) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.more <- struct{}{}:
	default:
	}
	return nil
}

// fakeEndpoint hands out a fresh fake shell per StartShell and records
// teardown.
type fakeEndpoint struct {
	mu     sync.Mutex
	shells []*fakeShell
	closed bool
}

func (e *fakeEndpoint) StartShell(context.Context, int, int) (remote.ShellSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sh := newFakeShell()
	e.shells = append(e.shells, sh)
	return sh, nil
}

// shell returns the most recently started shell.
func (e *fakeEndpoint) shell() *fakeShell {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shells[len(e.shells)-1]
}

func (e *fakeEndpoint) Exec(_ context.Context, command string) ([]byte, error) {
	return []byte("exec: " + command), nil
}

func (e *fakeEndpoint) Files() (remote.FileClient, error) {
	return nil, errors.New("sftp subsystem unavailable")
}

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// fakeDialer returns a fresh fake endpoint per dial, or a fixed error.
type fakeDialer struct {
	mu    sync.Mutex
	err   error
	dials int
	last  *fakeEndpoint
}

func (d *fakeDialer) Dial(context.Context, remote.Config) (remote.Endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	d.last = &fakeEndpoint{}
	return d.last, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testOptions() Options {
	return Options{
		ConnectTimeout:       time.Second,
		ShellWatermark:       1 << 20,
		TransferChunkSize:    4096,
		FolderChunkSize:      8192,
		PingInterval:         time.Hour, // keepalive quiet during tests
		PingTimeoutMultiple:  3,
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   time.Millisecond,
		ReattachTimeout:      time.Minute,
		FailureThreshold:     5,
		FailureWindow:        time.Minute,
		MessageRateLimit:     1000,
	}
}

func poll(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// connect drives the handshake/connect flow and returns the transport, the
// session id, and a channel closed when the connection goroutine exits.
func connect(t *testing.T, s *Server) (*scriptTransport, string, chan struct{}) {
	t.Helper()
	tr := newScriptTransport()
	done := make(chan struct{})
	go func() {
		s.runNewSession(context.Background(), tr, &fakeCloser{})
		close(done)
	}()

	tr.send(t, protocol.MsgHandshake, "", nil, nil)
	poll(t, "handshake reply", func() bool { return len(tr.ofType(protocol.MsgHandshake)) == 1 })

	tr.send(t, protocol.MsgConnect, "", protocol.ConnectHeader{
		CorrelationID: "corr-1",
		Host:          "remote.example",
		Port:          22,
		Username:      "deploy",
		AuthMode:      "password",
		Password:      "secret",
		Cols:          120,
		Rows:          40,
	}, nil)
	poll(t, "connected frame", func() bool { return len(tr.ofType(protocol.MsgConnected)) == 1 })

	var reg protocol.RegisteredHeader
	if err := protocol.UnmarshalHeader(tr.ofType(protocol.MsgConnected)[0].Header, &reg); err != nil {
		t.Fatalf("decode connected header: %v", err)
	}
	if reg.SessionID == "" {
		t.Fatal("connected frame missing session id")
	}
	return tr, reg.SessionID, done
}

func TestConnectFlowEstablishesSession(t *testing.T) {
	reg := session.NewRegistry()
	d := &fakeDialer{}
	s := NewServer(reg, d, nil, testOptions())

	tr, sid, done := connect(t, s)

	regd := tr.ofType(protocol.MsgConnectionRegistered)
	if len(regd) != 1 {
		t.Fatalf("connection_registered frames = %d, want 1", len(regd))
	}
	var rh protocol.RegisteredHeader
	if err := protocol.UnmarshalHeader(regd[0].Header, &rh); err != nil {
		t.Fatalf("decode registered header: %v", err)
	}
	if rh.CorrelationID != "corr-1" || rh.SessionID != sid {
		t.Errorf("registered header = %+v", rh)
	}

	sess := reg.Get(sid)
	if sess == nil {
		t.Fatal("session not in registry")
	}
	if got := sess.State(); got != session.StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
	if d.dials != 1 {
		t.Errorf("dials = %d, want 1", d.dials)
	}
	if s.pending.Count() != 0 {
		t.Errorf("pending connects = %d after resolution", s.pending.Count())
	}

	// Client-requested disconnect tears the session down and emits one
	// DISCONNECT control frame.
	tr.send(t, protocol.MsgDisconnect, sid, nil, nil)
	poll(t, "closed state", func() bool { return sess.State() == session.StateClosed })
	if got := len(tr.ofType(protocol.MsgDisconnect)); got != 1 {
		t.Errorf("disconnect frames = %d, want 1", got)
	}
	poll(t, "endpoint closed", func() bool { return d.last.isClosed() })

	tr.Close()
	<-done
}

func TestDialFailureReportsConnectionError(t *testing.T) {
	reg := session.NewRegistry()
	d := &fakeDialer{err: errors.New("connection refused")}
	s := NewServer(reg, d, nil, testOptions())

	tr := newScriptTransport()
	done := make(chan struct{})
	go func() {
		s.runNewSession(context.Background(), tr, &fakeCloser{})
		close(done)
	}()

	tr.send(t, protocol.MsgHandshake, "", nil, nil)
	poll(t, "handshake reply", func() bool { return len(tr.ofType(protocol.MsgHandshake)) == 1 })
	tr.send(t, protocol.MsgConnect, "", protocol.ConnectHeader{
		CorrelationID: "corr-err",
		Host:          "down.example",
		Username:      "deploy",
		AuthMode:      "password",
		Password:      "x",
	}, nil)

	<-done
	errFrames := tr.ofType(protocol.MsgError)
	if len(errFrames) != 1 {
		t.Fatalf("error frames = %d, want 1", len(errFrames))
	}
	var eh protocol.ErrorHeader
	if err := protocol.UnmarshalHeader(errFrames[0].Header, &eh); err != nil {
		t.Fatalf("decode error header: %v", err)
	}
	if eh.Kind != "connection_error" {
		t.Errorf("kind = %q, want connection_error", eh.Kind)
	}
	if s.pending.Count() != 0 {
		t.Errorf("pending connects = %d after rejection", s.pending.Count())
	}
}

func TestShellTrafficRoundTrip(t *testing.T) {
	reg := session.NewRegistry()
	d := &fakeDialer{}
	s := NewServer(reg, d, nil, testOptions())

	tr, sid, done := connect(t, s)
	sh := d.last.shell()

	// Remote output flows to the client as DATA.
	sh.emit([]byte("login banner"))
	poll(t, "data frame", func() bool { return len(tr.ofType(protocol.MsgData)) == 1 })
	if got := tr.ofType(protocol.MsgData)[0].Payload; !bytes.Equal(got, []byte("login banner")) {
		t.Errorf("data payload = %q", got)
	}

	// Keystrokes reach PTY stdin and are acknowledged cumulatively.
	tr.send(t, protocol.MsgData, sid, nil, []byte("ls\n"))
	poll(t, "stdin write", func() bool {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		return sh.stdin.String() == "ls\n"
	})
	poll(t, "data ack", func() bool { return len(tr.ofType(protocol.MsgDataAck)) == 1 })
	var ack protocol.AckHeader
	if err := protocol.UnmarshalHeader(tr.ofType(protocol.MsgDataAck)[0].Header, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.AckedBytes != 3 {
		t.Errorf("acked bytes = %d, want 3", ack.AckedBytes)
	}

	// Resize applies immediately.
	tr.send(t, protocol.MsgResize, sid, protocol.ResizeHeader{Cols: 100, Rows: 30}, nil)
	poll(t, "resize", func() bool {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		return len(sh.resizes) == 1 && sh.resizes[0] == [2]uint16{100, 30}
	})

	// One-shot command runs outside the PTY.
	tr.send(t, protocol.MsgCommand, sid, protocol.CommandHeader{Command: "uptime"}, nil)
	poll(t, "command output", func() bool { return len(tr.ofType(protocol.MsgCommand)) == 1 })
	if got := tr.ofType(protocol.MsgCommand)[0].Payload; !bytes.Equal(got, []byte("exec: uptime")) {
		t.Errorf("command output = %q", got)
	}

	tr.Close()
	<-done
}

func TestTransportLossAndReattach(t *testing.T) {
	reg := session.NewRegistry()
	d := &fakeDialer{}
	s := NewServer(reg, d, nil, testOptions())

	tr, sid, done := connect(t, s)
	sess := reg.Get(sid)

	tr.Close()
	<-done
	poll(t, "reconnecting state", func() bool { return sess.State() == session.StateReconnecting })
	genBefore := sess.Generation()

	// The client re-dials carrying its session id; the worker reattaches the
	// new transport and discards anything pinned to the old one.
	tr2 := newScriptTransport()
	done2 := make(chan struct{})
	go func() {
		s.runReattach(context.Background(), tr2, sid, &fakeCloser{})
		close(done2)
	}()

	poll(t, "reattach connected frame", func() bool { return len(tr2.ofType(protocol.MsgConnected)) == 1 })
	if got := sess.State(); got != session.StateConnected {
		t.Errorf("state after reattach = %v, want connected", got)
	}
	if sess.Generation() <= genBefore {
		t.Errorf("generation = %d, want > %d", sess.Generation(), genBefore)
	}

	// Shell output continues on the new transport, no replay of old frames.
	d.last.shell().emit([]byte("fresh output"))
	poll(t, "data on new transport", func() bool { return len(tr2.ofType(protocol.MsgData)) == 1 })

	tr2.Close()
	<-done2
}

func TestStalledSessionAwaitsReattachWithoutRedial(t *testing.T) {
	reg := session.NewRegistry()
	d := &fakeDialer{}
	s := NewServer(reg, d, nil, testOptions())

	tr, sid, done := connect(t, s)
	sess := reg.Get(sid)
	s.mu.Lock()
	wk := s.workers[sid]
	s.mu.Unlock()
	sh1 := d.last.shell()

	// The client stops answering probes; the transport is closed and the
	// session waits for a reattach.
	wk.onStall("keepalive probes unanswered")
	poll(t, "reconnecting state", func() bool { return sess.State() == session.StateReconnecting })
	tr.Close()
	<-done

	// The remote shell keeps producing. Every write lands on the dead
	// transport; none of them may be mistaken for an endpoint failure.
	for i := 0; i < 8; i++ {
		sh1.emit([]byte("prompt$ "))
	}
	time.Sleep(50 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1: shell writes on a dead transport redialed the endpoint", got)
	}
	if got := sess.State(); got != session.StateReconnecting {
		t.Fatalf("state = %v, want reconnecting", got)
	}

	// Reattach brings up a fresh shell on the same endpoint.
	tr2 := newScriptTransport()
	done2 := make(chan struct{})
	go func() {
		s.runReattach(context.Background(), tr2, sid, &fakeCloser{})
		close(done2)
	}()
	poll(t, "reattach connected frame", func() bool { return len(tr2.ofType(protocol.MsgConnected)) == 1 })

	sh2 := d.last.shell()
	if sh2 == sh1 {
		t.Fatal("expected a fresh shell after the bridge stopped on the dead transport")
	}
	sh2.emit([]byte("back again"))
	poll(t, "data on new transport", func() bool { return len(tr2.ofType(protocol.MsgData)) == 1 })
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}

	tr2.Close()
	<-done2
}

func TestReattachDeadlineBoundsReconnecting(t *testing.T) {
	reg := session.NewRegistry()
	d := &fakeDialer{}
	opts := testOptions()
	opts.ReattachTimeout = 25 * time.Millisecond
	s := NewServer(reg, d, nil, opts)

	tr, sid, done := connect(t, s)
	sess := reg.Get(sid)
	s.mu.Lock()
	wk := s.workers[sid]
	s.mu.Unlock()

	wk.onStall("keepalive probes unanswered")
	tr.Close()
	<-done

	// No client comes back; the deadline commits error and the worker is
	// torn down.
	poll(t, "closed state", func() bool { return sess.State() == session.StateClosed })
	var sawError bool
	for _, step := range sess.Transitions() {
		if step.To == session.StateError && strings.Contains(step.Reason, "did not reattach") {
			sawError = true
		}
	}
	if !sawError {
		t.Error("missing error transition for the missed reattach deadline")
	}
	poll(t, "endpoint closed", func() bool { return d.last.isClosed() })
}

func TestFrameForOtherSessionRejected(t *testing.T) {
	reg := session.NewRegistry()
	d := &fakeDialer{}
	s := NewServer(reg, d, nil, testOptions())

	tr, sid, done := connect(t, s)
	sh := d.last.shell()

	tr.send(t, protocol.MsgData, "someone-else", nil, []byte("whoami\n"))
	poll(t, "validation error", func() bool { return len(tr.ofType(protocol.RespError)) == 1 })
	var eh protocol.ErrorHeader
	if err := protocol.UnmarshalHeader(tr.ofType(protocol.RespError)[0].Header, &eh); err != nil {
		t.Fatalf("decode error header: %v", err)
	}
	if eh.Kind != "validation_error" {
		t.Errorf("kind = %q, want validation_error", eh.Kind)
	}
	sh.mu.Lock()
	leaked := sh.stdin.Len()
	sh.mu.Unlock()
	if leaked != 0 {
		t.Errorf("misaddressed frame reached the shell: %d bytes", leaked)
	}

	// A correctly addressed frame still flows.
	tr.send(t, protocol.MsgData, sid, nil, []byte("ls\n"))
	poll(t, "stdin write", func() bool {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		return sh.stdin.String() == "ls\n"
	})

	tr.Close()
	<-done
}

func TestRateLimiterSparesAcksAndControl(t *testing.T) {
	reg := session.NewRegistry()
	d := &fakeDialer{}
	opts := testOptions()
	opts.MessageRateLimit = 1
	s := NewServer(reg, d, nil, opts)

	tr, sid, done := connect(t, s)
	sess := reg.Get(sid)
	sh := d.last.shell()

	// The single token goes to a DATA frame.
	tr.send(t, protocol.MsgData, sid, nil, []byte("a"))
	poll(t, "first keystroke", func() bool {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		return sh.stdin.String() == "a"
	})

	// DATA_ACK must pass even with the bucket empty, or the flow-control
	// window never advances.
	tr.send(t, protocol.MsgDataAck, sid, protocol.AckHeader{AckedBytes: 7}, nil)
	poll(t, "ack processed", func() bool { return sess.AckCounter() == 7 })

	// Another DATA frame in the same instant is over the limit and dropped.
	tr.send(t, protocol.MsgData, sid, nil, []byte("b"))
	time.Sleep(30 * time.Millisecond)
	sh.mu.Lock()
	got := sh.stdin.String()
	sh.mu.Unlock()
	if got != "a" {
		t.Errorf("stdin = %q, want %q", got, "a")
	}

	tr.Close()
	<-done
}

func TestDebugLogsEndpoint(t *testing.T) {
	s := NewServer(session.NewRegistry(), &fakeDialer{}, nil, testOptions())

	req := httptest.NewRequest(http.MethodGet, "/debug/logs?n=50", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
}

func TestReattachUnknownSessionRejected(t *testing.T) {
	reg := session.NewRegistry()
	s := NewServer(reg, &fakeDialer{}, nil, testOptions())

	tr := newScriptTransport()
	closer := &fakeCloser{}
	s.runReattach(context.Background(), tr, "no-such-session", closer)

	closer.mu.Lock()
	defer closer.mu.Unlock()
	if !closer.called || closer.code != websocket.StatusPolicyViolation {
		t.Errorf("close = called %v code %v", closer.called, closer.code)
	}
}

func TestMalformedFrameRejectedLoopContinues(t *testing.T) {
	reg := session.NewRegistry()
	d := &fakeDialer{}
	s := NewServer(reg, d, nil, testOptions())

	tr, sid, done := connect(t, s)

	tr.in <- []byte("not a frame at all")
	poll(t, "error response", func() bool { return len(tr.ofType(protocol.RespError)) == 1 })

	// The connection survives a bad frame.
	tr.send(t, protocol.MsgData, sid, nil, []byte("still here\n"))
	poll(t, "stdin after bad frame", func() bool {
		sh := d.last.shell()
		sh.mu.Lock()
		defer sh.mu.Unlock()
		return sh.stdin.Len() > 0
	})

	tr.Close()
	<-done
}

func TestTokenBucketLimitsSustainedRate(t *testing.T) {
	tb := newTokenBucket(2, 1)
	clock := time.Unix(1700000000, 0)
	tb.now = func() time.Time { return clock }
	tb.lastRefill = clock

	if !tb.allow() || !tb.allow() {
		t.Fatal("burst within bucket size should pass")
	}
	if tb.allow() {
		t.Fatal("third message in the same instant should be dropped")
	}

	clock = clock.Add(time.Second)
	if !tb.allow() {
		t.Fatal("token should refill after a second")
	}
}
