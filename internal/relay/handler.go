package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/shan-hee/EasySSH-sub011/internal/config"
	"github.com/shan-hee/EasySSH-sub011/internal/database"
	"github.com/shan-hee/EasySSH-sub011/internal/faults"
	"github.com/shan-hee/EasySSH-sub011/internal/keepalive"
	"github.com/shan-hee/EasySSH-sub011/internal/logging"
	"github.com/shan-hee/EasySSH-sub011/internal/metrics"
	"github.com/shan-hee/EasySSH-sub011/internal/protocol"
	"github.com/shan-hee/EasySSH-sub011/internal/remote"
	"github.com/shan-hee/EasySSH-sub011/internal/session"
)

// Options carries the tunables the server needs. Produced from the process
// config in main; tests construct it directly.
type Options struct {
	ConnectTimeout       time.Duration
	ShellWatermark       int
	TransferChunkSize    int
	FolderChunkSize      int
	PingInterval         time.Duration
	PingTimeoutMultiple  int
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReattachTimeout      time.Duration
	FailureThreshold     int
	FailureWindow        time.Duration
	MessageRateLimit     int
}

// OptionsFromConfig maps the environment config onto server options.
func OptionsFromConfig(cfg config.Settings) Options {
	return Options{
		ConnectTimeout:       cfg.ConnectTimeout,
		ShellWatermark:       cfg.ShellWatermark,
		TransferChunkSize:    cfg.TransferChunkSize,
		FolderChunkSize:      cfg.FolderChunkSize,
		PingInterval:         cfg.PingInterval,
		PingTimeoutMultiple:  cfg.PingTimeoutMultiple,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReattachTimeout:      cfg.ReattachTimeout,
		FailureThreshold:     cfg.FailureThreshold,
		FailureWindow:        cfg.FailureWindow,
		MessageRateLimit:     cfg.MessageRateLimit,
	}
}

// Server accepts WebSocket sessions and owns the per-session workers.
type Server struct {
	registry    *session.Registry
	pending     *session.PendingSet
	dialer      remote.Dialer
	collector   *metrics.RelayCollector // optional
	reconnector *keepalive.Reconnector
	failures    *faults.Counter
	opts        Options

	mu      sync.Mutex
	workers map[string]*worker
}

// NewServer wires the relay server. The registry callback it installs is the
// single teardown path: entering error or disconnected cancels transfers,
// closes the shell bridge, and emits one terminal control frame.
func NewServer(registry *session.Registry, dialer remote.Dialer, collector *metrics.RelayCollector, opts Options) *Server {
	s := &Server{
		registry:    registry,
		pending:     session.NewPendingSet(),
		dialer:      dialer,
		collector:   collector,
		reconnector: keepalive.NewReconnector(registry, opts.MaxReconnectAttempts, opts.ReconnectBaseDelay, collector),
		failures:    faults.NewCounter(opts.FailureThreshold, opts.FailureWindow),
		opts:        opts,
		workers:     make(map[string]*worker),
	}
	registry.OnStateChange(s.onStateChange)
	return s
}

// Pending exposes the pending-connect set for the housekeeping sweep.
func (s *Server) Pending() *session.PendingSet { return s.pending }

// Router returns the HTTP surface: the WebSocket endpoint plus health and
// metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %d sessions\n", s.registry.Count())
	})
	r.Get("/debug/logs", func(w http.ResponseWriter, r *http.Request) {
		n := 200
		if v := r.URL.Query().Get("n"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				n = parsed
			}
		}
		tail, err := logging.ReadTail(n)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, tail)
	})
	if s.collector != nil {
		r.Method(http.MethodGet, "/metrics", s.collector.Handler())
	}
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[relay] websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	t := newWSTransport(conn)
	ctx := r.Context()

	if sid := r.URL.Query().Get("session_id"); sid != "" {
		s.runReattach(ctx, t, sid, conn)
		return
	}
	s.runNewSession(ctx, t, conn)
}

// policyCloser closes a client connection with a status code when the
// protocol flow is violated. *websocket.Conn satisfies it; tests use fakes.
type policyCloser interface {
	Close(code websocket.StatusCode, reason string) error
}

// writeRaw encodes and writes a frame on a transport not yet bound to a
// session.
func writeRaw(ctx context.Context, t session.Transport, sessionID string, mt protocol.MessageType, header any) error {
	block, err := protocol.MarshalHeader(header)
	if err != nil {
		return err
	}
	buf, err := protocol.Encode(mt, sessionID, block, nil)
	if err != nil {
		return err
	}
	return t.WriteMessage(ctx, buf)
}

// readFrame reads and decodes the next frame from a transport.
func (s *Server) readFrame(ctx context.Context, t session.Transport) (*protocol.Frame, error) {
	data, err := t.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	f, err := protocol.Decode(data)
	if err != nil {
		if s.collector != nil {
			s.collector.FrameError()
		}
		return nil, err
	}
	return f, nil
}

// runNewSession drives the connect flow: HANDSHAKE, CONNECT (plus
// AUTHENTICATE when the connect frame carries no credentials), registration,
// endpoint dial, then the frame loop.
func (s *Server) runNewSession(ctx context.Context, t session.Transport, conn policyCloser) {
	hs, err := s.readFrame(ctx, t)
	if err != nil {
		log.Printf("[relay] handshake read failed: %v", err)
		return
	}
	if hs.Type != protocol.MsgHandshake {
		conn.Close(websocket.StatusPolicyViolation, "expected handshake")
		return
	}
	if err := writeRaw(ctx, t, "", protocol.MsgHandshake, nil); err != nil {
		return
	}

	cf, err := s.readFrame(ctx, t)
	if err != nil {
		log.Printf("[relay] connect read failed: %v", err)
		return
	}
	if cf.Type != protocol.MsgConnect {
		conn.Close(websocket.StatusPolicyViolation, "expected connect")
		return
	}
	var hdr protocol.ConnectHeader
	if err := protocol.UnmarshalHeader(cf.Header, &hdr); err != nil {
		writeRaw(ctx, t, "", protocol.MsgError, protocol.ErrorHeader{
			Kind: string(faults.KindValidation), ErrorMessage: err.Error(),
		})
		return
	}
	if hdr.Host == "" || hdr.Username == "" || hdr.CorrelationID == "" {
		writeRaw(ctx, t, "", protocol.MsgError, protocol.ErrorHeader{
			Kind: string(faults.KindValidation), ErrorMessage: "connect requires host, username and correlationId",
		})
		return
	}
	if hdr.Port == 0 {
		hdr.Port = 22
	}

	// Credentials may follow in a separate AUTHENTICATE frame.
	if hdr.Password == "" && hdr.PrivateKey == "" {
		af, err := s.readFrame(ctx, t)
		if err != nil {
			log.Printf("[relay] authenticate read failed: %v", err)
			return
		}
		if af.Type != protocol.MsgAuthenticate {
			conn.Close(websocket.StatusPolicyViolation, "expected authenticate")
			return
		}
		var auth protocol.ConnectHeader
		if err := protocol.UnmarshalHeader(af.Header, &auth); err != nil {
			writeRaw(ctx, t, "", protocol.MsgError, protocol.ErrorHeader{
				Kind: string(faults.KindValidation), ErrorMessage: err.Error(),
			})
			return
		}
		hdr.AuthMode = auth.AuthMode
		hdr.Password = auth.Password
		hdr.PrivateKey = auth.PrivateKey
	}

	cfg := remote.Config{
		Host:       hdr.Host,
		Port:       hdr.Port,
		Username:   hdr.Username,
		AuthMode:   hdr.AuthMode,
		Password:   hdr.Password,
		PrivateKey: hdr.PrivateKey,
	}

	if _, err := s.pending.Add(hdr.CorrelationID, cfg); err != nil {
		writeRaw(ctx, t, "", protocol.MsgError, protocol.ErrorHeader{
			Kind: string(faults.KindValidation), ErrorMessage: err.Error(),
		})
		return
	}

	sessionID := uuid.NewString()
	sess, err := s.registry.Register(sessionID, cfg, t)
	if err != nil {
		s.pending.Reject(hdr.CorrelationID, err)
		writeRaw(ctx, t, "", protocol.MsgError, protocol.ErrorHeader{
			Kind: string(faults.KindSystem), ErrorMessage: err.Error(),
		})
		return
	}
	database.RecordSessionStart(sessionID, cfg.Host, cfg.Port, cfg.Username)
	if s.collector != nil {
		s.collector.SessionRegistered()
	}

	if err := sess.WriteFrame(ctx, protocol.MsgConnectionRegistered, protocol.RegisteredHeader{
		CorrelationID: hdr.CorrelationID, SessionID: sessionID,
	}, nil); err != nil {
		s.pending.Reject(hdr.CorrelationID, err)
		s.removeSession(sessionID)
		return
	}

	s.registry.Transition(sessionID, session.StateAuthenticating, "dialing remote endpoint")

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	endpoint, err := s.dialer.Dial(dialCtx, cfg)
	cancel()
	if err != nil {
		s.pending.Reject(hdr.CorrelationID, err)
		s.registry.Transition(sessionID, session.StateError, fmt.Sprintf("dial failed: %v", err))
		return
	}
	s.pending.Resolve(hdr.CorrelationID, sessionID)

	wk := newWorker(s, sess, endpoint)
	s.mu.Lock()
	s.workers[sessionID] = wk
	s.mu.Unlock()

	if err := wk.startShell(ctx, hdr.Cols, hdr.Rows); err != nil {
		s.registry.Transition(sessionID, session.StateError, fmt.Sprintf("shell failed: %v", err))
		return
	}
	if err := s.registry.Transition(sessionID, session.StateConnected, "endpoint established"); err != nil {
		return
	}
	wk.startKeepalive()

	if err := sess.WriteFrame(ctx, protocol.MsgConnected, protocol.RegisteredHeader{
		CorrelationID: hdr.CorrelationID, SessionID: sessionID,
	}, nil); err != nil {
		return
	}

	s.frameLoop(ctx, t, wk)
}

// runReattach binds a reconnecting client back onto its session.
func (s *Server) runReattach(ctx context.Context, t session.Transport, sessionID string, conn policyCloser) {
	sess := s.registry.Get(sessionID)
	s.mu.Lock()
	wk := s.workers[sessionID]
	s.mu.Unlock()

	if sess == nil || wk == nil {
		conn.Close(websocket.StatusPolicyViolation, "unknown session")
		return
	}
	switch sess.State() {
	case session.StateConnected, session.StateReconnecting:
	default:
		conn.Close(websocket.StatusPolicyViolation, "session not reattachable")
		return
	}

	if _, err := wk.attachTransport(t); err != nil {
		log.Printf("[relay] session %s: reattach failed: %v", sessionID, err)
		conn.Close(websocket.StatusInternalError, "reattach failed")
		return
	}

	if err := sess.WriteFrame(ctx, protocol.MsgConnected, protocol.RegisteredHeader{
		SessionID: sessionID,
	}, nil); err != nil {
		return
	}
	log.Printf("[relay] session %s: client reattached", sessionID)

	s.frameLoop(ctx, t, wk)
}

// frameLoop reads frames from one transport until it dies. A read error on a
// connected session marks it reconnecting and leaves the worker alive for
// reattachment.
func (s *Server) frameLoop(ctx context.Context, t session.Transport, wk *worker) {
	limiter := newTokenBucket(s.opts.MessageRateLimit, s.opts.MessageRateLimit)

	for {
		data, err := t.ReadMessage(ctx)
		if err != nil {
			s.onTransportGone(wk, err)
			return
		}

		f, err := protocol.Decode(data)
		if err != nil {
			if s.collector != nil {
				s.collector.FrameError()
			}
			wk.rejectFrame(ctx, "", err)
			continue
		}

		// Acks and control frames bypass the limiter: dropping a DATA_ACK
		// would freeze the shell flow-control window.
		if !f.Type.IsControl() && f.Type != protocol.MsgDataAck && !limiter.allow() {
			continue
		}
		wk.dispatch(ctx, f)
	}
}

// onTransportGone handles the client side of a session dropping.
func (s *Server) onTransportGone(wk *worker, cause error) {
	state := wk.sess.State()
	switch state {
	case session.StateConnected:
		log.Printf("[relay] session %s: transport lost (%v), awaiting reattach", wk.sess.ID, cause)
		s.registry.Transition(wk.sess.ID, session.StateReconnecting, "client transport lost")
		wk.armReattachDeadline()
	case session.StateReconnecting:
		// Already waiting for a new transport.
	default:
		// Terminal or tearing down; nothing to do.
	}
}

// onStateChange is the registry callback: it persists the transition, pushes
// a STATUS_UPDATE to the client, and on error/disconnected runs the single
// teardown path with one terminal control frame.
func (s *Server) onStateChange(sess *session.Session, from, to session.State, reason string) {
	database.RecordSessionState(sess.ID, string(to), sess.RetryCount())

	if to != session.StateError && to != session.StateDisconnected {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sess.WriteFrame(ctx, protocol.MsgStatusUpdate, protocol.StatusHeader{
			State: string(to), Reason: reason,
		}, nil)
		return
	}

	s.mu.Lock()
	wk := s.workers[sess.ID]
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if to == session.StateError {
		sess.WriteFrame(ctx, protocol.MsgError, protocol.ErrorHeader{
			Kind: string(faults.KindConnection), ErrorMessage: reason,
		}, nil)
	} else {
		sess.WriteFrame(ctx, protocol.MsgDisconnect, protocol.StatusHeader{
			State: string(to), Reason: reason,
		}, nil)
	}

	s.reconnector.Cancel(sess.ID)
	if wk != nil {
		wk.teardown()
	}
	if s.collector != nil {
		s.collector.SessionRemoved()
	}
	s.registry.Transition(sess.ID, session.StateClosed, "session finished")
}

// removeSession drops a session and its worker.
func (s *Server) removeSession(sessionID string) {
	s.mu.Lock()
	wk := s.workers[sessionID]
	delete(s.workers, sessionID)
	s.mu.Unlock()

	if wk != nil {
		wk.teardown()
	}
	s.registry.Remove(sessionID)
}

// SweepIdle removes workers for sessions the registry cleaned up. Called
// from the cron job alongside Registry.CleanupIdle.
func (s *Server) SweepIdle(timeout time.Duration) int {
	n := s.registry.CleanupIdle(timeout)

	s.mu.Lock()
	var orphaned []string
	for id := range s.workers {
		if s.registry.Get(id) == nil {
			orphaned = append(orphaned, id)
		}
	}
	s.mu.Unlock()

	for _, id := range orphaned {
		s.mu.Lock()
		wk := s.workers[id]
		delete(s.workers, id)
		s.mu.Unlock()
		if wk != nil {
			wk.teardown()
		}
	}
	return n
}

// Shutdown closes every session. Used on process exit.
func (s *Server) Shutdown() {
	s.reconnector.CancelAll()

	for _, sess := range s.registry.All() {
		state := sess.State()
		if state == session.StateConnected || state == session.StateReconnecting {
			s.registry.Transition(sess.ID, session.StateDisconnecting, "server shutting down")
		}
		s.registry.Transition(sess.ID, session.StateDisconnected, "server shutting down")
	}

	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, wk := range s.workers {
		workers = append(workers, wk)
	}
	s.workers = make(map[string]*worker)
	s.mu.Unlock()

	for _, wk := range workers {
		wk.teardown()
	}
}
