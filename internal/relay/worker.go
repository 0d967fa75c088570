package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/shan-hee/EasySSH-sub011/internal/database"
	"github.com/shan-hee/EasySSH-sub011/internal/faults"
	"github.com/shan-hee/EasySSH-sub011/internal/keepalive"
	"github.com/shan-hee/EasySSH-sub011/internal/metrics"
	"github.com/shan-hee/EasySSH-sub011/internal/protocol"
	"github.com/shan-hee/EasySSH-sub011/internal/remote"
	"github.com/shan-hee/EasySSH-sub011/internal/session"
	"github.com/shan-hee/EasySSH-sub011/internal/shell"
	"github.com/shan-hee/EasySSH-sub011/internal/transfer"
)

// worker owns the server-side half of one session: the remote endpoint, the
// shell bridge, the transfer manager, and the keepalive loop. It outlives
// individual WebSocket connections; a reconnecting client reattaches to the
// same worker.
type worker struct {
	server *Server
	sess   *session.Session

	ctx    context.Context // session lifetime, cancelled on teardown
	cancel context.CancelFunc

	mu         sync.Mutex
	endpoint   remote.Endpoint
	bridge     *shell.Bridge
	manager    *transfer.Manager
	ka         *keepalive.Controller
	kaCancel   context.CancelFunc
	reattach   *time.Timer // bounds the reconnecting state
	bridgeDown bool        // bridge stopped on a dead transport, restart on reattach
	torn       bool
}

func newWorker(server *Server, sess *session.Session, endpoint remote.Endpoint) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		server:   server,
		sess:     sess,
		endpoint: endpoint,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// shellWriter forwards bridge frames to the session and counts outbound
// shell bytes.
type shellWriter struct {
	sess      *session.Session
	collector *metrics.RelayCollector
}

func (w *shellWriter) WriteFrame(ctx context.Context, t protocol.MessageType, header any, payload []byte) error {
	if err := w.sess.WriteFrame(ctx, t, header, payload); err != nil {
		return err
	}
	if t == protocol.MsgData && w.collector != nil {
		w.collector.ShellBytesOut(len(payload))
	}
	return nil
}

// startShell opens the remote PTY and runs the bridge.
func (w *worker) startShell(ctx context.Context, cols, rows int) error {
	w.mu.Lock()
	endpoint := w.endpoint
	w.mu.Unlock()

	sh, err := endpoint.StartShell(ctx, cols, rows)
	if err != nil {
		return fmt.Errorf("start shell: %w", err)
	}

	b := shell.NewBridge(
		&shellWriter{sess: w.sess, collector: w.server.collector},
		sh, w.server.opts.ShellWatermark, w.onShellExit,
	)

	w.mu.Lock()
	w.bridge = b
	w.mu.Unlock()

	go b.Run(w.ctx)
	return nil
}

// startKeepalive replaces the keepalive loop. Called on connect and on every
// transport reattach, since a stalled controller stays stalled.
func (w *worker) startKeepalive() {
	w.mu.Lock()
	if w.kaCancel != nil {
		w.kaCancel()
	}
	ctx, cancel := context.WithCancel(w.ctx)
	c := keepalive.NewController(
		w.sess, w.server.opts.PingInterval, w.server.opts.PingTimeoutMultiple,
		w.server.collector, w.onStall,
	)
	w.ka = c
	w.kaCancel = cancel
	w.mu.Unlock()

	go c.Run(ctx)
}

// transferManager lazily opens the endpoint's file subsystem.
func (w *worker) transferManager() (*transfer.Manager, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.manager != nil {
		return w.manager, nil
	}
	files, err := w.endpoint.Files()
	if err != nil {
		return nil, fmt.Errorf("open file subsystem: %w", err)
	}
	w.manager = transfer.NewManager(w.sess.ID, w.sess, files,
		transfer.WithChunkSize(w.server.opts.TransferChunkSize),
		transfer.WithFolderChunkSize(w.server.opts.FolderChunkSize),
		transfer.WithCollector(w.server.collector),
	)
	return w.manager, nil
}

// attachTransport binds a fresh client connection to the session after a
// reconnect. In-flight frames pinned to the old transport are discarded by
// the generation bump. A bridge that stopped on the dead transport is
// replaced with a fresh shell; otherwise the window restarts empty, output
// is not replayed.
func (w *worker) attachTransport(t session.Transport) (uint64, error) {
	gen, err := w.server.registry.ReplaceTransport(w.sess.ID, t)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	b := w.bridge
	down := w.bridgeDown
	w.bridgeDown = false
	w.mu.Unlock()

	if down {
		if b != nil {
			b.Close()
		}
		if err := w.startShell(w.ctx, 0, 0); err != nil {
			return 0, err
		}
	} else if b != nil {
		b.ResetWindow()
	}

	if err := w.server.registry.Transition(w.sess.ID, session.StateConnected, "client reattached"); err != nil {
		return 0, err
	}
	w.disarmReattachDeadline()
	w.startKeepalive()
	return gen, nil
}

// armReattachDeadline starts the clock on a reconnecting session. A client
// that never comes back would otherwise hold the worker and its endpoint
// open forever.
func (w *worker) armReattachDeadline() {
	d := w.server.opts.ReattachTimeout
	if d <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reattach != nil {
		w.reattach.Stop()
	}
	w.reattach = time.AfterFunc(d, func() {
		if w.sess.State() != session.StateReconnecting {
			return
		}
		w.server.registry.Transition(w.sess.ID, session.StateError,
			fmt.Sprintf("client did not reattach within %s", d))
	})
}

func (w *worker) disarmReattachDeadline() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reattach != nil {
		w.reattach.Stop()
		w.reattach = nil
	}
}

// dispatch routes one decoded frame. Non-control frames must name the
// session this transport is bound to; a frame for another session is
// rejected, never routed.
func (w *worker) dispatch(ctx context.Context, f *protocol.Frame) {
	w.sess.Touch()

	if !f.Type.IsControl() && f.SessionID != w.sess.ID {
		w.rejectFrame(ctx, "", fmt.Errorf("%w: frame names session %q, transport is bound to %q",
			faults.ErrValidation, f.SessionID, w.sess.ID))
		return
	}

	switch {
	case f.Type.IsControl():
		w.dispatchControl(ctx, f)
	case f.Type.IsShell():
		w.dispatchShell(ctx, f)
	case f.Type.IsTransfer():
		w.dispatchTransfer(ctx, f)
	default:
		log.Printf("[relay] session %s: unexpected %v frame from client", w.sess.ID, f.Type)
		if w.server.collector != nil {
			w.server.collector.FrameError()
		}
	}
}

func (w *worker) dispatchControl(ctx context.Context, f *protocol.Frame) {
	switch f.Type {
	case protocol.MsgHeartbeat:
		// Touch already updated last activity.
	case protocol.MsgPing:
		var hdr protocol.PingHeader
		if err := protocol.UnmarshalHeader(f.Header, &hdr); err != nil {
			w.rejectFrame(ctx, "", err)
			return
		}
		if err := w.sess.WriteFrame(ctx, protocol.MsgPong, hdr, nil); err != nil {
			log.Printf("[relay] session %s: pong write failed: %v", w.sess.ID, err)
		}
	case protocol.MsgPong:
		var hdr protocol.PingHeader
		if err := protocol.UnmarshalHeader(f.Header, &hdr); err != nil {
			w.rejectFrame(ctx, "", err)
			return
		}
		w.mu.Lock()
		ka := w.ka
		w.mu.Unlock()
		if ka != nil {
			ka.HandlePong(ctx, hdr)
		}
	case protocol.MsgDisconnect:
		w.server.registry.Transition(w.sess.ID, session.StateDisconnecting, "client requested disconnect")
		w.server.registry.Transition(w.sess.ID, session.StateDisconnected, "client requested disconnect")
	case protocol.MsgHandshake:
		w.sess.WriteFrame(ctx, protocol.MsgHandshake, nil, nil)
	default:
		log.Printf("[relay] session %s: unhandled control frame %v", w.sess.ID, f.Type)
	}
}

func (w *worker) dispatchShell(ctx context.Context, f *protocol.Frame) {
	w.mu.Lock()
	b := w.bridge
	w.mu.Unlock()
	if b == nil {
		w.rejectFrame(ctx, "", fmt.Errorf("%w: shell not started", faults.ErrValidation))
		return
	}

	switch f.Type {
	case protocol.MsgData:
		if w.server.collector != nil {
			w.server.collector.ShellBytesIn(len(f.Payload))
		}
		if err := b.HandleData(ctx, f.Payload); err != nil {
			log.Printf("[relay] session %s: shell input failed: %v", w.sess.ID, err)
		}
	case protocol.MsgDataAck:
		var hdr protocol.AckHeader
		if err := protocol.UnmarshalHeader(f.Header, &hdr); err != nil {
			w.rejectFrame(ctx, "", err)
			return
		}
		w.sess.AdvanceAck(hdr.AckedBytes)
		b.HandleAck(hdr.AckedBytes)
	case protocol.MsgResize:
		var hdr protocol.ResizeHeader
		if err := protocol.UnmarshalHeader(f.Header, &hdr); err != nil {
			w.rejectFrame(ctx, "", err)
			return
		}
		if hdr.Cols == 0 || hdr.Rows == 0 {
			w.rejectFrame(ctx, "", fmt.Errorf("%w: resize to %dx%d", faults.ErrValidation, hdr.Cols, hdr.Rows))
			return
		}
		b.HandleResize(hdr.Cols, hdr.Rows)
	case protocol.MsgCommand:
		var hdr protocol.CommandHeader
		if err := protocol.UnmarshalHeader(f.Header, &hdr); err != nil {
			w.rejectFrame(ctx, "", err)
			return
		}
		go w.runCommand(hdr.Command)
	}
}

// runCommand executes a one-shot command outside the PTY and returns its
// output as a COMMAND frame.
func (w *worker) runCommand(command string) {
	w.mu.Lock()
	endpoint := w.endpoint
	w.mu.Unlock()

	out, err := endpoint.Exec(w.ctx, command)
	if err != nil {
		w.rejectFrame(w.ctx, "", err)
		return
	}
	if err := w.sess.WriteFrame(w.ctx, protocol.MsgCommand, nil, out); err != nil {
		log.Printf("[relay] session %s: command output write failed: %v", w.sess.ID, err)
	}
}

func (w *worker) dispatchTransfer(ctx context.Context, f *protocol.Frame) {
	var hdr protocol.TransferHeader
	if err := protocol.UnmarshalHeader(f.Header, &hdr); err != nil {
		w.rejectFrame(ctx, "", err)
		return
	}

	switch f.Type {
	case protocol.MsgSFTPInit:
		w.sess.WriteFrame(ctx, protocol.RespSuccess, protocol.SuccessHeader{OperationID: hdr.OperationID}, nil)
	case protocol.MsgSFTPCancel:
		w.mu.Lock()
		mgr := w.manager
		w.mu.Unlock()
		if mgr != nil {
			mgr.Cancel(hdr.OperationID)
		}
	case protocol.MsgSFTPClose:
		w.mu.Lock()
		mgr := w.manager
		w.mu.Unlock()
		if mgr != nil {
			mgr.HandleClose(hdr.OperationID)
		}
	default:
		mgr, err := w.transferManager()
		if err != nil {
			w.rejectFrame(ctx, hdr.OperationID, err)
			return
		}
		if err := mgr.Start(w.ctx, f.Type, hdr, f.Payload); err != nil {
			w.rejectFrame(ctx, hdr.OperationID, err)
		}
	}
}

// rejectFrame reports a request failure back to the client.
func (w *worker) rejectFrame(ctx context.Context, operationID string, cause error) {
	err := w.sess.WriteFrame(ctx, protocol.RespError, protocol.ErrorHeader{
		OperationID:  operationID,
		Kind:         string(faults.Classify(cause)),
		ErrorMessage: cause.Error(),
	}, nil)
	if err != nil {
		log.Printf("[relay] session %s: error report failed: %v", w.sess.ID, err)
	}
}

// onShellExit handles the bridge stopping. A write onto a closed or
// superseded transport means the client side is gone, not the endpoint:
// the bridge parks until the client reattaches. An orderly remote exit
// closes the session; an endpoint failure triggers reconnection unless
// the failure counter suppresses it.
func (w *worker) onShellExit(cause error) {
	if errors.Is(cause, session.ErrStaleTransport) {
		w.mu.Lock()
		w.bridgeDown = true
		w.mu.Unlock()
		log.Printf("[relay] session %s: shell paused, awaiting client reattach", w.sess.ID)
		return
	}

	if cause == nil || errors.Is(cause, io.EOF) || errors.Is(cause, io.ErrClosedPipe) || errors.Is(cause, context.Canceled) {
		w.server.registry.Transition(w.sess.ID, session.StateDisconnected, "remote shell exited")
		return
	}

	log.Printf("[relay] session %s: shell bridge failed: %v", w.sess.ID, cause)
	if w.server.failures.Record("remote:" + w.sess.ID) {
		w.server.registry.Transition(w.sess.ID, session.StateError,
			fmt.Sprintf("remote endpoint failing repeatedly: %v", cause))
		return
	}

	w.server.reconnector.Trigger(w.sess.ID, cause.Error(), w.redial)
}

// redial is one endpoint reconnection attempt: dial, restart the shell, and
// swap the endpoint in place.
func (w *worker) redial(ctx context.Context, attempt int) error {
	dialCtx, cancel := context.WithTimeout(ctx, w.server.opts.ConnectTimeout)
	defer cancel()

	endpoint, err := w.server.dialer.Dial(dialCtx, w.sess.Config)
	if err != nil {
		return err
	}

	w.mu.Lock()
	old := w.endpoint
	oldBridge := w.bridge
	w.endpoint = endpoint
	w.manager = nil // file subsystem belongs to the old connection
	w.mu.Unlock()

	if oldBridge != nil {
		oldBridge.Close()
	}
	if old != nil {
		old.Close()
	}

	if err := w.startShell(ctx, 0, 0); err != nil {
		return err
	}
	w.server.failures.Reset("remote:" + w.sess.ID)
	return nil
}

// onStall marks the session reconnecting when the client stops answering
// probes. The transport is closed; the client re-dials with its session id.
func (w *worker) onStall(reason string) {
	if err := w.server.registry.Transition(w.sess.ID, session.StateReconnecting, reason); err != nil {
		log.Printf("[relay] session %s: stall transition rejected: %v", w.sess.ID, err)
		return
	}
	w.armReattachDeadline()
	w.sess.CloseTransport()
}

// teardown releases everything the worker holds. Invoked once, from the
// registry state callback on error/disconnected.
func (w *worker) teardown() {
	w.mu.Lock()
	if w.torn {
		w.mu.Unlock()
		return
	}
	w.torn = true
	b := w.bridge
	mgr := w.manager
	kaCancel := w.kaCancel
	rt := w.reattach
	endpoint := w.endpoint
	w.mu.Unlock()

	if rt != nil {
		rt.Stop()
	}
	if kaCancel != nil {
		kaCancel()
	}
	if mgr != nil {
		mgr.CancelAll()
	}
	if b != nil {
		b.Close()
	}
	w.cancel()
	if mgr != nil {
		mgr.Wait()
	}
	if endpoint != nil {
		endpoint.Close()
	}

	var bytesIn, bytesOut uint64
	if b != nil {
		bytesIn = b.Received()
		bytesOut = b.Sent()
	}
	database.RecordSessionEnd(w.sess.ID, bytesIn, bytesOut)
}
