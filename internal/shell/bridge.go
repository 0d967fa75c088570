// Package shell streams interactive terminal bytes between the remote PTY
// and the client, with acknowledgement-based backpressure.
//
// Outbound (PTY to client): shell output is framed as DATA; the client
// acknowledges with DATA_ACK frames carrying cumulative bytes processed. The
// bridge caps unacknowledged bytes at a configured watermark and pauses
// reading from the PTY once exceeded, resuming when an ack advances the
// window. This bounds client-side buffering when the browser cannot keep up
// with a fast remote process.
//
// Inbound (client to PTY): keystrokes go straight to PTY stdin and are
// acknowledged with a cumulative DATA_ACK. Resize events apply immediately
// and bypass flow control.
package shell

import (
	"context"
	"io"
	"log"
	"sync"

	"github.com/shan-hee/EasySSH-sub011/internal/protocol"
	"github.com/shan-hee/EasySSH-sub011/internal/remote"
)

// DefaultWatermark is the unacknowledged-byte threshold that pauses PTY
// reads when no explicit watermark is configured (256 KiB).
const DefaultWatermark = 256 * 1024

// readBufSize matches the per-read chunk for PTY output.
const readBufSize = 32 * 1024

// ExitFunc is called exactly once when the bridge stops: err is nil for an
// orderly close, io.EOF for remote shell exit, anything else for a failure.
type ExitFunc func(err error)

// Bridge relays one session's shell channel.
type Bridge struct {
	writer    protocol.FrameWriter
	shell     remote.ShellSession
	watermark uint64
	onExit    ExitFunc

	mu       sync.Mutex
	sent     uint64 // bytes framed as DATA to the client
	acked    uint64 // cumulative bytes the client has acknowledged
	received uint64 // client keystroke bytes written to PTY stdin
	closed   bool

	ackCh    chan struct{} // signaled (non-blocking) when the window advances
	exitOnce sync.Once
}

// NewBridge creates a bridge over an established shell session. watermark <= 0
// selects DefaultWatermark.
func NewBridge(writer protocol.FrameWriter, sh remote.ShellSession, watermark int, onExit ExitFunc) *Bridge {
	if watermark <= 0 {
		watermark = DefaultWatermark
	}
	return &Bridge{
		writer:    writer,
		shell:     sh,
		watermark: uint64(watermark),
		onExit:    onExit,
		ackCh:     make(chan struct{}, 1),
	}
}

// Run reads PTY output and frames it to the client until the shell ends, the
// context is cancelled, or a write fails. It blocks; callers run it in the
// session's worker goroutine.
func (b *Bridge) Run(ctx context.Context) {
	buf := make([]byte, readBufSize)
	for {
		if err := b.waitWindow(ctx); err != nil {
			b.exit(err)
			return
		}

		n, err := b.shell.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			b.mu.Lock()
			b.sent += uint64(n)
			b.mu.Unlock()

			if werr := b.writer.WriteFrame(ctx, protocol.MsgData, nil, data); werr != nil {
				b.exit(werr)
				return
			}
		}
		if err != nil {
			b.exit(err)
			return
		}
	}
}

// waitWindow blocks while unacknowledged bytes exceed the watermark.
func (b *Bridge) waitWindow(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return io.ErrClosedPipe
		}
		inFlight := b.sent - b.acked
		b.mu.Unlock()

		if inFlight <= b.watermark {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ackCh:
		}
	}
}

// HandleAck processes a DATA_ACK from the client. The cumulative counter is
// monotonic; an ack that exceeds bytes actually sent is clamped.
func (b *Bridge) HandleAck(ackedBytes uint64) {
	b.mu.Lock()
	if ackedBytes > b.sent {
		ackedBytes = b.sent
	}
	if ackedBytes > b.acked {
		b.acked = ackedBytes
	}
	b.mu.Unlock()

	select {
	case b.ackCh <- struct{}{}:
	default:
	}
}

// HandleData writes client keystrokes to PTY stdin and acknowledges them
// with the cumulative processed count.
func (b *Bridge) HandleData(ctx context.Context, data []byte) error {
	if _, err := b.shell.Write(data); err != nil {
		b.exit(err)
		return err
	}

	b.mu.Lock()
	b.received += uint64(len(data))
	processed := b.received
	b.mu.Unlock()

	return b.writer.WriteFrame(ctx, protocol.MsgDataAck, protocol.AckHeader{AckedBytes: processed}, nil)
}

// HandleResize applies a PTY resize immediately, outside flow control.
func (b *Bridge) HandleResize(cols, rows uint16) {
	if err := b.shell.Resize(cols, rows); err != nil {
		log.Printf("[shell] resize to %dx%d failed: %v", cols, rows, err)
	}
}

// ResetWindow discards the in-flight accounting after a transport
// replacement. Buffered-but-unsent output is dropped; the remote PTY's own
// output stream resynchronizes the view on the fresh transport.
func (b *Bridge) ResetWindow() {
	b.mu.Lock()
	b.acked = b.sent
	b.mu.Unlock()

	select {
	case b.ackCh <- struct{}{}:
	default:
	}
}

// Unacked returns the current in-flight byte count (sent minus acked).
func (b *Bridge) Unacked() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent - b.acked
}

// Sent returns the cumulative bytes framed to the client.
func (b *Bridge) Sent() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent
}

// Received returns the cumulative client bytes written to PTY stdin.
func (b *Bridge) Received() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.received
}

// Close stops the bridge and closes the underlying shell session. Safe to
// call more than once.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.shell.Close()
	select {
	case b.ackCh <- struct{}{}:
	default:
	}
}

// exit reports the bridge's terminal condition exactly once.
func (b *Bridge) exit(err error) {
	b.exitOnce.Do(func() {
		if b.onExit != nil {
			b.onExit(err)
		}
	})
}
