// Package transfer runs file-transfer operations multiplexed on one session.
// Each operation id gets its own state machine; operations on the same
// session run independently and interleave, while all outbound frames go
// through the session's serialized frame writer.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"mime"
	"path"
	"sync"

	"github.com/shan-hee/EasySSH-sub011/internal/database"
	"github.com/shan-hee/EasySSH-sub011/internal/faults"
	"github.com/shan-hee/EasySSH-sub011/internal/metrics"
	"github.com/shan-hee/EasySSH-sub011/internal/protocol"
	"github.com/shan-hee/EasySSH-sub011/internal/remote"
)

// defaultChunkSize is the per-frame payload size for file content.
const defaultChunkSize = 64 * 1024

// progressEvery is how many payload bytes pass between progress frames.
const progressEvery = 256 * 1024

// Manager owns the transfer operations of one session.
type Manager struct {
	sessionID string
	writer    protocol.FrameWriter
	files     remote.FileClient
	collector *metrics.RelayCollector // optional

	chunkSize       int
	folderChunkSize int

	mu  sync.Mutex
	ops map[string]*Operation
	wg  sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithChunkSize sets the file-content chunk size.
func WithChunkSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// WithFolderChunkSize sets the packed folder chunk size.
func WithFolderChunkSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.folderChunkSize = n
		}
	}
}

// WithCollector wires transfer metrics.
func WithCollector(c *metrics.RelayCollector) Option {
	return func(m *Manager) { m.collector = c }
}

// NewManager creates a transfer manager for one session.
func NewManager(sessionID string, writer protocol.FrameWriter, files remote.FileClient, opts ...Option) *Manager {
	m := &Manager{
		sessionID:       sessionID,
		writer:          writer,
		files:           files,
		chunkSize:       defaultChunkSize,
		folderChunkSize: 8 * defaultChunkSize,
		ops:             make(map[string]*Operation),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// kindForType maps a transfer request frame to its operation kind.
func kindForType(t protocol.MessageType) (Kind, bool) {
	switch t {
	case protocol.MsgSFTPList:
		return KindList, true
	case protocol.MsgSFTPUpload:
		return KindUpload, true
	case protocol.MsgSFTPDownload:
		return KindDownload, true
	case protocol.MsgSFTPMkdir:
		return KindMkdir, true
	case protocol.MsgSFTPDelete:
		return KindDelete, true
	case protocol.MsgSFTPRename:
		return KindRename, true
	case protocol.MsgSFTPChmod:
		return KindChmod, true
	case protocol.MsgSFTPDownloadFolder:
		return KindFolderDownload, true
	default:
		return "", false
	}
}

// Start validates and launches an operation for a transfer request frame.
// The operation runs in its own goroutine; errors inside it terminate only
// that operation.
func (m *Manager) Start(ctx context.Context, t protocol.MessageType, hdr protocol.TransferHeader, payload []byte) error {
	kind, ok := kindForType(t)
	if !ok {
		return fmt.Errorf("%w: message type %v is not a transfer request", faults.ErrValidation, t)
	}
	if hdr.OperationID == "" {
		return fmt.Errorf("%w: missing operation id", faults.ErrValidation)
	}
	if hdr.Path == "" {
		return fmt.Errorf("%w: missing path", faults.ErrValidation)
	}
	if kind == KindRename && hdr.NewPath == "" {
		return fmt.Errorf("%w: rename requires newPath", faults.ErrValidation)
	}

	op := newOperation(hdr.OperationID, kind, hdr.Path)

	m.mu.Lock()
	if _, exists := m.ops[op.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: operation %q already open", faults.ErrValidation, op.ID)
	}
	m.ops[op.ID] = op
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.destroy(op.ID)
		m.run(ctx, op, hdr, payload)
	}()
	return nil
}

// run executes one operation to its terminal phase.
func (m *Manager) run(ctx context.Context, op *Operation, hdr protocol.TransferHeader, payload []byte) {
	var err error
	switch op.Kind {
	case KindList:
		err = m.runList(ctx, op)
	case KindUpload:
		err = m.runUpload(ctx, op, payload)
	case KindDownload:
		err = m.runDownload(ctx, op)
	case KindMkdir:
		err = m.runMetadata(ctx, op, func() error { return m.files.Mkdir(op.Path) })
	case KindDelete:
		err = m.runMetadata(ctx, op, func() error { return m.files.Remove(op.Path) })
	case KindRename:
		err = m.runMetadata(ctx, op, func() error { return m.files.Rename(op.Path, hdr.NewPath) })
	case KindChmod:
		err = m.runMetadata(ctx, op, func() error { return m.files.Chmod(op.Path, fsMode(hdr.Mode)) })
	case KindFolderDownload:
		err = m.runFolderDownload(ctx, op)
	}

	if err != nil {
		m.fail(ctx, op, err)
	}
}

// Cancel requests cooperative cancellation of an operation. A cancel for an
// unknown or already-terminal operation is a no-op, not an error.
func (m *Manager) Cancel(operationID string) {
	m.mu.Lock()
	op := m.ops[operationID]
	m.mu.Unlock()

	if op == nil {
		return
	}
	if op.requestCancel() {
		log.Printf("[transfer] session %s: cancel requested for operation %s", m.sessionID, operationID)
	}
}

// CancelAll cancels every open operation. Used on session teardown.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	ops := make([]*Operation, 0, len(m.ops))
	for _, op := range m.ops {
		ops = append(ops, op)
	}
	m.mu.Unlock()

	for _, op := range ops {
		op.requestCancel()
	}
}

// HandleClose acknowledges the final folder chunk for an operation.
func (m *Manager) HandleClose(operationID string) {
	m.mu.Lock()
	op := m.ops[operationID]
	m.mu.Unlock()

	if op != nil {
		op.ackClose()
	}
}

// Get returns the open operation with the given id, or nil.
func (m *Manager) Get(operationID string) *Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops[operationID]
}

// OpenCount returns the number of open operations.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

// Wait blocks until all operation goroutines have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) destroy(operationID string) {
	m.mu.Lock()
	delete(m.ops, operationID)
	m.mu.Unlock()
}

// runList lists a remote directory.
func (m *Manager) runList(ctx context.Context, op *Operation) error {
	op.start(0)

	infos, err := m.files.List(op.Path)
	if err != nil {
		return fmt.Errorf("list %s: %w", op.Path, err)
	}

	listing := make([]protocol.FileEntry, 0, len(infos))
	for _, fi := range infos {
		listing = append(listing, protocol.FileEntry{
			Name:    fi.Name(),
			Size:    fi.Size(),
			Mode:    fi.Mode().String(),
			IsDir:   fi.IsDir(),
			ModTime: fi.ModTime().Unix(),
		})
	}

	return m.complete(ctx, op, protocol.SuccessHeader{
		OperationID: op.ID,
		Filename:    op.Path,
		Listing:     listing,
	})
}

// runUpload writes the request payload to the remote path in chunks,
// checking the cancellation flag at each chunk boundary.
func (m *Manager) runUpload(ctx context.Context, op *Operation, payload []byte) error {
	op.start(uint64(len(payload)))

	dst, err := m.files.Create(op.Path)
	if err != nil {
		return fmt.Errorf("create %s: %w", op.Path, err)
	}

	sum := sha256.New()
	sinceProgress := 0
	for off := 0; off < len(payload); off += m.chunkSize {
		if op.cancelled() {
			dst.Close()
			return m.cancel(ctx, op)
		}
		if err := ctx.Err(); err != nil {
			dst.Close()
			return err
		}

		end := off + m.chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[off:end]
		if _, err := dst.Write(chunk); err != nil {
			dst.Close()
			return fmt.Errorf("write %s: %w", op.Path, err)
		}
		sum.Write(chunk)
		m.countBytes("upload", len(chunk))

		transferred, total := op.advance(uint64(len(chunk)))
		sinceProgress += len(chunk)
		if sinceProgress >= progressEvery && end < len(payload) {
			sinceProgress = 0
			if err := m.progress(ctx, op, transferred, total, "upload"); err != nil {
				dst.Close()
				return err
			}
		}
	}

	if err := dst.Close(); err != nil {
		return fmt.Errorf("close %s: %w", op.Path, err)
	}

	return m.complete(ctx, op, protocol.SuccessHeader{
		OperationID: op.ID,
		Filename:    path.Base(op.Path),
		Size:        int64(len(payload)),
		Checksum:    hex.EncodeToString(sum.Sum(nil)),
		MimeType:    mimeFor(op.Path),
	})
}

// runDownload streams a remote file to the client as RESP_FILE_DATA chunks
// followed by a checksummed RESP_SUCCESS.
func (m *Manager) runDownload(ctx context.Context, op *Operation) error {
	fi, err := m.files.Stat(op.Path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", op.Path, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("%w: %s is a directory, use folder download", faults.ErrValidation, op.Path)
	}
	op.start(uint64(fi.Size()))

	src, err := m.files.Open(op.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", op.Path, err)
	}
	defer src.Close()

	sum := sha256.New()
	buf := make([]byte, m.chunkSize)
	var offset uint64
	sinceProgress := 0
	for {
		if op.cancelled() {
			return m.cancel(ctx, op)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sum.Write(chunk)

			// Readers often return the last bytes with a nil error and EOF
			// on the next call, so the size check marks the final chunk.
			final := readErr == io.EOF || offset+uint64(n) >= uint64(fi.Size())
			if err := m.emit(ctx, op, protocol.RespFileData, protocol.FileDataHeader{
				OperationID: op.ID,
				Offset:      offset,
				Final:       final,
			}, chunk); err != nil {
				return err
			}
			offset += uint64(n)
			m.countBytes("download", n)

			transferred, total := op.advance(uint64(n))
			sinceProgress += n
			if sinceProgress >= progressEvery && !final {
				sinceProgress = 0
				if err := m.progress(ctx, op, transferred, total, "download"); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read %s: %w", op.Path, readErr)
		}
	}

	return m.complete(ctx, op, protocol.SuccessHeader{
		OperationID: op.ID,
		Filename:    path.Base(op.Path),
		Size:        int64(offset),
		Checksum:    hex.EncodeToString(sum.Sum(nil)),
		MimeType:    mimeFor(op.Path),
	})
}

// runMetadata executes a metadata-only operation (mkdir/delete/rename/chmod).
// No checksum on completion.
func (m *Manager) runMetadata(ctx context.Context, op *Operation, call func() error) error {
	op.start(0)
	if op.cancelled() {
		return m.cancel(ctx, op)
	}
	if err := call(); err != nil {
		return fmt.Errorf("%s %s: %w", op.Kind, op.Path, err)
	}
	return m.complete(ctx, op, protocol.SuccessHeader{
		OperationID: op.ID,
		Filename:    op.Path,
	})
}

// complete commits the complete phase and emits the terminal success frame.
func (m *Manager) complete(ctx context.Context, op *Operation, hdr protocol.SuccessHeader) error {
	if !op.finish(PhaseComplete, hdr.Checksum) {
		return nil
	}
	m.finishAudit(op, "complete", "")
	return m.writer.WriteFrame(ctx, protocol.RespSuccess, hdr, nil)
}

// cancel commits the cancelled phase and emits the terminal frame.
func (m *Manager) cancel(ctx context.Context, op *Operation) error {
	if !op.finish(PhaseCancelled, "") {
		return nil
	}
	log.Printf("[transfer] session %s: operation %s cancelled", m.sessionID, op.ID)
	m.finishAudit(op, "cancelled", "")
	return m.writer.WriteFrame(ctx, protocol.RespError, protocol.ErrorHeader{
		OperationID:  op.ID,
		Kind:         string(PhaseCancelled),
		ErrorMessage: "operation cancelled",
	}, nil)
}

// fail commits the error phase and emits exactly one terminal error frame.
func (m *Manager) fail(ctx context.Context, op *Operation, cause error) {
	if !op.finish(PhaseError, "") {
		return
	}
	log.Printf("[transfer] session %s: operation %s (%s) failed: %v", m.sessionID, op.ID, op.Kind, cause)
	m.finishAudit(op, "error", cause.Error())
	m.writer.WriteFrame(ctx, protocol.RespError, protocol.ErrorHeader{
		OperationID:  op.ID,
		Kind:         string(faults.Classify(cause)),
		ErrorMessage: cause.Error(),
	}, nil)
}

// progress emits a progress frame. Never emitted after a terminal phase.
func (m *Manager) progress(ctx context.Context, op *Operation, transferred, total uint64, direction string) error {
	return m.emit(ctx, op, protocol.RespProgress, protocol.ProgressHeader{
		OperationID:      op.ID,
		BytesTransferred: transferred,
		TotalBytes:       total,
		Phase:            string(PhaseInProgress),
		Direction:        direction,
	}, nil)
}

// emit writes a non-terminal frame for an operation, dropping it if the
// operation has already reached a terminal phase.
func (m *Manager) emit(ctx context.Context, op *Operation, t protocol.MessageType, header any, payload []byte) error {
	if op.Phase().terminal() {
		return nil
	}
	return m.writer.WriteFrame(ctx, t, header, payload)
}

func (m *Manager) finishAudit(op *Operation, outcome, errMsg string) {
	transferred, _ := op.Progress()
	database.RecordTransfer(&database.TransferRecord{
		SessionID:   m.sessionID,
		OperationID: op.ID,
		Kind:        string(op.Kind),
		Path:        op.Path,
		Bytes:       transferred,
		Checksum:    op.Checksum(),
		Outcome:     outcome,
		Error:       errMsg,
	})
	if m.collector != nil {
		m.collector.TransferFinished(string(op.Kind), outcome)
	}
}

func (m *Manager) countBytes(direction string, n int) {
	if m.collector != nil {
		m.collector.TransferBytes(direction, n)
	}
}

func mimeFor(p string) string {
	if t := mime.TypeByExtension(path.Ext(p)); t != "" {
		return t
	}
	return "application/octet-stream"
}
