package transfer

import (
	"sync"
	"time"
)

// Kind identifies the type of transfer operation.
type Kind string

const (
	KindList           Kind = "list"
	KindUpload         Kind = "upload"
	KindDownload       Kind = "download"
	KindMkdir          Kind = "mkdir"
	KindDelete         Kind = "delete"
	KindRename         Kind = "rename"
	KindChmod          Kind = "chmod"
	KindFolderDownload Kind = "folder_download"
)

// Phase is the lifecycle phase of one operation:
// init -> in_progress -> progress* -> complete | error | cancelled.
type Phase string

const (
	PhaseInit       Phase = "init"
	PhaseInProgress Phase = "in_progress"
	PhaseProgress   Phase = "progress"
	PhaseComplete   Phase = "complete"
	PhaseError      Phase = "error"
	PhaseCancelled  Phase = "cancelled"
)

// terminal reports whether p is a terminal phase.
func (p Phase) terminal() bool {
	return p == PhaseComplete || p == PhaseError || p == PhaseCancelled
}

// Operation is one transfer state machine, independent of other operations
// on the same session. It is owned by the Manager and destroyed when a
// terminal phase is reached, or on session teardown.
type Operation struct {
	ID        string
	Kind      Kind
	Path      string
	CreatedAt time.Time

	mu               sync.Mutex
	phase            Phase
	bytesTransferred uint64
	totalBytes       uint64
	checksum         string
	cancelRequested  bool

	// closeAck is signaled when the client acknowledges the final folder
	// chunk (SFTP_CLOSE). Only folder downloads wait on it.
	closeAck chan struct{}
}

func newOperation(id string, kind Kind, path string) *Operation {
	return &Operation{
		ID:        id,
		Kind:      kind,
		Path:      path,
		CreatedAt: time.Now(),
		phase:     PhaseInit,
		closeAck:  make(chan struct{}, 1),
	}
}

// Phase returns the current phase.
func (op *Operation) Phase() Phase {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.phase
}

// Progress returns the byte counters.
func (op *Operation) Progress() (transferred, total uint64) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.bytesTransferred, op.totalBytes
}

// Checksum returns the payload checksum set at completion.
func (op *Operation) Checksum() string {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.checksum
}

// requestCancel sets the cooperative cancellation flag. It reports false if
// the operation is already terminal, making cancel-after-complete a no-op.
func (op *Operation) requestCancel() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.phase.terminal() {
		return false
	}
	op.cancelRequested = true
	return true
}

// cancelled reports whether cancellation was requested. Checked at chunk
// boundaries.
func (op *Operation) cancelled() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.cancelRequested
}

// start moves init -> in_progress.
func (op *Operation) start(total uint64) {
	op.mu.Lock()
	op.phase = PhaseInProgress
	op.totalBytes = total
	op.mu.Unlock()
}

// advance adds transferred bytes; the counter is non-decreasing.
func (op *Operation) advance(n uint64) (transferred, total uint64) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.bytesTransferred += n
	if op.phase == PhaseInProgress {
		op.phase = PhaseProgress
	}
	return op.bytesTransferred, op.totalBytes
}

// finish commits a terminal phase. It returns false if the operation was
// already terminal; the first terminal phase wins and no frames may be
// emitted after it.
func (op *Operation) finish(phase Phase, checksum string) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.phase.terminal() {
		return false
	}
	op.phase = phase
	op.checksum = checksum
	return true
}

// ackClose signals that the client acknowledged the final folder chunk.
func (op *Operation) ackClose() {
	select {
	case op.closeAck <- struct{}{}:
	default:
	}
}
