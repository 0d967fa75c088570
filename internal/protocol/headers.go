// headers.go defines the per-message-type header blocks. Each message type
// has its own field set; the envelope carries the block as length-prefixed
// JSON so fields can be added without a wire version bump.

package protocol

import (
	"encoding/json"
	"fmt"
)

// ConnectHeader requests a new remote connection (MsgConnect) or carries the
// credentials for an in-flight one (MsgAuthenticate).
type ConnectHeader struct {
	CorrelationID string `json:"correlationId"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Username      string `json:"username"`
	AuthMode      string `json:"authMode"` // "password" or "key"
	Password      string `json:"password,omitempty"`
	PrivateKey    string `json:"privateKey,omitempty"`
	Cols          int    `json:"cols,omitempty"`
	Rows          int    `json:"rows,omitempty"`
}

// RegisteredHeader confirms session registration (MsgConnectionRegistered)
// and connection establishment (MsgConnected).
type RegisteredHeader struct {
	CorrelationID string `json:"correlationId"`
	SessionID     string `json:"sessionId"`
}

// PingHeader carries a keepalive or latency probe. ClientTime is the sender's
// wall clock in Unix milliseconds and is echoed verbatim in the pong.
type PingHeader struct {
	ProbeID      string `json:"probeId"`
	ClientTime   int64  `json:"clientTime"`
	LatencyProbe bool   `json:"latencyProbe,omitempty"` // dedicated measurement, not liveness
}

// LatencyHeader reports measured latency (MsgNetworkLatency).
type LatencyHeader struct {
	RTTMillis float64 `json:"rttMs"`
	AvgMillis float64 `json:"avgMs"`
	MinMillis float64 `json:"minMs"`
	MaxMillis float64 `json:"maxMs"`
	Samples   uint64  `json:"samples"`
}

// StatusHeader announces a session state change (MsgStatusUpdate).
type StatusHeader struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// ErrorHeader describes a failure (MsgError, RespError). OperationID is empty
// for session-level errors.
type ErrorHeader struct {
	OperationID  string `json:"operationId,omitempty"`
	Kind         string `json:"kind,omitempty"`
	ErrorMessage string `json:"errorMessage"`
}

// ResizeHeader changes the PTY dimensions (MsgResize). Applied immediately,
// never subject to flow control.
type ResizeHeader struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// CommandHeader runs a one-shot command on the remote endpoint (MsgCommand).
type CommandHeader struct {
	Command string `json:"command"`
}

// AckHeader carries the cumulative number of shell bytes the receiver has
// processed (MsgDataAck). The counter is monotonic and never exceeds the
// bytes actually sent.
type AckHeader struct {
	AckedBytes uint64 `json:"ackedBytes"`
}

// TransferHeader initiates a transfer operation (MsgSFTP*). Fields beyond
// OperationID and Path apply only to specific kinds: NewPath for rename,
// Mode for chmod, Size for uploads.
type TransferHeader struct {
	OperationID string `json:"operationId"`
	Path        string `json:"path,omitempty"`
	NewPath     string `json:"newPath,omitempty"`
	Mode        uint32 `json:"mode,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// SuccessHeader is the terminal frame of a successful operation
// (RespSuccess). Checksum is the SHA-256 of the transferred payload and is
// set for uploads and downloads only.
type SuccessHeader struct {
	OperationID string      `json:"operationId"`
	Filename    string      `json:"filename,omitempty"`
	Size        int64       `json:"size,omitempty"`
	Checksum    string      `json:"checksum,omitempty"`
	MimeType    string      `json:"mimeType,omitempty"`
	Listing     []FileEntry `json:"listing,omitempty"`
}

// FileEntry is one directory entry in a list result.
type FileEntry struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Mode    string `json:"mode"`
	IsDir   bool   `json:"isDir"`
	ModTime int64  `json:"modTime"` // Unix seconds
}

// ProgressHeader reports transfer progress (RespProgress). BytesTransferred
// is non-decreasing within one operation.
type ProgressHeader struct {
	OperationID      string `json:"operationId"`
	BytesTransferred uint64 `json:"bytesTransferred"`
	TotalBytes       uint64 `json:"totalBytes"`
	Phase            string `json:"phase"`
	Direction        string `json:"direction"` // "upload" or "download"
}

// FileDataHeader frames one chunk of file content (RespFileData).
type FileDataHeader struct {
	OperationID string `json:"operationId"`
	Offset      uint64 `json:"offset"`
	Final       bool   `json:"final"`
}

// FolderDataHeader frames one chunk of a packed folder download
// (RespFolderData). Each chunk is independently checksummed; the last chunk
// has Final=true and carries the summary plus any per-file failures collected
// during enumeration.
type FolderDataHeader struct {
	OperationID  string   `json:"operationId"`
	IsChunked    bool     `json:"isChunked"`
	ChunkIndex   int      `json:"chunkIndex"`
	Final        bool     `json:"final"`
	Checksum     string   `json:"checksum"`
	Summary      string   `json:"summary,omitempty"`
	SkippedFiles []string `json:"skippedFiles,omitempty"`
	ErrorFiles   []string `json:"errorFiles,omitempty"`
}

// MarshalHeader encodes a header block for the envelope.
func MarshalHeader(h any) ([]byte, error) {
	if h == nil {
		return nil, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	return b, nil
}

// UnmarshalHeader decodes a header block into dst. An empty block leaves dst
// untouched, matching messages that carry no header.
func UnmarshalHeader(block []byte, dst any) error {
	if len(block) == 0 {
		return nil
	}
	if err := json.Unmarshal(block, dst); err != nil {
		return fmt.Errorf("%w: header: %v", ErrMalformedFrame, err)
	}
	return nil
}
