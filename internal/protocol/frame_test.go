package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		msgType   MessageType
		sessionID string
		header    []byte
		payload   []byte
	}{
		{"control no header no payload", MsgHeartbeat, "s1", nil, nil},
		{"shell data", MsgData, "0b8f9c52-6a1e-4f7d-9c3b-2f4e8a1d5c6e", nil, []byte("hello from the pty")},
		{"header only", MsgStatusUpdate, "sess", []byte(`{"state":"connected"}`), nil},
		{"header and payload", RespFileData, "sess", []byte(`{"operationId":"op-1","offset":0}`), bytes.Repeat([]byte{0xAB}, 4096)},
		{"empty session id", MsgHandshake, "", nil, nil},
		{"binary payload with frame magic inside", MsgData, "s", nil, []byte("ESSH embedded magic")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := Encode(tt.msgType, tt.sessionID, tt.header, tt.payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			f, err := Decode(buf)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if f.Type != tt.msgType {
				t.Errorf("Type = %v, want %v", f.Type, tt.msgType)
			}
			if f.SessionID != tt.sessionID {
				t.Errorf("SessionID = %q, want %q", f.SessionID, tt.sessionID)
			}
			if !bytes.Equal(f.Header, tt.header) && !(len(f.Header) == 0 && len(tt.header) == 0) {
				t.Errorf("Header = %q, want %q", f.Header, tt.header)
			}
			if !bytes.Equal(f.Payload, tt.payload) && !(len(f.Payload) == 0 && len(tt.payload) == 0) {
				t.Errorf("Payload length = %d, want %d", len(f.Payload), len(tt.payload))
			}
		})
	}
}

func TestEncodeSessionIDTooLong(t *testing.T) {
	if _, err := Encode(MsgData, strings.Repeat("x", 256), nil, nil); err == nil {
		t.Fatal("expected error for oversized session id")
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := Encode(MsgData, "sess", []byte(`{}`), []byte("payload"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"short prefix", valid[:5]},
		{"bad magic", append([]byte("XSSH"), valid[4:]...)},
		{"bad version", func() []byte {
			b := append([]byte(nil), valid...)
			b[4] = 99
			return b
		}()},
		{"truncated session id", valid[:7]},
		{"truncated header", valid[:13]},
		{"truncated payload", valid[:len(valid)-3]},
		{"trailing garbage", append(append([]byte(nil), valid...), 0x00)},
		{"header length overruns frame", func() []byte {
			b := append([]byte(nil), valid...)
			// headerLen lives right after the 4-byte session id
			b[11] = 0xFF
			return b
		}()},
		{"header length near uint32 max", func() []byte {
			// Large enough to wrap a 32-bit int; must fail cleanly, not panic.
			b := append([]byte(nil), valid...)
			b[11], b[12], b[13], b[14] = 0xFF, 0xFF, 0xFF, 0xFF
			return b
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.buf)
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Decode error = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestMessageTypeRanges(t *testing.T) {
	tests := []struct {
		t        MessageType
		control  bool
		shell    bool
		transfer bool
		response bool
	}{
		{MsgHandshake, true, false, false, false},
		{MsgStatusUpdate, true, false, false, false},
		{MsgData, false, true, false, false},
		{MsgDataAck, false, true, false, false},
		{MsgSFTPInit, false, false, true, false},
		{MsgSFTPCancel, false, false, true, false},
		{RespSuccess, false, false, false, true},
		{RespFolderData, false, false, false, true},
	}

	for _, tt := range tests {
		if got := tt.t.IsControl(); got != tt.control {
			t.Errorf("%v.IsControl() = %v, want %v", tt.t, got, tt.control)
		}
		if got := tt.t.IsShell(); got != tt.shell {
			t.Errorf("%v.IsShell() = %v, want %v", tt.t, got, tt.shell)
		}
		if got := tt.t.IsTransfer(); got != tt.transfer {
			t.Errorf("%v.IsTransfer() = %v, want %v", tt.t, got, tt.transfer)
		}
		if got := tt.t.IsResponse(); got != tt.response {
			t.Errorf("%v.IsResponse() = %v, want %v", tt.t, got, tt.response)
		}
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	in := ProgressHeader{
		OperationID:      "op-42",
		BytesTransferred: 1 << 20,
		TotalBytes:       10 << 20,
		Phase:            "in_progress",
		Direction:        "download",
	}
	block, err := MarshalHeader(in)
	if err != nil {
		t.Fatalf("MarshalHeader: %v", err)
	}

	var out ProgressHeader
	if err := UnmarshalHeader(block, &out); err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestUnmarshalHeaderMalformed(t *testing.T) {
	var h StatusHeader
	if err := UnmarshalHeader([]byte("{not json"), &h); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("error = %v, want ErrMalformedFrame", err)
	}
	// Empty block is not an error
	if err := UnmarshalHeader(nil, &h); err != nil {
		t.Errorf("empty block: %v", err)
	}
}
