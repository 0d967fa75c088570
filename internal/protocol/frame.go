// Package protocol implements the binary session protocol spoken between
// browser clients and the relay.
//
// Every frame shares one envelope:
//
//	[magic "ESSH":4][version:1][type:1]
//	[sessionIdLen:1][sessionId]
//	[headerLen:4][header]
//	[payloadLen:4][payload]
//
// All multi-byte integers are big-endian. The header section is a
// length-prefixed JSON block whose schema depends on the message type (see
// headers.go), so type-specific fields can be added without changing the
// framing. The payload is an opaque byte range: terminal output, raw file
// contents, or packed folder chunks. Control and metadata-only messages carry
// an empty payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the protocol version carried in every frame.
const Version byte = 1

// Magic is the four-byte constant that opens every frame.
var Magic = [4]byte{'E', 'S', 'S', 'H'}

// MaxSessionIDLen bounds the session id section (one length byte).
const MaxSessionIDLen = 255

// fixedPrefixLen is magic + version + type + sessionIdLen.
const fixedPrefixLen = 4 + 1 + 1 + 1

// ErrMalformedFrame is returned by Decode for any frame that fails envelope
// validation: bad magic, unsupported version, truncated section, or a
// declared length that does not match the bytes available. Malformed frames
// are rejected here and never reach component logic.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one decoded unit of the protocol.
type Frame struct {
	Type      MessageType
	SessionID string
	Header    []byte // JSON block, schema depends on Type
	Payload   []byte
}

// Encode serializes a frame. Header and payload may be nil.
func Encode(t MessageType, sessionID string, header, payload []byte) ([]byte, error) {
	if len(sessionID) > MaxSessionIDLen {
		return nil, fmt.Errorf("session id too long: %d bytes", len(sessionID))
	}

	total := fixedPrefixLen + len(sessionID) + 4 + len(header) + 4 + len(payload)
	buf := make([]byte, total)

	copy(buf[0:4], Magic[:])
	buf[4] = Version
	buf[5] = byte(t)
	buf[6] = byte(len(sessionID))
	off := fixedPrefixLen
	off += copy(buf[off:], sessionID)

	binary.BigEndian.PutUint32(buf[off:], uint32(len(header)))
	off += 4
	off += copy(buf[off:], header)

	binary.BigEndian.PutUint32(buf[off:], uint32(len(payload)))
	off += 4
	copy(buf[off:], payload)

	return buf, nil
}

// Decode parses a frame from buf. The returned Frame's Header and Payload
// alias buf; callers that retain them past the next transport read must copy.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < fixedPrefixLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(buf), fixedPrefixLen)
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return nil, fmt.Errorf("%w: bad magic %x", ErrMalformedFrame, buf[0:4])
	}
	if buf[4] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, buf[4])
	}

	f := &Frame{Type: MessageType(buf[5])}
	sidLen := int(buf[6])
	off := fixedPrefixLen

	if len(buf) < off+sidLen+4 {
		return nil, fmt.Errorf("%w: truncated session id", ErrMalformedFrame)
	}
	f.SessionID = string(buf[off : off+sidLen])
	off += sidLen

	// Length arithmetic stays in uint64 so a declared length near 2^32
	// cannot wrap int on 32-bit platforms and sneak past the bounds check.
	headerLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if uint64(len(buf)) < uint64(off)+uint64(headerLen)+4 {
		return nil, fmt.Errorf("%w: declared header length %d exceeds frame", ErrMalformedFrame, headerLen)
	}
	f.Header = buf[off : off+int(headerLen)]
	off += int(headerLen)

	payloadLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if uint64(len(buf)) != uint64(off)+uint64(payloadLen) {
		return nil, fmt.Errorf("%w: declared payload length %d, have %d bytes", ErrMalformedFrame, payloadLen, len(buf)-off)
	}
	f.Payload = buf[off:]

	return f, nil
}
