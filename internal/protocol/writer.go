package protocol

import "context"

// FrameWriter is implemented by anything that can put a frame on a session's
// outbound channel. Writes on one session are serialized by the implementation
// so frames are never interleaved mid-write.
type FrameWriter interface {
	WriteFrame(ctx context.Context, t MessageType, header any, payload []byte) error
}

// FrameWriterFunc adapts a function to FrameWriter.
type FrameWriterFunc func(ctx context.Context, t MessageType, header any, payload []byte) error

func (f FrameWriterFunc) WriteFrame(ctx context.Context, t MessageType, header any, payload []byte) error {
	return f(ctx, t, header, payload)
}
