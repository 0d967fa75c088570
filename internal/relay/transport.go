// Package relay accepts client WebSocket connections and runs one worker per
// session: it decodes inbound frames, dispatches them to the shell bridge,
// the transfer manager, and the keepalive controller, and tears the session
// down when either side goes away.
package relay

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// maxInboundMessage caps one WebSocket message (frame envelope included).
const maxInboundMessage = 4 * 1024 * 1024

// wsTransport adapts a *websocket.Conn to session.Transport. Frames travel
// as binary WebSocket messages, one frame per message.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadLimit(maxInboundMessage)
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	msgType, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if msgType != websocket.MessageBinary {
		return nil, fmt.Errorf("unexpected %v message, protocol frames are binary", msgType)
	}
	return data, nil
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageBinary, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
