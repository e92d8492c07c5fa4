package controlplane

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// socket wraps a single WebSocket connection with JSON-text-frame framing
// (spec §6.2: "unadorned text frames; binary frames are reserved for future
// use"). Adapted from the teacher's kernel/socket.go, which wrapped the
// same library around a binary 9P frame instead.
type socket struct {
	conn *websocket.Conn
}

// upgradeSocket accepts a WebSocket upgrade from an extension connection.
// Per spec §4.5.1 the server only ever accepts this on loopback.
func upgradeSocket(w http.ResponseWriter, r *http.Request) (*socket, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "127.0.0.1"},
	})
	if err != nil {
		return nil, fmt.Errorf("controlplane: websocket accept: %w", err)
	}
	return &socket{conn: conn}, nil
}

// dialSocket connects out to the server's extension endpoint, the
// cmd/bridge-extension side of the same upgrade upgradeSocket accepts.
// Reconnection policy (spec §4.5.4) lives with the caller, which wraps this
// in a pkg/backoff.Schedule loop.
func dialSocket(ctx context.Context, url string) (*socket, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("controlplane: websocket dial: %w", err)
	}
	return &socket{conn: conn}, nil
}

// readMessage blocks for the next text frame and returns its payload.
func (s *socket) readMessage(ctx context.Context) ([]byte, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("controlplane: unexpected binary frame")
	}
	return data, nil
}

// writeMessage sends data as a single text frame.
func (s *socket) writeMessage(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// close closes the underlying connection with the given reason.
func (s *socket) close(reason string) error {
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}
