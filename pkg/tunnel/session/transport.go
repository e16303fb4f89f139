// Package session implements the attested tunnel's control-socket state
// machine: the key-exchange handshake, per-socket symmetric-key install
// (at most once), the encrypted envelope read/write loop, and the
// request/connection multiplexing maps the HTTP and WebSocket adapters
// build on.
package session

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// Transport is the minimal framed duplex the session needs: whole binary
// CBOR frames in, whole binary CBOR frames out. It exists so the session
// state machine can be tested without a real network socket.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// wsTransport adapts a *websocket.Conn to Transport, always using binary
// messages: every frame on this wire is CBOR.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an established WebSocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	msgType, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("session: expected binary frame, got message type %d", msgType)
	}
	return data, nil
}

func (t *wsTransport) WriteFrame(data []byte) error {
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
