// Package wire defines the attested tunnel's wire frames and inner
// messages, and a CBOR codec for both. Every frame and inner message
// carries a "type" discriminator so a single read loop can decode one
// envelope at a time and dispatch on it explicitly, rather than relying on
// event-emitter callbacks the way a browser-side implementation would.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Frame type discriminators, carried post-decryption as well for inner
// messages (a single "type" field does double duty at both layers).
const (
	TypeServerKX = "server_kx"
	TypeClientKX = "client_kx"
	TypeEnc      = "enc"

	TypeHTTPRequest     = "http_request"
	TypeHTTPResponse    = "http_response"
	TypeWSClientConnect = "ws_client_connect"
	TypeWSClientClose   = "ws_client_close"
	TypeWSMessage       = "ws_message"
	TypeWSEvent         = "ws_event"
)

// ServerKX is sent by the server immediately after the WebSocket upgrade:
// its X25519 public key and the attestation quote binding the session to
// the enclave that will hold the resulting symmetric key.
type ServerKX struct {
	Type            string `cbor:"type"`
	X25519PublicKey []byte `cbor:"x25519_public_key"`
	Quote           []byte `cbor:"quote"`
}

// ClientKX is sent by the client after it has verified ServerKX.Quote and
// generated a fresh symmetric key: the key, sealed anonymously to the
// server's X25519 public key.
type ClientKX struct {
	Type               string `cbor:"type"`
	SealedSymmetricKey []byte `cbor:"sealed_symmetric_key"`
}

// Enc wraps every post-handshake message: a random 24-byte nonce and the
// secretbox-sealed ciphertext of a CBOR-encoded inner message.
type Enc struct {
	Type       string `cbor:"type"`
	Nonce      []byte `cbor:"nonce"`
	Ciphertext []byte `cbor:"ciphertext"`
}

// HTTPRequest is a virtualized HTTP request tunneled by requestId.
type HTTPRequest struct {
	Type      string            `cbor:"type"`
	RequestID string            `cbor:"requestId"`
	Method    string            `cbor:"method"`
	URL       string            `cbor:"url"`
	Headers   map[string]string `cbor:"headers"`
	Body      []byte            `cbor:"body,omitempty"`
}

// HTTPResponse is the corresponding virtualized HTTP response.
type HTTPResponse struct {
	Type       string            `cbor:"type"`
	RequestID  string            `cbor:"requestId"`
	Status     int               `cbor:"status"`
	StatusText string            `cbor:"statusText"`
	Headers    map[string]string `cbor:"headers"`
	Body       []byte            `cbor:"body,omitempty"`
	Error      string            `cbor:"error,omitempty"`
}

// WSClientConnect asks the relay to open a virtual WebSocket sub-connection
// to url on behalf of the client.
type WSClientConnect struct {
	Type         string   `cbor:"type"`
	ConnectionID string   `cbor:"connectionId"`
	URL          string   `cbor:"url"`
	Protocols    []string `cbor:"protocols,omitempty"`
}

// WSClientClose asks the relay to close a virtual WebSocket sub-connection.
type WSClientClose struct {
	Type         string `cbor:"type"`
	ConnectionID string `cbor:"connectionId"`
	Code         int    `cbor:"code,omitempty"`
	Reason       string `cbor:"reason,omitempty"`
}

// DataType discriminates WSMessage.Data's original representation.
const (
	DataTypeString      = "string"
	DataTypeArrayBuffer = "arraybuffer"
)

// WSMessage carries one inbound or outbound virtual WebSocket message.
type WSMessage struct {
	Type         string `cbor:"type"`
	ConnectionID string `cbor:"connectionId"`
	Data         []byte `cbor:"data"`
	DataType     string `cbor:"dataType"`
}

// WS event types carried by WSEvent.EventType.
const (
	WSEventOpen  = "open"
	WSEventClose = "close"
	WSEventError = "error"
)

// WSEvent reports a lifecycle transition of a virtual WebSocket
// sub-connection: open, close (with code/reason), or error.
type WSEvent struct {
	Type         string `cbor:"type"`
	ConnectionID string `cbor:"connectionId"`
	EventType    string `cbor:"eventType"`
	Code         int    `cbor:"code,omitempty"`
	Reason       string `cbor:"reason,omitempty"`
	Error        string `cbor:"error,omitempty"`
}

type typeProbe struct {
	Type string `cbor:"type"`
}

// Marshal CBOR-encodes any frame or inner message value.
func Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

// DecodeFrame decodes a top-level frame (server_kx, client_kx, or enc) by
// probing its "type" field first, then decoding into the matching struct.
func DecodeFrame(raw []byte) (any, error) {
	var probe typeProbe
	if err := cbor.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("wire: decode frame type: %w", err)
	}
	switch probe.Type {
	case TypeServerKX:
		var v ServerKX
		return v, cbor.Unmarshal(raw, &v)
	case TypeClientKX:
		var v ClientKX
		return v, cbor.Unmarshal(raw, &v)
	case TypeEnc:
		var v Enc
		return v, cbor.Unmarshal(raw, &v)
	default:
		return nil, fmt.Errorf("wire: unexpected frame type %q", probe.Type)
	}
}

// DecodeInner decodes a decrypted inner message by probing its "type"
// field, then decoding into the matching struct.
func DecodeInner(raw []byte) (any, error) {
	var probe typeProbe
	if err := cbor.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("wire: decode inner message type: %w", err)
	}
	switch probe.Type {
	case TypeHTTPRequest:
		var v HTTPRequest
		return v, cbor.Unmarshal(raw, &v)
	case TypeHTTPResponse:
		var v HTTPResponse
		return v, cbor.Unmarshal(raw, &v)
	case TypeWSClientConnect:
		var v WSClientConnect
		return v, cbor.Unmarshal(raw, &v)
	case TypeWSClientClose:
		var v WSClientClose
		return v, cbor.Unmarshal(raw, &v)
	case TypeWSMessage:
		var v WSMessage
		return v, cbor.Unmarshal(raw, &v)
	case TypeWSEvent:
		var v WSEvent
		return v, cbor.Unmarshal(raw, &v)
	default:
		return nil, fmt.Errorf("wire: unexpected inner message type %q", probe.Type)
	}
}
