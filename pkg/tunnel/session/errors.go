package session

import (
	"errors"
	"time"
)

var (
	// ErrRequestTimeout indicates a pending HTTP request was not answered
	// within RequestTimeout.
	ErrRequestTimeout = errors.New("session: request timed out")

	// ErrDisconnected indicates the control socket closed while a request
	// was pending.
	ErrDisconnected = errors.New("session: control socket disconnected")

	// ErrDuplicateRequestID indicates a requestId collided with one
	// already pending in this session.
	ErrDuplicateRequestID = errors.New("session: duplicate requestId")

	// ErrDuplicateConnectionID indicates a connectionId collided with one
	// already open in this session.
	ErrDuplicateConnectionID = errors.New("session: duplicate connectionId")

	// ErrHandshakeNotComplete indicates a post-handshake message arrived
	// (or a send was attempted) before the symmetric key was installed.
	ErrHandshakeNotComplete = errors.New("session: handshake not complete")

	// ErrUnexpectedMessageType indicates a decoded frame or inner message
	// carried a "type" the receiver did not expect in its current state.
	ErrUnexpectedMessageType = errors.New("session: unexpected message type")
)

// DefaultRequestTimeout is the HTTP waiter timeout applied when
// DialOptions.RequestTimeout is left zero.
const DefaultRequestTimeout = 30 * time.Second

// ReconnectDelay is the client's ~1 second post-close reconnect delay.
const ReconnectDelay = time.Second
