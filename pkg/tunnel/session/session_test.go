package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/virtengine/attested-tunnel/pkg/tunnel/cryptobox"
	"github.com/virtengine/attested-tunnel/pkg/tunnel/wire"
)

// fakeTransport is an in-memory Transport standing in for a real socket:
// ReadFrame drains in, WriteFrame pushes to out, matching the shape a test
// driving the opposite side of the session expects.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	mu     sync.Mutex
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16), out: make(chan []byte, 16)}
}

func (t *fakeTransport) ReadFrame() ([]byte, error) {
	data, ok := <-t.in
	if !ok {
		return nil, ErrDisconnected
	}
	return data, nil
}

func (t *fakeTransport) WriteFrame(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrDisconnected
	}
	t.out <- data
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.in)
	return nil
}

type echoHTTPHandler struct{}

func (echoHTTPHandler) HandleHTTPRequest(_ context.Context, req wire.HTTPRequest) wire.HTTPResponse {
	return wire.HTTPResponse{Status: 200, StatusText: "OK", Body: req.Body}
}

type noopWSHandler struct{}

func (noopWSHandler) OnConnect(*Server, string, string, []string) error { return nil }
func (noopWSHandler) OnMessage(*Server, string, []byte, bool)           {}
func (noopWSHandler) OnClose(*Server, string, int, string)              {}

// readFrame pulls the next frame the server wrote and decodes it.
func readFrame(t *testing.T, transport *fakeTransport) any {
	t.Helper()
	select {
	case raw := <-transport.out:
		frame, err := wire.DecodeFrame(raw)
		require.NoError(t, err)
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server frame")
		return nil
	}
}

// handshake drives a fake client through the key exchange against srv
// (already running via Run in a goroutine) and returns the shared key.
func handshake(t *testing.T, transport *fakeTransport) *[cryptobox.KeySize]byte {
	t.Helper()
	kxFrame := readFrame(t, transport)
	kx, ok := kxFrame.(wire.ServerKX)
	require.True(t, ok, "expected server_kx first")

	var serverPub [cryptobox.X25519KeySize]byte
	copy(serverPub[:], kx.X25519PublicKey)

	key, err := cryptobox.NewKey()
	require.NoError(t, err)
	sealed, err := cryptobox.SealAnonymous(&serverPub, key[:])
	require.NoError(t, err)

	raw, err := wire.Marshal(wire.ClientKX{Type: wire.TypeClientKX, SealedSymmetricKey: sealed})
	require.NoError(t, err)
	transport.in <- raw

	return key
}

func sendEncrypted(t *testing.T, transport *fakeTransport, key *[cryptobox.KeySize]byte, inner any) {
	t.Helper()
	plaintext, err := wire.Marshal(inner)
	require.NoError(t, err)
	nonce, ciphertext, err := cryptobox.Seal(key, plaintext)
	require.NoError(t, err)
	raw, err := wire.Marshal(wire.Enc{Type: wire.TypeEnc, Nonce: nonce[:], Ciphertext: ciphertext})
	require.NoError(t, err)
	transport.in <- raw
}

func recvEncrypted(t *testing.T, transport *fakeTransport, key *[cryptobox.KeySize]byte) any {
	t.Helper()
	frame := readFrame(t, transport)
	enc, ok := frame.(wire.Enc)
	require.True(t, ok, "expected enc frame")
	var nonce [cryptobox.NonceSize]byte
	copy(nonce[:], enc.Nonce)
	plaintext, err := cryptobox.Open(key, nonce, enc.Ciphertext)
	require.NoError(t, err)
	inner, err := wire.DecodeInner(plaintext)
	require.NoError(t, err)
	return inner
}

func TestHandshakeAndHTTPRoundTrip(t *testing.T) {
	transport := newFakeTransport()
	srv, err := NewServer(transport, []byte("quote-bytes"), echoHTTPHandler{}, noopWSHandler{}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Run(ctx) }()

	key := handshake(t, transport)

	sendEncrypted(t, transport, key, wire.HTTPRequest{
		Type: wire.TypeHTTPRequest, RequestID: "req-1", Method: "GET", URL: "/ping", Body: []byte("hello"),
	})

	inner := recvEncrypted(t, transport, key)
	resp, ok := inner.(wire.HTTPResponse)
	require.True(t, ok)
	require.Equal(t, "req-1", resp.RequestID)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, []byte("hello"), resp.Body)
}

func TestDuplicateClientKXIgnored(t *testing.T) {
	transport := newFakeTransport()
	srv, err := NewServer(transport, nil, echoHTTPHandler{}, noopWSHandler{}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Run(ctx) }()

	key := handshake(t, transport)

	// A second client_kx with a brand new key must be ignored: the
	// session's key stays whatever was installed first.
	otherKey, err := cryptobox.NewKey()
	require.NoError(t, err)
	sealed, err := cryptobox.SealAnonymous(srv.serverPub, otherKey[:])
	require.NoError(t, err)
	raw, err := wire.Marshal(wire.ClientKX{Type: wire.TypeClientKX, SealedSymmetricKey: sealed})
	require.NoError(t, err)
	transport.in <- raw

	// Give the server loop a moment to process (and ignore) the duplicate.
	time.Sleep(50 * time.Millisecond)

	sendEncrypted(t, transport, key, wire.HTTPRequest{
		Type: wire.TypeHTTPRequest, RequestID: "req-2", Method: "GET", URL: "/", Body: nil,
	})
	inner := recvEncrypted(t, transport, key)
	resp, ok := inner.(wire.HTTPResponse)
	require.True(t, ok)
	require.Equal(t, "req-2", resp.RequestID)
}

func TestEncBeforeHandshakeDropped(t *testing.T) {
	transport := newFakeTransport()
	srv, err := NewServer(transport, nil, echoHTTPHandler{}, noopWSHandler{}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Run(ctx) }()

	// Read server_kx but never send client_kx.
	readFrame(t, transport)

	key, err := cryptobox.NewKey()
	require.NoError(t, err)
	sendEncrypted(t, transport, key, wire.HTTPRequest{
		Type: wire.TypeHTTPRequest, RequestID: "req-3", Method: "GET", URL: "/", Body: nil,
	})

	select {
	case <-transport.out:
		t.Fatal("server should not reply before the handshake completes")
	case <-time.After(100 * time.Millisecond):
	}
}
