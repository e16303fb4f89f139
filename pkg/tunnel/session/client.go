package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/virtengine/attested-tunnel/pkg/tunnel/cryptobox"
	"github.com/virtengine/attested-tunnel/pkg/tunnel/wire"
)

// QuoteVerifier is the client-supplied policy over the server's
// attestation quote: parse, cryptographically verify, check trust, and
// judge measurements, all in one call (this is exactly qvl.Verify plus an
// Options.Match closure in the common case).
type QuoteVerifier func(quoteBytes []byte) error

// ClientWSHandler receives events and messages for virtual WebSocket
// sub-connections the client opened.
type ClientWSHandler interface {
	OnEvent(connID string, ev wire.WSEvent)
	OnMessage(connID string, data []byte, isText bool)
}

type httpResult struct {
	resp wire.HTTPResponse
	err  error
}

// Client is the client-side (Go peer/node) half of one attested tunnel
// control socket.
type Client struct {
	transport Transport
	writeMu   sync.Mutex

	symmetricKey *[cryptobox.KeySize]byte

	mu      sync.Mutex
	pending map[string]chan httpResult
	timers  map[string]*time.Timer
	closed  bool

	requestTimeout time.Duration
	wsHandler      ClientWSHandler
	logger         zerolog.Logger

	onClose chan struct{}
}

// DialOptions configures Connect.
type DialOptions struct {
	// Verify is required: it is the only thing standing between the
	// client and a relay that never proves it runs inside a TEE.
	Verify           QuoteVerifier
	WSHandler        ClientWSHandler
	RequestTimeout   time.Duration
	Logger           zerolog.Logger
	HandshakeTimeout time.Duration
}

// Connect dials url (ws(s)://host/__ra__), performs the attested
// handshake, and returns a running Client. The returned Client's read loop
// runs in a background goroutine until the socket closes.
func Connect(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	if opts.Verify == nil {
		return nil, fmt.Errorf("session: DialOptions.Verify is required")
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("session: dialing %s: %w", url, err)
	}
	transport := NewWebSocketTransport(conn)

	c := &Client{
		transport:      transport,
		pending:        make(map[string]chan httpResult),
		timers:         make(map[string]*time.Timer),
		requestTimeout: opts.RequestTimeout,
		wsHandler:      opts.WSHandler,
		logger:         opts.Logger.With().Str("session_id", newID()).Logger(),
		onClose:        make(chan struct{}),
	}

	raw, err := transport.ReadFrame()
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("session: reading server_kx: %w", err)
	}
	frame, err := wire.DecodeFrame(raw)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("session: decoding server_kx: %w", err)
	}
	kx, ok := frame.(wire.ServerKX)
	if !ok {
		_ = transport.Close()
		return nil, fmt.Errorf("%w: expected server_kx first", ErrUnexpectedMessageType)
	}
	if len(kx.X25519PublicKey) != cryptobox.X25519KeySize {
		_ = transport.Close()
		return nil, fmt.Errorf("session: server_kx public key has wrong size")
	}

	if err := opts.Verify(kx.Quote); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("session: attestation quote rejected: %w", err)
	}

	var serverPub [cryptobox.X25519KeySize]byte
	copy(serverPub[:], kx.X25519PublicKey)

	key, err := cryptobox.NewKey()
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	sealed, err := cryptobox.SealAnonymous(&serverPub, key[:])
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	if err := c.writeFrame(wire.ClientKX{Type: wire.TypeClientKX, SealedSymmetricKey: sealed}); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("session: sending client_kx: %w", err)
	}
	c.symmetricKey = key

	go c.readLoop()
	return c, nil
}

// Done is closed when the session's control socket has closed.
func (c *Client) Done() <-chan struct{} { return c.onClose }

func (c *Client) readLoop() {
	for {
		raw, err := c.transport.ReadFrame()
		if err != nil {
			c.teardown(ErrDisconnected)
			return
		}
		frame, err := wire.DecodeFrame(raw)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		enc, ok := frame.(wire.Enc)
		if !ok {
			c.logger.Warn().Msg("dropping non-enc frame on established client session")
			continue
		}
		c.handleEnc(enc)
	}
}

func (c *Client) handleEnc(f wire.Enc) {
	if len(f.Nonce) != cryptobox.NonceSize {
		return
	}
	var nonce [cryptobox.NonceSize]byte
	copy(nonce[:], f.Nonce)

	plaintext, err := cryptobox.Open(c.symmetricKey, nonce, f.Ciphertext)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping envelope that failed to decrypt")
		return
	}
	inner, err := wire.DecodeInner(plaintext)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping envelope with malformed inner message")
		return
	}

	switch m := inner.(type) {
	case wire.HTTPResponse:
		c.resolveRequest(m.RequestID, httpResult{resp: m})
	case wire.WSEvent:
		if c.wsHandler != nil {
			c.wsHandler.OnEvent(m.ConnectionID, m)
		}
	case wire.WSMessage:
		if c.wsHandler != nil {
			c.wsHandler.OnMessage(m.ConnectionID, m.Data, m.DataType == wire.DataTypeString)
		}
	default:
		c.logger.Warn().Msg("dropping inner message of unexpected type on client leg")
	}
}

// Fetch sends an http_request and blocks until the matching http_response
// arrives, the request times out after RequestTimeout, or the socket
// disconnects.
func (c *Client) Fetch(ctx context.Context, method, url string, headers map[string]string, body []byte) (wire.HTTPResponse, error) {
	requestID := uuid.NewString()
	resultCh := make(chan httpResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.HTTPResponse{}, ErrDisconnected
	}
	c.pending[requestID] = resultCh
	c.timers[requestID] = time.AfterFunc(c.requestTimeout, func() {
		c.resolveRequest(requestID, httpResult{err: ErrRequestTimeout})
	})
	c.mu.Unlock()

	req := wire.HTTPRequest{Type: wire.TypeHTTPRequest, RequestID: requestID, Method: method, URL: url, Headers: headers, Body: body}
	if err := c.sendEncrypted(req); err != nil {
		c.resolveRequest(requestID, httpResult{err: err})
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return wire.HTTPResponse{}, res.err
		}
		return res.resp, nil
	case <-ctx.Done():
		c.resolveRequest(requestID, httpResult{err: ctx.Err()})
		return wire.HTTPResponse{}, ctx.Err()
	}
}

func (c *Client) resolveRequest(requestID string, res httpResult) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	if t, ok := c.timers[requestID]; ok {
		t.Stop()
		delete(c.timers, requestID)
	}
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}

// OpenWS sends ws_client_connect for a fresh connectionId and returns it.
func (c *Client) OpenWS(url string, protocols []string) (string, error) {
	connID := uuid.NewString()
	msg := wire.WSClientConnect{Type: wire.TypeWSClientConnect, ConnectionID: connID, URL: url, Protocols: protocols}
	if err := c.sendEncrypted(msg); err != nil {
		return "", err
	}
	return connID, nil
}

// SendWS sends one message on an already-open virtual WebSocket
// sub-connection.
func (c *Client) SendWS(connID string, data []byte, isText bool) error {
	dataType := wire.DataTypeArrayBuffer
	if isText {
		dataType = wire.DataTypeString
	}
	return c.sendEncrypted(wire.WSMessage{Type: wire.TypeWSMessage, ConnectionID: connID, Data: data, DataType: dataType})
}

// CloseWS asks the relay to close connID.
func (c *Client) CloseWS(connID string, code int, reason string) error {
	return c.sendEncrypted(wire.WSClientClose{Type: wire.TypeWSClientClose, ConnectionID: connID, Code: code, Reason: reason})
}

func (c *Client) sendEncrypted(inner any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrDisconnected
	}
	plaintext, err := wire.Marshal(inner)
	if err != nil {
		return fmt.Errorf("session: encoding inner message: %w", err)
	}
	nonce, ciphertext, err := cryptobox.Seal(c.symmetricKey, plaintext)
	if err != nil {
		return err
	}
	return c.writeFrame(wire.Enc{Type: wire.TypeEnc, Nonce: nonce[:], Ciphertext: ciphertext})
}

func (c *Client) writeFrame(v any) error {
	raw, err := wire.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: encoding frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteFrame(raw)
}

// Close closes the underlying transport and fails every pending waiter.
func (c *Client) Close() {
	c.teardown(ErrDisconnected)
	_ = c.transport.Close()
}

func (c *Client) teardown(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan httpResult)
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[string]*time.Timer)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- httpResult{err: reason}
	}
	close(c.onClose)
}
