package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/virtengine/attested-tunnel/pkg/tunnel/cryptobox"
	"github.com/virtengine/attested-tunnel/pkg/tunnel/wire"
)

// HTTPHandler materializes a tunneled HTTP request into the host
// application and returns the response to relay back. It is called once
// per http_request, concurrently with other in-flight requests on the
// same session.
type HTTPHandler interface {
	HandleHTTPRequest(ctx context.Context, req wire.HTTPRequest) wire.HTTPResponse
}

// WSHandler registers virtual WebSocket sub-connections with the host
// application's WebSocket-server abstraction.
type WSHandler interface {
	// OnConnect is called when the client asks to open connID to url. An
	// error rejects the connection (the session emits an error event).
	OnConnect(s *Server, connID, url string, protocols []string) error
	// OnMessage forwards an inbound message on an already-open connection.
	OnMessage(s *Server, connID string, data []byte, isText bool)
	// OnClose notifies the host side that the client closed connID (or
	// that the session itself is tearing down).
	OnClose(s *Server, connID string, code int, reason string)
}

// Server is the server-side half of one attested tunnel control socket:
// one per accepted /__ra__ WebSocket connection.
type Server struct {
	ID string

	transport Transport
	writeMu   sync.Mutex

	serverPub  *[cryptobox.X25519KeySize]byte
	serverPriv *[cryptobox.X25519KeySize]byte
	quote      []byte

	mu           sync.Mutex
	symmetricKey *[cryptobox.KeySize]byte
	wsConnIDs    map[string]struct{}
	reqIDs       map[string]struct{}
	closed       bool

	httpHandler HTTPHandler
	wsHandler   WSHandler
	logger      zerolog.Logger
}

// NewServer constructs a server-side session with a fresh, ephemeral X25519
// key pair. quoteBytes is the attestation evidence sent to the client as
// part of ServerKX.
func NewServer(transport Transport, quoteBytes []byte, httpHandler HTTPHandler, wsHandler WSHandler, logger zerolog.Logger) (*Server, error) {
	pub, priv, err := cryptobox.GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return newServer(transport, pub, priv, quoteBytes, httpHandler, wsHandler, logger), nil
}

// NewServerWithStaticKey constructs a server-side session using a
// caller-provisioned, persistent X25519 private key rather than a fresh
// one, so the server's key-exchange identity stays stable across restarts
// and reconnects even though the attestation quote binding (not the X25519
// key itself) is what a client's policy ultimately trusts.
func NewServerWithStaticKey(transport Transport, staticPrivateKey *[cryptobox.X25519KeySize]byte, quoteBytes []byte, httpHandler HTTPHandler, wsHandler WSHandler, logger zerolog.Logger) (*Server, error) {
	pub, err := cryptobox.DerivePublicFromPrivate(staticPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("session: deriving static server public key: %w", err)
	}
	return newServer(transport, pub, staticPrivateKey, quoteBytes, httpHandler, wsHandler, logger), nil
}

func newServer(transport Transport, pub, priv *[cryptobox.X25519KeySize]byte, quoteBytes []byte, httpHandler HTTPHandler, wsHandler WSHandler, logger zerolog.Logger) *Server {
	id := newID()
	return &Server{
		ID:          id,
		transport:   transport,
		serverPub:   pub,
		serverPriv:  priv,
		quote:       quoteBytes,
		wsConnIDs:   make(map[string]struct{}),
		reqIDs:      make(map[string]struct{}),
		httpHandler: httpHandler,
		wsHandler:   wsHandler,
		logger:      logger.With().Str("session_id", id).Logger(),
	}
}

// Run performs the handshake and then serves the read loop until the
// transport closes or ctx is cancelled. It always returns a non-nil error
// (including context.Canceled on a clean shutdown) so callers can log the
// reason consistently.
func (s *Server) Run(ctx context.Context) error {
	kx := wire.ServerKX{Type: wire.TypeServerKX, X25519PublicKey: s.serverPub[:], Quote: s.quote}
	if err := s.writeFrame(kx); err != nil {
		return fmt.Errorf("session: sending server_kx: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.Close(1001, "server shutting down")
			return ctx.Err()
		default:
		}

		raw, err := s.transport.ReadFrame()
		if err != nil {
			s.Close(1006, "read error")
			return fmt.Errorf("session: read frame: %w", err)
		}

		frame, err := wire.DecodeFrame(raw)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch f := frame.(type) {
		case wire.ClientKX:
			s.installKey(f)
		case wire.Enc:
			s.handleEnc(ctx, f)
		default:
			// server_kx from a client, or any other unsupported frame: a
			// protocol error, but we drop rather than tear down the
			// socket over a single bad frame.
			s.logger.Warn().Msg("dropping unexpected frame type from client")
		}
	}
}

// installKey opens the sealed symmetric key and installs it, but only the
// first time: "any subsequent key-install message is ignored."
func (s *Server) installKey(f wire.ClientKX) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.symmetricKey != nil {
		s.logger.Debug().Msg("ignoring duplicate client_kx")
		return
	}
	plain, err := cryptobox.OpenAnonymous(s.serverPub, s.serverPriv, f.SealedSymmetricKey)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to open sealed symmetric key")
		return
	}
	if len(plain) != cryptobox.KeySize {
		s.logger.Warn().Int("len", len(plain)).Msg("unsealed key has wrong size")
		return
	}
	var key [cryptobox.KeySize]byte
	copy(key[:], plain)
	s.symmetricKey = &key
}

func (s *Server) currentKey() *[cryptobox.KeySize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.symmetricKey
}

// handleEnc decrypts one envelope and dispatches its inner message. HTTP
// requests are handled on their own goroutine so that concurrent fetches
// interleave; every other frame type is handled inline since its work is
// already asynchronous at the application layer (the WS handler is
// expected to return quickly and emit events of its own).
func (s *Server) handleEnc(ctx context.Context, f wire.Enc) {
	key := s.currentKey()
	if key == nil {
		s.logger.Warn().Msg("dropping encrypted message before handshake completed")
		return
	}
	if len(f.Nonce) != cryptobox.NonceSize {
		s.logger.Warn().Msg("dropping envelope with malformed nonce")
		return
	}
	var nonce [cryptobox.NonceSize]byte
	copy(nonce[:], f.Nonce)

	plaintext, err := cryptobox.Open(key, nonce, f.Ciphertext)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping envelope that failed to decrypt")
		return
	}

	inner, err := wire.DecodeInner(plaintext)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping envelope with malformed inner message")
		return
	}

	switch m := inner.(type) {
	case wire.HTTPRequest:
		go s.handleHTTPRequest(ctx, m)
	case wire.WSClientConnect:
		s.handleWSConnect(m)
	case wire.WSClientClose:
		s.handleWSClose(m)
	case wire.WSMessage:
		s.handleWSMessage(m)
	default:
		s.logger.Warn().Msg("dropping inner message of unexpected type on server leg")
	}
}

func (s *Server) handleHTTPRequest(ctx context.Context, req wire.HTTPRequest) {
	s.mu.Lock()
	if _, exists := s.reqIDs[req.RequestID]; exists {
		s.mu.Unlock()
		s.logger.Warn().Err(ErrDuplicateRequestID).Str("requestId", req.RequestID).Msg("rejecting http_request")
		_ = s.sendEncrypted(wire.HTTPResponse{
			Type: wire.TypeHTTPResponse, RequestID: req.RequestID,
			Status: 409, StatusText: "Conflict", Error: ErrDuplicateRequestID.Error(),
		})
		return
	}
	s.reqIDs[req.RequestID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.reqIDs, req.RequestID)
		s.mu.Unlock()
	}()

	var resp wire.HTTPResponse
	func() {
		defer func() {
			if r := recover(); r != nil {
				resp = wire.HTTPResponse{
					Type: wire.TypeHTTPResponse, RequestID: req.RequestID,
					Status: 500, StatusText: "Internal Server Error",
					Error: fmt.Sprintf("panic: %v", r),
				}
			}
		}()
		resp = s.httpHandler.HandleHTTPRequest(ctx, req)
	}()
	resp.Type = wire.TypeHTTPResponse
	resp.RequestID = req.RequestID
	if err := s.sendEncrypted(resp); err != nil {
		s.logger.Warn().Err(err).Str("requestId", req.RequestID).Msg("failed to send http_response")
	}
}

func (s *Server) handleWSConnect(m wire.WSClientConnect) {
	s.mu.Lock()
	if _, exists := s.wsConnIDs[m.ConnectionID]; exists {
		s.mu.Unlock()
		s.logger.Warn().Err(ErrDuplicateConnectionID).Str("connectionId", m.ConnectionID).Msg("rejecting ws_client_connect")
		_ = s.sendEncrypted(wire.WSEvent{Type: wire.TypeWSEvent, ConnectionID: m.ConnectionID, EventType: wire.WSEventError, Error: ErrDuplicateConnectionID.Error()})
		return
	}
	s.wsConnIDs[m.ConnectionID] = struct{}{}
	s.mu.Unlock()

	if err := s.wsHandler.OnConnect(s, m.ConnectionID, m.URL, m.Protocols); err != nil {
		s.mu.Lock()
		delete(s.wsConnIDs, m.ConnectionID)
		s.mu.Unlock()
		_ = s.sendEncrypted(wire.WSEvent{Type: wire.TypeWSEvent, ConnectionID: m.ConnectionID, EventType: wire.WSEventError, Error: err.Error()})
		return
	}
	_ = s.sendEncrypted(wire.WSEvent{Type: wire.TypeWSEvent, ConnectionID: m.ConnectionID, EventType: wire.WSEventOpen})
}

func (s *Server) handleWSClose(m wire.WSClientClose) {
	s.mu.Lock()
	_, exists := s.wsConnIDs[m.ConnectionID]
	delete(s.wsConnIDs, m.ConnectionID)
	s.mu.Unlock()
	if !exists {
		return
	}
	s.wsHandler.OnClose(s, m.ConnectionID, m.Code, m.Reason)
}

func (s *Server) handleWSMessage(m wire.WSMessage) {
	s.mu.Lock()
	_, exists := s.wsConnIDs[m.ConnectionID]
	s.mu.Unlock()
	if !exists {
		return
	}
	s.wsHandler.OnMessage(s, m.ConnectionID, m.Data, m.DataType == wire.DataTypeString)
}

// SendWSMessage pushes a host-originated message out to the client over an
// open virtual WebSocket sub-connection.
func (s *Server) SendWSMessage(connID string, data []byte, isText bool) error {
	dataType := wire.DataTypeArrayBuffer
	if isText {
		dataType = wire.DataTypeString
	}
	return s.sendEncrypted(wire.WSMessage{Type: wire.TypeWSMessage, ConnectionID: connID, Data: data, DataType: dataType})
}

// SendWSClose notifies the client that connID closed on the host side.
func (s *Server) SendWSClose(connID string, code int, reason string) error {
	s.mu.Lock()
	delete(s.wsConnIDs, connID)
	s.mu.Unlock()
	return s.sendEncrypted(wire.WSEvent{Type: wire.TypeWSEvent, ConnectionID: connID, EventType: wire.WSEventClose, Code: code, Reason: reason})
}

func (s *Server) sendEncrypted(inner any) error {
	key := s.currentKey()
	if key == nil {
		return ErrHandshakeNotComplete
	}
	plaintext, err := wire.Marshal(inner)
	if err != nil {
		return fmt.Errorf("session: encoding inner message: %w", err)
	}
	nonce, ciphertext, err := cryptobox.Seal(key, plaintext)
	if err != nil {
		return err
	}
	return s.writeFrame(wire.Enc{Type: wire.TypeEnc, Nonce: nonce[:], Ciphertext: ciphertext})
}

func (s *Server) writeFrame(v any) error {
	raw, err := wire.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: encoding frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transport.WriteFrame(raw)
}

// Close tears the session down: all open WS sub-connections are reported
// to the host handler as closed with the given code/reason, and the
// transport is closed. Safe to call multiple times.
func (s *Server) Close(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ids := make([]string, 0, len(s.wsConnIDs))
	for id := range s.wsConnIDs {
		ids = append(ids, id)
	}
	s.wsConnIDs = make(map[string]struct{})
	s.mu.Unlock()

	for _, id := range ids {
		s.wsHandler.OnClose(s, id, code, reason)
	}
	_ = s.transport.Close()
}

var idCounter uint64
var idMu sync.Mutex

// newID generates a process-unique session identifier from the wall clock
// and a process-wide counter, so two IDs from one process never collide.
func newID() string {
	idMu.Lock()
	idCounter++
	n := idCounter
	idMu.Unlock()
	return fmt.Sprintf("sess-%d-%d", time.Now().UnixNano(), n)
}
