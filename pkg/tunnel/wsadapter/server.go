package wsadapter

import (
	"fmt"
	"sync"

	"github.com/virtengine/attested-tunnel/pkg/tunnel/session"
)

// VirtualConn mimics the subset of *websocket.Conn the host application's
// WebSocket handlers already call: ReadMessage, WriteMessage, Close. A
// host handler written against gorilla/websocket's real *Conn can run
// against a VirtualConn with no code changes beyond the type it accepts.
type VirtualConn struct {
	id     string
	url    string
	server *session.Server

	mu     sync.Mutex
	state  State
	inbox  chan inboundFrame
}

type inboundFrame struct {
	data   []byte
	isText bool
	closed bool
	code   int
	reason string
}

func newVirtualConn(s *session.Server, id, url string) *VirtualConn {
	return &VirtualConn{id: id, url: url, server: s, state: StateOpen, inbox: make(chan inboundFrame, 64)}
}

// ID returns the connectionId this virtual socket multiplexes over.
func (c *VirtualConn) ID() string { return c.id }

// URL returns the URL the client asked to connect to.
func (c *VirtualConn) URL() string { return c.url }

// ReadMessage blocks until the next inbound message, a close, or an
// already-CLOSED state, matching gorilla/websocket's ReadMessage contract
// (returns an error once the connection is gone).
func (c *VirtualConn) ReadMessage() (messageType int, data []byte, err error) {
	frame, ok := <-c.inbox
	if !ok || frame.closed {
		return 0, nil, fmt.Errorf("wsadapter: connection %s closed", c.id)
	}
	mt := binaryMessage
	if frame.isText {
		mt = textMessage
	}
	return mt, frame.data, nil
}

// WriteMessage sends a host-originated message out over the tunnel.
func (c *VirtualConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateOpen {
		return fmt.Errorf("wsadapter: write on connection %s in state %s", c.id, state)
	}
	return c.server.SendWSMessage(c.id, data, messageType == textMessage)
}

// Close closes the sub-connection from the host side.
func (c *VirtualConn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	err := c.server.SendWSClose(c.id, 1000, "closed by host")

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.closeInbox()
	return err
}

func (c *VirtualConn) deliver(data []byte, isText bool) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateClosed {
		return
	}
	select {
	case c.inbox <- inboundFrame{data: data, isText: isText}:
	default:
		// Backpressure: the host handler's read loop is not keeping up.
		// Dropping here (rather than blocking the session's dispatch
		// goroutine) keeps one slow sub-connection from stalling others.
	}
}

func (c *VirtualConn) closedByPeer() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()
	c.closeInbox()
}

func (c *VirtualConn) closeInbox() {
	defer func() { recover() }() // closing an already-closed channel from a racing path
	close(c.inbox)
}

// Message type constants mirroring gorilla/websocket's, duplicated here so
// this package has no hard dependency on gorilla/websocket's public API
// shape beyond the numeric convention (1 = text, 2 = binary per RFC 6455).
const (
	textMessage   = 1
	binaryMessage = 2
)

// Handler is invoked once per accepted virtual WebSocket sub-connection,
// in its own goroutine, the same shape as a host's existing WebSocket
// connection handler.
type Handler func(conn *VirtualConn)

// ServerAdapter implements session.WSHandler by registering each new
// virtual sub-connection with a host Handler.
type ServerAdapter struct {
	Handle Handler

	mu    sync.Mutex
	conns map[string]*VirtualConn
}

// NewServerAdapter wraps handle so it can answer tunneled
// ws_client_connect messages.
func NewServerAdapter(handle Handler) *ServerAdapter {
	return &ServerAdapter{Handle: handle, conns: make(map[string]*VirtualConn)}
}

// OnConnect implements session.WSHandler.
func (a *ServerAdapter) OnConnect(s *session.Server, connID, url string, protocols []string) error {
	conn := newVirtualConn(s, connID, url)
	a.mu.Lock()
	a.conns[connID] = conn
	a.mu.Unlock()
	go a.Handle(conn)
	return nil
}

// OnMessage implements session.WSHandler.
func (a *ServerAdapter) OnMessage(s *session.Server, connID string, data []byte, isText bool) {
	a.mu.Lock()
	conn := a.conns[connID]
	a.mu.Unlock()
	if conn != nil {
		conn.deliver(data, isText)
	}
}

// OnClose implements session.WSHandler.
func (a *ServerAdapter) OnClose(s *session.Server, connID string, code int, reason string) {
	a.mu.Lock()
	conn, ok := a.conns[connID]
	delete(a.conns, connID)
	a.mu.Unlock()
	if ok {
		conn.closedByPeer()
	}
}

var _ session.WSHandler = (*ServerAdapter)(nil)
