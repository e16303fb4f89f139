package wsadapter

import (
	"fmt"
	"sync"

	"github.com/virtengine/attested-tunnel/pkg/tunnel/session"
	"github.com/virtengine/attested-tunnel/pkg/tunnel/wire"
)

// Message is one inbound message on a client-side virtual WebSocket.
type Message struct {
	Data   []byte
	IsText bool
}

// Conn is the client-side virtual WebSocket object: a channel-based
// surface standing in for the browser WebSocket object the reference
// client presents (OnMessage/OnClose/OnError handlers); a Go peer reads
// Events() and Messages() instead of registering callbacks.
type Conn struct {
	id     string
	client *WSClient

	mu     sync.Mutex
	state  State
	events chan wire.WSEvent
	msgs   chan Message
}

// ID returns the connectionId this virtual socket multiplexes over.
func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events delivers open/close/error lifecycle transitions.
func (c *Conn) Events() <-chan wire.WSEvent { return c.events }

// Messages delivers inbound data messages, in submission order.
func (c *Conn) Messages() <-chan Message { return c.msgs }

// Send transmits one message. A message sent after CLOSED is rejected
// rather than silently dropped, so a caller racing Close finds out.
func (c *Conn) Send(data []byte, isText bool) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateClosed {
		return fmt.Errorf("wsadapter: send on closed connection %s", c.id)
	}
	return c.client.session.SendWS(c.id, data, isText)
}

// Close asks the relay to close this sub-connection.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()
	return c.client.session.CloseWS(c.id, code, reason)
}

func (c *Conn) deliverEvent(ev wire.WSEvent) {
	c.mu.Lock()
	switch ev.EventType {
	case wire.WSEventOpen:
		c.state = StateOpen
	case wire.WSEventClose, wire.WSEventError:
		c.state = StateClosed
	}
	state := c.state
	c.mu.Unlock()

	if state == StateClosed && ev.EventType != wire.WSEventClose && ev.EventType != wire.WSEventError {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Conn) deliverMessage(msg Message) {
	c.mu.Lock()
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.msgs <- msg:
	default:
	}
}

// WSClient adapts a session.Client into a registry of client-side virtual
// WebSocket connections, implementing session.ClientWSHandler to route
// inbound events/messages to the right Conn by connectionId.
type WSClient struct {
	session *session.Client

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewWSClient wraps an established client session.
func NewWSClient(s *session.Client) *WSClient {
	return &WSClient{session: s, conns: make(map[string]*Conn)}
}

// Dial opens a new virtual WebSocket sub-connection to url.
func (w *WSClient) Dial(url string, protocols []string) (*Conn, error) {
	connID, err := w.session.OpenWS(url, protocols)
	if err != nil {
		return nil, err
	}
	conn := &Conn{
		id:     connID,
		client: w,
		state:  StateConnecting,
		events: make(chan wire.WSEvent, 16),
		msgs:   make(chan Message, 64),
	}
	w.mu.Lock()
	w.conns[connID] = conn
	w.mu.Unlock()
	return conn, nil
}

// OnEvent implements session.ClientWSHandler.
func (w *WSClient) OnEvent(connID string, ev wire.WSEvent) {
	w.mu.Lock()
	conn, ok := w.conns[connID]
	if ok && (ev.EventType == wire.WSEventClose || ev.EventType == wire.WSEventError) {
		delete(w.conns, connID)
	}
	w.mu.Unlock()
	if ok {
		conn.deliverEvent(ev)
	}
}

// OnMessage implements session.ClientWSHandler.
func (w *WSClient) OnMessage(connID string, data []byte, isText bool) {
	w.mu.Lock()
	conn, ok := w.conns[connID]
	w.mu.Unlock()
	if ok {
		conn.deliverMessage(Message{Data: data, IsText: isText})
	}
}

var _ session.ClientWSHandler = (*WSClient)(nil)
