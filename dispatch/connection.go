package dispatch

import (
	"net"
	"sync"
)

// ConnectionState is the lifecycle of one engine-side connection to a
// launcher or function worker.
type ConnectionState int

const (
	ConnectionCreated ConnectionState = iota
	ConnectionRunning
	ConnectionClosing
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionCreated:
		return "Created"
	case ConnectionRunning:
		return "Running"
	case ConnectionClosing:
		return "Closing"
	case ConnectionClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Connection wraps one accepted net.Conn (the handshake socket) together
// with the explicit lifecycle state the engine tracks for it. State
// transitions only ever move forward: Created -> Running -> Closing ->
// Closed; there is no way back.
type Connection struct {
	mu    sync.Mutex
	conn  net.Conn
	state ConnectionState

	// set once the handshake identifies which client this connection
	// belongs to.
	ClientId uint16
	FuncId   uint16
}

func NewConnection(conn net.Conn) *Connection {
	return &Connection{conn: conn, state: ConnectionCreated}
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves to `to` only if the current state is `from`; it
// reports whether the transition happened so callers can detect a race
// against a concurrent close.
func (c *Connection) transition(from, to ConnectionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

func (c *Connection) MarkRunning() bool { return c.transition(ConnectionCreated, ConnectionRunning) }

// MarkClosing transitions from whichever state the connection is in
// (Created or Running) to Closing; a connection already Closing or Closed
// cannot be re-marked.
func (c *Connection) MarkClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnectionClosing || c.state == ConnectionClosed {
		return false
	}
	c.state = ConnectionClosing
	return true
}

func (c *Connection) MarkClosed() bool {
	ok := c.transition(ConnectionClosing, ConnectionClosed)
	if ok {
		c.conn.Close()
	}
	return ok
}

func (c *Connection) Write(b []byte) (int, error) {
	return c.conn.Write(b)
}

func (c *Connection) Read(b []byte) (int, error) {
	return c.conn.Read(b)
}
