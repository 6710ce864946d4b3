package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeWriteTimeout = 2 * time.Second

// Conn is the surface the relay needs from a live socket. The registry holds
// Conns without owning them; tests inject in-memory fakes.
type Conn interface {
	WriteBinary(data []byte) error
	WriteText(data []byte) error
	Close(code int, reason string) error
}

// WSConn adapts a gorilla connection. Gorilla permits a single concurrent
// writer, so every write goes through the mutex; reads stay on the
// endpoint's reader goroutine and need no locking.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWSConn wraps an upgraded WebSocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// WriteBinary sends one binary message.
func (c *WSConn) WriteBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// WriteText sends one text message.
func (c *WSConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close control frame with the given code, then tears down the
// underlying connection. Failing to deliver the close frame to an
// already-dead peer is fine; the socket is closed either way.
func (c *WSConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(closeWriteTimeout)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return c.conn.Close()
}
