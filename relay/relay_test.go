package relay

import (
	"errors"
	"sync"
)

// fakeConn records writes and close calls for registry/router tests.
type fakeConn struct {
	mu       sync.Mutex
	binary   [][]byte
	text     [][]byte
	closed   bool
	closeErr error
	writeErr error
}

func (c *fakeConn) WriteBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.binary = append(c.binary, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.text = append(c.text, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

func (c *fakeConn) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.binary)
}

func (c *fakeConn) textCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.text)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var errPeerGone = errors.New("write tcp: use of closed network connection")
