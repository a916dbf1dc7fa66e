package handshakers

import (
	"bytes"
	"io"
	"net"
	"sync"

	"github.com/sammck-go/wshandshake/pkg/handshake"
)

// WriteHalfCloser is implemented by connections that can shut down their
// write side alone, as net.TCPConn.CloseWrite does
type WriteHalfCloser interface {
	CloseWrite() error
}

// PendingConn is a net.Conn that returns bytes already read from the
// underlying connection before reading from it again
type PendingConn struct {
	net.Conn

	mu      sync.Mutex
	pending *bytes.Buffer
}

// NewPendingConn wraps conn so that pending is drained first. pending is
// owned by the returned PendingConn.
func NewPendingConn(conn net.Conn, pending *bytes.Buffer) *PendingConn {
	if pending == nil {
		pending = new(bytes.Buffer)
	}
	return &PendingConn{
		Conn:    conn,
		pending: pending,
	}
}

// Read implements the Reader interface
func (c *PendingConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if c.pending != nil {
		if c.pending.Len() > 0 {
			n, _ := c.pending.Read(p)
			c.mu.Unlock()
			return n, nil
		}
		c.pending = nil
	}
	c.mu.Unlock()
	return c.Conn.Read(p)
}

// Pending returns the number of buffered bytes not yet read
func (c *PendingConn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return 0
	}
	return c.pending.Len()
}

// CloseWrite shuts down the write side of the underlying connection, if it
// supports doing so
func (c *PendingConn) CloseWrite() error {
	if whc, ok := c.Conn.(WriteHalfCloser); ok {
		return whc.CloseWrite()
	}
	return nil
}

// EndpointWithPending returns args.Endpoint, wrapped in a PendingConn if
// args.ReadBuffer holds unread bytes. The buffer moves into the wrapper and
// args.ReadBuffer is left empty.
func EndpointWithPending(args *handshake.Args) net.Conn {
	if args.ReadBuffer == nil || args.ReadBuffer.Len() == 0 {
		return args.Endpoint
	}
	pending := args.ReadBuffer
	args.ReadBuffer = new(bytes.Buffer)
	return NewPendingConn(args.Endpoint, pending)
}

// pendingReader reads args.ReadBuffer before args.Endpoint without taking
// ownership of either
func pendingReader(args *handshake.Args) io.Reader {
	if args.ReadBuffer == nil || args.ReadBuffer.Len() == 0 {
		return args.Endpoint
	}
	return io.MultiReader(args.ReadBuffer, args.Endpoint)
}
