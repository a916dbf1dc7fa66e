package wsshare

import (
	"io"
	"sync"

	"go.uber.org/multierr"
)

// StdioConn joins a read stream and a write stream (e.g., stdin and
// stdout) into one half-closable connection
type StdioConn struct {
	input          io.ReadCloser
	output         io.WriteCloser
	closeWriteOnce sync.Once
	closeWriteErr  error
	closeOnce      sync.Once
	closeErr       error
}

// NewStdioConn creates a new StdioConn
func NewStdioConn(input io.ReadCloser, output io.WriteCloser) *StdioConn {
	return &StdioConn{
		input:  input,
		output: output,
	}
}

// Read implements the Reader interface
func (c *StdioConn) Read(p []byte) (int, error) {
	return c.input.Read(p)
}

// Write implements the Writer interface
func (c *StdioConn) Write(p []byte) (int, error) {
	return c.output.Write(p)
}

// CloseWrite closes the output stream, signalling end of stream to
// whoever reads it
func (c *StdioConn) CloseWrite() error {
	c.closeWriteOnce.Do(func() {
		c.closeWriteErr = c.output.Close()
	})
	return c.closeWriteErr
}

// Close closes both streams
func (c *StdioConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = multierr.Append(c.CloseWrite(), c.input.Close())
	})
	return c.closeErr
}
