package handshakers

import (
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
)

// SSHChannelConn presents one ssh.Channel as a net.Conn. Deadlines apply
// to the transport connection carrying the whole SSH session.
type SSHChannelConn struct {
	ssh.Channel
	sshConn   ssh.Conn
	transport net.Conn
}

func newSSHChannelConn(ch ssh.Channel, sshConn ssh.Conn, transport net.Conn) *SSHChannelConn {
	return &SSHChannelConn{
		Channel:   ch,
		sshConn:   sshConn,
		transport: transport,
	}
}

// Close closes the channel and the SSH session beneath it
func (c *SSHChannelConn) Close() error {
	err := c.Channel.Close()
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return multierr.Append(err, c.sshConn.Close())
}

// CloseWrite sends EOF on the channel
func (c *SSHChannelConn) CloseWrite() error {
	return c.Channel.CloseWrite()
}

// SSHConn returns the SSH session the channel belongs to
func (c *SSHChannelConn) SSHConn() ssh.Conn {
	return c.sshConn
}

// LocalAddr implements net.Conn
func (c *SSHChannelConn) LocalAddr() net.Addr {
	return c.sshConn.LocalAddr()
}

// RemoteAddr implements net.Conn
func (c *SSHChannelConn) RemoteAddr() net.Addr {
	return c.sshConn.RemoteAddr()
}

// SetDeadline implements net.Conn
func (c *SSHChannelConn) SetDeadline(t time.Time) error {
	return c.transport.SetDeadline(t)
}

// SetReadDeadline implements net.Conn
func (c *SSHChannelConn) SetReadDeadline(t time.Time) error {
	return c.transport.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn
func (c *SSHChannelConn) SetWriteDeadline(t time.Time) error {
	return c.transport.SetWriteDeadline(t)
}
