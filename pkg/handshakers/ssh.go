package handshakers

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sammck-go/wshandshake/pkg/handshake"
	"github.com/sammck-go/wshandshake/pkg/logger"
	"golang.org/x/crypto/ssh"
)

const (
	// SSHChannelType is the type of the SSH channel that becomes the
	// endpoint once an SSH handshake completes
	SSHChannelType = "wshandshake"

	// ConfigKeySSHUser records the authenticated SSH user on the server side
	ConfigKeySSHUser = "ssh.user"

	// ConfigKeySSHFingerprint records the server host key fingerprint
	ConfigKeySSHFingerprint = "ssh.fingerprint"

	sshServerVersion = "SSH-2.0-wshandshake-server"
	sshClientVersion = "SSH-2.0-wshandshake-client"
)

// ErrSSHNoChannel is returned when the SSH session closes before the
// client opens its channel
var ErrSSHNoChannel = errors.New("ssh session closed before a channel was opened")

// SSHServer accepts an SSH session over the endpoint and replaces the
// endpoint with the first SSHChannelType channel the client opens
type SSHServer struct {
	step
	config      *ssh.ServerConfig
	fingerprint string
}

// NewSSHServer creates the server side of an SSH handshake presenting
// hostKey, typically from NewSigner. auth is "user:pass"; an empty auth
// accepts any client.
func NewSSHServer(lg logger.Logger, hostKey ssh.Signer, auth string) *SSHServer {
	h := &SSHServer{
		config: &ssh.ServerConfig{
			ServerVersion: sshServerVersion,
		},
		fingerprint: FingerprintKey(hostKey.PublicKey()),
	}
	h.initStep(lg, "ssh-server")

	user, pass := ParseAuth(auth)
	if user == "" {
		h.config.NoClientAuth = true
	} else {
		h.config.PasswordCallback = func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if c.User() == user && subtle.ConstantTimeCompare(password, []byte(pass)) == 1 {
				return nil, nil
			}
			h.DLogf("Login failed for user: %s", c.User())
			return nil, fmt.Errorf("invalid authentication for username: %s", c.User())
		}
	}
	h.config.AddHostKey(hostKey)
	return h
}

// Fingerprint returns the fingerprint of the server's host key
func (h *SSHServer) Fingerprint() string {
	return h.fingerprint
}

// Start implements handshake.Handshaker
func (h *SSHServer) Start(acceptor *handshake.Acceptor, args *handshake.Args, done handshake.DoneFunc) {
	h.run(args, done, h.exchange)
}

func (h *SSHServer) exchange(ctx context.Context, args *handshake.Args) error {
	conn := EndpointWithPending(args)
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, h.config)
	if err != nil {
		return err
	}
	go ssh.DiscardRequests(reqs)

	ch, err := acceptSSHChannel(ctx, sshConn, chans)
	if err != nil {
		sshConn.Close()
		return err
	}
	h.DLogf("Channel accepted for user %q", sshConn.User())
	args.Config[ConfigKeySSHUser] = sshConn.User()
	args.Config[ConfigKeySSHFingerprint] = h.fingerprint
	args.Endpoint = newSSHChannelConn(ch, sshConn, conn)
	return nil
}

func acceptSSHChannel(ctx context.Context, sshConn ssh.Conn, chans <-chan ssh.NewChannel) (ssh.Channel, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case nc, ok := <-chans:
			if !ok {
				return nil, ErrSSHNoChannel
			}
			if nc.ChannelType() != SSHChannelType {
				nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
				continue
			}
			ch, reqs, err := nc.Accept()
			if err != nil {
				return nil, err
			}
			go ssh.DiscardRequests(reqs)
			go rejectSSHChannels(chans)
			return ch, nil
		}
	}
}

func rejectSSHChannels(chans <-chan ssh.NewChannel) {
	for nc := range chans {
		nc.Reject(ssh.Prohibited, "one channel per session")
	}
}

// SSHClient opens an SSH session over the endpoint and replaces the
// endpoint with an SSHChannelType channel
type SSHClient struct {
	step
	config      *ssh.ClientConfig
	fingerprint string
}

// NewSSHClient creates the client side of an SSH handshake. auth is
// "user:pass". A non-empty fingerprint must prefix the server's host key
// fingerprint.
func NewSSHClient(lg logger.Logger, auth string, fingerprint string) *SSHClient {
	user, pass := ParseAuth(auth)
	h := &SSHClient{
		config: &ssh.ClientConfig{
			User:          user,
			Auth:          []ssh.AuthMethod{ssh.Password(pass)},
			ClientVersion: sshClientVersion,
		},
		fingerprint: fingerprint,
	}
	h.initStep(lg, "ssh-client")
	return h
}

// Start implements handshake.Handshaker
func (h *SSHClient) Start(acceptor *handshake.Acceptor, args *handshake.Args, done handshake.DoneFunc) {
	h.run(args, done, h.exchange)
}

func (h *SSHClient) exchange(ctx context.Context, args *handshake.Args) error {
	conn := EndpointWithPending(args)

	var got string
	config := *h.config
	config.HostKeyCallback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		got = FingerprintKey(key)
		if h.fingerprint != "" && !strings.HasPrefix(got, h.fingerprint) {
			return fmt.Errorf("invalid fingerprint (%s)", got)
		}
		h.DLogf("Fingerprint %s", got)
		return nil
	}

	addr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &config)
	if err != nil {
		return err
	}
	go ssh.DiscardRequests(reqs)
	go rejectSSHChannels(chans)

	ch, chReqs, err := sshConn.OpenChannel(SSHChannelType, nil)
	if err != nil {
		sshConn.Close()
		return err
	}
	go ssh.DiscardRequests(chReqs)

	args.Config[ConfigKeySSHFingerprint] = got
	args.Endpoint = newSSHChannelConn(ch, sshConn, conn)
	return nil
}
