package wsshare

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sammck-go/wshandshake/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEcho runs a TCP echo backend for the duration of the test
func startEcho(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return l.Addr().String()
}

func startServer(t *testing.T, cfg *ServerConfig) *Server {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	s, err := NewServer(cfg, WithServerLogger(logger.Nop()))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newClient(t *testing.T, cfg *ClientConfig) *Client {
	t.Helper()
	c, err := NewClient(cfg, WithClientLogger(logger.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func dialClient(t *testing.T, c *Client) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := c.Dial(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func requireEcho(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestServerProxiesHandshakedConnections(t *testing.T) {
	s := startServer(t, &ServerConfig{
		Backend:  startEcho(t),
		Pipeline: []string{StageTCP, StagePreamble, StageSSH},
		KeySeed:  "test",
		Auth:     "user:pass",
	})
	require.NotEmpty(t, s.GetFingerprint())

	c := newClient(t, &ClientConfig{
		Server:      s.Addr().String(),
		Pipeline:    []string{StageTCP, StagePreamble, StageSSH},
		Auth:        "user:pass",
		Fingerprint: s.GetFingerprint(),
	})
	conn := dialClient(t, c)
	requireEcho(t, conn, "hello over ssh")

	_, total, failed := s.Stats().Counts()
	assert.Equal(t, int32(1), total)
	assert.Equal(t, int32(0), failed)
}

func TestServerWebSocketIngress(t *testing.T) {
	s := startServer(t, &ServerConfig{
		Backend:   startEcho(t),
		WebSocket: true,
	})

	c := newClient(t, &ClientConfig{
		Server:   s.Addr().String(),
		Pipeline: []string{StageTCP, StageWebSocket, StagePreamble},
	})
	conn := dialClient(t, c)
	requireEcho(t, conn, "hello over websocket")
}

func TestServerSocks5(t *testing.T) {
	echo := startEcho(t)
	s := startServer(t, &ServerConfig{Socks5: true})
	c := newClient(t, &ClientConfig{Server: s.Addr().String()})
	conn := dialClient(t, c)
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	// no authentication
	_, err := conn.Write([]byte{5, 1, 0})
	require.NoError(t, err)
	reply := make([]byte, 2)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 0}, reply)

	// CONNECT to the echo backend by IPv4 address
	addr, err := net.ResolveTCPAddr("tcp", echo)
	require.NoError(t, err)
	req := []byte{5, 1, 0, 1}
	req = append(req, addr.IP.To4()...)
	req = binary.BigEndian.AppendUint16(req, uint16(addr.Port))
	_, err = conn.Write(req)
	require.NoError(t, err)
	resp := make([]byte, 10)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
	require.Equal(t, byte(0), resp[1], "socks5 connect failed")

	requireEcho(t, conn, "hello over socks")
}

func TestServerCountsFailedHandshakes(t *testing.T) {
	s := startServer(t, &ServerConfig{Backend: startEcho(t)})

	raw, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Write([]byte{3, 'b', 'a', 'd'})
	require.NoError(t, err)

	// the server closes the connection without proxying anything
	raw.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err = io.ReadAll(raw)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, _, failed := s.Stats().Counts()
		return failed == 1
	}, 5*time.Second, time.Millisecond)
}

func TestServerHandshakeTimeout(t *testing.T) {
	s := startServer(t, &ServerConfig{Backend: startEcho(t)})
	s.SetTimeouts(50*time.Millisecond, 0)

	raw, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	raw.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err = io.ReadAll(raw)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, _, failed := s.Stats().Counts()
		return failed == 1
	}, 5*time.Second, time.Millisecond)
}

func TestServerShutdownAbortsHandshakes(t *testing.T) {
	cfg := &ServerConfig{Listen: "127.0.0.1:0", Backend: startEcho(t)}
	s, err := NewServer(cfg, WithServerLogger(logger.Nop()))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	// Connected but silent: the server's preamble read blocks
	raw, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	require.Eventually(t, func() bool {
		_, total, _ := s.Stats().Counts()
		return total == 1
	}, 5*time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server shutdown hung")
	}
	_, _, failed := s.Stats().Counts()
	assert.Equal(t, int32(1), failed)
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	c := newClient(t, &ClientConfig{Server: addr, MaxRetryCount: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = c.Dial(ctx)
	assert.Error(t, err)
	assert.NoError(t, ctx.Err())
}

func TestClientForwardsLocalConnections(t *testing.T) {
	s := startServer(t, &ServerConfig{Backend: startEcho(t)})
	c := newClient(t, &ClientConfig{
		Server: s.Addr().String(),
		Listen: "127.0.0.1:0",
	})
	require.NoError(t, c.Start(context.Background()))

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", c.Addr().String())
		require.NoError(t, err)
		requireEcho(t, conn, "forwarded")
		conn.Close()
	}
	require.NoError(t, c.Close())
}
