package handshakers

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/sammck-go/wshandshake/pkg/handshake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestTCPSetsOptionsAndRecordsPeer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	server, err := l.Accept()
	require.NoError(t, err)
	defer server.Close()

	m, ch := runPipeline(server, time.Now().Add(time.Minute), NewTCP(nil, 30*time.Second))
	defer m.Destroy()

	// TCP completes synchronously
	select {
	case o := <-ch:
		require.NoError(t, o.err)
		assert.Same(t, server, o.args.Endpoint)
		assert.Equal(t, client.LocalAddr().String(), o.args.Config[ConfigKeyPeer])
	default:
		t.Fatal("tcp handshaker did not complete synchronously")
	}
}

func TestTCPIgnoresOtherEndpoints(t *testing.T) {
	a, _ := newSocketPair(t)
	m, ch := runPipeline(a, time.Now().Add(time.Minute), NewTCP(nil, 0))
	defer m.Destroy()

	o := waitOutcome(t, ch)
	require.NoError(t, o.err)
	assert.Same(t, a, o.args.Endpoint)
}

func selfSignedCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "wshandshake.test"},
		DNSNames:     []string{"wshandshake.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}, pool
}

func TestTLSReplacesEndpointAndRecordsALPN(t *testing.T) {
	cert, pool := selfSignedCert(t)
	srv, err := NewTLSServer(nil, &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"wsh/1"},
	})
	require.NoError(t, err)
	cli := NewTLSClient(nil, &tls.Config{
		RootCAs:    pool,
		ServerName: "wshandshake.test",
		NextProtos: []string{"wsh/1"},
	})

	so, co := runPair(t, []handshake.Handshaker{srv}, []handshake.Handshaker{cli})
	require.NoError(t, so.err)
	require.NoError(t, co.err)

	assert.IsType(t, &tls.Conn{}, so.args.Endpoint)
	assert.IsType(t, &tls.Conn{}, co.args.Endpoint)
	assert.Equal(t, "wsh/1", so.args.Config[ConfigKeyALPN])
	assert.Equal(t, "wsh/1", co.args.Config[ConfigKeyALPN])
	assert.Equal(t, "wshandshake.test", so.args.Config[ConfigKeyTLSServerName])
	requireRoundTrip(t, so.args.Endpoint, co.args.Endpoint)
}

func TestTLSServerNeedsCertificate(t *testing.T) {
	_, err := NewTLSServer(nil, &tls.Config{})
	assert.Error(t, err)
}

func TestTLSClientRejectsUnknownAuthority(t *testing.T) {
	cert, _ := selfSignedCert(t)
	srv, err := NewTLSServer(nil, &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	cli := NewTLSClient(nil, &tls.Config{ServerName: "wshandshake.test"})

	so, co := runPair(t, []handshake.Handshaker{srv}, []handshake.Handshaker{cli})
	assert.Error(t, co.err)
	assert.Error(t, so.err)
}

func testSigner(t *testing.T) ssh.Signer {
	t.Helper()
	signer, err := NewSigner("seed")
	require.NoError(t, err)
	return signer
}

func TestSSHOpensChannelEndpoint(t *testing.T) {
	srv := NewSSHServer(nil, testSigner(t), "alice:secret")
	cli := NewSSHClient(nil, "alice:secret", srv.Fingerprint()[:11])

	so, co := runPair(t, []handshake.Handshaker{srv}, []handshake.Handshaker{cli})
	require.NoError(t, so.err)
	require.NoError(t, co.err)

	assert.IsType(t, &SSHChannelConn{}, so.args.Endpoint)
	assert.IsType(t, &SSHChannelConn{}, co.args.Endpoint)
	assert.Equal(t, "alice", so.args.Config[ConfigKeySSHUser])
	assert.Equal(t, srv.Fingerprint(), so.args.Config[ConfigKeySSHFingerprint])
	assert.Equal(t, srv.Fingerprint(), co.args.Config[ConfigKeySSHFingerprint])
	requireRoundTrip(t, so.args.Endpoint, co.args.Endpoint)
}

func TestSSHRejectsBadPassword(t *testing.T) {
	srv := NewSSHServer(nil, testSigner(t), "alice:secret")
	cli := NewSSHClient(nil, "alice:wrong", "")

	so, co := runPair(t, []handshake.Handshaker{srv}, []handshake.Handshaker{cli})
	assert.Error(t, co.err)
	assert.Error(t, so.err)
}

func TestSSHClientPinsFingerprint(t *testing.T) {
	srv := NewSSHServer(nil, testSigner(t), "")
	cli := NewSSHClient(nil, "", "00:00:00")

	so, co := runPair(t, []handshake.Handshaker{srv}, []handshake.Handshaker{cli})
	require.Error(t, co.err)
	assert.Contains(t, co.err.Error(), "invalid fingerprint")
	assert.Error(t, so.err)
}

func TestSeededKeysAreDeterministic(t *testing.T) {
	k1, err := GenerateKey("seed")
	require.NoError(t, err)
	k2, err := GenerateKey("seed")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	other, err := GenerateKey("other seed")
	require.NoError(t, err)
	assert.NotEqual(t, k1, other)

	r1, err := GenerateKey("")
	require.NoError(t, err)
	r2, err := GenerateKey("")
	require.NoError(t, err)
	assert.NotEqual(t, r1, r2)

	s1, err := NewSigner("seed")
	require.NoError(t, err)
	s2, err := NewSigner("seed")
	require.NoError(t, err)
	assert.Equal(t, FingerprintKey(s1.PublicKey()), FingerprintKey(s2.PublicKey()))
	assert.Len(t, FingerprintKey(s1.PublicKey()), 47)
}

func TestParseAuth(t *testing.T) {
	for _, tc := range []struct {
		in         string
		user, pass string
	}{
		{"alice:secret", "alice", "secret"},
		{"alice:se:cret", "alice", "se:cret"},
		{":secret", "", "secret"},
		{"alice", "", ""},
		{"", "", ""},
	} {
		user, pass := ParseAuth(tc.in)
		assert.Equal(t, tc.user, user, tc.in)
		assert.Equal(t, tc.pass, pass, tc.in)
	}
}

func TestPreambleExchange(t *testing.T) {
	so, co := runPair(t,
		[]handshake.Handshaker{NewPreamble(nil, RoleServer)},
		[]handshake.Handshaker{NewPreamble(nil, RoleClient)},
	)
	require.NoError(t, so.err)
	require.NoError(t, co.err)
	assert.Equal(t, "client", so.args.Config[ConfigKeyPeerRole])
	assert.Equal(t, "server", co.args.Config[ConfigKeyPeerRole])
	assert.Equal(t, PreambleVersion, so.args.Config[ConfigKeyPeerVersion])
	assert.Equal(t, 0, so.args.ReadBuffer.Len())
}

func TestPreambleLeavesTrailingBytesInReadBuffer(t *testing.T) {
	a, b := newSocketPair(t)
	frame, err := encodePreamble(RoleClient)
	require.NoError(t, err)
	_, err = b.Write(append(frame, []byte("early data")...))
	require.NoError(t, err)

	m, ch := runPipeline(a, time.Now().Add(10*time.Second), NewPreamble(nil, RoleServer))
	defer m.Destroy()

	o := waitOutcome(t, ch)
	require.NoError(t, o.err)
	assert.Equal(t, "early data", o.args.ReadBuffer.String())

	// the next handshaker sees the pending bytes first
	conn := EndpointWithPending(o.args)
	buf := make([]byte, len("early data"))
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "early data", string(buf))
}

func TestPreambleRejectsSameRole(t *testing.T) {
	so, co := runPair(t,
		[]handshake.Handshaker{NewPreamble(nil, RoleServer)},
		[]handshake.Handshaker{NewPreamble(nil, RoleServer)},
	)
	assert.ErrorIs(t, so.err, ErrPreambleRole)
	assert.ErrorIs(t, co.err, ErrPreambleRole)
}

func TestPreambleRejectsOversizedFrame(t *testing.T) {
	a, b := newSocketPair(t)
	_, err := b.Write(proto.EncodeVarint(MaxPreambleSize + 1))
	require.NoError(t, err)

	m, ch := runPipeline(a, time.Now().Add(10*time.Second), NewPreamble(nil, RoleServer))
	defer m.Destroy()
	assert.ErrorIs(t, waitOutcome(t, ch).err, ErrPreambleTooLarge)
}

func TestShutdownAbortsBlockedExchange(t *testing.T) {
	a, _ := newSocketPair(t)
	m, ch := runPipeline(a, time.Now().Add(50*time.Millisecond), NewPreamble(nil, RoleServer))
	defer m.Destroy()

	o := waitOutcome(t, ch)
	assert.ErrorIs(t, o.err, ErrAborted)
}

// lingeringStep waits for Shutdown and then reports success anyway
type lingeringStep struct {
	step
}

func (h *lingeringStep) Start(acceptor *handshake.Acceptor, args *handshake.Args, done handshake.DoneFunc) {
	h.run(args, done, func(ctx context.Context, args *handshake.Args) error {
		<-ctx.Done()
		return nil
	})
}

func TestSuccessAfterShutdownClearsForcedDeadline(t *testing.T) {
	a, b := newSocketPair(t)
	h := &lingeringStep{}
	h.initStep(nil, "lingering")

	m, ch := runPipeline(a, time.Now().Add(time.Hour), h)
	defer m.Destroy()
	m.Shutdown()

	o := waitOutcome(t, ch)
	require.NoError(t, o.err)

	// No deadline set here: a leftover forced one fails at once
	_, err := b.Write([]byte("ok"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(o.args.Endpoint, buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))

	_, err = o.args.Endpoint.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, b.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(b, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
}

func TestWebSocketUpgrade(t *testing.T) {
	so, co := runPair(t,
		[]handshake.Handshaker{NewWebSocketServer(nil, "/ws")},
		[]handshake.Handshaker{NewWebSocketClient(nil, "http://wshandshake.test/ws", "")},
	)
	require.NoError(t, so.err)
	require.NoError(t, co.err)
	assert.Equal(t, WebSocketSubprotocol, so.args.Config[ConfigKeyWebSocketSubprotocol])
	assert.Equal(t, WebSocketSubprotocol, co.args.Config[ConfigKeyWebSocketSubprotocol])
	requireRoundTrip(t, so.args.Endpoint, co.args.Endpoint)
}

func TestWebSocketServerRejectsOtherPaths(t *testing.T) {
	so, co := runPair(t,
		[]handshake.Handshaker{NewWebSocketServer(nil, "/ws")},
		[]handshake.Handshaker{NewWebSocketClient(nil, "ws://wshandshake.test/other", "")},
	)
	assert.Error(t, so.err)
	assert.Error(t, co.err)
}

func TestFullPipeline(t *testing.T) {
	srvSSH := NewSSHServer(nil, testSigner(t), "bob:pw")

	so, co := runPair(t,
		[]handshake.Handshaker{NewTCP(nil, 0), NewPreamble(nil, RoleServer), NewWebSocketServer(nil, ""), srvSSH},
		[]handshake.Handshaker{NewTCP(nil, 0), NewPreamble(nil, RoleClient), NewWebSocketClient(nil, "localhost", ""), NewSSHClient(nil, "bob:pw", srvSSH.Fingerprint())},
	)
	require.NoError(t, so.err)
	require.NoError(t, co.err)
	assert.Equal(t, "bob", so.args.Config[ConfigKeySSHUser])
	assert.Equal(t, "client", so.args.Config[ConfigKeyPeerRole])
	requireRoundTrip(t, so.args.Endpoint, co.args.Endpoint)
}

func TestPendingConnDrainsBufferFirst(t *testing.T) {
	a, b := newSocketPair(t)
	_, err := b.Write([]byte("world"))
	require.NoError(t, err)

	c := NewPendingConn(a, bytes.NewBufferString("hello "))
	assert.Equal(t, 6, c.Pending())

	got := make([]byte, 0, 11)
	buf := make([]byte, 4)
	for len(got) < 11 {
		n, err := c.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "hello world", string(got))
	assert.Equal(t, 0, c.Pending())
}
