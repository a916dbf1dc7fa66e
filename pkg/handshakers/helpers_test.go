package handshakers

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/prep/socketpair"
	"github.com/sammck-go/wshandshake/pkg/handshake"
	"github.com/stretchr/testify/require"
)

type outcome struct {
	args *handshake.Args
	err  error
}

// runPipeline starts a handshake over conn and returns a channel that
// receives its outcome
func runPipeline(conn net.Conn, deadline time.Time, steps ...handshake.Handshaker) (*handshake.Manager, <-chan outcome) {
	m := handshake.NewManager()
	for _, s := range steps {
		m.Add(s)
	}
	ch := make(chan outcome, 1)
	m.DoHandshake(conn, handshake.ChannelArgs{}, deadline, nil, func(args *handshake.Args, err error) {
		ch <- outcome{args: args, err: err}
	}, nil)
	return m, ch
}

func waitOutcome(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(10 * time.Second):
		t.Fatal("handshake never completed")
	}
	return outcome{}
}

// runPair runs server and client pipelines against each other over a
// connected socket pair
func runPair(t *testing.T, server []handshake.Handshaker, client []handshake.Handshaker) (outcome, outcome) {
	t.Helper()
	a, b := newSocketPair(t)
	deadline := time.Now().Add(10 * time.Second)

	sm, sch := runPipeline(a, deadline, server...)
	cm, cch := runPipeline(b, deadline, client...)
	t.Cleanup(sm.Destroy)
	t.Cleanup(cm.Destroy)

	so := waitOutcome(t, sch)
	co := waitOutcome(t, cch)
	for _, o := range []outcome{so, co} {
		if o.err == nil {
			conn := o.args.Endpoint
			t.Cleanup(func() { conn.Close() })
		}
	}
	return so, co
}

func newSocketPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b, err := socketpair.New("unix")
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// requireRoundTrip checks that bytes flow both ways between two handshaked
// endpoints
func requireRoundTrip(t *testing.T, a net.Conn, b net.Conn) {
	t.Helper()
	send := func(from net.Conn, to net.Conn, msg string) {
		errc := make(chan error, 1)
		go func() {
			_, err := from.Write([]byte(msg))
			errc <- err
		}()
		buf := make([]byte, len(msg))
		require.NoError(t, to.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, err := io.ReadFull(to, buf)
		require.NoError(t, err)
		require.Equal(t, msg, string(buf))
		require.NoError(t, <-errc)
	}
	send(a, b, "ping")
	send(b, a, "pong")
}
