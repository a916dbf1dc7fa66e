package handshakers

import (
	"net"
	"time"

	"github.com/sammck-go/wshandshake/pkg/handshake"
	"github.com/sammck-go/wshandshake/pkg/logger"
)

// ConfigKeyPeer is the ChannelArgs key under which TCP records the remote
// address of the endpoint
const ConfigKeyPeer = "tcp.peer"

// TCP applies socket options to TCP endpoints. It completes before Start
// returns; other endpoint types pass through untouched.
type TCP struct {
	step

	// KeepAlive is the keep-alive period; zero disables keep-alives
	KeepAlive time.Duration

	// NoDelay disables Nagle's algorithm when true
	NoDelay bool
}

// NewTCP creates a TCP handshaker with no-delay on and the given
// keep-alive period
func NewTCP(lg logger.Logger, keepAlive time.Duration) *TCP {
	h := &TCP{
		KeepAlive: keepAlive,
		NoDelay:   true,
	}
	h.initStep(lg, "tcp")
	return h
}

// Start implements handshake.Handshaker
func (h *TCP) Start(acceptor *handshake.Acceptor, args *handshake.Args, done handshake.DoneFunc) {
	if ra := args.Endpoint.RemoteAddr(); ra != nil {
		args.Config[ConfigKeyPeer] = ra.String()
	}
	tc, ok := args.Endpoint.(*net.TCPConn)
	if !ok {
		h.TLogf("Endpoint is %T, not TCP; nothing to do", args.Endpoint)
		done(nil)
		return
	}
	if err := tc.SetNoDelay(h.NoDelay); err != nil {
		done(h.Errorf("SetNoDelay failed: %s", err))
		return
	}
	if err := tc.SetKeepAlive(h.KeepAlive > 0); err != nil {
		done(h.Errorf("SetKeepAlive failed: %s", err))
		return
	}
	if h.KeepAlive > 0 {
		if err := tc.SetKeepAlivePeriod(h.KeepAlive); err != nil {
			done(h.Errorf("SetKeepAlivePeriod failed: %s", err))
			return
		}
	}
	done(nil)
}
