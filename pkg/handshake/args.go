package handshake

import (
	"bytes"
	"net"
)

// ChannelArgs is the negotiated configuration threaded through a handshake.
// Handshakers may read it and record what they negotiate (e.g. an ALPN
// protocol or a peer fingerprint) under their own keys.
type ChannelArgs map[string]interface{}

// Copy returns a shallow copy of a. A nil ChannelArgs copies to an empty,
// non-nil map so handshakers can always write into it.
func (a ChannelArgs) Copy() ChannelArgs {
	c := make(ChannelArgs, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

// GetString returns the string value stored under key, if any
func (a ChannelArgs) GetString(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Acceptor describes how and where the connection being handshaked was
// accepted. It is passed unchanged to every handshaker. Client-side
// handshakes pass nil.
type Acceptor struct {
	// Listener is the listener the connection was accepted from, if any
	Listener net.Listener

	// PortIndex identifies the listening port among those of a server
	PortIndex int

	// FDIndex identifies the socket among those bound to PortIndex
	FDIndex int
}

// Args is the mutable context record passed through every handshaker of
// one attempt. It is owned by whichever handshaker is currently running,
// and by the manager between handshakers. After the final callback fires,
// ownership passes to the callback.
type Args struct {
	// Endpoint is the connection being handshaked. A handshaker may replace
	// it with a wrapping connection (e.g. a TLS session); later handshakers
	// and the final callback see the replacement.
	Endpoint net.Conn

	// Config is the attempt's own copy of the caller's configuration
	Config ChannelArgs

	// ReadBuffer holds bytes read from Endpoint by an earlier handshaker
	// that it did not consume. Later handshakers must drain it before
	// reading from Endpoint.
	ReadBuffer *bytes.Buffer

	// UserData is the payload supplied to DoHandshake. It is nil while
	// handshakers run and is set just before the final callback fires.
	UserData interface{}
}

func newArgs(endpoint net.Conn, config ChannelArgs) *Args {
	return &Args{
		Endpoint:   endpoint,
		Config:     config.Copy(),
		ReadBuffer: new(bytes.Buffer),
	}
}
