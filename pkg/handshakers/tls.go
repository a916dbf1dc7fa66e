package handshakers

import (
	"context"
	"crypto/tls"
	"errors"

	"github.com/sammck-go/wshandshake/pkg/handshake"
	"github.com/sammck-go/wshandshake/pkg/logger"
)

const (
	// ConfigKeyALPN records the negotiated application protocol
	ConfigKeyALPN = "tls.alpn"

	// ConfigKeyTLSServerName records the SNI server name
	ConfigKeyTLSServerName = "tls.server_name"
)

// TLS runs a crypto/tls handshake over the endpoint and replaces it with
// the resulting *tls.Conn. Use NewTLSServer or NewTLSClient.
type TLS struct {
	step
	config   *tls.Config
	isClient bool
}

// NewTLSServer creates the server side of a TLS handshake. config must
// carry at least one certificate.
func NewTLSServer(lg logger.Logger, config *tls.Config) (*TLS, error) {
	if config == nil || (len(config.Certificates) == 0 && config.GetCertificate == nil) {
		return nil, errors.New("handshakers: TLS server needs a certificate")
	}
	h := &TLS{config: config}
	h.initStep(lg, "tls-server")
	return h, nil
}

// NewTLSClient creates the client side of a TLS handshake
func NewTLSClient(lg logger.Logger, config *tls.Config) *TLS {
	if config == nil {
		config = &tls.Config{}
	}
	h := &TLS{config: config, isClient: true}
	h.initStep(lg, "tls-client")
	return h
}

// Start implements handshake.Handshaker
func (h *TLS) Start(acceptor *handshake.Acceptor, args *handshake.Args, done handshake.DoneFunc) {
	h.run(args, done, h.exchange)
}

func (h *TLS) exchange(ctx context.Context, args *handshake.Args) error {
	conn := EndpointWithPending(args)
	var tc *tls.Conn
	if h.isClient {
		tc = tls.Client(conn, h.config)
	} else {
		tc = tls.Server(conn, h.config)
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		return err
	}

	state := tc.ConnectionState()
	args.Config[ConfigKeyALPN] = state.NegotiatedProtocol
	if state.ServerName != "" {
		args.Config[ConfigKeyTLSServerName] = state.ServerName
	}
	h.DLogf("Negotiated %s, alpn=%q", tls.VersionName(state.Version), state.NegotiatedProtocol)
	args.Endpoint = tc
	return nil
}
