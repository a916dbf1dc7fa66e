package wsshare

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/sammck-go/wshandshake/pkg/handshake"
	"github.com/sammck-go/wshandshake/pkg/handshakers"
	"github.com/sammck-go/wshandshake/pkg/logger"
)

// Pipeline creates the handshakers for one connection. Handshakers are
// owned by the manager they are added to, so every connection gets fresh
// ones; state shared across connections (keys, certificates) is prepared
// once when the Pipeline is built.
type Pipeline struct {
	stages []string
	build  map[string]func() handshake.Handshaker

	// Fingerprint is the SSH host key fingerprint, when the pipeline
	// serves an ssh stage
	Fingerprint string
}

// Stages returns the stage names, in order
func (p *Pipeline) Stages() []string {
	return append([]string(nil), p.stages...)
}

// AddTo adds a fresh handshaker for every stage to m
func (p *Pipeline) AddTo(m *handshake.Manager) {
	for _, s := range p.stages {
		m.Add(p.build[s]())
	}
}

// NewServerPipeline prepares the server side of the stages named in cfg
func NewServerPipeline(lg logger.Logger, cfg *ServerConfig) (*Pipeline, error) {
	if err := validatePipeline(cfg.Pipeline); err != nil {
		return nil, err
	}
	p := &Pipeline{
		stages: append([]string(nil), cfg.Pipeline...),
		build:  map[string]func() handshake.Handshaker{},
	}
	keepAlive := time.Duration(cfg.KeepAlive)

	for _, s := range p.stages {
		switch s {
		case StageTCP:
			p.build[s] = func() handshake.Handshaker { return handshakers.NewTCP(lg, keepAlive) }
		case StagePreamble:
			p.build[s] = func() handshake.Handshaker { return handshakers.NewPreamble(lg, handshakers.RoleServer) }
		case StageTLS:
			cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
			if err != nil {
				return nil, fmt.Errorf("load TLS key pair: %w", err)
			}
			tlsConfig := &tls.Config{
				Certificates: []tls.Certificate{cert},
				NextProtos:   cfg.ALPN,
				MinVersion:   tls.VersionTLS12,
			}
			// Validates the certificate once, up front
			if _, err := handshakers.NewTLSServer(lg, tlsConfig); err != nil {
				return nil, err
			}
			p.build[s] = func() handshake.Handshaker {
				h, _ := handshakers.NewTLSServer(lg, tlsConfig)
				return h
			}
		case StageWebSocket:
			path := cfg.WebSocketPath
			p.build[s] = func() handshake.Handshaker { return handshakers.NewWebSocketServer(lg, path) }
		case StageSSH:
			signer, err := handshakers.NewSigner(cfg.KeySeed)
			if err != nil {
				return nil, fmt.Errorf("ssh host key: %w", err)
			}
			p.Fingerprint = handshakers.FingerprintKey(signer.PublicKey())
			auth := cfg.Auth
			p.build[s] = func() handshake.Handshaker { return handshakers.NewSSHServer(lg, signer, auth) }
		}
	}
	return p, nil
}

// NewClientPipeline prepares the client side of the stages named in cfg
func NewClientPipeline(lg logger.Logger, cfg *ClientConfig) (*Pipeline, error) {
	if err := validatePipeline(cfg.Pipeline); err != nil {
		return nil, err
	}
	p := &Pipeline{
		stages: append([]string(nil), cfg.Pipeline...),
		build:  map[string]func() handshake.Handshaker{},
	}
	keepAlive := time.Duration(cfg.KeepAlive)

	for _, s := range p.stages {
		switch s {
		case StageTCP:
			p.build[s] = func() handshake.Handshaker { return handshakers.NewTCP(lg, keepAlive) }
		case StagePreamble:
			p.build[s] = func() handshake.Handshaker { return handshakers.NewPreamble(lg, handshakers.RoleClient) }
		case StageTLS:
			serverName := cfg.TLSServerName
			if serverName == "" {
				serverName, _, _ = net.SplitHostPort(cfg.Server)
			}
			tlsConfig := &tls.Config{
				ServerName:         serverName,
				InsecureSkipVerify: cfg.TLSInsecure,
				NextProtos:         cfg.ALPN,
				MinVersion:         tls.VersionTLS12,
			}
			p.build[s] = func() handshake.Handshaker { return handshakers.NewTLSClient(lg, tlsConfig) }
		case StageWebSocket:
			u := cfg.WebSocketURL
			if u == "" {
				u = cfg.Server
			}
			host := cfg.HostHeader
			p.build[s] = func() handshake.Handshaker { return handshakers.NewWebSocketClient(lg, u, host) }
		case StageSSH:
			auth, fp := cfg.Auth, cfg.Fingerprint
			p.build[s] = func() handshake.Handshaker { return handshakers.NewSSHClient(lg, auth, fp) }
		}
	}
	return p, nil
}
