package wsshare

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/benbjohnson/clock"
	"github.com/jpillora/requestlog"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/wshandshake/pkg/asyncobj"
	"github.com/sammck-go/wshandshake/pkg/handshake"
	"github.com/sammck-go/wshandshake/pkg/handshakers"
	"github.com/sammck-go/wshandshake/pkg/logger"
	"go.uber.org/multierr"
)

// ConfigKeyConnID records the server's connection number in the
// handshake configuration
const ConfigKeyConnID = "server.conn_id"

// ServerOption configures a Server
type ServerOption func(s *Server)

// WithServerLogger sets the logger the server forks its own logger from
func WithServerLogger(lg logger.Logger) ServerOption {
	return func(s *Server) {
		s.baseLogger = lg
	}
}

// WithServerMetrics records handshake outcomes in metrics
func WithServerMetrics(metrics *handshake.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithServerClock drives handshake deadlines from clk
func WithServerClock(clk clock.Clock) ServerOption {
	return func(s *Server) {
		s.clock = clk
	}
}

// Server accepts connections, runs the configured handshake pipeline on
// each one, and hands every connection that completes it to the
// application: a TCP backend or a SOCKS5 server.
type Server struct {
	asyncobj.Helper
	baseLogger  logger.Logger
	config      *ServerConfig
	pipeline    *Pipeline
	metrics     *handshake.Metrics
	clock       clock.Clock
	connStats   ConnStats
	socksServer *socks5.Server
	httpServer  *HTTPServer
	listener    net.Listener

	timeoutMu        sync.Mutex
	handshakeTimeout time.Duration
	shutdownGrace    time.Duration

	trackMu  sync.Mutex
	managers map[*handshake.Manager]struct{}
	conns    map[net.Conn]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// NewServer creates and returns a new handshake server
func NewServer(config *ServerConfig, opts ...ServerOption) (*Server, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		config:           config,
		handshakeTimeout: time.Duration(config.HandshakeTimeout),
		shutdownGrace:    time.Duration(config.ShutdownGrace),
		managers:         map[*handshake.Manager]struct{}{},
		conns:            map[net.Conn]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.baseLogger == nil {
		logLevel := logger.LogLevelInfo
		if config.Debug {
			logLevel = logger.LogLevelDebug
		}
		lg, err := logger.New(logger.WithLogLevel(logLevel))
		if err != nil {
			return nil, err
		}
		s.baseLogger = lg
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	s.InitHelper(s.baseLogger.ForkLog("server"), s)

	var err error
	s.pipeline, err = NewServerPipeline(s.Logger, config)
	if err != nil {
		return nil, err
	}

	//setup socks server (not listening on any port!)
	if config.Socks5 {
		socksConfig := &socks5.Config{}
		if s.GetLogLevel() >= logger.LogLevelDebug {
			socksConfig.Logger = log.New(os.Stdout, "[socks]", log.Ldate|log.Ltime)
		} else {
			socksConfig.Logger = log.New(io.Discard, "", 0)
		}
		s.socksServer, err = socks5.New(socksConfig)
		if err != nil {
			return nil, err
		}
		s.ILogf("SOCKS5 server enabled")
	}

	if config.WebSocket {
		s.httpServer = NewHTTPServer(s.Logger)
	}
	return s, nil
}

// Run starts the server and blocks until it has shut down
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.WaitShutdown()
}

// Start starts the server without blocking. The server shuts down when
// ctx is cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	return s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)

			if s.pipeline.Fingerprint != "" {
				s.ILogf("Fingerprint %s", s.pipeline.Fingerprint)
			}
			s.ILogf("Handshake pipeline %v, timeout %s", s.pipeline.Stages(), s.handshakeTimeout)
			s.ILogf("Listening on %s...", s.config.Listen)

			if s.httpServer != nil {
				h := http.Handler(http.HandlerFunc(s.handleHTTP))
				if s.GetLogLevel() >= logger.LogLevelDebug {
					h = requestlog.Wrap(h)
				}
				if err := s.httpServer.Listen(ctx, s.config.Listen, h); err != nil {
					return err
				}
				s.AddShutdownChild(s.httpServer)
				return nil
			}

			l, err := Listen(s.Logger, s.config.Listen)
			if err != nil {
				return s.DLogErrorf("Listen failed: %s", err)
			}
			s.listener = l
			go s.acceptLoop(l)
			return nil
		},
		true,
	)
}

// Addr returns the address the server is accepting on, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.httpServer != nil {
		return s.httpServer.Addr()
	}
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// GetFingerprint is used to access the server's SSH fingerprint
func (s *Server) GetFingerprint() string {
	return s.pipeline.Fingerprint
}

// Stats returns the server's connection statistics
func (s *Server) Stats() *ConnStats {
	return &s.connStats
}

// SetTimeouts changes the handshake timeout and shutdown grace period used
// for connections accepted from now on
func (s *Server) SetTimeouts(handshakeTimeout time.Duration, shutdownGrace time.Duration) {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	s.timeoutMu.Lock()
	defer s.timeoutMu.Unlock()
	s.handshakeTimeout = handshakeTimeout
	s.shutdownGrace = shutdownGrace
	s.ILogf("Handshake timeout %s, shutdown grace %s", handshakeTimeout, shutdownGrace)
}

func (s *Server) timeouts() (time.Duration, time.Duration) {
	s.timeoutMu.Lock()
	defer s.timeoutMu.Unlock()
	return s.handshakeTimeout, s.shutdownGrace
}

func (s *Server) acceptLoop(l net.Listener) {
	acceptor := &handshake.Acceptor{Listener: l}
	for {
		conn, err := l.Accept()
		if err != nil {
			if !s.IsStartedShutdown() {
				s.StartShutdown(s.Errorf("Accept failed: %s", err))
			}
			return
		}
		s.handleConn(conn, acceptor)
	}
}

// handleConn runs the handshake pipeline over conn. It does not block.
func (s *Server) handleConn(conn net.Conn, acceptor *handshake.Acceptor) {
	id := s.connStats.New()
	lg := s.ForkLog("conn#%d", id)
	timeout, grace := s.timeouts()

	m := handshake.NewManager(
		handshake.WithLogger(lg),
		handshake.WithClock(s.clock),
		handshake.WithMetrics(s.metrics),
		handshake.WithShutdownGrace(grace),
	)
	s.pipeline.AddTo(m)
	if !s.trackManager(m) {
		lg.DLogf("Server shutting down, dropping %s", conn.RemoteAddr())
		conn.Close()
		m.Destroy()
		return
	}

	lg.DLogf("Accepted %s", conn.RemoteAddr())
	config := handshake.ChannelArgs{ConfigKeyConnID: id}
	m.DoHandshake(conn, config, s.clock.Now().Add(timeout), acceptor, func(args *handshake.Args, err error) {
		s.untrackManager(m)
		m.Destroy()
		if err != nil {
			s.connStats.Failed()
			lg.DLogf("Handshake failed: %s", err)
			closeEndpoints(args.Endpoint, conn)
			s.wg.Done()
			return
		}
		go s.serveConn(lg, args)
	}, nil)
}

func closeEndpoints(endpoint net.Conn, raw net.Conn) {
	if endpoint != nil && endpoint != raw {
		endpoint.Close()
	}
	raw.Close()
}

// serveConn hands a handshaked connection to the application
func (s *Server) serveConn(lg logger.Logger, args *handshake.Args) {
	defer s.wg.Done()
	pending := args.ReadBuffer.Len()
	conn := handshakers.EndpointWithPending(args)
	lg.DLogf("Handshake complete, %s pending", sizestr.ToString(int64(pending)))

	if !s.trackConn(conn) {
		conn.Close()
		return
	}
	defer s.untrackConn(conn)

	if s.socksServer != nil {
		s.connStats.Open()
		err := s.socksServer.ServeConn(conn)
		s.connStats.Close()
		conn.Close()
		if err != nil && err != io.EOF {
			lg.DLogf("%s: Closed (error: %s)", &s.connStats, err)
		} else {
			lg.DLogf("%s: Closed", &s.connStats)
		}
		return
	}

	backend, err := net.Dial("tcp", s.config.Backend)
	if err != nil {
		lg.DLogf("Backend failed (%s)", err)
		conn.Close()
		return
	}
	pipeWithStats(lg, &s.connStats, conn, backend)
}

func (s *Server) trackManager(m *handshake.Manager) bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if s.closing {
		return false
	}
	s.managers[m] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackManager(m *handshake.Manager) {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	delete(s.managers, m)
}

func (s *Server) trackConn(c net.Conn) bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrackConn(c net.Conn) {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	delete(s.conns, c)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.trackMu.Lock()
	s.closing = true
	managers := make([]*handshake.Manager, 0, len(s.managers))
	for m := range s.managers {
		managers = append(managers, m)
	}
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.trackMu.Unlock()

	s.DLogf("Shutting down %d handshakes and %d connections", len(managers), len(conns))
	for _, m := range managers {
		m.Shutdown()
	}
	for _, c := range conns {
		err = multierr.Append(err, ignoreClosed(c.Close()))
	}
	s.wg.Wait()

	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
