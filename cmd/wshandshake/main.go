package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sammck-go/wshandshake/pkg/handshake"
	"github.com/sammck-go/wshandshake/pkg/logger"
	wsshare "github.com/sammck-go/wshandshake/share"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	debug      bool
	logJSON    bool
)

var rootCmd = &cobra.Command{
	Use:           "wshandshake",
	Short:         "Connection handshake proxy",
	Version:       wsshare.BuildVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "JSON configuration file. Flags override its settings.")
	pf.BoolVarP(&debug, "verbose", "v", false, "Enable debug logging")
	pf.BoolVar(&logJSON, "log-json", false, "Write logs as JSON lines")

	rootCmd.AddCommand(newServerCmd(), newClientCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(isDebug bool) (logger.Logger, error) {
	logLevel := logger.LogLevelInfo
	if isDebug {
		logLevel = logger.LogLevelDebug
	}
	if !logJSON {
		return logger.New(logger.WithLogLevel(logLevel))
	}
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return logger.New(logger.WithZap(z), logger.WithLogLevel(logLevel))
}

func splitStages(s string) []string {
	var stages []string
	for _, stage := range strings.Split(s, ",") {
		if stage = strings.TrimSpace(stage); stage != "" {
			stages = append(stages, stage)
		}
	}
	return stages
}

// signalContext is cancelled on the first SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type serverFlags struct {
	listen        string
	backend       string
	pipeline      string
	websocket     bool
	socks5        bool
	timeout       time.Duration
	grace         time.Duration
	keepAlive     time.Duration
	tlsCert       string
	tlsKey        string
	keySeed       string
	auth          string
	wsPath        string
	metricsListen string
}

func newServerCmd() *cobra.Command {
	f := &serverFlags{}
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Accept connections, handshake them, and proxy them to a backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &wsshare.ServerConfig{}
			if configFile != "" {
				if err := wsshare.LoadConfigFile(configFile, cfg); err != nil {
					return err
				}
			}
			f.overlay(cmd, cfg)
			return runServer(cfg)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.listen, "listen", ":8080", "host:port to accept connections on")
	fl.StringVar(&f.backend, "backend", "", "host:port handshaked connections are proxied to")
	fl.BoolVar(&f.socks5, "socks5", false, "Serve handshaked connections as SOCKS5")
	fl.BoolVar(&f.websocket, "websocket", false, "Accept connections as websocket upgrades")
	fl.StringVar(&f.pipeline, "pipeline", "", "Comma separated handshake stages (tcp,preamble,tls,websocket,ssh)")
	fl.DurationVar(&f.timeout, "handshake-timeout", wsshare.DefaultHandshakeTimeout, "Deadline for a connection's handshake")
	fl.DurationVar(&f.grace, "shutdown-grace", 0, "How long past the deadline a stuck handshaker is waited for")
	fl.DurationVar(&f.keepAlive, "keepalive", 0, "TCP keep-alive period")
	fl.StringVar(&f.tlsCert, "tls-cert", "", "TLS certificate file")
	fl.StringVar(&f.tlsKey, "tls-key", "", "TLS key file")
	fl.StringVar(&f.keySeed, "key", "", "Seed for a deterministic SSH host key")
	fl.StringVar(&f.auth, "auth", "", "user:pass required of SSH clients")
	fl.StringVar(&f.wsPath, "websocket-path", "", "Request path required by the websocket stage")
	fl.StringVar(&f.metricsListen, "metrics", "", "host:port to serve prometheus metrics on")
	return cmd
}

func (f *serverFlags) overlay(cmd *cobra.Command, cfg *wsshare.ServerConfig) {
	fl := cmd.Flags()
	if fl.Changed("listen") || cfg.Listen == "" {
		cfg.Listen = f.listen
	}
	if fl.Changed("backend") {
		cfg.Backend = f.backend
	}
	if fl.Changed("socks5") {
		cfg.Socks5 = f.socks5
	}
	if fl.Changed("websocket") {
		cfg.WebSocket = f.websocket
	}
	if fl.Changed("pipeline") {
		cfg.Pipeline = splitStages(f.pipeline)
	}
	if fl.Changed("handshake-timeout") {
		cfg.HandshakeTimeout = wsshare.Duration(f.timeout)
	}
	if fl.Changed("shutdown-grace") {
		cfg.ShutdownGrace = wsshare.Duration(f.grace)
	}
	if fl.Changed("keepalive") {
		cfg.KeepAlive = wsshare.Duration(f.keepAlive)
	}
	if fl.Changed("tls-cert") {
		cfg.TLSCert = f.tlsCert
	}
	if fl.Changed("tls-key") {
		cfg.TLSKey = f.tlsKey
	}
	if fl.Changed("key") {
		cfg.KeySeed = f.keySeed
	}
	if fl.Changed("auth") {
		cfg.Auth = f.auth
	}
	if fl.Changed("websocket-path") {
		cfg.WebSocketPath = f.wsPath
	}
	if fl.Changed("metrics") {
		cfg.MetricsListen = f.metricsListen
	}
	cfg.Debug = cfg.Debug || debug
}

func runServer(cfg *wsshare.ServerConfig) error {
	lg, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	opts := []wsshare.ServerOption{wsshare.WithServerLogger(lg)}
	var metricsServer *wsshare.HTTPServer
	if cfg.MetricsListen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, wsshare.WithServerMetrics(handshake.NewMetrics(reg)))
		metricsServer = wsshare.NewHTTPServer(lg.ForkLog("metrics"))
		if err := metricsServer.Listen(ctx, cfg.MetricsListen, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})); err != nil {
			return err
		}
		defer metricsServer.Close()
	}

	s, err := wsshare.NewServer(cfg, opts...)
	if err != nil {
		return err
	}

	if configFile != "" {
		w, err := wsshare.NewConfigWatcher(lg, configFile, func(newCfg *wsshare.ServerConfig) {
			s.SetTimeouts(time.Duration(newCfg.HandshakeTimeout), time.Duration(newCfg.ShutdownGrace))
		})
		if err != nil {
			return err
		}
		defer w.Close()
	}

	return s.Run(ctx)
}

type clientFlags struct {
	listen           string
	pipeline         string
	timeout          time.Duration
	grace            time.Duration
	keepAlive        time.Duration
	maxRetryCount    int
	maxRetryInterval time.Duration
	tlsServerName    string
	tlsInsecure      bool
	auth             string
	fingerprint      string
	wsURL            string
	host             string
}

func newClientCmd() *cobra.Command {
	f := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "client <server>",
		Short: "Connect to a server, handshake, and forward local connections or stdio",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &wsshare.ClientConfig{}
			if configFile != "" {
				if err := wsshare.LoadConfigFile(configFile, cfg); err != nil {
					return err
				}
			}
			if len(args) == 1 {
				cfg.Server = args[0]
			}
			f.overlay(cmd, cfg)
			return runClient(cfg)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.listen, "listen", "", "Local host:port to forward; stdio is used if empty")
	fl.StringVar(&f.pipeline, "pipeline", "", "Comma separated handshake stages (tcp,preamble,tls,websocket,ssh)")
	fl.DurationVar(&f.timeout, "handshake-timeout", wsshare.DefaultHandshakeTimeout, "Deadline for each handshake")
	fl.DurationVar(&f.grace, "shutdown-grace", 0, "How long past the deadline a stuck handshaker is waited for")
	fl.DurationVar(&f.keepAlive, "keepalive", 0, "TCP keep-alive period")
	fl.IntVar(&f.maxRetryCount, "max-retry-count", -1, "Maximum number of retries before exiting. Defaults to unlimited.")
	fl.DurationVar(&f.maxRetryInterval, "max-retry-interval", wsshare.DefaultMaxRetryInterval, "Maximum wait time before retrying")
	fl.StringVar(&f.tlsServerName, "tls-server-name", "", "Expected TLS server name; defaults to the server host")
	fl.BoolVar(&f.tlsInsecure, "tls-insecure", false, "Skip TLS certificate verification")
	fl.StringVar(&f.auth, "auth", "", "user:pass presented to the SSH stage")
	fl.StringVar(&f.fingerprint, "fingerprint", "", "Expected SSH host key fingerprint prefix")
	fl.StringVar(&f.wsURL, "websocket-url", "", "URL requested by the websocket stage; defaults to the server")
	fl.StringVar(&f.host, "hostname", "", "Host header sent by the websocket stage")
	return cmd
}

func (f *clientFlags) overlay(cmd *cobra.Command, cfg *wsshare.ClientConfig) {
	fl := cmd.Flags()
	if fl.Changed("listen") {
		cfg.Listen = f.listen
	}
	if fl.Changed("pipeline") {
		cfg.Pipeline = splitStages(f.pipeline)
	}
	if fl.Changed("handshake-timeout") {
		cfg.HandshakeTimeout = wsshare.Duration(f.timeout)
	}
	if fl.Changed("shutdown-grace") {
		cfg.ShutdownGrace = wsshare.Duration(f.grace)
	}
	if fl.Changed("keepalive") {
		cfg.KeepAlive = wsshare.Duration(f.keepAlive)
	}
	if fl.Changed("max-retry-count") || configFile == "" {
		cfg.MaxRetryCount = f.maxRetryCount
	}
	if fl.Changed("max-retry-interval") {
		cfg.MaxRetryInterval = wsshare.Duration(f.maxRetryInterval)
	}
	if fl.Changed("tls-server-name") {
		cfg.TLSServerName = f.tlsServerName
	}
	if fl.Changed("tls-insecure") {
		cfg.TLSInsecure = f.tlsInsecure
	}
	if fl.Changed("auth") {
		cfg.Auth = f.auth
	}
	if fl.Changed("fingerprint") {
		cfg.Fingerprint = f.fingerprint
	}
	if fl.Changed("websocket-url") {
		cfg.WebSocketURL = f.wsURL
	}
	if fl.Changed("hostname") {
		cfg.HostHeader = f.host
	}
	cfg.Debug = cfg.Debug || debug
}

func runClient(cfg *wsshare.ClientConfig) error {
	lg, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	c, err := wsshare.NewClient(cfg, wsshare.WithClientLogger(lg))
	if err != nil {
		return err
	}
	return c.Run(ctx)
}
