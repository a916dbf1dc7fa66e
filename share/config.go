package wsshare

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/wshandshake/pkg/asyncobj"
	"github.com/sammck-go/wshandshake/pkg/logger"
	"go.uber.org/multierr"
)

const (
	// DefaultHandshakeTimeout bounds a handshake attempt when no timeout is
	// configured
	DefaultHandshakeTimeout = 20 * time.Second

	// DefaultMaxRetryInterval caps the client's retry backoff
	DefaultMaxRetryInterval = 5 * time.Minute
)

// Pipeline stage names, in the order they usually appear
const (
	StageTCP       = "tcp"
	StagePreamble  = "preamble"
	StageTLS       = "tls"
	StageWebSocket = "websocket"
	StageSSH       = "ssh"
)

// DefaultPipeline is used when a configuration names no stages
var DefaultPipeline = []string{StageTCP, StagePreamble}

// Duration is a time.Duration that reads and writes JSON as a string such
// as "1m30s"
type Duration time.Duration

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler. Plain numbers are seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(x * float64(time.Second))
	case string:
		pd, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(pd)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// ServerConfig is the configuration of a handshake server
type ServerConfig struct {
	// Listen is the host:port to accept connections on
	Listen string `json:"listen"`

	// WebSocket accepts connections as HTTP websocket upgrades instead of
	// raw TCP
	WebSocket bool `json:"websocket,omitempty"`

	// Backend is the host:port handshaked connections are proxied to
	Backend string `json:"backend,omitempty"`

	// Socks5 serves handshaked connections as SOCKS5 instead of proxying
	Socks5 bool `json:"socks5,omitempty"`

	// Pipeline names the handshake stages run on every connection
	Pipeline []string `json:"pipeline,omitempty"`

	HandshakeTimeout Duration `json:"handshake_timeout,omitempty"`
	ShutdownGrace    Duration `json:"shutdown_grace,omitempty"`
	KeepAlive        Duration `json:"keep_alive,omitempty"`

	TLSCert string   `json:"tls_cert,omitempty"`
	TLSKey  string   `json:"tls_key,omitempty"`
	ALPN    []string `json:"alpn,omitempty"`

	KeySeed string `json:"key_seed,omitempty"`
	Auth    string `json:"auth,omitempty"`

	// WebSocketPath restricts the websocket stage to one request path
	WebSocketPath string `json:"websocket_path,omitempty"`

	MetricsListen string `json:"metrics_listen,omitempty"`
	Debug         bool   `json:"debug,omitempty"`
}

// ClientConfig is the configuration of a handshake client
type ClientConfig struct {
	// Server is the host:port of the handshake server
	Server string `json:"server"`

	// Listen, if set, is a local host:port whose connections are forwarded
	// over fresh handshaked connections
	Listen string `json:"listen,omitempty"`

	Pipeline []string `json:"pipeline,omitempty"`

	HandshakeTimeout Duration `json:"handshake_timeout,omitempty"`
	ShutdownGrace    Duration `json:"shutdown_grace,omitempty"`
	KeepAlive        Duration `json:"keep_alive,omitempty"`

	MaxRetryCount    int      `json:"max_retry_count,omitempty"`
	MaxRetryInterval Duration `json:"max_retry_interval,omitempty"`

	TLSServerName string   `json:"tls_server_name,omitempty"`
	TLSInsecure   bool     `json:"tls_insecure,omitempty"`
	ALPN          []string `json:"alpn,omitempty"`

	Auth        string `json:"auth,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`

	WebSocketURL string `json:"websocket_url,omitempty"`
	HostHeader   string `json:"host_header,omitempty"`

	Debug bool `json:"debug,omitempty"`
}

func validatePipeline(stages []string) error {
	var err error
	seen := map[string]bool{}
	for _, s := range stages {
		switch s {
		case StageTCP, StagePreamble, StageTLS, StageWebSocket, StageSSH:
		default:
			err = multierr.Append(err, fmt.Errorf("unknown pipeline stage %q", s))
		}
		if seen[s] {
			err = multierr.Append(err, fmt.Errorf("pipeline stage %q repeated", s))
		}
		seen[s] = true
	}
	return err
}

func hasStage(stages []string, stage string) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}

// ApplyDefaults fills in unset fields
func (c *ServerConfig) ApplyDefaults() {
	if len(c.Pipeline) == 0 {
		c.Pipeline = append([]string(nil), DefaultPipeline...)
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = Duration(DefaultHandshakeTimeout)
	}
}

// Validate reports every problem with the configuration
func (c *ServerConfig) Validate() error {
	var err error
	if c.Listen == "" {
		err = multierr.Append(err, fmt.Errorf("listen address is required"))
	}
	if c.Socks5 && c.Backend != "" {
		err = multierr.Append(err, fmt.Errorf("backend and socks5 are mutually exclusive"))
	}
	if !c.Socks5 && c.Backend == "" {
		err = multierr.Append(err, fmt.Errorf("one of backend or socks5 is required"))
	}
	err = multierr.Append(err, validatePipeline(c.Pipeline))
	if hasStage(c.Pipeline, StageTLS) && (c.TLSCert == "" || c.TLSKey == "") {
		err = multierr.Append(err, fmt.Errorf("tls stage needs tls_cert and tls_key"))
	}
	if c.WebSocket && hasStage(c.Pipeline, StageWebSocket) {
		err = multierr.Append(err, fmt.Errorf("websocket ingress already performs the websocket stage"))
	}
	if c.ShutdownGrace < 0 {
		err = multierr.Append(err, fmt.Errorf("shutdown_grace must not be negative"))
	}
	return err
}

// ApplyDefaults fills in unset fields
func (c *ClientConfig) ApplyDefaults() {
	if len(c.Pipeline) == 0 {
		c.Pipeline = append([]string(nil), DefaultPipeline...)
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = Duration(DefaultHandshakeTimeout)
	}
	if c.MaxRetryInterval < Duration(time.Second) {
		c.MaxRetryInterval = Duration(DefaultMaxRetryInterval)
	}
}

// Validate reports every problem with the configuration
func (c *ClientConfig) Validate() error {
	var err error
	if c.Server == "" {
		err = multierr.Append(err, fmt.Errorf("server address is required"))
	}
	return multierr.Append(err, validatePipeline(c.Pipeline))
}

// LoadConfigFile decodes the JSON file at path into v, rejecting unknown
// fields
func LoadConfigFile(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// ConfigWatcher reloads a server configuration file whenever it changes
// on disk and hands each successfully loaded version to a callback
type ConfigWatcher struct {
	asyncobj.Helper
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*ServerConfig)
}

// NewConfigWatcher starts watching path. The directory is watched rather
// than the file so that editors replacing the file are noticed.
func NewConfigWatcher(lg logger.Logger, path string, onChange func(*ServerConfig)) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}
	w := &ConfigWatcher{
		path:     abs,
		watcher:  watcher,
		onChange: onChange,
	}
	w.InitHelper(lg.ForkLog("ConfigWatcher"), w)
	go w.watch()
	return w, nil
}

func (w *ConfigWatcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.WLogf("Watch error: %s", err)
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg := &ServerConfig{}
	if err := LoadConfigFile(w.path, cfg); err != nil {
		w.WLogf("Ignoring unreadable config: %s", err)
		return
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		w.WLogf("Ignoring invalid config: %s", err)
		return
	}
	w.ILogf("Reloaded %s", w.path)
	w.onChange(cfg)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (w *ConfigWatcher) HandleOnceShutdown(completionErr error) error {
	err := w.watcher.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
