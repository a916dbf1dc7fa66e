package wsshare

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"
	"github.com/sammck-go/wshandshake/pkg/asyncobj"
	"github.com/sammck-go/wshandshake/pkg/handshake"
	"github.com/sammck-go/wshandshake/pkg/handshakers"
	"github.com/sammck-go/wshandshake/pkg/logger"
	"go.uber.org/multierr"
)

// ClientOption configures a Client
type ClientOption func(c *Client)

// WithClientLogger sets the logger the client forks its own logger from
func WithClientLogger(lg logger.Logger) ClientOption {
	return func(c *Client) {
		c.baseLogger = lg
	}
}

// WithClientMetrics records handshake outcomes in metrics
func WithClientMetrics(metrics *handshake.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithClientClock drives handshake deadlines and retry delays from clk
func WithClientClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		c.clock = clk
	}
}

// Client dials a handshake server and runs the client side of the
// pipeline on each connection, retrying failed attempts with backoff
type Client struct {
	asyncobj.Helper
	baseLogger logger.Logger
	config     *ClientConfig
	pipeline   *Pipeline
	metrics    *handshake.Metrics
	clock      clock.Clock
	dialer     net.Dialer
	connStats  ConnStats
	listener   net.Listener

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
}

// NewClient creates a new client instance
func NewClient(config *ClientConfig, opts ...ClientOption) (*Client, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		config: config,
		conns:  map[net.Conn]struct{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseLogger == nil {
		logLevel := logger.LogLevelInfo
		if config.Debug {
			logLevel = logger.LogLevelDebug
		}
		lg, err := logger.New(logger.WithLogLevel(logLevel))
		if err != nil {
			return nil, err
		}
		c.baseLogger = lg
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	c.InitHelper(c.baseLogger.ForkLog("client"), c)
	c.dialer.KeepAlive = time.Duration(config.KeepAlive)

	var err error
	c.pipeline, err = NewClientPipeline(c.Logger, config)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Dial connects to the server and completes the handshake pipeline,
// retrying with backoff up to MaxRetryCount times (forever if negative).
// The returned connection yields any bytes the pipeline read ahead before
// reading from the network.
func (c *Client) Dial(ctx context.Context) (net.Conn, error) {
	b := &backoff.Backoff{Max: time.Duration(c.config.MaxRetryInterval)}
	for {
		conn, err := c.dialOnce(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		attempt := int(b.Attempt())
		maxAttempt := c.config.MaxRetryCount
		//show error and attempt counts
		msg := fmt.Sprintf("Connection error: %s", err)
		if attempt > 0 {
			msg += fmt.Sprintf(" (Attempt: %d", attempt)
			if maxAttempt > 0 {
				msg += fmt.Sprintf("/%d", maxAttempt)
			}
			msg += ")"
		}
		c.DLogf(msg)
		//give up?
		if maxAttempt >= 0 && attempt >= maxAttempt {
			return nil, err
		}
		d := b.Duration()
		c.ILogf("Retrying in %s...", d)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ShutdownStartedChan():
			return nil, c.Errorf("Client shut down")
		case <-c.clock.After(d):
		}
	}
}

// dialOnce makes a single connection and handshake attempt
func (c *Client) dialOnce(ctx context.Context) (net.Conn, error) {
	network, address := splitNetAddr(c.config.Server)
	raw, err := c.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	id := c.connStats.New()
	lg := c.ForkLog("conn#%d", id)

	m := handshake.NewManager(
		handshake.WithLogger(lg),
		handshake.WithClock(c.clock),
		handshake.WithMetrics(c.metrics),
		handshake.WithShutdownGrace(time.Duration(c.config.ShutdownGrace)),
	)
	defer m.Destroy()
	c.pipeline.AddTo(m)

	deadline := c.clock.Now().Add(time.Duration(c.config.HandshakeTimeout))
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	type outcome struct {
		args *handshake.Args
		err  error
	}
	result := make(chan outcome, 1)
	m.DoHandshake(raw, handshake.ChannelArgs{}, deadline, nil, func(args *handshake.Args, err error) {
		result <- outcome{args: args, err: err}
	}, nil)

	var o outcome
	select {
	case o = <-result:
	case <-ctx.Done():
		m.Shutdown()
		o = <-result
		if o.err == nil {
			o.err = ctx.Err()
		}
	case <-c.ShutdownStartedChan():
		m.Shutdown()
		o = <-result
		if o.err == nil {
			o.err = c.Errorf("Client shut down")
		}
	}

	if o.err != nil {
		c.connStats.Failed()
		closeEndpoints(o.args.Endpoint, raw)
		return nil, o.err
	}
	lg.DLogf("Handshake complete with %s, %d bytes pending", c.config.Server, o.args.ReadBuffer.Len())
	return handshakers.EndpointWithPending(o.args), nil
}

// Run starts the client and blocks until it shuts down. With a Listen
// address, every local connection is forwarded over its own handshaked
// connection; otherwise a single connection is piped to stdin and stdout.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	return c.WaitShutdown()
}

// Start starts the client without blocking
func (c *Client) Start(ctx context.Context) error {
	return c.DoOnceActivate(
		func() error {
			c.ShutdownOnContext(ctx)
			if c.config.Listen == "" {
				c.ILogf("Connecting to %s, piping stdio", c.config.Server)
				go c.serveStdio(ctx)
				return nil
			}
			l, err := Listen(c.Logger, c.config.Listen)
			if err != nil {
				return c.DLogErrorf("Listen failed: %s", err)
			}
			c.listener = l
			c.ILogf("Forwarding %s to %s", l.Addr(), c.config.Server)
			go c.acceptLoop(ctx, l)
			return nil
		},
		true,
	)
}

// Addr returns the local forwarding address, or nil without one
func (c *Client) Addr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

func (c *Client) serveStdio(ctx context.Context) {
	remote, err := c.Dial(ctx)
	if err != nil {
		c.StartShutdown(err)
		return
	}
	local := NewStdioConn(os.Stdin, os.Stdout)
	if !c.track(remote) {
		remote.Close()
		return
	}
	pipeWithStats(c.Logger, &c.connStats, local, remote)
	c.untrack(remote)
	c.StartShutdown(nil)
}

func (c *Client) acceptLoop(ctx context.Context, l net.Listener) {
	for {
		local, err := l.Accept()
		if err != nil {
			if !c.IsStartedShutdown() {
				c.StartShutdown(c.Errorf("Accept failed: %s", err))
			}
			return
		}
		if !c.trackServing(local) {
			local.Close()
			return
		}
		go func() {
			defer c.wg.Done()
			defer c.untrack(local)
			remote, err := c.Dial(ctx)
			if err != nil {
				c.DLogf("Dropping %s: %s", local.RemoteAddr(), err)
				local.Close()
				return
			}
			if !c.track(remote) {
				local.Close()
				remote.Close()
				return
			}
			defer c.untrack(remote)
			pipeWithStats(c.Logger, &c.connStats, local, remote)
		}()
	}
}

func (c *Client) track(conn net.Conn) bool {
	c.connsMu.Lock()
	defer c.connsMu.Unlock()
	if c.conns == nil {
		return false
	}
	c.conns[conn] = struct{}{}
	return true
}

// trackServing tracks a forwarded local connection whose goroutine the
// shutdown waits for
func (c *Client) trackServing(conn net.Conn) bool {
	c.connsMu.Lock()
	defer c.connsMu.Unlock()
	if c.conns == nil {
		return false
	}
	c.conns[conn] = struct{}{}
	c.wg.Add(1)
	return true
}

func (c *Client) untrack(conn net.Conn) {
	c.connsMu.Lock()
	defer c.connsMu.Unlock()
	delete(c.conns, conn)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	var err error
	if c.listener != nil {
		err = ignoreClosed(c.listener.Close())
	}
	c.connsMu.Lock()
	conns := c.conns
	c.conns = nil
	c.connsMu.Unlock()
	for conn := range conns {
		err = multierr.Append(err, ignoreClosed(conn.Close()))
	}
	c.wg.Wait()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
