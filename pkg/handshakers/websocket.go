package handshakers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/wshandshake/pkg/handshake"
	"github.com/sammck-go/wshandshake/pkg/logger"
	"go.uber.org/multierr"
)

const (
	// WebSocketSubprotocol is the websocket subprotocol spoken over upgraded
	// connections
	WebSocketSubprotocol = "wshandshake-v1"

	// ConfigKeyWebSocketURL overrides the URL a WebSocketClient requests
	ConfigKeyWebSocketURL = "websocket.url"

	// ConfigKeyWebSocketSubprotocol records the negotiated subprotocol
	ConfigKeyWebSocketSubprotocol = "websocket.subprotocol"
)

// WebSocketClient performs the client side of a websocket upgrade over the
// endpoint and replaces the endpoint with a WebSocketConn
type WebSocketClient struct {
	step
	url        string
	hostHeader string
}

// NewWebSocketClient creates a WebSocketClient requesting rawURL. The URL
// selects the request path and Host; the connection itself is always the
// handshake endpoint. hostHeader, if set, overrides the Host header.
func NewWebSocketClient(lg logger.Logger, rawURL string, hostHeader string) *WebSocketClient {
	h := &WebSocketClient{
		url:        rawURL,
		hostHeader: hostHeader,
	}
	h.initStep(lg, "websocket-client")
	return h
}

// Start implements handshake.Handshaker
func (h *WebSocketClient) Start(acceptor *handshake.Acceptor, args *handshake.Args, done handshake.DoneFunc) {
	h.run(args, done, h.exchange)
}

func (h *WebSocketClient) exchange(ctx context.Context, args *handshake.Args) error {
	rawURL := h.url
	if s, ok := args.Config.GetString(ConfigKeyWebSocketURL); ok {
		rawURL = s
	}
	u, err := websocketURL(rawURL)
	if err != nil {
		return err
	}

	conn := EndpointWithPending(args)
	used := false
	d := websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if used {
				return nil, fmt.Errorf("websocket: endpoint already used")
			}
			used = true
			return conn, nil
		},
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{WebSocketSubprotocol},
	}
	headers := http.Header{}
	if h.hostHeader != "" {
		headers.Set("Host", h.hostHeader)
	}

	h.DLogf("Upgrading to websocket at %s", u)
	ws, resp, err := d.DialContext(ctx, u.String(), headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}
	args.Config[ConfigKeyWebSocketSubprotocol] = ws.Subprotocol()
	args.Endpoint = NewWebSocketConn(ws)
	return nil
}

// websocketURL normalizes rawURL to a ws:// URL. Transport security, if
// any, is the job of an earlier handshaker.
func websocketURL(rawURL string) (*url.URL, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "ws://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("websocket url: %w", err)
	}
	switch u.Scheme {
	case "", "http", "https", "ws", "wss":
		u.Scheme = "ws"
	default:
		return nil, fmt.Errorf("websocket url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		u.Host = "localhost"
	}
	return u, nil
}

// WebSocketServer answers a websocket upgrade request read from the
// endpoint and replaces the endpoint with a WebSocketConn. It lets plain
// TCP listeners accept websocket clients without an HTTP server.
type WebSocketServer struct {
	step
	path     string
	upgrader websocket.Upgrader
}

// NewWebSocketServer creates a WebSocketServer. A non-empty path rejects
// requests for any other path.
func NewWebSocketServer(lg logger.Logger, path string) *WebSocketServer {
	h := &WebSocketServer{
		path: path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{WebSocketSubprotocol},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	h.initStep(lg, "websocket-server")
	return h
}

// Start implements handshake.Handshaker
func (h *WebSocketServer) Start(acceptor *handshake.Acceptor, args *handshake.Args, done handshake.DoneFunc) {
	h.run(args, done, h.exchange)
}

func (h *WebSocketServer) exchange(ctx context.Context, args *handshake.Args) error {
	conn := EndpointWithPending(args)
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return fmt.Errorf("read upgrade request: %w", err)
	}
	w := newHijackWriter(conn, br)
	if h.path != "" && req.URL.Path != h.path {
		http.Error(w, "Not Found", http.StatusNotFound)
		return multierr.Append(fmt.Errorf("unexpected websocket path %q", req.URL.Path), w.flush())
	}

	h.DLogf("Upgrading to websocket, path=%q", req.URL.Path)
	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return multierr.Append(err, w.flush())
	}
	args.Config[ConfigKeyWebSocketSubprotocol] = ws.Subprotocol()
	args.Endpoint = NewWebSocketConn(ws)
	return nil
}

// hijackWriter is the http.ResponseWriter handed to the upgrader for a
// request read straight off a connection. Error replies are buffered until
// flush.
type hijackWriter struct {
	conn     net.Conn
	rw       *bufio.ReadWriter
	header   http.Header
	status   int
	body     bytes.Buffer
	hijacked bool
}

func newHijackWriter(conn net.Conn, br *bufio.Reader) *hijackWriter {
	return &hijackWriter{
		conn:   conn,
		rw:     bufio.NewReadWriter(br, bufio.NewWriter(conn)),
		header: http.Header{},
	}
}

func (w *hijackWriter) Header() http.Header {
	return w.header
}

func (w *hijackWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *hijackWriter) Write(b []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.body.Write(b)
}

func (w *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return w.conn, w.rw, nil
}

// flush sends the buffered reply, if the connection was not hijacked
func (w *hijackWriter) flush() error {
	if w.hijacked || w.status == 0 {
		return nil
	}
	resp := &http.Response{
		StatusCode:    w.status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        w.header,
		ContentLength: int64(w.body.Len()),
		Body:          io.NopCloser(&w.body),
		Close:         true,
	}
	return resp.Write(w.conn)
}
