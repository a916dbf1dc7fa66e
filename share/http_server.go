package wsshare

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sammck-go/wshandshake/pkg/asyncobj"
	"github.com/sammck-go/wshandshake/pkg/logger"
)

// HTTPServer extends net/http Server and
// adds graceful shutdowns
type HTTPServer struct {
	asyncobj.Helper
	*http.Server
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(lg logger.Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{
			ReadHeaderTimeout: 30 * time.Second,
		},
	}
	h.InitHelper(lg.ForkLog("HTTPServer"), h)
	return h
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	var err error
	if h.listener != nil {
		// Server.Close closes the listener and any idle or active
		// connections not yet hijacked.
		err = h.Server.Close()
		if err != nil {
			h.DLogf("Close failed, ignoring: %s", err)
		}
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Listen binds addr and starts serving handler in the background. The
// server shuts down when ctx is cancelled or Shutdown is called.
func (h *HTTPServer) Listen(ctx context.Context, addr string, handler http.Handler) error {
	return h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)

			l, err := Listen(h.Logger, addr)
			if err != nil {
				return h.DLogErrorf("Listen failed: %s", err)
			}
			h.Handler = handler
			h.listener = l

			go func() {
				err := h.Serve(l)
				if errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
				h.StartShutdown(err)
			}()

			return nil
		},
		true,
	)
}

// ListenAndServe runs the HTTP server on the given bind address, invoking
// the provided handler for each request. It returns after the server has
// shut down. The server can be shut down either by cancelling the context
// or by calling Shutdown().
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	err := h.Listen(ctx, addr, handler)
	if err == nil {
		err = h.WaitShutdown()
	}
	return err
}

// Addr returns the bound address, or nil before Listen succeeds
func (h *HTTPServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Shutdown completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Shutdown(completionError error) error {
	return h.Helper.Shutdown(completionError)
}

// Close completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Close() error {
	return h.Helper.Close()
}
