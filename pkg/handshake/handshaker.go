package handshake

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrHandshakeShutdown is reported to the final callback when the
	// manager was shut down and the running handshaker nevertheless
	// reported success. No further handshakers are started.
	ErrHandshakeShutdown = errors.New("handshake: shut down")

	// ErrDeadlineExceeded is reported when a shutdown grace period is
	// configured and the running handshaker did not complete in time after
	// the deadline expired.
	ErrDeadlineExceeded = errors.New("handshake: deadline exceeded")

	// ErrTimerCancelled is passed to a TimerFunc when its timer was
	// cancelled before firing.
	ErrTimerCancelled = errors.New("handshake: deadline timer cancelled")
)

// DoneFunc is the continuation a Handshaker invokes to hand control back
// to its manager. It must be called exactly once per Start.
type DoneFunc func(err error)

// OnHandshakeDone is the caller's final callback. It is invoked exactly
// once per attempt, with nil after every handshaker succeeded, or with
// the first error reported.
type OnHandshakeDone func(args *Args, err error)

// Handshaker is one pluggable step of connection setup (TCP options,
// transport security, protocol preamble...).
type Handshaker interface {
	// Start begins the handshaker's asynchronous work on args. It must
	// eventually call done exactly once, from any goroutine, including
	// after Shutdown, in which case it should report a cancellation error.
	// It may call done before returning.
	Start(acceptor *Acceptor, args *Args, done DoneFunc)

	// Shutdown requests cancellation of an in-flight Start. It is
	// idempotent, a no-op when nothing is in flight, safe to call
	// concurrently with a completing Start, and must not call done itself.
	Shutdown()

	// Release frees handshaker state. It is called once, after the owning
	// manager has no further use for the handshaker.
	Release()
}

// HandshakerFunc adapts a blocking function to a Handshaker. The function
// runs on its own goroutine; Shutdown closes the channel passed to it.
type HandshakerFunc struct {
	Name string
	Fn   func(acceptor *Acceptor, args *Args, shutdown <-chan struct{}) error

	shutdownOnce closeOnce
}

// Start implements Handshaker
func (f *HandshakerFunc) Start(acceptor *Acceptor, args *Args, done DoneFunc) {
	ch := f.shutdownOnce.channel()
	go func() {
		done(f.Fn(acceptor, args, ch))
	}()
}

// Shutdown implements Handshaker
func (f *HandshakerFunc) Shutdown() {
	f.shutdownOnce.close()
}

// Release implements Handshaker
func (f *HandshakerFunc) Release() {}

func (f *HandshakerFunc) String() string {
	return f.Name
}

// handshakerName returns a label for h suitable for logs and metrics
func handshakerName(h Handshaker) string {
	if s, ok := h.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", h)
}

// closeOnce is a lazily created channel that is closed at most once
type closeOnce struct {
	mu     sync.Mutex
	ch     chan struct{}
	closed bool
}

func (c *closeOnce) channel() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		c.ch = make(chan struct{})
	}
	return c.ch
}

func (c *closeOnce) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		c.ch = make(chan struct{})
	}
	if !c.closed {
		close(c.ch)
		c.closed = true
	}
}
