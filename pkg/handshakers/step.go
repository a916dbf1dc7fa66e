// Package handshakers provides production handshake.Handshaker steps:
// transport options, TLS, SSH, a protobuf protocol preamble and a
// websocket upgrade. Every step honours the Args.ReadBuffer contract and
// aborts its exchange on Shutdown by forcing the endpoint's I/O deadline
// into the past.
package handshakers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sammck-go/wshandshake/pkg/handshake"
	"github.com/sammck-go/wshandshake/pkg/logger"
)

// ErrAborted wraps the error of an exchange that failed because its
// handshaker was shut down
var ErrAborted = errors.New("handshakers: aborted by shutdown")

// aLongTimeAgo is a non-zero deadline in the past, used to unblock I/O
var aLongTimeAgo = time.Unix(1, 0)

// exchangeFunc performs one blocking exchange over args. ctx is cancelled
// on Shutdown.
type exchangeFunc func(ctx context.Context, args *handshake.Args) error

// step carries the lifecycle shared by the handshakers in this package
type step struct {
	logger.Logger
	name string

	mu       sync.Mutex
	endpoint net.Conn
	cancel   context.CancelFunc
	aborted  bool
}

func (s *step) initStep(lg logger.Logger, name string) {
	if lg == nil {
		lg = logger.Nop()
	}
	s.name = name
	s.Logger = lg.ForkLog("%s", name)
}

// run starts exchange on its own goroutine and reports its result to done
func (s *step) run(args *handshake.Args, done handshake.DoneFunc, exchange exchangeFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	raw := args.Endpoint

	s.mu.Lock()
	s.endpoint = raw
	s.cancel = cancel
	s.aborted = false
	s.mu.Unlock()

	go func() {
		err := exchange(ctx, args)

		s.mu.Lock()
		aborted := s.aborted
		s.endpoint = nil
		s.cancel = nil
		s.mu.Unlock()
		cancel()

		switch {
		case err != nil && aborted:
			err = fmt.Errorf("%s: %w: %v", s.name, ErrAborted, err)
		case err != nil:
			err = fmt.Errorf("%s: %w", s.name, err)
		case raw != nil:
			// Exchanges bound their I/O with deadlines, and Shutdown may
			// have forced one that the exchange finished despite; hand the
			// endpoint on without any.
			if derr := raw.SetDeadline(time.Time{}); derr != nil {
				s.DLogf("Clearing deadline failed, ignoring: %s", derr)
			}
		}
		if err != nil {
			s.DLogf("Failed: %s", err)
		} else {
			s.DLogf("Complete")
		}
		done(err)
	}()
}

// Shutdown implements handshake.Handshaker
func (s *step) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.DLogf("Shutdown requested")
	s.aborted = true
	s.cancel()
	if s.endpoint != nil {
		if err := s.endpoint.SetDeadline(aLongTimeAgo); err != nil {
			s.DLogf("Forcing deadline failed, ignoring: %s", err)
		}
	}
}

// Release implements handshake.Handshaker
func (s *step) Release() {}

func (s *step) String() string {
	return s.name
}
