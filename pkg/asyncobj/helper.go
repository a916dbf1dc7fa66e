package asyncobj

import (
	"context"
	"sync"

	"github.com/sammck-go/wshandshake/pkg/logger"
)

// OnceActivateHandler is a function that is called exactly once with shutdown deferred
// to activate the object that supports shutdown.
// If it returns nil, the object will be activated. If it returns an error, the object will not be activated,
// and shutdown will be immediately started.
type OnceActivateHandler func() error

// OnceShutdownHandler is an interface that must be implemented by the object managed by Helper
type OnceShutdownHandler interface {
	// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
	// as an advisory completion value, actually shut down, then return the real completion value.
	// This method will never be called while shutdown is deferred.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is an interface implemented by objects that provide
// asynchronous shutdown capability.
type AsyncShutdowner interface {
	// StartShutdown schedules asynchronous shutdown of the object. If the object
	// has already been scheduled for shutdown, it has no effect.
	// completionErr is an advisory error (or nil) to use as the completion status
	// from WaitShutdown().
	StartShutdown(completionErr error)

	// ShutdownDoneChan returns a chan that is closed after shutdown is complete.
	ShutdownDoneChan() <-chan struct{}

	// IsDoneShutdown returns true once shutdown is complete
	IsDoneShutdown() bool

	// WaitShutdown blocks until the object is completely shut down, and
	// returns the final completion status
	WaitShutdown() error
}

// Helper is a base that manages clean asynchronous object shutdown for an
// object that implements OnceShutdownHandler
type Helper struct {
	// Logger is the Logger that will be used for log output from this helper
	logger.Logger

	// Lock is a general-purpose fine-grained mutex for this helper; it may be used
	// as a general-purpose lock by derived objects as well
	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	// deferCount is the number of outstanding DeferShutdown calls; shutdown
	// does not begin until it reaches 0
	deferCount int

	isActivated         bool
	isScheduledShutdown bool
	isStartedShutdown   bool
	isDoneShutdown      bool

	// shutdownErr contains the final completion status after isDoneShutdown is true
	shutdownErr error

	shutdownStartedChan     chan struct{}
	shutdownHandlerDoneChan chan struct{}
	shutdownDoneChan        chan struct{}

	// wg is waited on before shutdown is considered complete; one count per child
	wg sync.WaitGroup
}

// InitHelper initializes a new Helper in place
func (h *Helper) InitHelper(logger logger.Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// NewHelper creates a new Helper on the heap
func NewHelper(logger logger.Logger, shutdownHandler OnceShutdownHandler) *Helper {
	h := &Helper{}
	h.InitHelper(logger, shutdownHandler)
	return h
}

// asyncDoStartedShutdown starts background processing of shutdown *after*
// h.isStartedShutdown has already been set and h.shutdownErr holds
// the advisory completion error
func (h *Helper) asyncDoStartedShutdown() {
	h.TLogf("->shutdownStarted")
	close(h.shutdownStartedChan)
	go func() {
		err := h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
		h.Lock.Lock()
		h.shutdownErr = err
		h.Lock.Unlock()
		h.TLogf("->shutdownHandlerDone")
		close(h.shutdownHandlerDoneChan)
		h.wg.Wait()
		h.Lock.Lock()
		h.isDoneShutdown = true
		h.Lock.Unlock()
		h.TLogf("->shutdownDone")
		close(h.shutdownDoneChan)
	}()
}

// DeferShutdown increments the shutdown defer count, preventing shutdown from starting. Returns an error
// if shutdown has already started. Deferring does not prevent shutdown from being scheduled
// with StartShutdown(), it just holds off the actual async shutdown. Each call
// must be paired with a matching call to UndeferShutdown, even if an error is returned.
func (h *Helper) DeferShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	h.deferCount++
	if h.isStartedShutdown {
		return h.Errorf("Shutdown already started")
	}
	return nil
}

// UndeferShutdown decrements the shutdown defer count, and if it becomes zero, allows shutdown to start
func (h *Helper) UndeferShutdown() {
	h.Lock.Lock()
	if h.deferCount < 1 {
		h.Lock.Unlock()
		h.Panic("UndeferShutdown before DeferShutdown")
		return
	}
	h.deferCount--
	doShutdownNow := h.deferCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if doShutdownNow {
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// SetIsActivated marks the object as activated. Panics if shutdown has already started.
func (h *Helper) SetIsActivated() {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.isActivated {
		if h.isStartedShutdown {
			h.Panic("Cannot activate; shutdown already initiated")
		}
		h.isActivated = true
	}
}

// IsActivated returns true if this helper has been activated
func (h *Helper) IsActivated() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isActivated
}

// DoOnceActivate activates the object exactly once:
//
//     if already activated, returns nil
//     if shutdown has started, optionally waits for it and returns an error
//     otherwise, with shutdown deferred, invokes onceActivateHandler; on success
//     the object is activated, on failure shutdown is started with the error
func (h *Helper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		var err error
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("Shutdown already started; cannot Activate")
		}
		return err
	}
	h.deferCount++
	h.Lock.Unlock()

	err := onceActivateHandler()
	if err == nil {
		h.Lock.Lock()
		h.isActivated = true
		h.Lock.Unlock()
	} else {
		h.StartShutdown(err)
	}
	h.UndeferShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// ShutdownOnContext begins background monitoring of a context.Context, and
// will begin asynchronously shutting down this helper with the context's error
// if the context is completed. This method does not block.
func (h *Helper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown returns true if shutdown has begun. It continues to return true after shutdown
// is complete
func (h *Helper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isStartedShutdown
}

// IsDoneShutdown returns true if shutdown is complete.
func (h *Helper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isDoneShutdown
}

// ShutdownStartedChan returns a channel that will be closed as soon as shutdown is initiated
func (h *Helper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownDoneChan returns a channel that will be closed after shutdown is done
func (h *Helper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// WaitShutdown waits for the shutdown to complete, then returns the shutdown status
// It does not initiate shutdown.
func (h *Helper) WaitShutdown() error {
	<-h.shutdownDoneChan
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.shutdownErr
}

// Shutdown performs a synchronous shutdown. It initiates shutdown if it has
// not already started, waits for the shutdown to complete, then returns
// the final shutdown status
func (h *Helper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// StartShutdown schedules asynchronous shutdown of the object. If the object
// has already been scheduled for shutdown, it has no effect. If shutdown has
// been deferred, actual starting of the shutdown process waits until the
// defer count drops to zero.
//
// Asynchronously, only the first time it is called:
//
//  -   Invoke HandleOnceShutdown with the advisory completion status. The
//      return value is the final completion status
//  -   Shut down every child added with AddShutdownChild and wait for it
//  -   Signal that shutdown is complete
func (h *Helper) StartShutdown(completionErr error) {
	var doShutdownNow bool
	h.Lock.Lock()
	if !h.isScheduledShutdown {
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		doShutdownNow = h.deferCount == 0
		h.isStartedShutdown = doShutdownNow
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with an advisory completion status of nil, and returns the final completion
// status
func (h *Helper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild adds a child object that will be actively shut down by this helper
// after HandleOnceShutdown() returns, before this object's shutdown is considered complete.
// If the child finishes shutting down on its own first, it is simply forgotten.
func (h *Helper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDoneChan:
			h.Lock.Lock()
			err := h.shutdownErr
			h.Lock.Unlock()
			child.StartShutdown(err)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
