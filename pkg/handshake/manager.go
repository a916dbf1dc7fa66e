// Package handshake sequences pluggable connection handshakers over a single
// connection before it is handed to the application protocol.
//
// A Manager runs its handshakers strictly one at a time, in the order they
// were added, bounded by one deadline. The caller's final callback fires
// exactly once per attempt, whether every handshaker succeeded, one of them
// failed, or the deadline expired. When the deadline expires, every
// handshaker is asked to shut down; the running one is expected to fail its
// in-flight operation, and that failure unwinds through the normal chaining
// path.
//
// Two asynchronous paths, the deadline timer and the handshaker chain, each
// hold a reference on the manager while an attempt is in flight. Handshakers
// are released when the caller has called Destroy and both paths have
// finished.
package handshake

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sammck-go/wshandshake/pkg/logger"
)

type managerState int

const (
	stateNotStarted managerState = iota
	stateRunning
	stateDone
)

func (s managerState) String() string {
	switch s {
	case stateNotStarted:
		return "NotStarted"
	case stateRunning:
		return "Running"
	case stateDone:
		return "Done"
	}
	return "Unknown"
}

var lastManagerID int64

// Option configures a Manager
type Option func(m *Manager)

// WithLogger sets the logger the manager forks its own logger from
func WithLogger(lg logger.Logger) Option {
	return func(m *Manager) {
		m.logger = lg
	}
}

// WithClock drives the deadline timer, the shutdown grace period and
// duration metrics from clk
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		m.clock = clk
		m.scheduler = NewClockScheduler(clk)
	}
}

// WithScheduler replaces the deadline timer subsystem
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) {
		m.scheduler = s
	}
}

// WithMetrics records attempt outcomes in metrics
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithShutdownGrace bounds how long the manager waits, after the deadline
// has fired, for the running handshaker to report back. When the grace
// period elapses the attempt completes with ErrDeadlineExceeded and any later
// report from the handshaker is ignored. Zero, the default, waits forever.
func WithShutdownGrace(d time.Duration) Option {
	return func(m *Manager) {
		m.shutdownGrace = d
	}
}

// Manager drives an ordered list of Handshakers over one connection.
// A Manager supports a single handshake attempt.
type Manager struct {
	logger        logger.Logger
	clock         clock.Clock
	scheduler     Scheduler
	metrics       *Metrics
	shutdownGrace time.Duration

	// refs is one for the caller, plus one each for the deadline timer,
	// the chain and the grace timer while they are live
	refs int32

	mu          sync.Mutex
	handshakers []Handshaker
	// index is the index of the handshaker to start next
	index             int
	state             managerState
	acceptor          *Acceptor
	args              *Args
	onDone            OnHandshakeDone
	userData          interface{}
	deadlineTimer     DeadlineTimer
	graceTimer        *clock.Timer
	shutdownRequested bool
	startTime         time.Time

	// startingIdx is the handshaker whose Start is in progress, or -1.
	// A Shutdown landing then may reach it before it can be cancelled,
	// so it is repeated once Start returns.
	startingIdx           int
	shutdownWhileStarting bool
}

// NewManager creates a Manager with no handshakers. The caller holds the
// only reference and must eventually call Destroy.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		refs:        1,
		startingIdx: -1,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.Nop()
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.scheduler == nil {
		m.scheduler = NewClockScheduler(m.clock)
	}
	m.logger = m.logger.ForkLog("HandshakeManager#%d", atomic.AddInt64(&lastManagerID, 1))
	return m
}

// Add appends h to the handshakers run by the manager. Handshakers run in
// the order they are added. The manager owns h from now on. Add panics if
// the attempt has already started.
func (m *Manager) Add(h Handshaker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateNotStarted {
		m.logger.Panicf("Add(%s) after handshake started", handshakerName(h))
	}
	m.handshakers = append(m.handshakers, h)
}

// Destroy releases the caller's reference. Handshakers are released once
// any in-flight attempt has also finished with the manager.
func (m *Manager) Destroy() {
	m.unref()
}

// Shutdown asks every handshaker to cancel its in-flight work. It does not
// complete the attempt itself; that happens when the running handshaker
// reports back. Once Shutdown has been called on a running attempt, no
// further handshakers are started.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.state == stateRunning {
		m.shutdownRequested = true
		if m.startingIdx >= 0 {
			m.shutdownWhileStarting = true
		}
	}
	// handshakers is frozen once the attempt starts, so the snapshot is exact.
	hs := m.handshakers
	m.mu.Unlock()

	m.logger.DLogf("Shutting down %d handshakers", len(hs))
	for _, h := range hs {
		h.Shutdown()
	}
}

// DoHandshake starts the single handshake attempt supported by the manager
// over endpoint and returns immediately. config is copied. onDone is
// invoked exactly once, with args.UserData set to userData, after all
// handshakers succeeded or the first one failed. With no handshakers,
// onDone runs before DoHandshake returns.
func (m *Manager) DoHandshake(
	endpoint net.Conn,
	config ChannelArgs,
	deadline time.Time,
	acceptor *Acceptor,
	onDone OnHandshakeDone,
	userData interface{},
) {
	args := newArgs(endpoint, config)

	m.mu.Lock()
	if m.state != stateNotStarted || m.index != 0 {
		m.mu.Unlock()
		m.logger.Panicf("DoHandshake called while in state %s", m.state)
	}
	m.state = stateRunning
	m.acceptor = acceptor
	m.args = args
	m.onDone = onDone
	m.userData = userData
	m.startTime = m.clock.Now()
	m.logger.DLogf("Starting handshake with %d handshakers, deadline %s", len(m.handshakers), deadline)

	// The deadline timer owns a reference until its TimerFunc runs.
	m.ref()
	m.deadlineTimer = m.scheduler.ScheduleAt(deadline, m.onTimeout)

	// So does the chain, until the final callback has been invoked.
	m.ref()
	next := m.callNextLocked(nil)
	m.mu.Unlock()

	next()
}

func (m *Manager) ref() {
	atomic.AddInt32(&m.refs, 1)
}

func (m *Manager) unref() {
	n := atomic.AddInt32(&m.refs, -1)
	if n > 0 {
		return
	}
	if n < 0 {
		m.logger.Panicf("reference count underflow")
	}

	m.mu.Lock()
	hs := m.handshakers
	m.handshakers = nil
	m.mu.Unlock()

	m.logger.DLogf("Releasing %d handshakers", len(hs))
	for _, h := range hs {
		h.Release()
	}
}

// callNextLocked decides, with m.mu held, whether to start the next
// handshaker or finish the attempt. The returned func performs the
// decision and must be called after m.mu is released, so that a handshaker
// completing synchronously can re-enter the manager.
func (m *Manager) callNextLocked(err error) func() {
	if m.index > len(m.handshakers) {
		m.logger.Panicf("handshaker index %d out of range (%d handshakers)", m.index, len(m.handshakers))
	}

	if err == nil && m.shutdownRequested && m.index < len(m.handshakers) {
		err = ErrHandshakeShutdown
	}

	if err != nil || m.index == len(m.handshakers) {
		return m.finishLocked(err)
	}

	h := m.handshakers[m.index]
	idx := m.index
	m.index++
	acceptor := m.acceptor
	args := m.args
	name := handshakerName(h)
	m.metrics.observeStart(name)
	done := m.newDoneFunc(idx, name)
	m.startingIdx = idx
	m.shutdownWhileStarting = false

	return func() {
		m.logger.DLogf("Starting handshaker %d (%s)", idx, name)
		h.Start(acceptor, args, done)
		m.afterStart(idx, h)
	}
}

// afterStart repeats a Shutdown that arrived while handshaker idx was
// starting. Handshaker Shutdown is idempotent.
func (m *Manager) afterStart(idx int, h Handshaker) {
	m.mu.Lock()
	if m.startingIdx != idx {
		// h completed synchronously and the chain has moved on
		m.mu.Unlock()
		return
	}
	m.startingIdx = -1
	repeat := m.shutdownWhileStarting && m.state == stateRunning
	m.shutdownWhileStarting = false
	if repeat {
		// Keeps h alive until its Shutdown returns
		m.ref()
	}
	m.mu.Unlock()

	if repeat {
		m.logger.DLogf("Shutdown arrived while handshaker %d was starting; repeating it", idx)
		h.Shutdown()
		m.unref()
	}
}

// finishLocked moves the attempt to Done. The returned func invokes the
// final callback and then drops the chain's reference.
func (m *Manager) finishLocked(err error) func() {
	m.state = stateDone
	m.startingIdx = -1

	// Cancelling is idempotent; the timer may already have fired.
	m.deadlineTimer.Cancel()

	dropGraceRef := false
	if m.graceTimer != nil && m.graceTimer.Stop() {
		dropGraceRef = true
	}

	args := m.args
	args.UserData = m.userData
	onDone := m.onDone
	m.args = nil
	m.onDone = nil
	m.userData = nil
	m.acceptor = nil

	m.metrics.observeDone(err, m.clock.Since(m.startTime))
	if err != nil {
		m.logger.DLogf("Handshake failed after %d handshakers: %s", m.index, err)
	} else {
		m.logger.DLogf("Handshake complete")
	}

	return func() {
		onDone(args, err)
		if dropGraceRef {
			m.unref()
		}
		m.unref()
	}
}

// newDoneFunc returns the continuation handed to handshaker idx
func (m *Manager) newDoneFunc(idx int, name string) DoneFunc {
	var called int32
	return func(err error) {
		if !atomic.CompareAndSwapInt32(&called, 0, 1) {
			m.logger.Panicf("handshaker %d (%s) reported completion more than once", idx, name)
		}
		m.callNext(idx, err)
	}
}

func (m *Manager) callNext(idx int, err error) {
	m.mu.Lock()
	if m.state != stateRunning || idx != m.index-1 {
		// The attempt was already completed by the shutdown grace timer.
		m.mu.Unlock()
		m.logger.DLogf("Ignoring late completion of handshaker %d: %v", idx, err)
		return
	}
	next := m.callNextLocked(err)
	m.mu.Unlock()

	next()
}

// onTimeout is the deadline timer's TimerFunc
func (m *Manager) onTimeout(err error) {
	defer m.unref()
	if err != nil {
		// Cancelled: the chain finished first.
		return
	}

	m.logger.DLogf("Deadline expired")
	m.metrics.observeDeadline()

	m.mu.Lock()
	if m.state == stateRunning && m.shutdownGrace > 0 && m.graceTimer == nil {
		m.ref()
		m.graceTimer = m.clock.AfterFunc(m.shutdownGrace, m.onGraceExpired)
	}
	m.mu.Unlock()

	m.Shutdown()
}

func (m *Manager) onGraceExpired() {
	defer m.unref()

	m.mu.Lock()
	if m.state != stateRunning {
		m.mu.Unlock()
		return
	}
	m.logger.WLogf("Handshaker %d did not complete within %s of the deadline; abandoning it", m.index-1, m.shutdownGrace)
	next := m.finishLocked(ErrDeadlineExceeded)
	m.mu.Unlock()

	next()
}
