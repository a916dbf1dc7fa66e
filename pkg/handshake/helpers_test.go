package handshake

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errCancelled = errors.New("fake handshaker cancelled")

// eventLog records handshaker activity in the order it happened
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(f string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(f, args...))
}

func (l *eventLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(event string) int {
	n := 0
	for _, e := range l.get() {
		if e == event {
			n++
		}
	}
	return n
}

type fakeMode int

const (
	// completes before Start returns
	modeSync fakeMode = iota
	// completes on another goroutine
	modeAsync
	// waits for Shutdown, then fails with errCancelled
	modeBlock
	// waits for Shutdown, then reports success anyway
	modeBlockThenSucceed
	// waits for an explicit finish() call; ignores Shutdown
	modeManual
)

type fakeHandshaker struct {
	name   string
	log    *eventLog
	mode   fakeMode
	result error

	started   chan struct{}
	shutdown  closeOnce
	shutdowns int32
	releases  int32

	mu   sync.Mutex
	done DoneFunc
	args *Args
}

func newFake(name string, log *eventLog, mode fakeMode, result error) *fakeHandshaker {
	return &fakeHandshaker{
		name:    name,
		log:     log,
		mode:    mode,
		result:  result,
		started: make(chan struct{}),
	}
}

func (f *fakeHandshaker) String() string {
	return f.name
}

func (f *fakeHandshaker) Start(acceptor *Acceptor, args *Args, done DoneFunc) {
	f.log.add("start %s", f.name)
	f.mu.Lock()
	f.done = done
	f.args = args
	f.mu.Unlock()
	close(f.started)

	switch f.mode {
	case modeSync:
		done(f.result)
	case modeAsync:
		go done(f.result)
	case modeBlock:
		go func() {
			<-f.shutdown.channel()
			done(errCancelled)
		}()
	case modeBlockThenSucceed:
		go func() {
			<-f.shutdown.channel()
			done(nil)
		}()
	case modeManual:
	}
}

func (f *fakeHandshaker) finish(err error) {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	done(err)
}

func (f *fakeHandshaker) Shutdown() {
	atomic.AddInt32(&f.shutdowns, 1)
	f.shutdown.close()
}

func (f *fakeHandshaker) Release() {
	atomic.AddInt32(&f.releases, 1)
	f.log.add("release %s", f.name)
}

func (f *fakeHandshaker) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s never started", f.name)
	}
}

type result struct {
	args *Args
	err  error
}

func collector() (OnHandshakeDone, chan result) {
	ch := make(chan result, 8)
	return func(args *Args, err error) {
		ch <- result{args: args, err: err}
	}, ch
}

func waitResult(t *testing.T, ch chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("final callback never fired")
	}
	return result{}
}

func assertNoResult(t *testing.T, ch chan result) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected final callback: %v", r.err)
	case <-time.After(30 * time.Millisecond):
	}
}

// manualScheduler hands the test control over when the deadline timer
// completes. Cancel only records the request.
type manualScheduler struct {
	mu        sync.Mutex
	fn        TimerFunc
	deadline  time.Time
	cancelled int
}

func (s *manualScheduler) ScheduleAt(deadline time.Time, fn TimerFunc) DeadlineTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
	s.deadline = deadline
	return s
}

func (s *manualScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled++
}

func (s *manualScheduler) complete(err error) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	fn(err)
}

func (s *manualScheduler) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func testConn() net.Conn {
	c, _ := net.Pipe()
	return c
}
