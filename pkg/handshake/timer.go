package handshake

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// TimerFunc is invoked exactly once per scheduled timer: with nil when the
// deadline was reached, or with ErrTimerCancelled when the timer was
// cancelled first.
type TimerFunc func(err error)

// DeadlineTimer is a handle to a scheduled TimerFunc
type DeadlineTimer interface {
	// Cancel prevents the timer from firing if it has not fired yet, in
	// which case its TimerFunc is invoked with ErrTimerCancelled (possibly
	// before Cancel returns). Cancel is idempotent and safe to call after
	// the timer has fired.
	Cancel()
}

// Scheduler arms deadline timers. ScheduleAt must never invoke fn before
// returning; a deadline already in the past fires on another goroutine.
type Scheduler interface {
	ScheduleAt(deadline time.Time, fn TimerFunc) DeadlineTimer
}

// ClockScheduler is a Scheduler driven by a clock.Clock. The realtime
// clock converts deadlines through the monotonic reading carried by
// time.Now(); a mock clock can be used for testing.
type ClockScheduler struct {
	Clock clock.Clock
}

// NewClockScheduler creates a ClockScheduler. A nil clk means the realtime clock.
func NewClockScheduler(clk clock.Clock) *ClockScheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &ClockScheduler{Clock: clk}
}

// ScheduleAt implements Scheduler
func (s *ClockScheduler) ScheduleAt(deadline time.Time, fn TimerFunc) DeadlineTimer {
	d := deadline.Sub(s.Clock.Now())
	if d < 0 {
		d = 0
	}
	t := &clockTimer{fn: fn}
	t.timer = s.Clock.AfterFunc(d, func() {
		t.once.Do(func() { t.fn(nil) })
	})
	return t
}

type clockTimer struct {
	timer *clock.Timer
	fn    TimerFunc
	once  sync.Once
}

func (t *clockTimer) Cancel() {
	if t.timer.Stop() {
		t.once.Do(func() { t.fn(ErrTimerCancelled) })
	}
}
