package handshake

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timerResults struct {
	mu   sync.Mutex
	errs []error
	ch   chan struct{}
}

func newTimerResults() *timerResults {
	return &timerResults{ch: make(chan struct{}, 8)}
}

func (r *timerResults) fn(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *timerResults) get() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *timerResults) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timer func never ran")
	}
}

func TestClockSchedulerFiresAtDeadline(t *testing.T) {
	clk := clock.NewMock()
	s := NewClockScheduler(clk)
	r := newTimerResults()

	s.ScheduleAt(clk.Now().Add(time.Second), r.fn)
	clk.Add(500 * time.Millisecond)
	assert.Empty(t, r.get())

	clk.Add(500 * time.Millisecond)
	r.wait(t)
	assert.Equal(t, []error{nil}, r.get())
}

func TestClockSchedulerCancelBeforeDeadline(t *testing.T) {
	clk := clock.NewMock()
	s := NewClockScheduler(clk)
	r := newTimerResults()

	timer := s.ScheduleAt(clk.Now().Add(time.Minute), r.fn)
	timer.Cancel()
	timer.Cancel()
	clk.Add(2 * time.Minute)

	require.Len(t, r.get(), 1)
	assert.ErrorIs(t, r.get()[0], ErrTimerCancelled)
}

func TestClockSchedulerCancelAfterFireIsNoop(t *testing.T) {
	clk := clock.NewMock()
	s := NewClockScheduler(clk)
	r := newTimerResults()

	timer := s.ScheduleAt(clk.Now().Add(time.Second), r.fn)
	clk.Add(time.Second)
	r.wait(t)
	timer.Cancel()

	assert.Equal(t, []error{nil}, r.get())
}

func TestClockSchedulerPastDeadlineFiresAsynchronously(t *testing.T) {
	s := NewClockScheduler(nil)
	r := newTimerResults()

	s.ScheduleAt(time.Now().Add(-time.Hour), r.fn)
	r.wait(t)
	assert.Equal(t, []error{nil}, r.get())
}
