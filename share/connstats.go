package wsshare

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keeps track of handshake outcomes and of currently open and
// total connection counts
type ConnStats struct {
	count  int32
	open   int32
	failed int32
}

// New adds one to the total connection count
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Failed records a connection whose handshake did not complete
func (c *ConnStats) Failed() {
	atomic.AddInt32(&c.failed, 1)
}

// Open adds one to the open connection count
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the open connection count
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// Counts returns the open, total and failed connection counts
func (c *ConnStats) Counts() (open int32, total int32, failed int32) {
	return atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count), atomic.LoadInt32(&c.failed)
}

func (c *ConnStats) String() string {
	open, total, failed := c.Counts()
	return fmt.Sprintf("[%d/%d, %d failed]", open, total, failed)
}
