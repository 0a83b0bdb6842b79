package pnshare

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// ConnStats tracks open/total session counts and relayed byte totals for an
// inlet or outlet. All methods are safe for concurrent use.
type ConnStats struct {
	count int32
	open  int32
	sent  int64
	recvd int64
}

// New adds one to the total session count
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open adds one to the current open session count
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the current open session count
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// AddSent accumulates bytes relayed toward the peer
func (c *ConnStats) AddSent(n int64) {
	atomic.AddInt64(&c.sent, n)
}

// AddReceived accumulates bytes relayed from the peer
func (c *ConnStats) AddReceived(n int64) {
	atomic.AddInt64(&c.recvd, n)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d sent %s received %s]",
		atomic.LoadInt32(&c.open),
		atomic.LoadInt32(&c.count),
		sizestr.ToString(atomic.LoadInt64(&c.sent)),
		sizestr.ToString(atomic.LoadInt64(&c.recvd)))
}
