// Package clock provides the server's notion of "now": centisecond
// precision, and never moving backwards even if the system clock does.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Clock hands out timestamps truncated to centiseconds (10ms) that are
// guaranteed non-decreasing across calls from a single instance. Storage
// timestamps (X-Last-Modified, BSO modified) are compared and sorted as
// these integers, so a wall-clock step backwards must never surface.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// New creates a Clock using the real system time.
func New() *Clock {
	return &Clock{now: time.Now}
}

// newWithSource is used by tests to inject a deterministic time source.
func newWithSource(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Centiseconds returns the current time as integer hundredths of a
// second since the Unix epoch, never smaller than any value it has
// previously returned.
func (c *Clock) Centiseconds() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.now().UnixMilli() / 10
	if cur <= c.last {
		cur = c.last + 1
	}
	c.last = cur
	return cur
}

// Time converts a centisecond timestamp back to a time.Time.
func Time(centiseconds int64) time.Time {
	return time.UnixMilli(centiseconds * 10)
}

// Seconds renders a centisecond timestamp as the decimal seconds string
// used in HTTP headers such as X-Last-Modified and X-Weave-Timestamp.
func Seconds(centiseconds int64) string {
	whole := centiseconds / 100
	frac := centiseconds % 100
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%02d", whole, frac)
}
