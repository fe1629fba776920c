package chunk

import (
	"sync/atomic"
	"time"
)

// TicksPerSecond is the frequency written into chunk headers.
const TicksPerSecond = uint64(time.Second)

// Clock produces chunk timestamps: wall-clock nanos that never go backwards
// and high-resolution ticks from the monotonic clock.
type Clock struct {
	base time.Time
	wall func() time.Time
	last atomic.Int64
}

// NewClock creates a Clock reading the system time.
func NewClock() *Clock {
	return NewClockWithSource(time.Now)
}

// NewClockWithSource creates a Clock reading wall time from source.
func NewClockWithSource(source func() time.Time) *Clock {
	return &Clock{base: time.Now(), wall: source}
}

// Nanos returns a wall-clock sample in Unix nanoseconds. Each call returns
// a value strictly greater than the previous one, even if the underlying
// clock steps back.
func (c *Clock) Nanos() int64 {
	now := c.wall().UnixNano()
	for {
		last := c.last.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Ticks returns monotonic ticks since the clock was created.
func (c *Clock) Ticks() int64 {
	return int64(time.Since(c.base))
}

// Frequency returns ticks per second.
func (c *Clock) Frequency() uint64 { return TicksPerSecond }
