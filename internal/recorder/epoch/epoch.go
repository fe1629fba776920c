// Package epoch tracks the current recording epoch.
//
// There are two epochs, 0 and 1. Producers write into the current epoch's
// data structures and the recorder drains the previous epoch's. The epoch is
// flipped only while producers are paused, so a producer reading Current
// between two safepoint polls sees a stable value.
package epoch

import "sync/atomic"

// Clock holds the current epoch and the in-progress shift flag.
type Clock struct {
	current  atomic.Uint32
	shifting atomic.Bool
	shifts   atomic.Uint64
}

// Current returns the epoch producers write into.
func (c *Clock) Current() uint8 { return uint8(c.current.Load()) }

// Previous returns the epoch being drained.
func (c *Clock) Previous() uint8 { return uint8(c.current.Load() ^ 1) }

// Index returns the epoch selected by previous.
func (c *Clock) Index(previous bool) uint8 {
	if previous {
		return c.Previous()
	}
	return c.Current()
}

// BeginShift marks the start of an epoch flip.
func (c *Clock) BeginShift() {
	c.shifting.Store(true)
}

// EndShift flips the current epoch and clears the shift flag.
func (c *Clock) EndShift() {
	c.current.Store(c.current.Load() ^ 1)
	c.shifts.Add(1)
	c.shifting.Store(false)
}

// Shifting reports whether a flip is in progress.
func (c *Clock) Shifting() bool { return c.shifting.Load() }

// Shifts returns the number of completed flips.
func (c *Clock) Shifts() uint64 { return c.shifts.Load() }
