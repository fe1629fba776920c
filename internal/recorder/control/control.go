// Package control holds the counters and thresholds shared by storage and
// the recorder: global pool capacity, outstanding leases, pending full
// buffers, the discard threshold and the to-disk flag.
//
// All mutation is atomic. Checks against the counters are advisory; the
// actual pool acquisition is the authoritative gate.
package control

import (
	"sync"
	"sync/atomic"
)

// Level describes how close the full-buffer backlog is to the discard threshold.
type Level int

const (
	// LevelNormal - backlog below half the discard threshold.
	LevelNormal Level = iota

	// LevelWarning - backlog at half the discard threshold or more.
	LevelWarning

	// LevelCritical - backlog at 80% of the discard threshold or more.
	LevelCritical

	// LevelDiscarding - backlog at the threshold; oldest entries are shed.
	LevelDiscarding
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelDiscarding:
		return "discarding"
	default:
		return "unknown"
	}
}

// Options configures a Control.
type Options struct {
	// GlobalCount is the number of buffers in the global pool.
	GlobalCount int

	// LeaseThreshold caps outstanding global leases.
	LeaseThreshold int

	// DiscardThreshold is the pending-full count at which overflow data is
	// shed and the recorder is asked to drain.
	DiscardThreshold int

	// ToDisk is the initial to-disk flag.
	ToDisk bool
}

// Control is the shared storage bookkeeping.
type Control struct {
	globalCount      int64
	leaseThreshold   int64
	discardThreshold int64

	leased atomic.Int64
	full   atomic.Int64
	toDisk atomic.Bool

	level        atomic.Int32
	levelChanges atomic.Int64

	mu            sync.Mutex
	onLevelChange func(old, new Level)
}

// New creates a Control.
func New(opts Options) *Control {
	if opts.LeaseThreshold <= 0 {
		opts.LeaseThreshold = opts.GlobalCount / 2
		if opts.LeaseThreshold == 0 {
			opts.LeaseThreshold = 1
		}
	}
	if opts.DiscardThreshold <= 0 {
		opts.DiscardThreshold = opts.GlobalCount
	}

	c := &Control{
		globalCount:      int64(opts.GlobalCount),
		leaseThreshold:   int64(opts.LeaseThreshold),
		discardThreshold: int64(opts.DiscardThreshold),
	}
	c.toDisk.Store(opts.ToDisk)
	return c
}

// SetOnLevelChange sets the callback for level changes.
func (c *Control) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// GlobalCount returns the global pool capacity.
func (c *Control) GlobalCount() int64 { return c.globalCount }

// DiscardThreshold returns the configured discard threshold.
func (c *Control) DiscardThreshold() int64 { return c.discardThreshold }

// ============================================================================
// To-disk flag
// ============================================================================

// ToDisk reports whether the active chunk is backed by a file.
func (c *Control) ToDisk() bool { return c.toDisk.Load() }

// SetToDisk sets the to-disk flag.
func (c *Control) SetToDisk(v bool) { c.toDisk.Store(v) }

// ============================================================================
// Leases
// ============================================================================

// IsGlobalLeaseAllowed reports whether another global lease may be taken.
func (c *Control) IsGlobalLeaseAllowed() bool {
	return c.leased.Load() < c.leaseThreshold
}

// IncrementLeased records a new lease.
func (c *Control) IncrementLeased() { c.leased.Add(1) }

// DecrementLeased records a returned lease.
func (c *Control) DecrementLeased() { c.leased.Add(-1) }

// Leased returns the number of outstanding leases.
func (c *Control) Leased() int64 { return c.leased.Load() }

// ============================================================================
// Full buffers
// ============================================================================

// IncrementFull records a new full buffer. It returns true when the backlog
// has reached the discard threshold and the chunk is on disk, meaning the
// recorder should be asked to drain.
func (c *Control) IncrementFull() bool {
	n := c.full.Add(1)
	c.updateLevel(n)
	return c.ToDisk() && n >= c.discardThreshold
}

// DecrementFull records a full buffer leaving the backlog.
func (c *Control) DecrementFull() {
	c.updateLevel(c.full.Add(-1))
}

// FullCount returns the number of pending full buffers.
func (c *Control) FullCount() int64 { return c.full.Load() }

// ShouldDiscard reports whether the oldest backlog entry should be shed to
// make room. In-memory recordings always recycle the oldest data.
func (c *Control) ShouldDiscard() bool {
	return !c.ToDisk() || c.full.Load() >= c.discardThreshold
}

// ============================================================================
// Pressure level
// ============================================================================

func (c *Control) determineLevel(full int64) Level {
	switch {
	case full >= c.discardThreshold:
		return LevelDiscarding
	case full*10 >= c.discardThreshold*8:
		return LevelCritical
	case full*2 >= c.discardThreshold:
		return LevelWarning
	default:
		return LevelNormal
	}
}

func (c *Control) updateLevel(full int64) {
	next := c.determineLevel(full)
	old := Level(c.level.Swap(int32(next)))
	if old == next {
		return
	}
	c.levelChanges.Add(1)

	c.mu.Lock()
	fn := c.onLevelChange
	c.mu.Unlock()
	if fn != nil {
		fn(old, next)
	}
}

// CurrentLevel returns the current pressure level.
func (c *Control) CurrentLevel() Level {
	return Level(c.level.Load())
}

// Stats holds control statistics.
type Stats struct {
	CurrentLevel     Level
	LevelChanges     int64
	Leased           int64
	FullCount        int64
	GlobalCount      int64
	DiscardThreshold int64
	ToDisk           bool
}

// Stats returns current statistics.
func (c *Control) Stats() Stats {
	return Stats{
		CurrentLevel:     c.CurrentLevel(),
		LevelChanges:     c.levelChanges.Load(),
		Leased:           c.leased.Load(),
		FullCount:        c.full.Load(),
		GlobalCount:      c.globalCount,
		DiscardThreshold: c.discardThreshold,
		ToDisk:           c.ToDisk(),
	}
}
