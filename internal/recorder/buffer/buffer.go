// Package buffer implements the fixed-capacity byte arena that producers
// write encoded event records into.
//
// A Buffer has two cursors over its arena: top is the flushed boundary and
// pos is the committed write boundary, with 0 <= top <= pos <= Size(). The
// bytes in [top, pos) are complete records waiting to be written to a chunk.
// Bytes past pos belong to the owner only and may hold an event that is
// still being encoded.
//
// Ownership is an atomic owner tag acquired by compare-and-swap. Only the
// owner moves pos. Anyone that consumes or resets [top, pos) must hold the
// top critical section (AcquireCriticalSectionTop) while doing so, which
// makes every byte range consumed exactly once.
package buffer

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// ThreadID identifies a producer (or the recorder) as a buffer owner.
type ThreadID uint64

// NoThread is the owner tag of an unowned buffer.
const NoThread ThreadID = 0

const (
	flagRetired uint32 = 1 << iota
	flagLease
	flagTransient
	flagExcluded
)

// criticalSection is stored in top while a flusher holds it.
const criticalSection int64 = -1

// Buffer is a fixed-capacity byte arena with write cursors and an owner tag.
type Buffer struct {
	data  []byte
	top   atomic.Int64
	pos   atomic.Int64
	owner atomic.Uint64
	flags atomic.Uint32

	// id is a stable slot number assigned by the owning memory space.
	id uint64
}

// New creates a buffer with a capacity of size bytes.
func New(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// SetID assigns the slot number. Called once by the allocating pool.
func (b *Buffer) SetID(id uint64) { b.id = id }

// ID returns the slot number.
func (b *Buffer) ID() uint64 { return b.id }

// Size returns the arena capacity.
func (b *Buffer) Size() int { return len(b.data) }

// Pos returns the committed write boundary.
func (b *Buffer) Pos() int { return int(b.pos.Load()) }

// Top returns the flushed boundary, waiting out a concurrent critical section.
func (b *Buffer) Top() int {
	for {
		t := b.top.Load()
		if t != criticalSection {
			return int(t)
		}
		runtime.Gosched()
	}
}

// Free returns the number of bytes available past pos.
func (b *Buffer) Free() int { return len(b.data) - b.Pos() }

// UnflushedSize returns the number of committed bytes not yet flushed.
func (b *Buffer) UnflushedSize() int {
	p := b.Pos()
	t := b.Top()
	if p < t {
		// pos was reset under a critical section between the two loads
		return 0
	}
	return p - t
}

// Empty reports whether all committed bytes have been flushed.
func (b *Buffer) Empty() bool { return b.UnflushedSize() == 0 }

// Unused returns the writable region past pos. Only the owner may write it.
func (b *Buffer) Unused() []byte { return b.data[b.Pos():] }

// Bytes returns the arena region [off, off+n). Past pos only the owner may
// touch it.
func (b *Buffer) Bytes(off, n int) []byte { return b.data[off : off+n] }

// SetTop moves the flushed boundary without the critical section. Only
// valid while producers are paused.
func (b *Buffer) SetTop(top int) { b.top.Store(int64(top)) }

// Commit publishes n bytes written into Unused.
func (b *Buffer) Commit(n int) {
	p := b.pos.Load() + int64(n)
	if p > int64(len(b.data)) {
		panic(fmt.Sprintf("buffer: commit of %d bytes overflows buffer %d (pos %d, size %d)",
			n, b.id, b.pos.Load(), len(b.data)))
	}
	b.pos.Store(p)
}

// Append copies p past pos and commits it. It returns false if p does not fit.
func (b *Buffer) Append(p []byte) bool {
	if len(p) > b.Free() {
		return false
	}
	copy(b.Unused(), p)
	b.Commit(len(p))
	return true
}

// AcquireCriticalSectionTop takes exclusive access to the top cursor and
// returns its value. The caller must call ReleaseCriticalSectionTop.
func (b *Buffer) AcquireCriticalSectionTop() int {
	for {
		t := b.top.Load()
		if t != criticalSection && b.top.CompareAndSwap(t, criticalSection) {
			return int(t)
		}
		runtime.Gosched()
	}
}

// ReleaseCriticalSectionTop publishes a new top and leaves the critical section.
func (b *Buffer) ReleaseCriticalSectionTop(top int) {
	b.top.Store(int64(top))
}

// Content returns the committed, unflushed bytes. The slice aliases the arena
// and is only stable while the caller holds the top critical section or the
// producers are paused.
func (b *Buffer) Content() []byte {
	t := b.Top()
	return b.data[t:b.Pos()]
}

// Flush hands the unflushed region to fn under the top critical section and
// advances top past it. It returns the number of bytes consumed.
func (b *Buffer) Flush(fn func(p []byte) error) (int, error) {
	t := b.AcquireCriticalSectionTop()
	p := b.Pos()
	if p == t {
		b.ReleaseCriticalSectionTop(t)
		return 0, nil
	}
	if err := fn(b.data[t:p]); err != nil {
		b.ReleaseCriticalSectionTop(t)
		return 0, err
	}
	b.ReleaseCriticalSectionTop(p)
	return p - t, nil
}

// Move copies the unflushed region into dst and resets this buffer's
// cursors to the start of the arena. dst must be owned by the caller and
// have room for UnflushedSize bytes. It returns the number of bytes moved.
func (b *Buffer) Move(dst *Buffer) int {
	t := b.AcquireCriticalSectionTop()
	p := b.Pos()
	n := p - t
	if n > 0 {
		if !dst.Append(b.data[t:p]) {
			b.ReleaseCriticalSectionTop(t)
			panic(fmt.Sprintf("buffer: move of %d bytes into buffer %d with %d free", n, dst.id, dst.Free()))
		}
	}
	b.pos.Store(0)
	b.ReleaseCriticalSectionTop(0)
	return n
}

// Discard drops the unflushed region in place and returns its length.
func (b *Buffer) Discard() int {
	t := b.AcquireCriticalSectionTop()
	p := b.Pos()
	b.ReleaseCriticalSectionTop(p)
	return p - t
}

// Reinitialize resets both cursors to the start of the arena and clears the
// retired flag. It returns the number of unflushed bytes that were dropped.
func (b *Buffer) Reinitialize() int {
	t := b.AcquireCriticalSectionTop()
	n := b.Pos() - t
	b.pos.Store(0)
	b.ReleaseCriticalSectionTop(0)
	b.ClearRetired()
	return n
}

// ============================================================================
// Ownership
// ============================================================================

// TryAcquire tags the buffer with id if it is unowned.
func (b *Buffer) TryAcquire(id ThreadID) bool {
	return b.owner.CompareAndSwap(uint64(NoThread), uint64(id))
}

// Acquire spins until the buffer is tagged with id.
func (b *Buffer) Acquire(id ThreadID) {
	for !b.TryAcquire(id) {
		runtime.Gosched()
	}
}

// Release clears the owner tag.
func (b *Buffer) Release() { b.owner.Store(uint64(NoThread)) }

// Identity returns the current owner or NoThread.
func (b *Buffer) Identity() ThreadID { return ThreadID(b.owner.Load()) }

// AcquiredBy reports whether id owns the buffer.
func (b *Buffer) AcquiredBy(id ThreadID) bool { return b.Identity() == id }

// Acquired reports whether the buffer has an owner.
func (b *Buffer) Acquired() bool { return b.Identity() != NoThread }

// ============================================================================
// Flags
// ============================================================================

func (b *Buffer) setFlag(f uint32) {
	for {
		old := b.flags.Load()
		if old&f != 0 || b.flags.CompareAndSwap(old, old|f) {
			return
		}
	}
}

func (b *Buffer) clearFlag(f uint32) {
	for {
		old := b.flags.Load()
		if old&f == 0 || b.flags.CompareAndSwap(old, old&^f) {
			return
		}
	}
}

func (b *Buffer) hasFlag(f uint32) bool { return b.flags.Load()&f != 0 }

// Retired reports whether the buffer is no longer eligible for new writes.
func (b *Buffer) Retired() bool { return b.hasFlag(flagRetired) }

// SetRetired marks the buffer retired.
func (b *Buffer) SetRetired() { b.setFlag(flagRetired) }

// ClearRetired makes the buffer eligible for writes again.
func (b *Buffer) ClearRetired() { b.clearFlag(flagRetired) }

// Lease reports whether the buffer is serving an oversized write.
func (b *Buffer) Lease() bool { return b.hasFlag(flagLease) }

// SetLease marks the buffer as leased.
func (b *Buffer) SetLease() { b.setFlag(flagLease) }

// ClearLease clears the lease flag.
func (b *Buffer) ClearLease() { b.clearFlag(flagLease) }

// Transient reports whether the buffer lives outside any pool.
func (b *Buffer) Transient() bool { return b.hasFlag(flagTransient) }

// SetTransient marks the buffer as allocated on demand.
func (b *Buffer) SetTransient() { b.setFlag(flagTransient) }

// Excluded reports whether writes into the buffer are discarded.
func (b *Buffer) Excluded() bool { return b.hasFlag(flagExcluded) }

// SetExcluded marks the buffer's content as not to be written.
func (b *Buffer) SetExcluded() { b.setFlag(flagExcluded) }

// ClearExcluded clears the exclusion flag.
func (b *Buffer) ClearExcluded() { b.clearFlag(flagExcluded) }

// String returns a short description for logs.
func (b *Buffer) String() string {
	return fmt.Sprintf("buffer{id=%d size=%d top=%d pos=%d owner=%d flags=%04b}",
		b.id, len(b.data), b.Top(), b.Pos(), b.Identity(), b.flags.Load())
}
