// Package mspace implements the memory space: a pool of buffers kept on a
// free list and one live list, or two live lists indexed by epoch.
//
// A buffer is a member of at most one list at a time. Pool buffers are
// recycled, never freed individually; transient buffers live outside the
// lists and are deallocated once drained. How a buffer is picked from a list
// is decided by the pool's RetrievalPolicy.
package mspace

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/xtxerr/flightrec/internal/errors"
	"github.com/xtxerr/flightrec/internal/logging"
	"github.com/xtxerr/flightrec/internal/recorder/buffer"
	"github.com/xtxerr/flightrec/internal/recorder/epoch"
)

// Options configures a MemorySpace.
type Options struct {
	// Name is used in logs.
	Name string

	// ElementSize is the size of a standard buffer. Allocations are never
	// smaller than this.
	ElementSize int

	// Preallocate is the number of buffers created by New.
	Preallocate int

	// PreallocateToLive places preallocated buffers on the live list
	// instead of the free list.
	PreallocateToLive bool

	// Limit caps the bytes held by the space. Zero means unlimited.
	Limit int64

	// Policy picks buffers from a list. Defaults to ScanPolicy.
	Policy RetrievalPolicy

	// Client receives full buffers reported by the policy.
	Client Client

	// Epoch makes the space epoch aware when non-nil.
	Epoch *epoch.Clock
}

// MemorySpace is a pool of buffers.
type MemorySpace struct {
	opts   Options
	free   List
	live   [2]List
	nextID atomic.Uint64

	allocatedBuffers atomic.Int64
	freedBuffers     atomic.Int64
	allocatedBytes   atomic.Int64
	freedBytes       atomic.Int64
	allocFailures    atomic.Int64

	logger *slog.Logger
}

// New creates a memory space and preallocates its buffers. Failing to
// preallocate is an initialization error.
func New(opts Options) (*MemorySpace, error) {
	if opts.ElementSize <= 0 {
		return nil, errors.NewValidation("element_size", "must be positive")
	}
	if opts.Policy == nil {
		opts.Policy = ScanPolicy{}
	}

	m := &MemorySpace{
		opts:   opts,
		logger: logging.Component("mspace").With("space", opts.Name),
	}

	for i := 0; i < opts.Preallocate; i++ {
		b := m.Allocate(opts.ElementSize)
		if b == nil {
			m.Close()
			return nil, fmt.Errorf("%s: preallocate buffer %d of %d: %w",
				opts.Name, i+1, opts.Preallocate, errors.ErrPoolInitialized)
		}
		if opts.PreallocateToLive {
			m.liveList(false).Add(b)
		} else {
			m.free.Add(b)
		}
	}

	return m, nil
}

// Name returns the configured name.
func (m *MemorySpace) Name() string { return m.opts.Name }

// ElementSize returns the standard buffer size.
func (m *MemorySpace) ElementSize() int { return m.opts.ElementSize }

// EpochAware reports whether the space keeps a live list per epoch.
func (m *MemorySpace) EpochAware() bool { return m.opts.Epoch != nil }

func (m *MemorySpace) liveList(previous bool) *List {
	if m.opts.Epoch == nil {
		return &m.live[0]
	}
	return &m.live[m.opts.Epoch.Index(previous)]
}

// FreeList returns the free list.
func (m *MemorySpace) FreeList() *List { return &m.free }

// LiveList returns the live list of the current or previous epoch.
func (m *MemorySpace) LiveList(previous bool) *List { return m.liveList(previous) }

// ============================================================================
// Allocation
// ============================================================================

// Allocate creates a buffer of at least size bytes. It returns nil when the
// byte limit would be exceeded; callers treat that as a soft failure.
func (m *MemorySpace) Allocate(size int) *buffer.Buffer {
	if size < m.opts.ElementSize {
		size = m.opts.ElementSize
	}

	if m.opts.Limit > 0 {
		for {
			allocated := m.allocatedBytes.Load()
			inUse := allocated - m.freedBytes.Load()
			if inUse+int64(size) > m.opts.Limit {
				m.allocFailures.Add(1)
				m.logger.Warn("buffer allocation failed",
					"size", size, "in_use", inUse, "limit", m.opts.Limit)
				return nil
			}
			if m.allocatedBytes.CompareAndSwap(allocated, allocated+int64(size)) {
				break
			}
		}
	} else {
		m.allocatedBytes.Add(int64(size))
	}

	b := buffer.New(size)
	b.SetID(m.nextID.Add(1))
	m.allocatedBuffers.Add(1)
	return b
}

// AllocateTransient creates a buffer outside the lists, tagged with id and
// marked transient and leased.
func (m *MemorySpace) AllocateTransient(size int, id buffer.ThreadID) *buffer.Buffer {
	b := m.Allocate(size)
	if b == nil {
		return nil
	}
	b.SetTransient()
	b.SetLease()
	b.Acquire(id)
	return b
}

// Deallocate returns the memory of a buffer that is in no list.
func (m *MemorySpace) Deallocate(b *buffer.Buffer) {
	m.freedBuffers.Add(1)
	m.freedBytes.Add(int64(b.Size()))
}

// ============================================================================
// Acquisition
// ============================================================================

// Acquire takes a buffer with room for size bytes from the live list of the
// current or previous epoch using the pool's retrieval policy.
func (m *MemorySpace) Acquire(size int, id buffer.ThreadID, previous bool) *buffer.Buffer {
	return m.opts.Policy.TryAcquire(m.liveList(previous), m.opts.Client, id, size)
}

// AcquireWithRetry calls Acquire up to retries times.
func (m *MemorySpace) AcquireWithRetry(size int, id buffer.ThreadID, retries int, previous bool) *buffer.Buffer {
	for i := 0; i < retries; i++ {
		if b := m.Acquire(size, id, previous); b != nil {
			return b
		}
	}
	return nil
}

// AcquireFree unlinks a buffer with room for size bytes from the free list.
func (m *MemorySpace) AcquireFree(size int, id buffer.ThreadID) *buffer.Buffer {
	return RemovePolicy{}.TryAcquire(&m.free, nil, id, size)
}

// AcquireToLive moves a free buffer, or a newly allocated one, onto the
// live list of the current or previous epoch.
func (m *MemorySpace) AcquireToLive(size int, id buffer.ThreadID, previous bool) *buffer.Buffer {
	b := m.AcquireFree(size, id)
	if b == nil {
		b = m.Allocate(size)
		if b == nil {
			return nil
		}
		b.Acquire(id)
	}
	m.liveList(previous).Add(b)
	return b
}

// ============================================================================
// Release
// ============================================================================

// Release clears the owner of a buffer that stays in its list.
func (m *MemorySpace) Release(b *buffer.Buffer) {
	b.Release()
}

// ReleaseLive moves a buffer from a live list to the free list. Content
// that was not written is dropped; the count is returned.
func (m *MemorySpace) ReleaseLive(b *buffer.Buffer, previous bool) int {
	m.liveList(previous).Remove(b)
	return m.ReleaseFree(b)
}

// ReleaseFree reinitializes a buffer and puts it on the free list.
func (m *MemorySpace) ReleaseFree(b *buffer.Buffer) int {
	dropped := b.Reinitialize()
	b.ClearLease()
	b.Release()
	m.free.Add(b)
	return dropped
}

// ============================================================================
// Iteration
// ============================================================================

// IterateFree visits the free list until fn returns false.
func (m *MemorySpace) IterateFree(fn func(b *buffer.Buffer) bool) {
	m.free.Iterate(fn)
}

// IterateLive visits the live list of the current or previous epoch until
// fn returns false. Iterating the previous epoch is safe while producers
// write into the current one.
func (m *MemorySpace) IterateLive(previous bool, fn func(b *buffer.Buffer) bool) {
	m.liveList(previous).Iterate(fn)
}

// ============================================================================
// Teardown and statistics
// ============================================================================

// Close deallocates every buffer held in a list.
func (m *MemorySpace) Close() {
	for _, b := range m.free.clear() {
		m.Deallocate(b)
	}
	for i := range m.live {
		for _, b := range m.live[i].clear() {
			m.Deallocate(b)
		}
	}
}

// InUseBytes returns allocated minus freed bytes.
func (m *MemorySpace) InUseBytes() int64 {
	return m.allocatedBytes.Load() - m.freedBytes.Load()
}

// Stats holds memory space counters.
type Stats struct {
	Name             string
	FreeCount        int
	LiveCount        int
	AllocatedBuffers int64
	FreedBuffers     int64
	AllocatedBytes   int64
	FreedBytes       int64
	AllocFailures    int64
}

// Stats returns current counters.
func (m *MemorySpace) Stats() Stats {
	return Stats{
		Name:             m.opts.Name,
		FreeCount:        m.free.Len(),
		LiveCount:        m.live[0].Len() + m.live[1].Len(),
		AllocatedBuffers: m.allocatedBuffers.Load(),
		FreedBuffers:     m.freedBuffers.Load(),
		AllocatedBytes:   m.allocatedBytes.Load(),
		FreedBytes:       m.freedBytes.Load(),
		AllocFailures:    m.allocFailures.Load(),
	}
}
