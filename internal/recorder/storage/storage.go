// Package storage manages producer buffers: thread-local buffers, the global
// pool that thread-local content is promoted into, leases for oversized
// writes, the full-buffer backlog and its discard valve, and the bulk write
// operations the recorder drains everything with.
package storage

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/flightrec/config"
	"github.com/xtxerr/flightrec/internal/errors"
	"github.com/xtxerr/flightrec/internal/logging"
	"github.com/xtxerr/flightrec/internal/recorder/buffer"
	"github.com/xtxerr/flightrec/internal/recorder/control"
	"github.com/xtxerr/flightrec/internal/recorder/fulllist"
	"github.com/xtxerr/flightrec/internal/recorder/mspace"
	"github.com/xtxerr/flightrec/internal/recorder/postbox"
)

// Poster delivers messages to the recorder.
type Poster interface {
	PostFrom(k postbox.Kind, mayBlock bool) error
}

// Checkpointer writes a thread identity checkpoint when a producer's
// exclusion is lifted.
type Checkpointer interface {
	WriteThreadCheckpoint(tl *ThreadLocal)
}

// Sink receives drained buffer content. Content is always whole records.
type Sink interface {
	WriteRaw(p []byte) error
}

// Options configures Storage.
type Options struct {
	GlobalBufferSize  int
	GlobalBufferCount int
	ThreadBufferSize  int

	// MemoryLimit caps the bytes of the thread-local pool and of transient
	// allocations each. Zero means unlimited.
	MemoryLimit int64

	DiscardThreshold int
	LeaseThreshold   int
	ToDisk           bool

	PromotionRetries int
	LeaseRetries     int
	DiscardAttempts  int
}

// DefaultOptions returns default storage options.
func DefaultOptions() Options {
	return Options{
		GlobalBufferSize:  config.DefaultGlobalBufferSize,
		GlobalBufferCount: config.DefaultGlobalBufferCount,
		ThreadBufferSize:  config.DefaultThreadBufferSize,
		MemoryLimit:       config.DefaultMemoryLimit,
		ToDisk:            true,
		PromotionRetries:  config.DefaultPromotionRetries,
		LeaseRetries:      config.DefaultLeaseRetries,
		DiscardAttempts:   config.DefaultDiscardAttempts,
	}
}

// Storage orchestrates the buffer pools.
type Storage struct {
	opts Options

	control     *control.Control
	global      *mspace.MemorySpace
	threadLocal *mspace.MemorySpace
	full        *fulllist.FullList
	loss        *DataLoss

	// discardMu serializes the discard valve. It is never the rotation lock.
	discardMu sync.Mutex

	poster       Poster
	checkpointer Checkpointer

	logger *slog.Logger

	// Statistics
	promotions     atomic.Int64
	promotedBytes  atomic.Int64
	leases         atomic.Int64
	transients     atomic.Int64
	writtenBytes   atomic.Int64
	excludedBytes  atomic.Int64
	discardRounds  atomic.Int64
	threadReleases atomic.Int64
}

// New creates the storage pools. Failing to create them is an
// initialization error that disables recording.
func New(opts Options, poster Poster, checkpointer Checkpointer) (*Storage, error) {
	def := DefaultOptions()
	if opts.PromotionRetries <= 0 {
		opts.PromotionRetries = def.PromotionRetries
	}
	if opts.LeaseRetries <= 0 {
		opts.LeaseRetries = def.LeaseRetries
	}
	if opts.DiscardAttempts <= 0 {
		opts.DiscardAttempts = def.DiscardAttempts
	}
	if opts.ThreadBufferSize > opts.GlobalBufferSize {
		return nil, errors.NewValidation("thread_buffer_size", "must not exceed global_buffer_size")
	}

	s := &Storage{
		opts:         opts,
		loss:         NewDataLoss(),
		poster:       poster,
		checkpointer: checkpointer,
		logger:       logging.Component("storage"),
	}

	s.control = control.New(control.Options{
		GlobalCount:      opts.GlobalBufferCount,
		LeaseThreshold:   opts.LeaseThreshold,
		DiscardThreshold: opts.DiscardThreshold,
		ToDisk:           opts.ToDisk,
	})
	s.control.SetOnLevelChange(func(old, new control.Level) {
		s.logger.Debug("backlog level changed", "from", old.String(), "to", new.String())
	})
	s.full = fulllist.New(s.control, opts.GlobalBufferCount)

	// Transients share the global space; the limit covers them on top of
	// the preallocated pool.
	var globalLimit int64
	if opts.MemoryLimit > 0 {
		globalLimit = int64(opts.GlobalBufferSize*opts.GlobalBufferCount) + opts.MemoryLimit
	}

	var err error
	s.global, err = mspace.New(mspace.Options{
		Name:              "global",
		ElementSize:       opts.GlobalBufferSize,
		Preallocate:       opts.GlobalBufferCount,
		PreallocateToLive: true,
		Limit:             globalLimit,
		Policy:            mspace.ScanPolicy{},
		Client:            s,
	})
	if err != nil {
		return nil, fmt.Errorf("global memory space: %w", err)
	}

	s.threadLocal, err = mspace.New(mspace.Options{
		Name:        "thread-local",
		ElementSize: opts.ThreadBufferSize,
		Preallocate: opts.GlobalBufferCount,
		Limit:       opts.MemoryLimit,
		Policy:      mspace.RemovePolicy{},
	})
	if err != nil {
		s.global.Close()
		return nil, fmt.Errorf("thread-local memory space: %w", err)
	}

	return s, nil
}

// Control returns the shared counters.
func (s *Storage) Control() *control.Control { return s.control }

// Global returns the global memory space.
func (s *Storage) Global() *mspace.MemorySpace { return s.global }

// ThreadLocalSpace returns the thread-local memory space.
func (s *Storage) ThreadLocalSpace() *mspace.MemorySpace { return s.threadLocal }

// FullList returns the full-buffer backlog.
func (s *Storage) FullList() *fulllist.FullList { return s.full }

// DataLoss returns the loss account.
func (s *Storage) DataLoss() *DataLoss { return s.loss }

// AddExcluded counts n bytes of an excluded thread that never reached a
// buffer. Excluded content is not data loss.
func (s *Storage) AddExcluded(n int) { s.excludedBytes.Add(int64(n)) }

// ============================================================================
// Thread-local buffers
// ============================================================================

// AcquireThreadLocal installs a thread-local buffer of at least size bytes
// for tl. It returns nil if the pool cannot supply one.
func (s *Storage) AcquireThreadLocal(tl *ThreadLocal, size int) *buffer.Buffer {
	if size <= 0 {
		size = s.opts.ThreadBufferSize
	}
	b := s.threadLocal.AcquireToLive(size, tl.id, false)
	if b == nil {
		s.logger.Warn("unable to allocate thread local buffer", "thread", tl.id, "size", size)
		return nil
	}
	if tl.Excluded() {
		b.SetExcluded()
	} else {
		b.ClearExcluded()
	}
	tl.buf = b
	return b
}

// ReleaseThreadLocal flushes tl's remaining content into the global pool
// and retires its buffers. Called when the producer exits.
func (s *Storage) ReleaseThreadLocal(tl *ThreadLocal) {
	b := tl.buf
	if b == nil {
		return
	}
	if b.Lease() {
		s.ReleaseLarge(b, tl)
		b = tl.restoreShelved()
	}
	s.flushRegularBuffer(b, tl)
	b.SetRetired()
	s.threadLocal.Release(b)
	tl.buf = nil
	s.threadReleases.Add(1)
}

// Flush makes room for requested more bytes when cur is too small. The
// first used bytes past cur's pos are an uncommitted partial event and are
// carried over to the returned buffer. The caller must check the returned
// buffer's free space: when every path fails it is too small (or nil) and
// the event has to be dropped.
func (s *Storage) Flush(cur *buffer.Buffer, used, requested int, tl *ThreadLocal) *buffer.Buffer {
	curPos := cur.Pos()
	req := requested + used
	if cur.Lease() {
		return s.flushLarge(cur, curPos, used, req, tl)
	}
	return s.flushRegular(cur, curPos, used, req, tl)
}

func (s *Storage) flushRegular(cur *buffer.Buffer, curPos, used, req int, tl *ThreadLocal) *buffer.Buffer {
	// Flushing only touches [top, pos); the partial event past curPos
	// survives and can be moved afterwards.
	s.flushRegularBuffer(cur, tl)
	if cur.Excluded() {
		return cur
	}
	if cur.Free() >= req {
		if used > 0 {
			copy(cur.Bytes(cur.Pos(), used), cur.Bytes(curPos, used))
		}
		return cur
	}
	tl.shelve(cur)
	return s.provisionLarge(cur, curPos, used, req, tl)
}

func (s *Storage) flushLarge(cur *buffer.Buffer, curPos, used, req int, tl *ThreadLocal) *buffer.Buffer {
	shelved := tl.shelved
	if shelved.Free() >= req {
		if used > 0 {
			copy(shelved.Unused(), cur.Bytes(curPos, used))
		}
		s.ReleaseLarge(cur, tl)
		return tl.restoreShelved()
	}
	return s.provisionLarge(cur, curPos, used, req, tl)
}

func (s *Storage) provisionLarge(cur *buffer.Buffer, curPos, used, req int, tl *ThreadLocal) *buffer.Buffer {
	b := s.AcquireLarge(req, tl)
	if b == nil {
		return s.largeFail(cur, tl)
	}
	if used > 0 {
		copy(b.Unused(), cur.Bytes(curPos, used))
	}
	if cur.Lease() {
		s.ReleaseLarge(cur, tl)
	}
	tl.buf = b
	return b
}

func (s *Storage) largeFail(cur *buffer.Buffer, tl *ThreadLocal) *buffer.Buffer {
	if cur.Lease() {
		s.ReleaseLarge(cur, tl)
	}
	return tl.restoreShelved()
}

// flushRegularBuffer promotes the unflushed content of a thread-local
// buffer into a global buffer and leaves it empty at the start of its
// arena. It returns false if the content had to be dropped.
func (s *Storage) flushRegularBuffer(b *buffer.Buffer, tl *ThreadLocal) bool {
	unflushed := b.UnflushedSize()
	if unflushed == 0 {
		b.Reinitialize()
		s.syncExclusion(b, tl)
		return true
	}

	if b.Excluded() {
		s.excludedBytes.Add(int64(b.Reinitialize()))
		s.syncExclusion(b, tl)
		return true
	}

	promo := s.acquirePromotionBuffer(unflushed, tl.id)
	if promo == nil {
		s.writeDataLoss(b, tl)
		s.syncExclusion(b, tl)
		return false
	}
	n := b.Move(promo)
	s.global.Release(promo)
	s.promotions.Add(1)
	s.promotedBytes.Add(int64(n))
	s.syncExclusion(b, tl)
	return true
}

// syncExclusion carries the producer's exclusion state into an empty
// buffer. Lifting an exclusion writes an identity checkpoint so later
// events can be attributed.
func (s *Storage) syncExclusion(b *buffer.Buffer, tl *ThreadLocal) {
	was := b.Excluded()
	now := tl.Excluded()
	if was == now {
		return
	}
	if now {
		b.SetExcluded()
		return
	}
	b.ClearExcluded()
	if s.checkpointer != nil {
		s.checkpointer.WriteThreadCheckpoint(tl)
	}
}

func (s *Storage) writeDataLoss(b *buffer.Buffer, tl *ThreadLocal) {
	if n := b.Reinitialize(); n > 0 {
		s.loss.AddDropped(tl.id, n)
	}
}

// ============================================================================
// Global pool
// ============================================================================

// acquireFromGlobal takes a global buffer with room for size bytes,
// shedding the oldest backlog entry when the pool is exhausted and the
// discard policy allows it.
func (s *Storage) acquireFromGlobal(size int, id buffer.ThreadID, retries int) *buffer.Buffer {
	for attempt := 0; ; attempt++ {
		b := s.global.AcquireWithRetry(size, id, retries, false)
		if b != nil {
			return b
		}
		if attempt >= s.opts.DiscardAttempts || !s.control.ShouldDiscard() || s.full.IsEmpty() {
			return nil
		}
		s.DiscardOldest(id)
	}
}

func (s *Storage) acquirePromotionBuffer(size int, id buffer.ThreadID) *buffer.Buffer {
	return s.acquireFromGlobal(size, id, s.opts.PromotionRetries)
}

// AcquireLarge provisions a buffer for an oversized write: a lease from the
// global pool while leases are allowed and the request fits a global
// buffer, otherwise a transient allocation.
func (s *Storage) AcquireLarge(size int, tl *ThreadLocal) *buffer.Buffer {
	if size < s.global.ElementSize() && s.control.IsGlobalLeaseAllowed() {
		if b := s.acquireFromGlobal(size, tl.id, s.opts.LeaseRetries); b != nil {
			b.SetLease()
			s.control.IncrementLeased()
			s.leases.Add(1)
			return b
		}
	}
	return s.acquireTransient(size, tl)
}

func (s *Storage) acquireTransient(size int, tl *ThreadLocal) *buffer.Buffer {
	b := s.global.AllocateTransient(size, tl.id)
	if b == nil {
		s.logger.Warn("unable to allocate transient buffer", "thread", tl.id, "size", size)
		return nil
	}
	if tl.Excluded() {
		b.SetExcluded()
	}
	s.transients.Add(1)
	return b
}

// ReleaseLarge returns a lease to the global pool. A transient buffer
// cannot be recycled and is handed to the backlog instead.
func (s *Storage) ReleaseLarge(b *buffer.Buffer, tl *ThreadLocal) {
	b.ClearLease()
	if b.Transient() {
		b.SetRetired()
		s.RegisterFull(b, tl.id)
		return
	}
	s.global.Release(b)
	s.control.DecrementLeased()
}

// RegisterFull queues a retired buffer on the backlog and notifies the
// recorder when the backlog reaches the discard threshold.
func (s *Storage) RegisterFull(b *buffer.Buffer, id buffer.ThreadID) {
	if s.full.Add(b) && s.poster != nil {
		s.poster.PostFrom(postbox.MsgFullBuffer, false)
	}
}

// DiscardOldest sheds backlog entries, oldest first, until one pool buffer
// has been recycled. Transient buffers met on the way are freed. It returns
// the number of bytes discarded; 0 if another goroutine holds the valve.
func (s *Storage) DiscardOldest(id buffer.ThreadID) int {
	if !s.discardMu.TryLock() {
		return 0
	}
	defer s.discardMu.Unlock()

	var discarded, count int
	for {
		oldest := s.full.Remove()
		if oldest == nil {
			break
		}
		n := oldest.Discard()
		discarded += n
		count++
		s.loss.AddDiscarded(oldest.Identity(), n)
		if oldest.Transient() {
			s.global.Deallocate(oldest)
			continue
		}
		oldest.Reinitialize()
		s.global.Release(oldest)
		break
	}

	if count > 0 {
		s.discardRounds.Add(1)
		s.logger.Debug("discarded oldest full buffers",
			"thread", id, "count", count, "bytes", discarded, "pending", s.full.Len())
	}
	return discarded
}

// ============================================================================
// Recorder operations
// ============================================================================

// writeBuffer drains one buffer into sink. The concurrent variant takes the
// top critical section; the safepoint variant relies on producers being
// paused. Excluded content is discarded.
func (s *Storage) writeBuffer(b *buffer.Buffer, sink Sink, concurrent bool) (int, error) {
	if b.Excluded() {
		s.excludedBytes.Add(int64(b.Discard()))
		return 0, nil
	}
	if concurrent {
		n, err := b.Flush(sink.WriteRaw)
		s.writtenBytes.Add(int64(n))
		return n, err
	}

	top, pos := b.Top(), b.Pos()
	if pos == top {
		return 0, nil
	}
	if err := sink.WriteRaw(b.Bytes(top, pos-top)); err != nil {
		return 0, err
	}
	b.SetTop(pos)
	s.writtenBytes.Add(int64(pos - top))
	return pos - top, nil
}

// recycleFull returns a drained backlog buffer to its pool.
func (s *Storage) recycleFull(b *buffer.Buffer) {
	if b.Transient() {
		s.global.Deallocate(b)
		return
	}
	b.Reinitialize()
	s.global.Release(b)
}

// WriteFull drains the full-buffer backlog into sink and recycles every
// buffer. Content that fails to write is accounted as discarded.
func (s *Storage) WriteFull(sink Sink) (int64, error) {
	var written int64
	var firstErr error
	s.full.Drain(func(b *buffer.Buffer) {
		if firstErr == nil {
			n, err := s.writeBuffer(b, sink, true)
			written += int64(n)
			firstErr = err
		}
		if n := b.Discard(); n > 0 {
			s.loss.AddDiscarded(b.Identity(), n)
		}
		s.recycleFull(b)
	})
	return written, firstErr
}

func (s *Storage) writeLive(sink Sink, concurrent bool) (int64, error) {
	var written int64
	var err error

	s.threadLocal.IterateLive(false, func(b *buffer.Buffer) bool {
		var n int
		n, err = s.writeBuffer(b, sink, concurrent)
		written += int64(n)
		if err != nil {
			return false
		}
		if b.Retired() && !b.Acquired() && b.Empty() {
			s.threadLocal.ReleaseLive(b, false)
		}
		return true
	})
	if err != nil {
		return written, err
	}

	s.global.IterateLive(false, func(b *buffer.Buffer) bool {
		if b.Retired() {
			// owned by the backlog
			return true
		}
		var n int
		n, err = s.writeBuffer(b, sink, concurrent)
		written += int64(n)
		return err == nil
	})
	return written, err
}

// Write drains the backlog and all live buffers into sink while producers
// keep running.
func (s *Storage) Write(sink Sink) (int64, error) {
	full, err := s.WriteFull(sink)
	if err != nil {
		return full, err
	}
	live, err := s.writeLive(sink, true)
	return full + live, err
}

// WriteAtSafepoint is Write for use while producers are paused.
func (s *Storage) WriteAtSafepoint(sink Sink) (int64, error) {
	full, err := s.WriteFull(sink)
	if err != nil {
		return full, err
	}
	live, err := s.writeLive(sink, false)
	return full + live, err
}

// Clear discards everything buffered. Discarded content is accounted.
func (s *Storage) Clear() int64 {
	var cleared int64
	s.full.Drain(func(b *buffer.Buffer) {
		n := b.Discard()
		s.loss.AddDiscarded(b.Identity(), n)
		cleared += int64(n)
		s.recycleFull(b)
	})

	discard := func(b *buffer.Buffer) {
		n := b.Discard()
		s.loss.AddDiscarded(b.Identity(), n)
		cleared += int64(n)
	}
	s.threadLocal.IterateLive(false, func(b *buffer.Buffer) bool {
		discard(b)
		if b.Retired() && !b.Acquired() {
			s.threadLocal.ReleaseLive(b, false)
		}
		return true
	})
	s.global.IterateLive(false, func(b *buffer.Buffer) bool {
		if !b.Retired() {
			discard(b)
		}
		return true
	})
	return cleared
}

// Close releases the pools. Outstanding transient buffers are freed.
func (s *Storage) Close() {
	s.full.Drain(func(b *buffer.Buffer) {
		if b.Transient() {
			s.global.Deallocate(b)
		}
	})
	s.global.Close()
	s.threadLocal.Close()
}

// Stats holds storage statistics.
type Stats struct {
	Control        control.Stats
	Global         mspace.Stats
	ThreadLocal    mspace.Stats
	FullList       fulllist.Stats
	Loss           Loss
	Promotions     int64
	PromotedBytes  int64
	Leases         int64
	Transients     int64
	WrittenBytes   int64
	ExcludedBytes  int64
	DiscardRounds  int64
	ThreadReleases int64
}

// Stats returns current statistics.
func (s *Storage) Stats() Stats {
	return Stats{
		Control:        s.control.Stats(),
		Global:         s.global.Stats(),
		ThreadLocal:    s.threadLocal.Stats(),
		FullList:       s.full.Stats(),
		Loss:           s.loss.Total(),
		Promotions:     s.promotions.Load(),
		PromotedBytes:  s.promotedBytes.Load(),
		Leases:         s.leases.Load(),
		Transients:     s.transients.Load(),
		WrittenBytes:   s.writtenBytes.Load(),
		ExcludedBytes:  s.excludedBytes.Load(),
		DiscardRounds:  s.discardRounds.Load(),
		ThreadReleases: s.threadReleases.Load(),
	}
}
