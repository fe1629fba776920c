// Package checkpoint stores checkpoint records written by producers.
//
// Records go into an epoch-aware memory space: producers append to the
// current epoch while the recorder drains the previous one after a flip.
// Each buffer only ever holds whole records.
package checkpoint

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/xtxerr/flightrec/internal/errors"
	"github.com/xtxerr/flightrec/internal/logging"
	"github.com/xtxerr/flightrec/internal/recorder/buffer"
	"github.com/xtxerr/flightrec/internal/recorder/chunk"
	"github.com/xtxerr/flightrec/internal/recorder/epoch"
	"github.com/xtxerr/flightrec/internal/recorder/mspace"
	"github.com/xtxerr/flightrec/internal/recorder/storage"
)

// PoolThreads is the constant pool type id of thread identities.
const PoolThreads = uint64(1)

// Sink receives drained checkpoint records.
type Sink interface {
	WriteRaw(p []byte) error
}

// Options configures a Manager.
type Options struct {
	BufferSize  int
	Preallocate int
	Limit       int64
}

// DefaultOptions returns default checkpoint storage options.
func DefaultOptions() Options {
	return Options{
		BufferSize:  64 * 1024,
		Preallocate: 2,
	}
}

// Manager owns the checkpoint memory space.
type Manager struct {
	clock  *epoch.Clock
	space  *mspace.MemorySpace
	logger *slog.Logger

	records  atomic.Int64
	written  atomic.Int64
	failures atomic.Int64
	cleared  atomic.Int64
}

// New creates a checkpoint manager on clock.
func New(clock *epoch.Clock, opts Options) (*Manager, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	space, err := mspace.New(mspace.Options{
		Name:        "checkpoint",
		ElementSize: opts.BufferSize,
		Preallocate: opts.Preallocate,
		Limit:       opts.Limit,
		Policy:      mspace.ScanPolicy{},
		Epoch:       clock,
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint memory space: %w", err)
	}
	return &Manager{
		clock:  clock,
		space:  space,
		logger: logging.Component("checkpoint"),
	}, nil
}

// Space returns the underlying memory space.
func (m *Manager) Space() *mspace.MemorySpace { return m.space }

// Write copies one complete record into a buffer of the current epoch.
func (m *Manager) Write(id buffer.ThreadID, record []byte) error {
	b := m.space.Acquire(len(record), id, false)
	if b == nil {
		b = m.space.AcquireToLive(len(record), id, false)
	}
	if b == nil {
		m.failures.Add(1)
		return fmt.Errorf("checkpoint of %d bytes: %w", len(record), errors.ErrAllocation)
	}
	b.Append(record)
	m.space.Release(b)
	m.records.Add(1)
	return nil
}

// WriteCurrent drains the current epoch while producers keep writing.
// Buffers stay on the live list.
func (m *Manager) WriteCurrent(sink Sink) (int64, error) {
	var written int64
	var err error
	m.space.IterateLive(false, func(b *buffer.Buffer) bool {
		var n int
		n, err = b.Flush(sink.WriteRaw)
		written += int64(n)
		return err == nil
	})
	m.written.Add(written)
	return written, err
}

// WritePrevious drains the previous epoch and returns its buffers to the
// free list. Only valid after a flip, when no producer writes there.
func (m *Manager) WritePrevious(sink Sink) (int64, error) {
	var written int64
	var firstErr error
	m.space.IterateLive(true, func(b *buffer.Buffer) bool {
		if firstErr == nil {
			n, err := b.Flush(sink.WriteRaw)
			written += int64(n)
			firstErr = err
		}
		if n := m.space.ReleaseLive(b, true); n > 0 {
			m.cleared.Add(int64(n))
		}
		return true
	})
	m.written.Add(written)
	return written, firstErr
}

// Clear drops the records of the current or previous epoch.
func (m *Manager) Clear(previous bool) int {
	var dropped int
	m.space.IterateLive(previous, func(b *buffer.Buffer) bool {
		dropped += b.Discard()
		if previous {
			m.space.ReleaseLive(b, true)
		}
		return true
	})
	m.cleared.Add(int64(dropped))
	return dropped
}

// Close releases the memory space.
func (m *Manager) Close() { m.space.Close() }

// Stats holds checkpoint storage counters.
type Stats struct {
	Space    mspace.Stats
	Records  int64
	Written  int64
	Failures int64
	Cleared  int64
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Space:    m.space.Stats(),
		Records:  m.records.Load(),
		Written:  m.written.Load(),
		Failures: m.failures.Load(),
		Cleared:  m.cleared.Load(),
	}
}

// ============================================================================
// Thread identity checkpoints
// ============================================================================

// ThreadWriter writes thread identity checkpoints for storage.
type ThreadWriter struct {
	m     *Manager
	enc   chunk.Encoding
	clock *chunk.Clock
}

// NewThreadWriter creates a ThreadWriter encoding with enc.
func NewThreadWriter(m *Manager, enc chunk.Encoding, clock *chunk.Clock) *ThreadWriter {
	return &ThreadWriter{m: m, enc: enc, clock: clock}
}

// EncodeThread returns the pool element of one thread identity.
func EncodeThread(enc chunk.Encoding, id buffer.ThreadID, name string) []byte {
	return enc.AppendString(enc.AppendU64(nil, uint64(id)), name)
}

// DecodeThread reverses EncodeThread.
func DecodeThread(enc chunk.Encoding, p []byte) (buffer.ThreadID, string, error) {
	d := enc.NewDecoder(p)
	id := buffer.ThreadID(d.U64())
	name := d.String()
	return id, name, d.Err()
}

// WriteThreadCheckpoint implements storage.Checkpointer. Producer
// checkpoints are not chained; their delta is zero.
func (w *ThreadWriter) WriteThreadCheckpoint(tl *storage.ThreadLocal) {
	now := w.clock.Ticks()
	rec := w.enc.AppendCheckpoint(nil, chunk.CheckpointPrologue{
		StartTicks: now,
		Kind:       chunk.CheckpointThreads,
	}, []chunk.Pool{{
		TypeID:   PoolThreads,
		Elements: [][]byte{EncodeThread(w.enc, tl.ID(), tl.Name())},
	}})
	if err := w.m.Write(tl.ID(), rec); err != nil {
		w.m.logger.Warn("thread checkpoint lost", "thread", tl.ID(), "error", err)
	}
}
