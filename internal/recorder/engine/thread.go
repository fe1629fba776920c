package engine

import (
	"sync/atomic"

	"github.com/xtxerr/flightrec/internal/recorder/buffer"
	"github.com/xtxerr/flightrec/internal/recorder/chunk"
	"github.com/xtxerr/flightrec/internal/recorder/safepoint"
	"github.com/xtxerr/flightrec/internal/recorder/storage"
)

// Thread is a producer. A Thread is used by one goroutine at a time and
// polls the safepoint before every write, so the recorder can pause it.
type Thread struct {
	e    *Engine
	tl   *storage.ThreadLocal
	part *safepoint.Participant
	enc  chunk.Encoding

	scratch []byte
	closed  bool

	submitted atomic.Int64
	dropped   atomic.Int64
	events    atomic.Int64
}

// ThreadStats holds producer counters.
type ThreadStats struct {
	Events         int64
	SubmittedBytes int64
	DroppedBytes   int64
}

// ID returns the thread id recorded with its events.
func (t *Thread) ID() buffer.ThreadID { return t.tl.ID() }

// Name returns the thread name.
func (t *Thread) Name() string { return t.tl.Name() }

// Commit encodes payload as one record of typeID and writes it. It
// reports whether the event was stored; a dropped event is accounted as
// data loss. Records over chunk.MaxRecordSize are dropped unencoded.
func (t *Thread) Commit(typeID uint64, payload []byte) bool {
	if n := t.enc.RecordLen(typeID, len(payload)); n > chunk.MaxRecordSize {
		if t.closed {
			return false
		}
		t.part.Poll()
		t.reject(n)
		return false
	}
	t.scratch = t.enc.AppendRecord(t.scratch[:0], typeID, payload)
	return t.Write(t.scratch)
}

// Write stores an encoded record.
func (t *Thread) Write(record []byte) bool {
	if t.closed {
		return false
	}
	t.part.Poll()

	n := len(record)
	if n > chunk.MaxRecordSize {
		t.reject(n)
		return false
	}

	st := t.e.storage
	b := t.tl.Buffer()
	if b == nil {
		b = st.AcquireThreadLocal(t.tl, 0)
	}
	if b != nil && b.Free() < n {
		b = st.Flush(b, 0, n, t.tl)
	}
	if b == nil || !b.Append(record) {
		t.reject(n)
		return false
	}
	t.submitted.Add(int64(n))
	t.events.Add(1)
	return true
}

// reject accounts a record of n bytes that was not stored. An excluded
// thread's records are discarded silently; anything else is dropped.
func (t *Thread) reject(n int) {
	t.submitted.Add(int64(n))
	t.events.Add(1)
	if t.tl.Excluded() {
		t.e.storage.AddExcluded(n)
		return
	}
	t.e.storage.DataLoss().AddDropped(t.tl.ID(), n)
	t.dropped.Add(int64(n))
}

// SetExcluded stops or resumes recording this thread's events. Excluded
// events are discarded at the next flush.
func (t *Thread) SetExcluded(v bool) { t.tl.SetExcluded(v) }

// Leave marks the thread as blocked outside the recording path; pauses do
// not wait for it. Enter must be called before the next write.
func (t *Thread) Leave() { t.part.Leave() }

// Enter re-enters the recording path after Leave.
func (t *Thread) Enter() { t.part.Enter() }

// Close flushes the thread's buffers and unregisters it.
func (t *Thread) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.part.Enter()
	t.part.Poll()
	t.e.storage.ReleaseThreadLocal(t.tl)
	t.part.Unregister()
	t.e.registry.removeThread(t.tl.ID())
}

// Stats returns the thread's counters.
func (t *Thread) Stats() ThreadStats {
	return ThreadStats{
		Events:         t.events.Load(),
		SubmittedBytes: t.submitted.Load(),
		DroppedBytes:   t.dropped.Load(),
	}
}
