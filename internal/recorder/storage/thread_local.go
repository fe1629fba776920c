package storage

import (
	"sync/atomic"

	"github.com/xtxerr/flightrec/internal/recorder/buffer"
)

// ThreadLocal is the per-producer storage state: the buffer the producer
// writes into, the regular buffer shelved while a lease is in use, and the
// exclusion flag. Only its producer touches the buffer fields.
type ThreadLocal struct {
	id   buffer.ThreadID
	name string

	buf     *buffer.Buffer
	shelved *buffer.Buffer

	excluded atomic.Bool
}

// NewThreadLocal creates the state for producer id.
func NewThreadLocal(id buffer.ThreadID, name string) *ThreadLocal {
	return &ThreadLocal{id: id, name: name}
}

// ID returns the producer id.
func (tl *ThreadLocal) ID() buffer.ThreadID { return tl.id }

// Name returns the producer name.
func (tl *ThreadLocal) Name() string { return tl.name }

// Buffer returns the buffer currently written into, or nil.
func (tl *ThreadLocal) Buffer() *buffer.Buffer { return tl.buf }

// Shelved returns the regular buffer parked during a lease, or nil.
func (tl *ThreadLocal) Shelved() *buffer.Buffer { return tl.shelved }

// Excluded reports whether the producer's events are excluded.
func (tl *ThreadLocal) Excluded() bool { return tl.excluded.Load() }

// SetExcluded changes the exclusion state. Buffers pick up the change on
// their next flush.
func (tl *ThreadLocal) SetExcluded(v bool) { tl.excluded.Store(v) }

func (tl *ThreadLocal) shelve(b *buffer.Buffer) {
	if tl.shelved != nil {
		panic("storage: a buffer is already shelved")
	}
	tl.shelved = b
}

func (tl *ThreadLocal) restoreShelved() *buffer.Buffer {
	b := tl.shelved
	tl.shelved = nil
	tl.buf = b
	return b
}
