package storage

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/flightrec/internal/recorder/buffer"
)

// Loss counts bytes that never reached a chunk.
type Loss struct {
	// Dropped bytes could not be buffered (allocation or promotion failed).
	Dropped int64
	// Discarded bytes were shed from the full-buffer backlog.
	Discarded int64
}

// Total returns dropped plus discarded bytes.
func (l Loss) Total() int64 { return l.Dropped + l.Discarded }

// ThreadLoss is the loss attributed to one thread.
type ThreadLoss struct {
	Thread buffer.ThreadID
	Loss
}

// DataLoss accounts lost bytes per owning thread. Amounts not yet reported
// in a chunk are kept pending until TakePending.
type DataLoss struct {
	mu      sync.Mutex
	total   map[buffer.ThreadID]*Loss
	pending map[buffer.ThreadID]*Loss

	dropped   atomic.Int64
	discarded atomic.Int64
}

// NewDataLoss creates an empty account.
func NewDataLoss() *DataLoss {
	return &DataLoss{
		total:   make(map[buffer.ThreadID]*Loss),
		pending: make(map[buffer.ThreadID]*Loss),
	}
}

func (d *DataLoss) add(id buffer.ThreadID, dropped, discarded int64) {
	if dropped == 0 && discarded == 0 {
		return
	}
	d.dropped.Add(dropped)
	d.discarded.Add(discarded)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range []map[buffer.ThreadID]*Loss{d.total, d.pending} {
		l := m[id]
		if l == nil {
			l = &Loss{}
			m[id] = l
		}
		l.Dropped += dropped
		l.Discarded += discarded
	}
}

// AddDropped records n bytes of id that could not be buffered.
func (d *DataLoss) AddDropped(id buffer.ThreadID, n int) { d.add(id, int64(n), 0) }

// AddDiscarded records n bytes of id shed from the backlog.
func (d *DataLoss) AddDiscarded(id buffer.ThreadID, n int) { d.add(id, 0, int64(n)) }

// Total returns the loss over all threads.
func (d *DataLoss) Total() Loss {
	return Loss{Dropped: d.dropped.Load(), Discarded: d.discarded.Load()}
}

// Thread returns the loss attributed to id.
func (d *DataLoss) Thread(id buffer.ThreadID) Loss {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l := d.total[id]; l != nil {
		return *l
	}
	return Loss{}
}

// TakePending returns and clears the loss not yet reported, ordered by thread.
func (d *DataLoss) TakePending() []ThreadLoss {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[buffer.ThreadID]*Loss)
	d.mu.Unlock()

	out := make([]ThreadLoss, 0, len(pending))
	for id, l := range pending {
		out = append(out, ThreadLoss{Thread: id, Loss: *l})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Thread < out[j].Thread })
	return out
}

// Restore puts back losses that could not be reported.
func (d *DataLoss) Restore(losses []ThreadLoss) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, tl := range losses {
		l := d.pending[tl.Thread]
		if l == nil {
			l = &Loss{}
			d.pending[tl.Thread] = l
		}
		l.Dropped += tl.Dropped
		l.Discarded += tl.Discarded
	}
}
