// Package fulllist implements the FIFO of retired buffers waiting to be
// written to a chunk or discarded.
package fulllist

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/flightrec/internal/recorder/buffer"
)

// Counter tracks the number of pending full buffers.
type Counter interface {
	// IncrementFull records an insertion and reports whether the recorder
	// should be notified.
	IncrementFull() bool
	DecrementFull()
}

// FullList is a thread-safe FIFO of retired buffers.
// Insertion order is age order; Remove always returns the oldest entry.
type FullList struct {
	mu    sync.Mutex
	data  []*buffer.Buffer
	head  int // oldest entry
	count int

	counter Counter

	// Statistics
	addCount    atomic.Int64
	removeCount atomic.Int64
}

// New creates a FullList that reports its size to counter.
func New(counter Counter, capacityHint int) *FullList {
	if capacityHint <= 0 {
		capacityHint = 16
	}
	return &FullList{
		data:    make([]*buffer.Buffer, capacityHint),
		counter: counter,
	}
}

// Add appends a retired buffer. It returns true if the counter asks for the
// recorder to be notified.
func (l *FullList) Add(b *buffer.Buffer) bool {
	if !b.Retired() {
		panic(fmt.Sprintf("fulllist: add of non-retired %v", b))
	}

	l.mu.Lock()
	if l.count == len(l.data) {
		l.grow()
	}
	l.data[(l.head+l.count)%len(l.data)] = b
	l.count++
	l.mu.Unlock()

	l.addCount.Add(1)
	if l.counter == nil {
		return false
	}
	return l.counter.IncrementFull()
}

// grow doubles the ring. Caller holds mu.
func (l *FullList) grow() {
	next := make([]*buffer.Buffer, len(l.data)*2)
	for i := 0; i < l.count; i++ {
		next[i] = l.data[(l.head+i)%len(l.data)]
	}
	l.data = next
	l.head = 0
}

// Remove pops the oldest buffer. It returns nil if the list is empty.
func (l *FullList) Remove() *buffer.Buffer {
	l.mu.Lock()
	if l.count == 0 {
		l.mu.Unlock()
		return nil
	}
	b := l.data[l.head]
	l.data[l.head] = nil
	l.head = (l.head + 1) % len(l.data)
	l.count--
	l.mu.Unlock()

	l.removeCount.Add(1)
	if l.counter != nil {
		l.counter.DecrementFull()
	}
	return b
}

// Drain pops every buffer, oldest first, and passes it to fn.
// Buffers added while draining are included.
func (l *FullList) Drain(fn func(b *buffer.Buffer)) int {
	n := 0
	for {
		b := l.Remove()
		if b == nil {
			return n
		}
		fn(b)
		n++
	}
}

// Len returns the number of pending buffers.
func (l *FullList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// IsEmpty returns true if no buffer is pending.
func (l *FullList) IsEmpty() bool {
	return l.Len() == 0
}

// Stats holds full list statistics.
type Stats struct {
	Pending     int
	AddCount    int64
	RemoveCount int64
}

// Stats returns current statistics.
func (l *FullList) Stats() Stats {
	return Stats{
		Pending:     l.Len(),
		AddCount:    l.addCount.Load(),
		RemoveCount: l.removeCount.Load(),
	}
}
