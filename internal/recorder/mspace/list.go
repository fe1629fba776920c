package mspace

import (
	"sync"
	"sync/atomic"

	"github.com/xtxerr/flightrec/internal/recorder/buffer"
)

// List is a set of buffers with lock-free iteration.
//
// Mutations copy the backing slice under a mutex and publish it atomically,
// so iterators work on a consistent snapshot and never block writers.
type List struct {
	mu    sync.Mutex
	nodes atomic.Pointer[[]*buffer.Buffer]
}

// Snapshot returns the current members. The slice must not be modified.
func (l *List) Snapshot() []*buffer.Buffer {
	p := l.nodes.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Len returns the number of members.
func (l *List) Len() int { return len(l.Snapshot()) }

// Add inserts b at the head of the list.
func (l *List) Add(b *buffer.Buffer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	old := l.Snapshot()
	next := make([]*buffer.Buffer, 0, len(old)+1)
	next = append(next, b)
	next = append(next, old...)
	l.nodes.Store(&next)
}

// Remove unlinks b. It returns false if b was not a member.
func (l *List) Remove(b *buffer.Buffer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	old := l.Snapshot()
	for i, n := range old {
		if n != b {
			continue
		}
		next := make([]*buffer.Buffer, 0, len(old)-1)
		next = append(next, old[:i]...)
		next = append(next, old[i+1:]...)
		l.nodes.Store(&next)
		return true
	}
	return false
}

// Contains reports whether b is a member.
func (l *List) Contains(b *buffer.Buffer) bool {
	for _, n := range l.Snapshot() {
		if n == b {
			return true
		}
	}
	return false
}

// Iterate visits the members of a snapshot until fn returns false.
func (l *List) Iterate(fn func(b *buffer.Buffer) bool) {
	for _, b := range l.Snapshot() {
		if !fn(b) {
			return
		}
	}
}

// clear empties the list and returns the former members.
func (l *List) clear() []*buffer.Buffer {
	l.mu.Lock()
	defer l.mu.Unlock()

	old := l.Snapshot()
	l.nodes.Store(nil)
	return old
}
