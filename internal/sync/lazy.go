// Package sync provides synchronization primitives not found in the
// standard library.
package sync

import (
	"sync"
	"sync/atomic"
)

// Lazy holds a value that is created on first use and can be reset.
//
// Unlike sync.Once, a failed initialization is not remembered: the next Get
// tries again. Reset releases the value so the next Get creates a new one.
//
//	var db Lazy[*sql.DB]
//	conn, err := db.Get(func() (*sql.DB, error) { return sql.Open("duckdb", "") })
//	...
//	db.Reset(func(c *sql.DB) { c.Close() })
type Lazy[T any] struct {
	mu    sync.Mutex
	ready atomic.Bool
	value T
}

// Get returns the value, calling create if there is none yet. If create
// fails, nothing is stored and the error is returned.
func (l *Lazy[T]) Get(create func() (T, error)) (T, error) {
	if l.ready.Load() {
		l.mu.Lock()
		v := l.value
		l.mu.Unlock()
		return v, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready.Load() {
		return l.value, nil
	}
	v, err := create()
	if err != nil {
		var zero T
		return zero, err
	}
	l.value = v
	l.ready.Store(true)
	return v, nil
}

// Reset drops the value, passing it to release first if one was created.
// A concurrent Get waits until Reset is done.
func (l *Lazy[T]) Reset(release func(T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready.Load() {
		return
	}
	if release != nil {
		release(l.value)
	}
	var zero T
	l.value = zero
	l.ready.Store(false)
}

// Ready reports whether a value is held.
func (l *Lazy[T]) Ready() bool { return l.ready.Load() }
