package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/flightrec/internal/logging"
)

// lockKey marks a context as running under a particular RotationLock.
type lockKey struct{ l *RotationLock }

// RotationLock serializes rotations. It is not reentrant: Go has no
// goroutine identity, so ownership travels in the context handed out by
// Acquire. An acquisition with a context that already holds the lock is
// reported as recursion and refused instead of deadlocking.
type RotationLock struct {
	mu     sync.Mutex
	owner  atomic.Uint64
	tokens atomic.Uint64
	logger *slog.Logger

	recursions atomic.Int64
}

// NewRotationLock creates an unlocked RotationLock.
func NewRotationLock() *RotationLock {
	return &RotationLock{logger: logging.Component("rotation-lock")}
}

// Recursive reports whether ctx was derived from a holder of l.
func (l *RotationLock) Recursive(ctx context.Context) bool {
	tok, ok := ctx.Value(lockKey{l}).(uint64)
	return ok && tok != 0 && tok == l.owner.Load()
}

func (l *RotationLock) claim(ctx context.Context) context.Context {
	tok := l.tokens.Add(1)
	l.owner.Store(tok)
	return context.WithValue(ctx, lockKey{l}, tok)
}

// Acquire blocks until the lock is held and returns the holder context.
// ok is false when ctx already holds the lock; nothing is acquired then.
func (l *RotationLock) Acquire(ctx context.Context) (context.Context, bool) {
	if l.Recursive(ctx) {
		l.recursions.Add(1)
		l.logger.Info("recursive rotation ignored")
		return ctx, false
	}
	l.mu.Lock()
	return l.claim(ctx), true
}

// TryAcquire attempts the lock up to retries+1 times, sleeping wait in
// between. Used by the emergency path, which must not hang.
func (l *RotationLock) TryAcquire(ctx context.Context, retries int, wait time.Duration) (context.Context, bool) {
	if l.Recursive(ctx) {
		l.recursions.Add(1)
		l.logger.Info("recursive rotation ignored")
		return ctx, false
	}
	for i := 0; ; i++ {
		if l.mu.TryLock() {
			return l.claim(ctx), true
		}
		if i >= retries {
			return ctx, false
		}
		time.Sleep(wait)
	}
}

// Release unlocks. Only the holder may call it.
func (l *RotationLock) Release() {
	l.owner.Store(0)
	l.mu.Unlock()
}

// Held reports whether any goroutine holds the lock.
func (l *RotationLock) Held() bool { return l.owner.Load() != 0 }

// Recursions returns the number of refused recursive acquisitions.
func (l *RotationLock) Recursions() int64 { return l.recursions.Load() }
