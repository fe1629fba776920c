// Package testing provides test utilities for the flightrec packages.
//
// Using t.Fatal or t.FailNow in a goroutine only exits that goroutine, not
// the test. Producer goroutines in recorder tests return errors instead and
// GoroutineTest reports them from the test goroutine.
package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Goroutine error collection
// =============================================================================

// GoroutineTest runs goroutines under a shared context and collects their
// errors.
//
//	gt := testing.NewGoroutineTest(t)
//	defer gt.Wait()
//
//	gt.Go(func(ctx context.Context) error {
//	    return produce(ctx, thread)
//	})
type GoroutineTest struct {
	t      *testing.T
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	errs []error
}

// NewGoroutineTest creates a GoroutineTest.
func NewGoroutineTest(t *testing.T) *GoroutineTest {
	return NewGoroutineTestWithTimeout(t, 0)
}

// NewGoroutineTestWithTimeout creates a GoroutineTest whose context expires
// after timeout. Zero means no timeout.
func NewGoroutineTestWithTimeout(t *testing.T, timeout time.Duration) *GoroutineTest {
	ctx, cancel := context.WithCancel(context.Background())
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	}
	return &GoroutineTest{
		t:      t,
		group:  &errgroup.Group{},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go runs fn in a goroutine. Every error returned is reported by Wait.
func (gt *GoroutineTest) Go(fn func(ctx context.Context) error) {
	gt.group.Go(func() error {
		if err := fn(gt.ctx); err != nil {
			gt.mu.Lock()
			gt.errs = append(gt.errs, err)
			gt.mu.Unlock()
			return err
		}
		return nil
	})
}

// Context returns the shared context.
func (gt *GoroutineTest) Context() context.Context { return gt.ctx }

// Cancel signals goroutines to stop.
func (gt *GoroutineTest) Cancel() { gt.cancel() }

// Wait waits for all goroutines and fails the test if any returned an error.
func (gt *GoroutineTest) Wait() {
	gt.group.Wait()
	gt.cancel()

	gt.mu.Lock()
	defer gt.mu.Unlock()
	if len(gt.errs) == 0 {
		return
	}
	gt.t.Errorf("goroutine test failed with %d error(s):", len(gt.errs))
	for i, err := range gt.errs {
		gt.t.Errorf("  [%d] %v", i+1, err)
	}
	gt.t.FailNow()
}

// =============================================================================
// Sinks
// =============================================================================

// MemorySink collects drained buffer content in memory.
type MemorySink struct {
	mu     sync.Mutex
	data   []byte
	writes int
	fail   error
}

// WriteRaw appends p, or returns the configured failure.
func (s *MemorySink) WriteRaw(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.data = append(s.data, p...)
	s.writes++
	return nil
}

// FailWith makes subsequent writes return err. nil restores success.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Bytes returns a copy of everything written.
func (s *MemorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

// Len returns the number of bytes written.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Writes returns the number of successful writes.
func (s *MemorySink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// =============================================================================
// Timing helpers
// =============================================================================

// WithTimeout runs fn and gives up after timeout.
func WithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("operation timed out after %v", timeout)
	}
}

// Eventually polls condition until it holds or timeout expires.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	return fmt.Errorf("condition not met within %v", timeout)
}

// Fill returns n bytes of value c.
func Fill(c byte, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = c
	}
	return p
}
