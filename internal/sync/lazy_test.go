package sync

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLazy_CreatesOnce(t *testing.T) {
	var l Lazy[int]
	var calls atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := l.Get(func() (int, error) {
				calls.Add(1)
				return 42, nil
			})
			if err != nil || v != 42 {
				t.Errorf("Get = %d, %v", v, err)
			}
		}()
	}
	wg.Wait()

	if c := calls.Load(); c != 1 {
		t.Errorf("create called %d times, want 1", c)
	}
	if !l.Ready() {
		t.Error("expected value to be ready")
	}
}

func TestLazy_FailureNotRemembered(t *testing.T) {
	var l Lazy[string]
	boom := errors.New("boom")

	if _, err := l.Get(func() (string, error) { return "", boom }); !errors.Is(err, boom) {
		t.Fatalf("expected create error, got %v", err)
	}
	if l.Ready() {
		t.Fatal("failed create must not store a value")
	}

	v, err := l.Get(func() (string, error) { return "ok", nil })
	if err != nil || v != "ok" {
		t.Errorf("retry Get = %q, %v", v, err)
	}
}

func TestLazy_Reset(t *testing.T) {
	var l Lazy[int]
	l.Get(func() (int, error) { return 1, nil })

	var released int
	l.Reset(func(v int) { released = v })
	if released != 1 {
		t.Errorf("release got %d, want 1", released)
	}
	if l.Ready() {
		t.Error("reset should drop the value")
	}

	v, _ := l.Get(func() (int, error) { return 2, nil })
	if v != 2 {
		t.Errorf("after reset got %d, want 2", v)
	}

	// resetting an empty Lazy does not call release
	var empty Lazy[int]
	empty.Reset(func(int) { t.Error("release called on empty Lazy") })
}
