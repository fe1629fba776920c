package postbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/flightrec/internal/errors"
)

// runRecorder collects and handles messages until ctx ends, calling handle
// for every batch.
func runRecorder(ctx context.Context, pb *PostBox, handle func(Set) error) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for pb.Wait(ctx) {
			msgs := pb.Collect()
			pb.NotifyWaiters(handle(msgs))
		}
	}()
	return done
}

func TestKind_Synchrony(t *testing.T) {
	tests := []struct {
		kind Kind
		sync bool
	}{
		{MsgStart, true},
		{MsgStop, true},
		{MsgRotate, true},
		{MsgFlushpoint, true},
		{MsgVMError, true},
		{MsgCloneInMemory, true},
		{MsgFullBuffer, false},
		{MsgWakeup, false},
		{MsgShutdown, false},
	}
	for _, tt := range tests {
		if tt.kind.Synchronous() != tt.sync {
			t.Errorf("%s: expected synchronous=%v", tt.kind, tt.sync)
		}
		k, err := ParseKind(tt.kind.String())
		if err != nil || k != tt.kind {
			t.Errorf("ParseKind(%s) = %v, %v", tt.kind, k, err)
		}
	}

	if _, err := ParseKind("bogus"); !errors.Is(err, errors.ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}

	s := MsgRotate.Bit() | MsgFullBuffer.Bit()
	if !s.Has(MsgRotate) || s.Has(MsgStop) || !s.HasSynchronous() {
		t.Errorf("unexpected set semantics for %s", s)
	}
	if s.String() != "rotate|full-buffer" {
		t.Errorf("unexpected set string %q", s.String())
	}
}

func TestPost_SynchronousCompletion(t *testing.T) {
	pb := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen Set
	done := runRecorder(ctx, pb, func(msgs Set) error {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		seen |= msgs
		mu.Unlock()
		return nil
	})

	const posters = 8
	var wg sync.WaitGroup
	for i := 0; i < posters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := []Kind{MsgRotate, MsgFlushpoint, MsgStart}[i%3]
			for j := 0; j < 10; j++ {
				before, _ := pb.Serials()
				if err := pb.Post(kind); err != nil {
					t.Errorf("Post(%s): %v", kind, err)
					return
				}
				_, handled := pb.Serials()
				if handled < before+1 {
					t.Errorf("Post(%s) returned before completion: handled=%d read-at-post>=%d",
						kind, handled, before+1)
				}
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	if !seen.Has(MsgRotate) || !seen.Has(MsgFlushpoint) || !seen.Has(MsgStart) {
		t.Errorf("recorder did not see every kind: %s", seen)
	}
	mu.Unlock()

	cancel()
	<-done
}

func TestPost_ReturnsBatchError(t *testing.T) {
	pb := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := runRecorder(ctx, pb, func(msgs Set) error {
		if msgs.Has(MsgRotate) {
			return errors.ErrChunkNotOpen
		}
		return nil
	})

	if err := pb.Post(MsgRotate); !errors.Is(err, errors.ErrChunkNotOpen) {
		t.Errorf("expected the batch error, got %v", err)
	}
	if err := pb.Post(MsgFlushpoint); err != nil {
		t.Errorf("expected nil for a clean batch, got %v", err)
	}

	cancel()
	<-done
}

func TestPost_AsyncAndLockAversive(t *testing.T) {
	pb := New()

	// nobody is collecting: these must not block
	finished := make(chan struct{})
	go func() {
		pb.Post(MsgFullBuffer)
		pb.Post(MsgFullBuffer)
		pb.PostFrom(MsgRotate, false)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("asynchronous posts blocked")
	}

	if !pb.Wait(context.Background()) {
		t.Fatal("expected pending messages")
	}
	msgs := pb.Collect()
	if !msgs.Has(MsgFullBuffer) || !msgs.Has(MsgRotate) {
		t.Errorf("expected full-buffer and rotate, got %s", msgs)
	}
	if !pb.Collect().Empty() {
		t.Error("collect should reset the mask")
	}

	// no synchronous poster waits on this batch
	pb.NotifyWaiters(nil)
	if _, handled := pb.Serials(); handled != 1 {
		t.Errorf("expected handled serial 1, got %d", handled)
	}
}

func TestWait_ContextCancel(t *testing.T) {
	pb := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if pb.Wait(ctx) {
		t.Error("expected Wait to return false on timeout")
	}
}

func TestClose_ReleasesWaiters(t *testing.T) {
	pb := New()

	errCh := make(chan error, 1)
	go func() {
		errCh <- pb.Post(MsgStop)
	}()

	// wait until the stop is deposited
	deadline := time.Now().Add(2 * time.Second)
	for !pb.Pending().Has(MsgStop) {
		if time.Now().After(deadline) {
			t.Fatal("stop never deposited")
		}
		time.Sleep(time.Millisecond)
	}

	pb.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, errors.ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by Close")
	}

	if err := pb.Post(MsgRotate); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}

	stats := pb.Stats()
	if stats.Posted["stop"] != 1 {
		t.Errorf("expected one stop posted, got %v", stats.Posted)
	}
}
