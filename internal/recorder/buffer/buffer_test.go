package buffer

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func checkInvariant(t *testing.T, b *Buffer) {
	t.Helper()
	top, pos := b.Top(), b.Pos()
	if top < 0 || top > pos || pos > b.Size() {
		t.Fatalf("cursor invariant violated: top=%d pos=%d size=%d", top, pos, b.Size())
	}
}

func TestBuffer_AppendAndFlush(t *testing.T) {
	b := New(16)
	if !b.Empty() {
		t.Error("new buffer should be empty")
	}

	if !b.Append([]byte("hello")) {
		t.Fatal("append should fit")
	}
	checkInvariant(t, b)
	if b.UnflushedSize() != 5 {
		t.Errorf("expected 5 unflushed bytes, got %d", b.UnflushedSize())
	}
	if b.Free() != 11 {
		t.Errorf("expected 11 free bytes, got %d", b.Free())
	}

	var got []byte
	n, err := b.Flush(func(p []byte) error {
		got = append(got, p...)
		return nil
	})
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 5 || string(got) != "hello" {
		t.Errorf("expected to flush hello, got %d bytes %q", n, got)
	}
	if !b.Empty() {
		t.Error("buffer should be empty after flush")
	}
	checkInvariant(t, b)

	if b.Append(make([]byte, 12)) {
		t.Error("append past capacity should fail")
	}
}

func TestBuffer_FlushErrorKeepsContent(t *testing.T) {
	b := New(8)
	b.Append([]byte{1, 2, 3})

	_, err := b.Flush(func([]byte) error { return errors.New("disk full") })
	if err == nil {
		t.Fatal("expected error")
	}
	if b.UnflushedSize() != 3 {
		t.Errorf("content should survive a failed flush, got %d unflushed", b.UnflushedSize())
	}
}

func TestBuffer_Move(t *testing.T) {
	src := New(8)
	dst := New(32)
	dst.Append([]byte("ab"))

	src.Append([]byte("cdef"))
	if n := src.Move(dst); n != 4 {
		t.Errorf("expected 4 bytes moved, got %d", n)
	}
	if src.Pos() != 0 || src.Top() != 0 {
		t.Errorf("source cursors should be reset, got top=%d pos=%d", src.Top(), src.Pos())
	}
	if !bytes.Equal(dst.Content(), []byte("abcdef")) {
		t.Errorf("expected abcdef, got %q", dst.Content())
	}
}

func TestBuffer_DiscardAndReinitialize(t *testing.T) {
	b := New(8)
	b.Append([]byte{1, 2, 3, 4})
	b.SetRetired()

	if n := b.Discard(); n != 4 {
		t.Errorf("expected 4 discarded, got %d", n)
	}
	if !b.Empty() || b.Pos() != 4 {
		t.Errorf("discard should advance top to pos, got top=%d pos=%d", b.Top(), b.Pos())
	}

	b.Append([]byte{5})
	if n := b.Reinitialize(); n != 1 {
		t.Errorf("expected 1 dropped by reinitialize, got %d", n)
	}
	if b.Retired() {
		t.Error("reinitialize should clear retired")
	}
	if b.Free() != 8 {
		t.Errorf("expected full capacity after reinitialize, got %d", b.Free())
	}
}

func TestBuffer_Flags(t *testing.T) {
	b := New(4)

	tests := []struct {
		name  string
		set   func()
		clear func()
		get   func() bool
	}{
		{"retired", b.SetRetired, b.ClearRetired, b.Retired},
		{"lease", b.SetLease, b.ClearLease, b.Lease},
		{"excluded", b.SetExcluded, b.ClearExcluded, b.Excluded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.get() {
				t.Fatalf("%s should start clear", tt.name)
			}
			tt.set()
			tt.set()
			if !tt.get() {
				t.Fatalf("%s should be set", tt.name)
			}
			tt.clear()
			if tt.get() {
				t.Fatalf("%s should be cleared", tt.name)
			}
		})
	}

	b.SetTransient()
	b.SetLease()
	if !b.Transient() || !b.Lease() {
		t.Error("independent flags should coexist")
	}
}

func TestBuffer_ExclusiveOwnership(t *testing.T) {
	b := New(64)
	const goroutines = 16

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 1; i <= goroutines; i++ {
		wg.Add(1)
		go func(id ThreadID) {
			defer wg.Done()
			if b.TryAcquire(id) {
				wins.Add(1)
			}
		}(ThreadID(i))
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one owner, got %d", wins.Load())
	}
	owner := b.Identity()
	if owner == NoThread || !b.AcquiredBy(owner) {
		t.Errorf("owner tag not set: %v", b)
	}

	b.Release()
	if b.Acquired() {
		t.Error("release should clear the owner")
	}
}

func TestBuffer_ConcurrentFlushWhileWriting(t *testing.T) {
	b := New(4096)
	const records = 2000
	record := []byte{0xAB, 0xCD}

	var flushed atomic.Int64
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				n, _ := b.Flush(func(p []byte) error {
					for i := 0; i < len(p); i += 2 {
						if p[i] != 0xAB || p[i+1] != 0xCD {
							t.Errorf("torn record at offset %d", i)
							return nil
						}
					}
					return nil
				})
				flushed.Add(int64(n))
				return
			default:
				n, _ := b.Flush(func([]byte) error { return nil })
				flushed.Add(int64(n))
			}
		}
	}()

	spare := New(4096)
	for i := 0; i < records; i++ {
		if !b.Append(record) {
			// full: move the remainder out and start over
			flushed.Add(int64(b.Move(spare)))
			spare.Reinitialize()
			if !b.Append(record) {
				t.Fatal("append after move should fit")
			}
		}
		checkInvariant(t, b)
	}
	close(done)
	wg.Wait()

	if flushed.Load() != records*int64(len(record)) {
		t.Errorf("expected %d bytes consumed exactly once, got %d", records*len(record), flushed.Load())
	}
}
