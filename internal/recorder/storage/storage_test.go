package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/xtxerr/flightrec/internal/recorder/buffer"
	"github.com/xtxerr/flightrec/internal/recorder/postbox"
	tu "github.com/xtxerr/flightrec/internal/testing"
)

type recordingPoster struct {
	mu    sync.Mutex
	kinds []postbox.Kind
}

func (p *recordingPoster) PostFrom(k postbox.Kind, mayBlock bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, k)
	return nil
}

func (p *recordingPoster) count(k postbox.Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, got := range p.kinds {
		if got == k {
			n++
		}
	}
	return n
}

type countingCheckpointer struct {
	calls atomic.Int32
}

func (c *countingCheckpointer) WriteThreadCheckpoint(tl *ThreadLocal) { c.calls.Add(1) }

func newTestStorage(t *testing.T, opts Options) (*Storage, *recordingPoster, *countingCheckpointer) {
	t.Helper()
	poster := &recordingPoster{}
	cp := &countingCheckpointer{}
	s, err := New(opts, poster, cp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s, poster, cp
}

func smallOptions() Options {
	opts := DefaultOptions()
	opts.GlobalBufferSize = 1024
	opts.GlobalBufferCount = 4
	opts.ThreadBufferSize = 256
	opts.MemoryLimit = 0
	return opts
}

func TestNew_RejectsOversizedThreadBuffer(t *testing.T) {
	opts := smallOptions()
	opts.ThreadBufferSize = 2048
	if _, err := New(opts, nil, nil); err == nil {
		t.Error("expected thread buffer larger than global buffer to be rejected")
	}
}

func TestFlush_PromotesAndCarriesPartialEvent(t *testing.T) {
	s, _, _ := newTestStorage(t, smallOptions())
	tl := NewThreadLocal(1, "producer-1")

	b := s.AcquireThreadLocal(tl, 0)
	if b == nil {
		t.Fatal("AcquireThreadLocal returned nil")
	}
	b.Append(tu.Fill('a', 100))
	partial := tu.Fill('p', 10)
	copy(b.Unused(), partial)

	nb := s.Flush(b, len(partial), 200, tl)
	if nb != b {
		t.Fatal("regular flush with enough room should keep the buffer")
	}
	if nb.Pos() != 0 || nb.Top() != 0 {
		t.Errorf("expected cursors reset, got %v", nb)
	}
	if !bytes.Equal(nb.Bytes(0, len(partial)), partial) {
		t.Error("partial event not carried to the start of the buffer")
	}

	var sink tu.MemorySink
	n, err := s.Write(&sink)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 100 || !bytes.Equal(sink.Bytes(), tu.Fill('a', 100)) {
		t.Errorf("expected the 100 promoted bytes, got %d bytes", n)
	}
	if s.Stats().Promotions != 1 {
		t.Errorf("expected 1 promotion, got %d", s.Stats().Promotions)
	}
}

func TestFlush_LeaseForOversizedEvent(t *testing.T) {
	s, _, _ := newTestStorage(t, smallOptions())
	tl := NewThreadLocal(1, "producer-1")

	b := s.AcquireThreadLocal(tl, 0)
	b.Append(tu.Fill('a', 50))

	lease := s.Flush(b, 0, 500, tl)
	if lease == b || !lease.Lease() || lease.Transient() {
		t.Fatalf("expected a global lease, got %v", lease)
	}
	if tl.Buffer() != lease || tl.Shelved() != b {
		t.Error("thread-local buffer should be shelved during the lease")
	}
	if s.Control().Leased() != 1 {
		t.Errorf("expected 1 outstanding lease, got %d", s.Control().Leased())
	}
	lease.Append(tu.Fill('b', 500))

	back := s.Flush(lease, 0, 10, tl)
	if back != b || tl.Buffer() != b || tl.Shelved() != nil {
		t.Fatal("flushing a lease should restore the shelved buffer")
	}
	if lease.Lease() || s.Control().Leased() != 0 {
		t.Error("lease not returned")
	}

	var sink tu.MemorySink
	if _, err := s.Write(&sink); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if sink.Len() != 550 {
		t.Errorf("expected 550 bytes written, got %d", sink.Len())
	}
}

func TestFlush_TransientForHugeEvent(t *testing.T) {
	s, _, _ := newTestStorage(t, smallOptions())
	tl := NewThreadLocal(1, "producer-1")
	baseline := s.Global().InUseBytes()

	b := s.AcquireThreadLocal(tl, 0)
	big := s.Flush(b, 0, 2000, tl)
	if !big.Transient() || big.Size() < 2000 {
		t.Fatalf("expected a transient buffer, got %v", big)
	}
	big.Append(tu.Fill('t', 2000))

	if back := s.Flush(big, 0, 10, tl); back != b {
		t.Fatal("flushing a transient should restore the shelved buffer")
	}
	if s.FullList().Len() != 1 || !big.Retired() {
		t.Fatal("released transient should be queued as full")
	}

	var sink tu.MemorySink
	if _, err := s.Write(&sink); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if sink.Len() != 2000 {
		t.Errorf("expected 2000 bytes, got %d", sink.Len())
	}
	if got := s.Global().InUseBytes(); got != baseline {
		t.Errorf("transient leaked: in use %d, baseline %d", got, baseline)
	}
}

func TestRegisterFull_NotifiesAtThreshold(t *testing.T) {
	opts := smallOptions()
	opts.DiscardThreshold = 2
	s, poster, _ := newTestStorage(t, opts)

	for i := 0; i < 3; i++ {
		b := s.Global().AllocateTransient(10, 5)
		b.SetRetired()
		s.RegisterFull(b, 5)
	}
	if got := poster.count(postbox.MsgFullBuffer); got != 2 {
		t.Errorf("expected 2 full-buffer notices, got %d", got)
	}

	s.Control().SetToDisk(false)
	b := s.Global().AllocateTransient(10, 5)
	b.SetRetired()
	s.RegisterFull(b, 5)
	if got := poster.count(postbox.MsgFullBuffer); got != 2 {
		t.Error("no notice expected while not writing to disk")
	}
}

func fullBuffer(t *testing.T, s *Storage, id buffer.ThreadID, n int, transient bool) *buffer.Buffer {
	t.Helper()
	var b *buffer.Buffer
	if transient {
		b = s.Global().AllocateTransient(n, id)
	} else {
		b = s.Global().Acquire(n, id, false)
	}
	if b == nil {
		t.Fatal("could not obtain buffer")
	}
	b.Append(tu.Fill(byte(n), n))
	b.SetRetired()
	s.RegisterFull(b, id)
	return b
}

func TestDiscardOldest_FIFOWithoutLeak(t *testing.T) {
	opts := smallOptions()
	opts.GlobalBufferSize = 64
	opts.GlobalBufferCount = 2
	opts.ThreadBufferSize = 32
	s, _, _ := newTestStorage(t, opts)
	baseline := s.Global().InUseBytes()

	fullBuffer(t, s, 7, 100, true)
	g1 := fullBuffer(t, s, 7, 10, false)
	fullBuffer(t, s, 7, 20, false)

	if got := s.DiscardOldest(9); got != 110 {
		t.Fatalf("first round should drop the transient and one pool buffer (110 bytes), got %d", got)
	}
	if s.FullList().Len() != 1 {
		t.Errorf("expected 1 pending buffer, got %d", s.FullList().Len())
	}
	if g1.Retired() || g1.Acquired() || !g1.Empty() {
		t.Errorf("discarded pool buffer not recycled: %v", g1)
	}

	if got := s.DiscardOldest(9); got != 20 {
		t.Errorf("second round should drop 20 bytes, got %d", got)
	}
	if got := s.DiscardOldest(9); got != 0 {
		t.Errorf("empty backlog should discard nothing, got %d", got)
	}

	loss := s.DataLoss().Total()
	if loss.Discarded != 130 || loss.Dropped != 0 {
		t.Errorf("unexpected loss %+v", loss)
	}
	if s.DataLoss().Thread(7).Discarded != 130 {
		t.Errorf("loss not attributed to the owner: %+v", s.DataLoss().Thread(7))
	}
	if got := s.Global().InUseBytes(); got != baseline {
		t.Errorf("memory leaked: in use %d, baseline %d", got, baseline)
	}
}

func TestFlush_PromotionFailureIsDropped(t *testing.T) {
	opts := smallOptions()
	opts.GlobalBufferSize = 64
	opts.GlobalBufferCount = 2
	opts.ThreadBufferSize = 32
	s, _, _ := newTestStorage(t, opts)

	// occupy the whole global pool
	for i := 0; i < 2; i++ {
		if s.Global().Acquire(1, 99, false) == nil {
			t.Fatal("expected a global buffer")
		}
	}

	tl := NewThreadLocal(3, "producer-3")
	b := s.AcquireThreadLocal(tl, 0)
	b.Append(tu.Fill('x', 20))

	nb := s.Flush(b, 0, 10, tl)
	if nb != b || nb.Free() != nb.Size() {
		t.Fatalf("buffer should be reset after a failed promotion: %v", nb)
	}

	if got := s.DataLoss().Total(); got.Dropped != 20 {
		t.Errorf("expected 20 dropped bytes, got %+v", got)
	}
	pending := s.DataLoss().TakePending()
	if len(pending) != 1 || pending[0].Thread != 3 || pending[0].Dropped != 20 {
		t.Errorf("unexpected pending loss %+v", pending)
	}
	if len(s.DataLoss().TakePending()) != 0 {
		t.Error("pending loss should be cleared once taken")
	}
}

func TestFlush_Exclusion(t *testing.T) {
	s, _, cp := newTestStorage(t, smallOptions())
	tl := NewThreadLocal(1, "producer-1")
	b := s.AcquireThreadLocal(tl, 0)

	b.Append(tu.Fill('a', 10))
	tl.SetExcluded(true)
	s.Flush(b, 0, 10, tl)
	if !b.Excluded() {
		t.Fatal("buffer should pick up the exclusion on flush")
	}

	b.Append(tu.Fill('e', 30))
	s.Flush(b, 0, 10, tl)
	if s.Stats().ExcludedBytes != 30 {
		t.Errorf("expected 30 excluded bytes, got %d", s.Stats().ExcludedBytes)
	}

	tl.SetExcluded(false)
	s.Flush(b, 0, 10, tl)
	if b.Excluded() {
		t.Error("exclusion should be lifted")
	}
	if cp.calls.Load() != 1 {
		t.Errorf("expected one identity checkpoint, got %d", cp.calls.Load())
	}

	var sink tu.MemorySink
	s.Write(&sink)
	if !bytes.Equal(sink.Bytes(), tu.Fill('a', 10)) {
		t.Errorf("only pre-exclusion content should be written, got %q", sink.Bytes())
	}
}

func TestWriteFull_ErrorCountsAsDiscarded(t *testing.T) {
	s, _, _ := newTestStorage(t, smallOptions())
	fullBuffer(t, s, 4, 40, true)
	fullBuffer(t, s, 4, 60, false)

	var sink tu.MemorySink
	sink.FailWith(fmt.Errorf("disk full"))
	if _, err := s.WriteFull(&sink); err == nil {
		t.Fatal("expected write error")
	}
	if s.FullList().Len() != 0 {
		t.Error("backlog should be empty after WriteFull")
	}
	if got := s.DataLoss().Total().Discarded; got != 100 {
		t.Errorf("expected 100 discarded bytes, got %d", got)
	}
}

func TestReleaseThreadLocal(t *testing.T) {
	s, _, _ := newTestStorage(t, smallOptions())
	tl := NewThreadLocal(2, "producer-2")
	b := s.AcquireThreadLocal(tl, 0)
	b.Append(tu.Fill('z', 40))

	s.ReleaseThreadLocal(tl)
	if tl.Buffer() != nil || !b.Retired() || b.Acquired() {
		t.Fatalf("thread-local buffer not retired: %v", b)
	}

	var sink tu.MemorySink
	s.Write(&sink)
	if sink.Len() != 40 {
		t.Errorf("expected 40 bytes, got %d", sink.Len())
	}
	if s.ThreadLocalSpace().LiveList(false).Contains(b) {
		t.Error("retired empty buffer should be moved to the free list")
	}
}

func TestConcurrentProducers_ExactAccounting(t *testing.T) {
	opts := smallOptions()
	opts.GlobalBufferCount = 8
	opts.ThreadBufferSize = 128
	s, _, _ := newTestStorage(t, opts)

	const (
		producers = 8
		records   = 2000
		recSize   = 16
	)

	var (
		sink     tu.MemorySink
		selfDrop atomic.Int64
		done     atomic.Bool
	)

	recorderDone := make(chan error, 1)
	go func() {
		for !done.Load() {
			if _, err := s.Write(&sink); err != nil {
				recorderDone <- err
				return
			}
		}
		recorderDone <- nil
	}()

	gt := tu.NewGoroutineTest(t)
	for p := 0; p < producers; p++ {
		id := buffer.ThreadID(p + 1)
		gt.Go(func(ctx context.Context) error {
			tl := NewThreadLocal(id, fmt.Sprintf("producer-%d", id))
			b := s.AcquireThreadLocal(tl, 0)
			if b == nil {
				return fmt.Errorf("producer %d: no thread-local buffer", id)
			}
			rec := tu.Fill(byte(id), recSize)
			for i := 0; i < records; i++ {
				if b.Free() < recSize {
					b = s.Flush(b, 0, recSize, tl)
				}
				if !b.Append(rec) {
					selfDrop.Add(recSize)
				}
			}
			s.ReleaseThreadLocal(tl)
			return nil
		})
	}
	gt.Wait()

	done.Store(true)
	if err := <-recorderDone; err != nil {
		t.Fatalf("recorder write: %v", err)
	}
	if _, err := s.Write(&sink); err != nil {
		t.Fatalf("final write: %v", err)
	}

	submitted := int64(producers * records * recSize)
	got := int64(sink.Len()) + s.DataLoss().Total().Total() + selfDrop.Load()
	if got != submitted {
		t.Errorf("written %d + lost %d + dropped %d != submitted %d",
			sink.Len(), s.DataLoss().Total().Total(), selfDrop.Load(), submitted)
	}
	if sink.Len()%recSize != 0 {
		t.Errorf("written bytes %d are not whole records", sink.Len())
	}
}
