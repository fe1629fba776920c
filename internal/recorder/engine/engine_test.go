package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/flightrec/internal/recorder/checkpoint"
	"github.com/xtxerr/flightrec/internal/recorder/chunk"
	rconfig "github.com/xtxerr/flightrec/internal/recorder/config"
	"github.com/xtxerr/flightrec/internal/recorder/service"
	tu "github.com/xtxerr/flightrec/internal/testing"
)

func smallConfig(t *testing.T) *rconfig.Config {
	t.Helper()
	cfg := rconfig.DefaultConfig()
	cfg.Repository.Dir = t.TempDir()
	cfg.Repository.MaxChunks = 0
	cfg.Repository.MaxChunkSize = 0
	cfg.Memory.GlobalBufferSize = 1024
	cfg.Memory.GlobalBufferCount = 4
	cfg.Memory.ThreadBufferSize = 256
	cfg.Memory.MemoryLimit = 0
	cfg.Rotation.FlushInterval = 0
	cfg.Rotation.RotateInterval = 0
	return cfg
}

func openEngine(t *testing.T, cfg *rconfig.Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.Open(ctx)
	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		if err := e.Close(cctx); err != nil {
			t.Errorf("Close: %v", err)
		}
		cancel()
	})
	return e
}

// validateAll validates every chunk and returns the summaries and the
// bytes they account for.
func validateAll(t *testing.T, e *Engine) ([]*chunk.Summary, int64) {
	t.Helper()
	files, err := e.Repository().List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var (
		out       []*chunk.Summary
		accounted int64
	)
	for _, f := range files {
		s, err := chunk.Validate(f.Path)
		if err != nil {
			t.Fatalf("chunk %s: %v", f.Path, err)
		}
		out = append(out, s)
		accounted += s.UserBytes + s.LostDropped + s.LostDiscarded
	}
	return out, accounted
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Memory.ThreadBufferSize = 4096
	if _, err := New(cfg); err == nil {
		t.Error("expected invalid configuration to be rejected")
	}
}

func TestEndToEnd_AccountsEveryByte(t *testing.T) {
	const (
		threads   = 8
		events    = 10000
		eventSize = 64
		rotations = 5
	)

	e := openEngine(t, smallConfig(t))
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	typ := e.EventType("test.Sample")
	payload := make([]byte, eventSize-e.Encoding().RecordHeaderLen(typ))

	var submitted atomic.Int64
	gt := tu.NewGoroutineTestWithTimeout(t, 2*time.Minute)
	for i := 0; i < threads; i++ {
		th := e.NewThread(fmt.Sprintf("producer-%d", i))
		gt.Go(func(ctx context.Context) error {
			defer th.Close()
			for j := 0; j < events; j++ {
				th.Commit(typ, payload)
			}
			st := th.Stats()
			if st.SubmittedBytes != events*eventSize {
				return fmt.Errorf("thread %d submitted %d bytes", th.ID(), st.SubmittedBytes)
			}
			submitted.Add(st.SubmittedBytes)
			return nil
		})
	}

	for r := 0; r < rotations; r++ {
		time.Sleep(5 * time.Millisecond)
		if err := e.Rotate(ctx); err != nil {
			t.Fatalf("Rotate %d: %v", r, err)
		}
	}
	gt.Wait()
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if submitted.Load() != threads*events*eventSize {
		t.Fatalf("submitted %d bytes", submitted.Load())
	}

	chunks, accounted := validateAll(t, e)
	if len(chunks) != rotations+1 {
		t.Errorf("expected %d chunks, got %d", rotations+1, len(chunks))
	}
	if accounted != submitted.Load() {
		t.Errorf("chunks account for %d bytes, submitted %d", accounted, submitted.Load())
	}
	for i, c := range chunks {
		if c.UserBytes%eventSize != 0 {
			t.Errorf("chunk %d holds %d bytes, not whole events", i, c.UserBytes)
		}
	}

	loss := e.Storage().DataLoss().Total()
	var reported int64
	for _, c := range chunks {
		reported += c.LostDropped + c.LostDiscarded
	}
	if reported != loss.Total() {
		t.Errorf("chunks report %d lost bytes, storage counted %d", reported, loss.Total())
	}

	if rows := e.Catalog().Rows(); len(rows) != len(chunks) {
		t.Errorf("expected %d catalog rows, got %d", len(chunks), len(rows))
	}
	if st := e.Stats(); st.Threads != 0 {
		t.Errorf("expected all threads closed, got %d", st.Threads)
	}
}

func TestChunkTrailerNamesThreads(t *testing.T) {
	e := openEngine(t, smallConfig(t))
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	typ := e.EventType("test.Named")
	a := e.NewThread("alpha")
	b := e.NewThread("beta")
	a.Commit(typ, []byte("a"))
	b.Commit(typ, []byte("b"))
	a.Close()
	b.Close()

	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	files, err := e.Repository().List()
	if err != nil || len(files) != 1 {
		t.Fatalf("expected 1 chunk, got %d (%v)", len(files), err)
	}
	r, err := chunk.Open(files[0].Path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec, err := r.At(r.Header().LastCheckpointOffset)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	cp, err := r.Encoding().DecodeCheckpoint(rec.Payload)
	if err != nil {
		t.Fatalf("DecodeCheckpoint: %v", err)
	}
	if len(cp.Pools) != 1 || cp.Pools[0].TypeID != checkpoint.PoolThreads {
		t.Fatalf("unexpected pools %+v", cp.Pools)
	}

	names := map[string]bool{}
	for _, el := range cp.Pools[0].Elements {
		_, name, err := checkpoint.DecodeThread(r.Encoding(), el)
		if err != nil {
			t.Fatalf("DecodeThread: %v", err)
		}
		names[name] = true
	}
	if !names["alpha"] || !names["beta"] {
		t.Errorf("trailer names %v", names)
	}

	sum, err := chunk.Validate(files[0].Path)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(sum.EventTypes) != 1 || sum.EventTypes[0].ID != typ {
		t.Errorf("unexpected event types %+v", sum.EventTypes)
	}
}

func TestEventType_IsStable(t *testing.T) {
	e := openEngine(t, smallConfig(t))
	a := e.EventType("x")
	b := e.EventType("y")
	if a == b || e.EventType("x") != a {
		t.Errorf("event type ids not stable: %d %d", a, b)
	}
	if a < chunk.FirstUserType {
		t.Errorf("user type id %d collides with reserved types", a)
	}
	if _, err := e.RegisterEventType("not valid"); err == nil {
		t.Error("expected invalid event type name to be rejected")
	}
	if th := e.NewThread("bad\nname"); th.Name() != fmt.Sprintf("thread-%d", th.ID()) {
		t.Errorf("invalid thread name kept: %q", th.Name())
	} else {
		th.Close()
	}
}

func TestClose_FinalizesRunningRecording(t *testing.T) {
	cfg := smallConfig(t)
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Open(context.Background())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	th := e.NewThread("worker")
	for i := 0; i < 50; i++ {
		th.Commit(e.EventType("ev"), []byte("payload"))
	}
	th.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if e.Service().State() != service.StateTerminated {
		t.Errorf("expected terminated, got %s", e.Service().State())
	}

	chunks, accounted := validateAll(t, e)
	if len(chunks) != 1 || !chunks[0].Header.Final() {
		t.Fatalf("expected one final chunk, got %d", len(chunks))
	}
	if accounted != th.Stats().SubmittedBytes {
		t.Errorf("accounted %d != submitted %d", accounted, th.Stats().SubmittedBytes)
	}
	if err := e.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestCommit_OversizedRecordIsDropped(t *testing.T) {
	e := openEngine(t, smallConfig(t))
	typ := e.EventType("huge")
	th := e.NewThread("big-producer")
	defer th.Close()

	payload := make([]byte, chunk.MaxRecordSize)
	want := int64(e.Encoding().RecordLen(typ, len(payload)))
	if th.Commit(typ, payload) {
		t.Fatal("record over the size limit was stored")
	}

	st := th.Stats()
	if st.DroppedBytes != want || st.SubmittedBytes != want || st.Events != 1 {
		t.Errorf("unexpected thread stats %+v, want %d dropped", st, want)
	}
	if got := e.Storage().DataLoss().Thread(th.ID()).Dropped; got != want {
		t.Errorf("expected %d dropped bytes reported, got %d", want, got)
	}
	if !th.Commit(typ, []byte("small")) {
		t.Error("thread should keep recording after a rejected record")
	}
}

func TestWrite_ExcludedOversizedRecordIsNotLoss(t *testing.T) {
	e := openEngine(t, smallConfig(t))
	typ := e.EventType("ev")
	th := e.NewThread("excluded")
	defer th.Close()
	th.SetExcluded(true)

	payload := tu.Fill('x', 600)
	want := int64(e.Encoding().RecordLen(typ, len(payload)))
	if th.Commit(typ, payload) {
		t.Error("excluded oversized record reported as stored")
	}
	if got := e.Storage().DataLoss().Total().Total(); got != 0 {
		t.Errorf("excluded content reported as %d bytes of loss", got)
	}
	if got := th.Stats().DroppedBytes; got != 0 {
		t.Errorf("excluded content counted as %d dropped bytes", got)
	}
	if got := e.Storage().Stats().ExcludedBytes; got != want {
		t.Errorf("expected %d excluded bytes, got %d", want, got)
	}
}

func TestClose_KeepsPoolsUntilRecorderStops(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Rotation.PauseTimeout = 500 * time.Millisecond
	e := openEngine(t, cfg)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The thread never polls again, so the final rotation waits out the
	// pause timeout.
	th := e.NewThread("stuck")
	if !th.Commit(e.EventType("ev"), []byte("payload")) {
		t.Fatal("Commit failed")
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Close(short); err == nil {
		t.Fatal("expected Close to give up before the recorder stopped")
	}
	if e.Storage().Global().InUseBytes() == 0 {
		t.Fatal("pools released while the recorder was running")
	}

	ctx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := e.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if e.Service().State() != service.StateTerminated {
		t.Errorf("expected terminated, got %s", e.Service().State())
	}
	_, accounted := validateAll(t, e)
	if accounted != th.Stats().SubmittedBytes {
		t.Errorf("accounted %d != submitted %d", accounted, th.Stats().SubmittedBytes)
	}
}
