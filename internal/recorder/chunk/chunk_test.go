package chunk

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/flightrec/internal/errors"
)

func TestChunk_GenerationWraparound(t *testing.T) {
	c := NewChunk(NewClock())

	prev := uint8(0)
	wrapped := false
	for i := 0; i < 300; i++ {
		g := c.Generation()
		if g == GenerationGuard || g == GenerationComplete {
			t.Fatalf("call %d: reserved generation %d", i, g)
		}
		if prev == GenerationMax {
			if g != 1 {
				t.Fatalf("call %d: expected wrap to 1 after %d, got %d", i, GenerationMax, g)
			}
			wrapped = true
		} else if prev != 0 && g != prev+1 {
			t.Fatalf("call %d: expected %d, got %d", i, prev+1, g)
		}
		prev = g
	}
	if !wrapped {
		t.Error("expected at least one wraparound in 300 calls")
	}
}

func TestClock_NanosNeverGoBackwards(t *testing.T) {
	base := time.Unix(1000, 0)
	samples := []time.Time{
		base,
		base.Add(time.Second),
		base.Add(-time.Hour), // clock stepped back
		base.Add(time.Second),
		base.Add(2 * time.Second),
	}
	i := 0
	c := NewClockWithSource(func() time.Time {
		s := samples[i]
		i++
		return s
	})

	last := int64(0)
	for range samples {
		n := c.Nanos()
		if n <= last {
			t.Fatalf("nanos went from %d to %d", last, n)
		}
		last = n
	}
	if c.Frequency() != uint64(time.Second) {
		t.Errorf("unexpected frequency %d", c.Frequency())
	}
}

func TestChunk_TimeStamps(t *testing.T) {
	c := NewChunk(NewClock())
	first := c.StartNanos()

	time.Sleep(time.Millisecond)
	c.SetTimeStamp()

	if c.PreviousStartNanos() != first {
		t.Errorf("previous start should be retained, got %d want %d", c.PreviousStartNanos(), first)
	}
	if c.PreviousDuration() <= 0 {
		t.Errorf("expected positive previous duration, got %d", c.PreviousDuration())
	}
	if c.StartTicks() < c.PreviousStartTicks() {
		t.Error("ticks went backwards")
	}
}

func TestEncoding_Sizes(t *testing.T) {
	encodings := []Encoding{
		{Order: binary.BigEndian, Compressed: true},
		{Order: binary.BigEndian, Compressed: false},
		{Order: binary.LittleEndian, Compressed: false},
	}

	for _, enc := range encodings {
		for _, size := range []int{5, 127, 128, 16383, 16384, 1 << 20, MaxRecordSize} {
			var b [SizeFieldLen]byte
			enc.PutSize(b[:], size)
			got, err := enc.Size(b[:])
			if err != nil {
				t.Fatalf("%+v size %d: %v", enc, size, err)
			}
			if got != size {
				t.Errorf("%+v: expected %d, got %d", enc, size, got)
			}
		}

		for _, v := range []uint64{0, 1, 300, 1 << 40} {
			b := enc.AppendU64(nil, v)
			if len(b) != enc.SizeU64(v) {
				t.Errorf("SizeU64(%d) = %d, encoded %d", v, enc.SizeU64(v), len(b))
			}
			got, n, err := enc.U64(b)
			if err != nil || got != v || n != len(b) {
				t.Errorf("U64 round trip of %d: got %d n=%d err=%v", v, got, n, err)
			}
		}
	}
}

func writeTestChunk(t *testing.T, path string, opts Options) {
	t.Helper()
	w := NewWriter(NewClock(), opts)
	if err := w.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}

	enc := w.Encoding()
	var events []byte
	for i := 0; i < 10; i++ {
		events = enc.AppendRecord(events, FirstUserType, []byte("payload"))
	}
	if err := w.WriteRaw(events); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	if err := w.WriteDataLoss(7, 100, 28); err != nil {
		t.Fatalf("WriteDataLoss: %v", err)
	}
	if _, err := w.WriteCheckpoint(CheckpointGeneric, w.Clock().Ticks(), []Pool{
		{TypeID: 30, Elements: [][]byte{[]byte("a"), []byte("bc")}},
	}); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	if err := w.Flushpoint(); err != nil {
		t.Fatalf("Flushpoint: %v", err)
	}
	if _, err := w.WriteCheckpoint(CheckpointThreads, w.Clock().Ticks(), nil); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	if _, err := w.WriteMetadata([]EventType{{ID: FirstUserType, Name: "test.Event"}}); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	info, err := w.Close(true)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !info.Final || info.Path != path {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestWriterReader_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"big endian compressed", Options{ByteOrder: binary.BigEndian, Compressed: true}},
		{"big endian fixed", Options{ByteOrder: binary.BigEndian}},
		{"little endian fixed", Options{ByteOrder: binary.LittleEndian}},
		{"little endian compressed", Options{ByteOrder: binary.LittleEndian, Compressed: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "0000000000000001.flr")
			writeTestChunk(t, path, tt.opts)

			s, err := Validate(path)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}

			h := s.Header
			if !h.Complete() || !h.Final() {
				t.Errorf("expected complete final chunk, got generation=%d flags=%b", h.Generation, h.Flags)
			}
			if h.Compressed() != tt.opts.Compressed {
				t.Errorf("compressed flag mismatch")
			}
			if h.Order != tt.opts.ByteOrder {
				t.Errorf("byte order not detected")
			}
			if h.Major != MajorVersion || h.Minor != MinorVersion {
				t.Errorf("unexpected version %d.%d", h.Major, h.Minor)
			}

			enc := h.Encoding()
			wantUser := int64(10 * (enc.RecordHeaderLen(FirstUserType) + len("payload")))
			if s.UserBytes != wantUser {
				t.Errorf("expected %d user bytes, got %d", wantUser, s.UserBytes)
			}
			if s.CountByType[FirstUserType] != 10 {
				t.Errorf("expected 10 events, got %d", s.CountByType[FirstUserType])
			}
			if s.Checkpoints != 2 || s.Metadata != 1 {
				t.Errorf("expected 2 checkpoints and 1 metadata, got %d and %d", s.Checkpoints, s.Metadata)
			}
			if s.LostDropped != 100 || s.LostDiscarded != 28 {
				t.Errorf("unexpected data loss %d/%d", s.LostDropped, s.LostDiscarded)
			}
			if len(s.EventTypes) != 1 || s.EventTypes[0].Name != "test.Event" {
				t.Errorf("unexpected event types %+v", s.EventTypes)
			}

			r, err := Open(path)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			rec, err := r.At(h.LastCheckpointOffset)
			if err != nil || rec.TypeID != TypeCheckpoint {
				t.Fatalf("last checkpoint offset does not point at a checkpoint: %v", err)
			}
			cp, err := enc.DecodeCheckpoint(rec.Payload)
			if err != nil {
				t.Fatalf("DecodeCheckpoint: %v", err)
			}
			if cp.Kind != CheckpointThreads || cp.Delta >= 0 {
				t.Errorf("expected threads checkpoint chained backwards, got kind=%d delta=%d", cp.Kind, cp.Delta)
			}
			prev, err := r.At(rec.Offset + cp.Delta)
			if err != nil {
				t.Fatalf("At previous: %v", err)
			}
			first, err := enc.DecodeCheckpoint(prev.Payload)
			if err != nil {
				t.Fatalf("DecodeCheckpoint previous: %v", err)
			}
			if len(first.Pools) != 1 || string(first.Pools[0].Elements[1]) != "bc" {
				t.Errorf("unexpected pools %+v", first.Pools)
			}
		})
	}
}

func TestReader_RejectsGuardAndCorruption(t *testing.T) {
	dir := t.TempDir()

	t.Run("in progress", func(t *testing.T) {
		path := filepath.Join(dir, "open.flr")
		w := NewWriter(NewClock(), DefaultOptions())
		if err := w.Open(path); err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer w.Close(false)

		_, err := Validate(path)
		if !errors.Is(err, errors.ErrTornWrite) {
			t.Errorf("expected ErrTornWrite for guarded header, got %v", err)
		}

		w.WriteRecord(FirstUserType, []byte("x"))
		if err := w.Flushpoint(); err != nil {
			t.Fatalf("Flushpoint: %v", err)
		}
		s, err := Validate(path)
		if err != nil {
			t.Fatalf("chunk should be readable after a flushpoint: %v", err)
		}
		if s.Header.Generation != 1 || s.CountByType[FirstUserType] != 1 {
			t.Errorf("unexpected summary after flushpoint: gen=%d", s.Header.Generation)
		}
	})

	t.Run("bad magic", func(t *testing.T) {
		path := filepath.Join(dir, "magic.flr")
		writeTestChunk(t, path, DefaultOptions())
		data, _ := os.ReadFile(path)
		data[0] = 'X'
		os.WriteFile(path, data, 0644)

		if _, err := Validate(path); !errors.Is(err, errors.ErrInvalidChunk) {
			t.Errorf("expected ErrInvalidChunk, got %v", err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		path := filepath.Join(dir, "short.flr")
		writeTestChunk(t, path, DefaultOptions())
		data, _ := os.ReadFile(path)
		os.WriteFile(path, data[:len(data)-3], 0644)

		if _, err := Validate(path); err == nil {
			t.Error("expected error for truncated chunk")
		}
	})
}

func TestWriter_NotOpen(t *testing.T) {
	w := NewWriter(NewClock(), DefaultOptions())
	if err := w.WriteRaw([]byte{1}); !errors.Is(err, errors.ErrChunkNotOpen) {
		t.Errorf("expected ErrChunkNotOpen, got %v", err)
	}
	if _, err := w.Close(false); !errors.Is(err, errors.ErrChunkNotOpen) {
		t.Errorf("expected ErrChunkNotOpen, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "a.flr")
	if err := w.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Open(path); !errors.Is(err, errors.ErrChunkOpen) {
		t.Errorf("expected ErrChunkOpen, got %v", err)
	}
	w.Close(false)
}

func TestRepository(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "0000000000000007.flr"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644)

	r, err := OpenRepository(dir, 3, 1024)
	if err != nil {
		t.Fatalf("OpenRepository: %v", err)
	}

	var paths []string
	for i := 0; i < 4; i++ {
		p := r.NextPath()
		paths = append(paths, p)
		os.WriteFile(p, []byte("chunk"), 0644)
	}
	if filepath.Base(paths[0]) != "0000000000000008.flr" {
		t.Errorf("numbering should continue after existing chunks, got %s", paths[0])
	}

	removed, err := r.Purge(paths[3])
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %v", removed)
	}

	files, _ := r.List()
	if len(files) != 3 || files[0].Seq != 9 {
		t.Errorf("unexpected remaining chunks: %+v", files)
	}

	if r.ShouldRotate(1023) || !r.ShouldRotate(1024) {
		t.Error("unexpected rotation threshold")
	}

	if _, err := OpenRepository("", 0, 0); !errors.Is(err, errors.ErrRepositoryPath) {
		t.Errorf("expected ErrRepositoryPath, got %v", err)
	}
}
