package chunk

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/xtxerr/flightrec/internal/errors"
)

// Writer appends records to the open chunk file and maintains its header.
//
// While a chunk is open the header carries the guard generation; every
// flushpoint rewrites it with a fresh generation and the current offsets,
// and Close stamps it complete.
type Writer struct {
	mu sync.Mutex

	enc   Encoding
	clock *Clock
	chunk *Chunk
	opts  Options

	file   *os.File
	writer *bufio.Writer
	offset int64

	metadataID uint64

	// Statistics
	stats WriterStats
}

// Options configures the chunk writer.
type Options struct {
	// ByteOrder of header and fixed-width record integers.
	// Default: big-endian
	ByteOrder binary.ByteOrder

	// Compressed selects LEB128 varints for record integers.
	Compressed bool

	// BufferSize is the size of the write buffer.
	// Default: 64KB
	BufferSize int
}

// DefaultOptions returns default writer options.
func DefaultOptions() Options {
	return Options{
		ByteOrder:  binary.BigEndian,
		Compressed: true,
		BufferSize: 64 * 1024,
	}
}

// WriterStats holds chunk writer statistics.
type WriterStats struct {
	ChunksOpened  int64
	ChunksClosed  int64
	Records       int64
	BytesWritten  int64
	Flushpoints   int64
	Checkpoints   int64
	Errors        int64
	LastChunkSize int64
}

// Info describes a closed chunk.
type Info struct {
	Path          string
	Size          int64
	StartNanos    int64
	DurationNanos int64
	Final         bool
}

// Pool is one constant pool inside a checkpoint record.
type Pool struct {
	TypeID   uint64
	Elements [][]byte
}

// CheckpointPrologue holds the fixed fields of a checkpoint record.
type CheckpointPrologue struct {
	StartTicks    int64
	DurationTicks int64
	Delta         int64
	Kind          uint64
}

// EventType names a record type in the metadata record.
type EventType struct {
	ID   uint64
	Name string
}

// AppendCheckpoint appends a complete checkpoint record.
func (e Encoding) AppendCheckpoint(b []byte, p CheckpointPrologue, pools []Pool) []byte {
	payload := e.AppendI64(nil, p.StartTicks)
	payload = e.AppendI64(payload, p.DurationTicks)
	payload = e.AppendI64(payload, p.Delta)
	payload = e.AppendU64(payload, p.Kind)
	payload = e.AppendU64(payload, uint64(len(pools)))
	for _, pool := range pools {
		payload = e.AppendU64(payload, pool.TypeID)
		payload = e.AppendU64(payload, uint64(len(pool.Elements)))
		for _, el := range pool.Elements {
			payload = e.AppendU64(payload, uint64(len(el)))
			payload = append(payload, el...)
		}
	}
	return e.AppendRecord(b, TypeCheckpoint, payload)
}

// NewWriter creates a writer. No file is open until Open is called.
func NewWriter(clock *Clock, opts Options) *Writer {
	if opts.ByteOrder == nil {
		opts.ByteOrder = binary.BigEndian
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	return &Writer{
		enc:   Encoding{Order: opts.ByteOrder, Compressed: opts.Compressed},
		clock: clock,
		chunk: NewChunk(clock),
		opts:  opts,
	}
}

// Encoding returns the record encoding of this writer's chunks.
func (w *Writer) Encoding() Encoding { return w.enc }

// Clock returns the writer's clock.
func (w *Writer) Clock() *Clock { return w.clock }

// Chunk returns the bookkeeping of the current chunk.
func (w *Writer) Chunk() *Chunk { return w.chunk }

// IsOpen reports whether a chunk file is open.
func (w *Writer) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file != nil
}

// Size returns the current logical size of the open chunk.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Open creates the chunk file at path and writes a guarded header.
func (w *Writer) Open(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return fmt.Errorf("open %s: %w", path, errors.ErrChunkOpen)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		w.stats.Errors++
		return fmt.Errorf("create chunk: %w", err)
	}
	if _, err := f.Seek(HeaderSize, io.SeekStart); err != nil {
		f.Close()
		w.stats.Errors++
		return fmt.Errorf("seek past header: %w", err)
	}

	w.chunk.Reset(path)
	w.chunk.SetTimeStamp()
	w.file = f
	w.writer = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.offset = HeaderSize

	if err := w.writeHeaderUnlocked(GenerationGuard); err != nil {
		w.file.Close()
		w.file = nil
		w.stats.Errors++
		return fmt.Errorf("write header: %w", err)
	}

	w.stats.ChunksOpened++
	return nil
}

func (w *Writer) headerUnlocked(generation uint8) Header {
	var flags uint16
	if w.enc.Compressed {
		flags |= FlagCompressedInts
	}
	if w.chunk.IsFinal() {
		flags |= FlagFinal
	}
	return Header{
		Major:                MajorVersion,
		Minor:                MinorVersion,
		Frequency:            w.clock.Frequency(),
		Flags:                flags,
		LastCheckpointOffset: w.chunk.LastCheckpointOffset(),
		LastMetadataOffset:   w.chunk.LastMetadataOffset(),
		Generation:           generation,
		ChunkSize:            w.offset,
		StartNanos:           w.chunk.StartNanos(),
		DurationNanos:        w.chunk.Duration(),
		StartTicks:           w.chunk.StartTicks(),
		Order:                w.enc.Order,
	}
}

func (w *Writer) writeHeaderUnlocked(generation uint8) error {
	h := w.headerUnlocked(generation)
	_, err := w.file.WriteAt(h.Marshal(), 0)
	return err
}

// WriteRaw appends bytes that already form complete records.
func (w *Writer) WriteRaw(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.writeUnlocked(p)
	return err
}

func (w *Writer) writeUnlocked(p []byte) (int64, error) {
	if w.file == nil {
		return 0, errors.ErrChunkNotOpen
	}
	off := w.offset
	n, err := w.writer.Write(p)
	w.offset += int64(n)
	w.stats.BytesWritten += int64(n)
	if err != nil {
		w.stats.Errors++
		return off, fmt.Errorf("write chunk: %w", err)
	}
	return off, nil
}

// WriteRecord appends a single record.
func (w *Writer) WriteRecord(typeID uint64, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := w.writeUnlocked(w.enc.AppendRecord(nil, typeID, payload))
	if err == nil {
		w.stats.Records++
	}
	return err
}

// WriteCheckpoint appends a checkpoint record chained to the previous one
// and records its offset in the header bookkeeping.
func (w *Writer) WriteCheckpoint(kind uint64, startTicks int64, pools []Pool) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, errors.ErrChunkNotOpen
	}

	off := w.offset
	p := CheckpointPrologue{
		StartTicks:    startTicks,
		DurationTicks: w.clock.Ticks() - startTicks,
		Kind:          kind,
	}
	if prev := w.chunk.LastCheckpointOffset(); prev != 0 {
		p.Delta = prev - off
	}

	if _, err := w.writeUnlocked(w.enc.AppendCheckpoint(nil, p, pools)); err != nil {
		return 0, err
	}
	w.chunk.SetLastCheckpointOffset(off)
	w.stats.Records++
	w.stats.Checkpoints++
	return off, nil
}

// WriteMetadata appends the metadata record describing types.
func (w *Writer) WriteMetadata(types []EventType) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, errors.ErrChunkNotOpen
	}

	w.metadataID++
	payload := w.enc.AppendI64(nil, w.clock.Ticks())
	payload = w.enc.AppendI64(payload, 0)
	payload = w.enc.AppendU64(payload, w.metadataID)
	payload = w.enc.AppendU64(payload, uint64(len(types)))
	for _, t := range types {
		payload = w.enc.AppendU64(payload, t.ID)
		payload = w.enc.AppendString(payload, t.Name)
	}

	off, err := w.writeUnlocked(w.enc.AppendRecord(nil, TypeMetadata, payload))
	if err != nil {
		return 0, err
	}
	w.chunk.SetLastMetadataOffset(off)
	w.stats.Records++
	return off, nil
}

// WriteDataLoss appends a data loss record for one thread.
func (w *Writer) WriteDataLoss(thread uint64, dropped, discarded int64) error {
	payload := w.enc.AppendI64(nil, w.clock.Ticks())
	payload = w.enc.AppendU64(payload, thread)
	payload = w.enc.AppendI64(payload, dropped)
	payload = w.enc.AppendI64(payload, discarded)
	return w.WriteRecord(TypeDataLoss, payload)
}

// Flushpoint makes everything written so far durable and readable: the
// header is guarded, the body flushed and the header rewritten with a new
// generation and the current offsets.
func (w *Writer) Flushpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return errors.ErrChunkNotOpen
	}

	if err := w.writeHeaderUnlocked(GenerationGuard); err != nil {
		w.stats.Errors++
		return fmt.Errorf("guard header: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		w.stats.Errors++
		return fmt.Errorf("flush chunk: %w", err)
	}
	w.chunk.UpdateTime()
	if err := w.writeHeaderUnlocked(w.chunk.Generation()); err != nil {
		w.stats.Errors++
		return fmt.Errorf("write header: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.stats.Errors++
		return fmt.Errorf("sync chunk: %w", err)
	}
	w.stats.Flushpoints++
	return nil
}

// Close flushes the body, stamps the header complete and closes the file.
func (w *Writer) Close(final bool) (Info, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return Info{}, errors.ErrChunkNotOpen
	}
	if final {
		w.chunk.MarkFinal()
	}

	var errs []error
	if err := w.writer.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush chunk: %w", err))
	}
	w.chunk.UpdateTime()
	if err := w.writeHeaderUnlocked(GenerationComplete); err != nil {
		errs = append(errs, fmt.Errorf("write header: %w", err))
	}
	if err := w.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync chunk: %w", err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chunk: %w", err))
	}

	info := Info{
		Path:          w.chunk.Path(),
		Size:          w.offset,
		StartNanos:    w.chunk.StartNanos(),
		DurationNanos: w.chunk.Duration(),
		Final:         final,
	}

	w.file = nil
	w.writer = nil
	w.stats.ChunksClosed++
	w.stats.LastChunkSize = w.offset

	if len(errs) > 0 {
		w.stats.Errors++
		return info, errors.Join(errs...)
	}
	return info, nil
}

// Stats returns current statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
