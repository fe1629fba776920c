package chunk

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/xtxerr/flightrec/internal/errors"
)

// Header is the fixed-format chunk header.
type Header struct {
	Major                uint16
	Minor                uint16
	Frequency            uint64
	Flags                uint16
	LastCheckpointOffset int64
	LastMetadataOffset   int64
	Generation           uint8
	ChunkSize            int64
	StartNanos           int64
	DurationNanos        int64
	StartTicks           int64

	// Order is the byte order the header was encoded with.
	Order binary.ByteOrder
}

// Compressed reports whether record integers are varints.
func (h Header) Compressed() bool { return h.Flags&FlagCompressedInts != 0 }

// Final reports whether this is the last chunk of a recording.
func (h Header) Final() bool { return h.Flags&FlagFinal != 0 }

// Complete reports whether the writer closed the chunk.
func (h Header) Complete() bool { return h.Generation == GenerationComplete }

// Encoding returns the record encoding described by the header.
func (h Header) Encoding() Encoding {
	return Encoding{Order: h.Order, Compressed: h.Compressed()}
}

// Marshal encodes the header.
func (h Header) Marshal() []byte {
	order := h.Order
	if order == nil {
		order = binary.BigEndian
	}
	b := make([]byte, HeaderSize)
	copy(b[0:4], Magic)
	order.PutUint16(b[4:6], h.Major)
	order.PutUint16(b[6:8], h.Minor)
	order.PutUint64(b[8:16], h.Frequency)
	order.PutUint16(b[16:18], h.Flags)
	order.PutUint64(b[18:26], uint64(h.LastCheckpointOffset))
	order.PutUint64(b[26:34], uint64(h.LastMetadataOffset))
	b[34] = h.Generation
	b[35] = 0
	order.PutUint64(b[36:44], uint64(h.ChunkSize))
	order.PutUint64(b[44:52], uint64(h.StartNanos))
	order.PutUint64(b[52:60], uint64(h.DurationNanos))
	order.PutUint64(b[60:68], uint64(h.StartTicks))
	return b
}

// ParseHeader decodes a header. The byte order is detected from the major
// version field.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("header: %w", errors.ErrTruncated)
	}
	if string(b[0:4]) != Magic {
		return Header{}, fmt.Errorf("bad magic %q: %w", b[0:4], errors.ErrInvalidChunk)
	}

	var order binary.ByteOrder
	switch {
	case binary.BigEndian.Uint16(b[4:6]) == MajorVersion:
		order = binary.BigEndian
	case binary.LittleEndian.Uint16(b[4:6]) == MajorVersion:
		order = binary.LittleEndian
	default:
		return Header{}, fmt.Errorf("unsupported major version %x: %w", b[4:6], errors.ErrInvalidChunk)
	}

	h := Header{
		Major:                order.Uint16(b[4:6]),
		Minor:                order.Uint16(b[6:8]),
		Frequency:            order.Uint64(b[8:16]),
		Flags:                order.Uint16(b[16:18]),
		LastCheckpointOffset: int64(order.Uint64(b[18:26])),
		LastMetadataOffset:   int64(order.Uint64(b[26:34])),
		Generation:           b[34],
		ChunkSize:            int64(order.Uint64(b[36:44])),
		StartNanos:           int64(order.Uint64(b[44:52])),
		DurationNanos:        int64(order.Uint64(b[52:60])),
		StartTicks:           int64(order.Uint64(b[60:68])),
		Order:                order,
	}
	if h.Minor != MinorVersion {
		return h, fmt.Errorf("unsupported minor version %d: %w", h.Minor, errors.ErrInvalidChunk)
	}
	return h, nil
}

// Record is one record of a chunk body.
type Record struct {
	Offset  int64
	Size    int
	TypeID  uint64
	Payload []byte
}

// Reader iterates the records of a chunk held in memory.
type Reader struct {
	header Header
	enc    Encoding
	data   []byte
	pos    int64
	end    int64
}

// Open reads the chunk at path.
func Open(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	return NewReader(data)
}

// NewReader parses the header of data and positions at the first record.
// Records are read up to the size recorded in the header.
func NewReader(data []byte) (*Reader, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if h.Generation == GenerationGuard {
		return nil, fmt.Errorf("generation guard set: %w", errors.ErrTornWrite)
	}
	if h.ChunkSize < HeaderSize || h.ChunkSize > int64(len(data)) {
		return nil, fmt.Errorf("chunk size %d outside file of %d bytes: %w",
			h.ChunkSize, len(data), errors.ErrInvalidChunk)
	}
	return &Reader{
		header: h,
		enc:    h.Encoding(),
		data:   data,
		pos:    HeaderSize,
		end:    h.ChunkSize,
	}, nil
}

// Header returns the parsed header.
func (r *Reader) Header() Header { return r.header }

// Encoding returns the record encoding.
func (r *Reader) Encoding() Encoding { return r.enc }

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	if r.pos >= r.end {
		return Record{}, io.EOF
	}
	return r.recordAt(r.pos, true)
}

// At returns the record starting at off.
func (r *Reader) At(off int64) (Record, error) {
	if off < HeaderSize || off >= r.end {
		return Record{}, fmt.Errorf("offset %d outside body: %w", off, errors.ErrInvalidChunk)
	}
	return r.recordAt(off, false)
}

func (r *Reader) recordAt(off int64, advance bool) (Record, error) {
	body := r.data[off:r.end]
	size, err := r.enc.Size(body)
	if err != nil {
		return Record{}, fmt.Errorf("record at %d: %w", off, err)
	}
	if size < SizeFieldLen+1 || size > len(body) {
		return Record{}, fmt.Errorf("record at %d: size %d with %d bytes left: %w",
			off, size, len(body), errors.ErrTruncated)
	}
	typeID, n, err := r.enc.U64(body[SizeFieldLen:size])
	if err != nil {
		return Record{}, fmt.Errorf("record at %d type: %w", off, err)
	}

	rec := Record{
		Offset:  off,
		Size:    size,
		TypeID:  typeID,
		Payload: body[SizeFieldLen+n : size],
	}
	if advance {
		r.pos = off + int64(size)
	}
	return rec, nil
}

// Checkpoint is a decoded checkpoint record.
type Checkpoint struct {
	CheckpointPrologue
	Pools []Pool
}

// DecodeCheckpoint decodes the payload of a checkpoint record.
func (e Encoding) DecodeCheckpoint(payload []byte) (Checkpoint, error) {
	d := e.NewDecoder(payload)
	cp := Checkpoint{CheckpointPrologue: CheckpointPrologue{
		StartTicks:    d.I64(),
		DurationTicks: d.I64(),
		Delta:         d.I64(),
		Kind:          d.U64(),
	}}
	pools := d.U64()
	for i := uint64(0); i < pools && d.Err() == nil; i++ {
		p := Pool{TypeID: d.U64()}
		count := d.U64()
		for j := uint64(0); j < count && d.Err() == nil; j++ {
			p.Elements = append(p.Elements, d.Bytes(int(d.U64())))
		}
		cp.Pools = append(cp.Pools, p)
	}
	if err := d.Err(); err != nil {
		return cp, fmt.Errorf("checkpoint: %w", err)
	}
	if len(d.Remaining()) != 0 {
		return cp, fmt.Errorf("checkpoint: %d trailing bytes: %w", len(d.Remaining()), errors.ErrInvalidChunk)
	}
	return cp, nil
}

// DataLoss is a decoded data loss record.
type DataLoss struct {
	Ticks     int64
	Thread    uint64
	Dropped   int64
	Discarded int64
}

// DecodeDataLoss decodes the payload of a data loss record.
func (e Encoding) DecodeDataLoss(payload []byte) (DataLoss, error) {
	d := e.NewDecoder(payload)
	dl := DataLoss{
		Ticks:     d.I64(),
		Thread:    d.U64(),
		Dropped:   d.I64(),
		Discarded: d.I64(),
	}
	if err := d.Err(); err != nil {
		return dl, fmt.Errorf("data loss: %w", err)
	}
	return dl, nil
}

// DecodeMetadata decodes the event types of a metadata record.
func (e Encoding) DecodeMetadata(payload []byte) ([]EventType, error) {
	d := e.NewDecoder(payload)
	d.I64() // start ticks
	d.I64() // duration
	d.U64() // metadata id
	n := d.U64()
	var types []EventType
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		types = append(types, EventType{ID: d.U64(), Name: d.String()})
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return types, nil
}

// Summary is the result of validating a chunk.
type Summary struct {
	Header      Header
	Records     int
	Checkpoints int
	Metadata    int
	EventTypes  []EventType

	// BytesByType sums whole-record sizes per type id.
	BytesByType map[uint64]int64

	// CountByType counts records per type id.
	CountByType map[uint64]int64

	// UserBytes sums the sizes of user event records.
	UserBytes int64

	// Lost sums the data loss records.
	LostDropped   int64
	LostDiscarded int64
}

// Validate reads a chunk file, checks its header and every record, and
// summarizes its content.
func Validate(path string) (*Summary, error) {
	r, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s, err := r.Validate()
	if err != nil {
		return s, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Validate walks every record from the current position.
func (r *Reader) Validate() (*Summary, error) {
	s := &Summary{
		Header:      r.header,
		BytesByType: make(map[uint64]int64),
		CountByType: make(map[uint64]int64),
	}

	checkpoints := make(map[int64]bool)
	metadata := make(map[int64]bool)

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return s, err
		}

		s.Records++
		s.BytesByType[rec.TypeID] += int64(rec.Size)
		s.CountByType[rec.TypeID]++

		switch {
		case rec.TypeID == TypeCheckpoint:
			cp, err := r.enc.DecodeCheckpoint(rec.Payload)
			if err != nil {
				return s, fmt.Errorf("record at %d: %w", rec.Offset, err)
			}
			if cp.Delta != 0 && !checkpoints[rec.Offset+cp.Delta] {
				return s, fmt.Errorf("checkpoint at %d chains to %d which is not a checkpoint: %w",
					rec.Offset, rec.Offset+cp.Delta, errors.ErrInvalidChunk)
			}
			checkpoints[rec.Offset] = true
			s.Checkpoints++
		case rec.TypeID == TypeMetadata:
			types, err := r.enc.DecodeMetadata(rec.Payload)
			if err != nil {
				return s, fmt.Errorf("record at %d: %w", rec.Offset, err)
			}
			s.EventTypes = types
			metadata[rec.Offset] = true
			s.Metadata++
		case rec.TypeID == TypeDataLoss:
			dl, err := r.enc.DecodeDataLoss(rec.Payload)
			if err != nil {
				return s, fmt.Errorf("record at %d: %w", rec.Offset, err)
			}
			s.LostDropped += dl.Dropped
			s.LostDiscarded += dl.Discarded
		case rec.TypeID >= FirstUserType:
			s.UserBytes += int64(rec.Size)
		}
	}

	h := r.header
	if off := h.LastCheckpointOffset; off != 0 && !checkpoints[off] {
		return s, fmt.Errorf("last checkpoint offset %d is not a checkpoint: %w", off, errors.ErrInvalidChunk)
	}
	if off := h.LastMetadataOffset; off != 0 && !metadata[off] {
		return s, fmt.Errorf("last metadata offset %d is not a metadata record: %w", off, errors.ErrInvalidChunk)
	}
	if h.Complete() && h.ChunkSize != int64(len(r.data)) {
		return s, fmt.Errorf("complete chunk size %d differs from file size %d: %w",
			h.ChunkSize, len(r.data), errors.ErrInvalidChunk)
	}
	return s, nil
}
