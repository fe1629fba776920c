package chunk

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/xtxerr/flightrec/internal/errors"
)

// Chunk file format (all header integers fixed width in the chunk's byte order):
//
//	offset  size  field
//	0       4     magic "FLR\x00"
//	4       2     major version (2)
//	6       2     minor version (1)
//	8       8     cpu frequency (ticks per second)
//	16      2     flags (bit 0 compressed integers, bit 1 final chunk)
//	18      8     last checkpoint offset
//	26      8     last metadata offset
//	34      1     generation (1..254, 255 write in progress, 0 complete)
//	35      1     reserved
//	36      8     chunk size
//	44      8     start nanos (wall clock)
//	52      8     duration nanos
//	60      8     start ticks
//
// The body is a sequence of records:
//
//	size     4 bytes; padded LEB128 when compressed, else fixed u32; counts the whole record
//	type id  u64; LEB128 when compressed, else fixed 8 bytes
//	payload  size - len(size) - len(type id) bytes
const (
	Magic        = "FLR\x00"
	MajorVersion = uint16(2)
	MinorVersion = uint16(1)
	HeaderSize   = 68

	FlagCompressedInts = uint16(1 << 0)
	FlagFinal          = uint16(1 << 1)

	GenerationComplete = uint8(0)
	GenerationMax      = uint8(254)
	GenerationGuard    = uint8(255)

	// SizeFieldLen is the encoded length of a record's size field.
	SizeFieldLen = 4

	// MaxRecordSize is the largest record size a padded size field can
	// hold. Producers must reject larger records before encoding them.
	MaxRecordSize = 1<<28 - 1
)

// Reserved record type ids. User event types start at FirstUserType.
const (
	TypeMetadata   = uint64(0)
	TypeCheckpoint = uint64(1)
	TypeDataLoss   = uint64(2)

	FirstUserType = uint64(20)
)

// Checkpoint kinds.
const (
	CheckpointGeneric = uint64(0)
	CheckpointFlush   = uint64(1)
	CheckpointHeader  = uint64(2)
	CheckpointThreads = uint64(8)
)

// ParseByteOrder maps "big" or "little" to a byte order.
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "big", "big_endian", "big-endian":
		return binary.BigEndian, nil
	case "little", "little_endian", "little-endian":
		return binary.LittleEndian, nil
	default:
		return nil, errors.NewValidation("byte_order", fmt.Sprintf("unknown byte order %q", s))
	}
}

// Encoding encodes and decodes record integers for one chunk.
type Encoding struct {
	Order      binary.ByteOrder
	Compressed bool
}

// DefaultEncoding is big-endian with compressed integers.
func DefaultEncoding() Encoding {
	return Encoding{Order: binary.BigEndian, Compressed: true}
}

// AppendU64 appends v as a varint or fixed 8 bytes.
func (e Encoding) AppendU64(b []byte, v uint64) []byte {
	if e.Compressed {
		return binary.AppendUvarint(b, v)
	}
	var tmp [8]byte
	e.Order.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

// AppendI64 appends v using its two's complement bit pattern.
func (e Encoding) AppendI64(b []byte, v int64) []byte {
	return e.AppendU64(b, uint64(v))
}

// SizeU64 returns the encoded length of v.
func (e Encoding) SizeU64(v uint64) int {
	if !e.Compressed {
		return 8
	}
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendString appends a length-prefixed string.
func (e Encoding) AppendString(b []byte, s string) []byte {
	b = e.AppendU64(b, uint64(len(s)))
	return append(b, s...)
}

// PutSize writes a record size into the first SizeFieldLen bytes of dst.
func (e Encoding) PutSize(dst []byte, size int) {
	if size > MaxRecordSize {
		panic(fmt.Sprintf("chunk: record size %d exceeds %d", size, MaxRecordSize))
	}
	v := uint32(size)
	if !e.Compressed {
		e.Order.PutUint32(dst, v)
		return
	}
	dst[0] = byte(v&0x7f) | 0x80
	dst[1] = byte((v>>7)&0x7f) | 0x80
	dst[2] = byte((v>>14)&0x7f) | 0x80
	dst[3] = byte((v >> 21) & 0x7f)
}

// AppendSize appends a record size field.
func (e Encoding) AppendSize(b []byte, size int) []byte {
	var tmp [SizeFieldLen]byte
	e.PutSize(tmp[:], size)
	return append(b, tmp[:]...)
}

// RecordHeaderLen returns the length of the size and type id fields.
func (e Encoding) RecordHeaderLen(typeID uint64) int {
	return SizeFieldLen + e.SizeU64(typeID)
}

// RecordLen returns the encoded length of a record of typeID carrying
// payloadLen bytes.
func (e Encoding) RecordLen(typeID uint64, payloadLen int) int {
	return e.RecordHeaderLen(typeID) + payloadLen
}

// AppendRecord appends a complete record.
func (e Encoding) AppendRecord(b []byte, typeID uint64, payload []byte) []byte {
	size := e.RecordHeaderLen(typeID) + len(payload)
	b = e.AppendSize(b, size)
	b = e.AppendU64(b, typeID)
	return append(b, payload...)
}

// Size decodes a record size field.
func (e Encoding) Size(p []byte) (int, error) {
	if len(p) < SizeFieldLen {
		return 0, errors.ErrTruncated
	}
	if !e.Compressed {
		return int(e.Order.Uint32(p)), nil
	}
	v, n := binary.Uvarint(p[:SizeFieldLen])
	if n <= 0 {
		return 0, fmt.Errorf("bad size field: %w", errors.ErrInvalidChunk)
	}
	return int(v), nil
}

// U64 decodes an integer and returns it with its encoded length.
func (e Encoding) U64(p []byte) (uint64, int, error) {
	if !e.Compressed {
		if len(p) < 8 {
			return 0, 0, errors.ErrTruncated
		}
		return e.Order.Uint64(p), 8, nil
	}
	v, n := binary.Uvarint(p)
	if n == 0 {
		return 0, 0, errors.ErrTruncated
	}
	if n < 0 {
		return 0, 0, fmt.Errorf("varint overflow: %w", errors.ErrInvalidChunk)
	}
	return v, n, nil
}

// String decodes a length-prefixed string.
func (e Encoding) String(p []byte) (string, int, error) {
	l, n, err := e.U64(p)
	if err != nil {
		return "", 0, err
	}
	if uint64(len(p)-n) < l {
		return "", 0, errors.ErrTruncated
	}
	return string(p[n : n+int(l)]), n + int(l), nil
}

// Decoder reads consecutive integers from a payload.
type Decoder struct {
	enc Encoding
	p   []byte
	err error
}

// NewDecoder creates a Decoder over p.
func (e Encoding) NewDecoder(p []byte) *Decoder {
	return &Decoder{enc: e, p: p}
}

// U64 reads the next integer. After an error it returns 0.
func (d *Decoder) U64() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := d.enc.U64(d.p)
	if err != nil {
		d.err = err
		return 0
	}
	d.p = d.p[n:]
	return v
}

// I64 reads the next signed integer.
func (d *Decoder) I64() int64 { return int64(d.U64()) }

// String reads the next string.
func (d *Decoder) String() string {
	if d.err != nil {
		return ""
	}
	s, n, err := d.enc.String(d.p)
	if err != nil {
		d.err = err
		return ""
	}
	d.p = d.p[n:]
	return s
}

// Bytes reads the next n raw bytes.
func (d *Decoder) Bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.p) {
		d.err = errors.ErrTruncated
		return nil
	}
	b := d.p[:n]
	d.p = d.p[n:]
	return b
}

// Remaining returns the unread bytes.
func (d *Decoder) Remaining() []byte { return d.p }

// Err returns the first decoding error.
func (d *Decoder) Err() error { return d.err }
