// Package record defines the on-disk layout of the structural binlog
// records: the small set of entries the engine itself understands in order
// to chain segments together and verify their integrity.
//
// All records are 4-byte aligned and start with a 32-bit type magic. Fields
// are little endian. Any other magic is an application record and is opaque
// to this package.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	MagicStart      = uint32(0x044c644b)
	MagicNoop       = uint32(0x04ba3de4)
	MagicTimestamp  = uint32(0x04d931a8)
	MagicTag        = uint32(0x04476154)
	MagicRotateFrom = uint32(0x04724cd2)
	MagicRotateTo   = uint32(0x04464c72)
	MagicCrc32      = uint32(0x04435243)
)

const (
	HeaderSize     = 24 // generic header: type + six int32 words
	StartSize      = 24
	MaxStartExtra  = 4096
	TimestampSize  = 8
	TagSize        = 20
	Crc32Size      = 20
	RotateFromSize = 36
	RotateToSize   = 36
	NoopSize       = 4
)

var byteOrder = binary.LittleEndian

var (
	ErrShort = errors.New("record: buffer shorter than record")
	ErrMagic = errors.New("record: unexpected magic")
)

// Magic returns the type word at the start of b.
func Magic(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return byteOrder.Uint32(b), true
}

// Name is used in logs and metric labels.
func Name(magic uint32) string {
	switch magic {
	case MagicStart:
		return "start"
	case MagicNoop:
		return "noop"
	case MagicTimestamp:
		return "timestamp"
	case MagicTag:
		return "tag"
	case MagicRotateFrom:
		return "rotate_from"
	case MagicRotateTo:
		return "rotate_to"
	case MagicCrc32:
		return "crc32"
	default:
		return "application"
	}
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func check(b []byte, magic uint32, size int) error {
	if len(b) < size {
		return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrShort, Name(magic), size, len(b))
	}
	if got := byteOrder.Uint32(b); got != magic {
		return fmt.Errorf("%w: want %#08x got %#08x", ErrMagic, magic, got)
	}
	return nil
}

// Start opens a stream. It must be the first record at log position 0.
type Start struct {
	SchemaID int32
	SplitMod int32
	SplitMin int32
	SplitMax int32
	Extra    []byte
}

// StartLen returns the encoded size of a start record carrying extra bytes.
func StartLen(extra int) int {
	return StartSize + align4(extra)
}

// StartExtraLen reads the declared extra length from a start header.
func StartExtraLen(b []byte) int32 {
	return int32(byteOrder.Uint32(b[8:]))
}

func (s Start) Size() int { return StartLen(len(s.Extra)) }

func (s Start) Append(dst []byte) []byte {
	var hdr [StartSize]byte
	byteOrder.PutUint32(hdr[0:], MagicStart)
	byteOrder.PutUint32(hdr[4:], uint32(s.SchemaID))
	byteOrder.PutUint32(hdr[8:], uint32(len(s.Extra)))
	byteOrder.PutUint32(hdr[12:], uint32(s.SplitMod))
	byteOrder.PutUint32(hdr[16:], uint32(s.SplitMin))
	byteOrder.PutUint32(hdr[20:], uint32(s.SplitMax))
	dst = append(dst, hdr[:]...)
	dst = append(dst, s.Extra...)
	return append(dst, make([]byte, align4(len(s.Extra))-len(s.Extra))...)
}

func DecodeStart(b []byte) (Start, error) {
	if err := check(b, MagicStart, StartSize); err != nil {
		return Start{}, err
	}
	extra := StartExtraLen(b)
	if extra < 0 || extra > MaxStartExtra {
		return Start{}, fmt.Errorf("record: start extra_bytes %d out of [0,%d]", extra, MaxStartExtra)
	}
	if len(b) < StartLen(int(extra)) {
		return Start{}, fmt.Errorf("%w: start needs %d bytes, have %d", ErrShort, StartLen(int(extra)), len(b))
	}
	return Start{
		SchemaID: int32(byteOrder.Uint32(b[4:])),
		SplitMod: int32(byteOrder.Uint32(b[12:])),
		SplitMin: int32(byteOrder.Uint32(b[16:])),
		SplitMax: int32(byteOrder.Uint32(b[20:])),
		Extra:    append([]byte(nil), b[StartSize:StartSize+int(extra)]...),
	}, nil
}

type Timestamp struct {
	Time int32
}

func (t Timestamp) Append(dst []byte) []byte {
	var b [TimestampSize]byte
	byteOrder.PutUint32(b[0:], MagicTimestamp)
	byteOrder.PutUint32(b[4:], uint32(t.Time))
	return append(dst, b[:]...)
}

func DecodeTimestamp(b []byte) (Timestamp, error) {
	if err := check(b, MagicTimestamp, TimestampSize); err != nil {
		return Timestamp{}, err
	}
	return Timestamp{Time: int32(byteOrder.Uint32(b[4:]))}, nil
}

// Tag carries the 16-byte stream identity, written once per stream.
type Tag struct {
	Tag [16]byte
}

func (t Tag) Append(dst []byte) []byte {
	var b [TagSize]byte
	byteOrder.PutUint32(b[0:], MagicTag)
	copy(b[4:], t.Tag[:])
	return append(dst, b[:]...)
}

func DecodeTag(b []byte) (Tag, error) {
	if err := check(b, MagicTag, TagSize); err != nil {
		return Tag{}, err
	}
	var t Tag
	copy(t.Tag[:], b[4:TagSize])
	return t, nil
}

// Crc32 is a periodic checkpoint asserting the CRC32 of every log byte
// before Pos, where Pos is the position of the record itself.
type Crc32 struct {
	Timestamp int32
	Pos       int64
	Crc32     uint32
}

func (c Crc32) Append(dst []byte) []byte {
	var b [Crc32Size]byte
	byteOrder.PutUint32(b[0:], MagicCrc32)
	byteOrder.PutUint32(b[4:], uint32(c.Timestamp))
	byteOrder.PutUint64(b[8:], uint64(c.Pos))
	byteOrder.PutUint32(b[16:], c.Crc32)
	return append(dst, b[:]...)
}

func DecodeCrc32(b []byte) (Crc32, error) {
	if err := check(b, MagicCrc32, Crc32Size); err != nil {
		return Crc32{}, err
	}
	return Crc32{
		Timestamp: int32(byteOrder.Uint32(b[4:])),
		Pos:       int64(byteOrder.Uint64(b[8:])),
		Crc32:     byteOrder.Uint32(b[16:]),
	}, nil
}

// RotateTo closes a segment. NextLogPos is the position right after this
// record, where the next segment begins; Crc32 covers the log up to the
// start of this record.
type RotateTo struct {
	Timestamp  int32
	NextLogPos int64
	Crc32      uint32
	CurHash    uint64
	NextHash   uint64
}

func (r RotateTo) Append(dst []byte) []byte {
	var b [RotateToSize]byte
	byteOrder.PutUint32(b[0:], MagicRotateTo)
	byteOrder.PutUint32(b[4:], uint32(r.Timestamp))
	byteOrder.PutUint64(b[8:], uint64(r.NextLogPos))
	byteOrder.PutUint32(b[16:], r.Crc32)
	byteOrder.PutUint64(b[20:], r.CurHash)
	byteOrder.PutUint64(b[28:], r.NextHash)
	return append(dst, b[:]...)
}

func DecodeRotateTo(b []byte) (RotateTo, error) {
	if err := check(b, MagicRotateTo, RotateToSize); err != nil {
		return RotateTo{}, err
	}
	return RotateTo{
		Timestamp:  int32(byteOrder.Uint32(b[4:])),
		NextLogPos: int64(byteOrder.Uint64(b[8:])),
		Crc32:      byteOrder.Uint32(b[16:]),
		CurHash:    byteOrder.Uint64(b[20:]),
		NextHash:   byteOrder.Uint64(b[28:]),
	}, nil
}

// RotateFrom opens every segment but the first. Its fields mirror the
// RotateTo that closed the previous segment.
type RotateFrom struct {
	Timestamp int32
	CurLogPos int64
	Crc32     uint32
	PrevHash  uint64
	CurHash   uint64
}

func (r RotateFrom) Append(dst []byte) []byte {
	var b [RotateFromSize]byte
	byteOrder.PutUint32(b[0:], MagicRotateFrom)
	byteOrder.PutUint32(b[4:], uint32(r.Timestamp))
	byteOrder.PutUint64(b[8:], uint64(r.CurLogPos))
	byteOrder.PutUint32(b[16:], r.Crc32)
	byteOrder.PutUint64(b[20:], r.PrevHash)
	byteOrder.PutUint64(b[28:], r.CurHash)
	return append(dst, b[:]...)
}

func DecodeRotateFrom(b []byte) (RotateFrom, error) {
	if err := check(b, MagicRotateFrom, RotateFromSize); err != nil {
		return RotateFrom{}, err
	}
	return RotateFrom{
		Timestamp: int32(byteOrder.Uint32(b[4:])),
		CurLogPos: int64(byteOrder.Uint64(b[8:])),
		Crc32:     byteOrder.Uint32(b[16:]),
		PrevHash:  byteOrder.Uint64(b[20:]),
		CurHash:   byteOrder.Uint64(b[28:]),
	}, nil
}

// Mirror rebuilds the RotateTo that must have preceded r.
func (r RotateFrom) Mirror() RotateTo {
	return RotateTo{
		Timestamp:  r.Timestamp,
		NextLogPos: r.CurLogPos,
		Crc32:      r.Crc32,
		CurHash:    r.PrevHash,
		NextHash:   r.CurHash,
	}
}

// Mirror builds the RotateFrom that must open the next segment.
func (r RotateTo) Mirror() RotateFrom {
	return RotateFrom{
		Timestamp: r.Timestamp,
		CurLogPos: r.NextLogPos,
		Crc32:     r.Crc32,
		PrevHash:  r.CurHash,
		CurHash:   r.NextHash,
	}
}

func AppendNoop(dst []byte) []byte {
	var b [NoopSize]byte
	byteOrder.PutUint32(b[0:], MagicNoop)
	return append(dst, b[:]...)
}

// FixedSize returns the encoded size of a fixed-size structural record, or
// zero for start (variable) and application records.
func FixedSize(magic uint32) int {
	switch magic {
	case MagicNoop:
		return NoopSize
	case MagicTimestamp:
		return TimestampSize
	case MagicTag:
		return TagSize
	case MagicCrc32:
		return Crc32Size
	case MagicRotateFrom:
		return RotateFromSize
	case MagicRotateTo:
		return RotateToSize
	default:
		return 0
	}
}
