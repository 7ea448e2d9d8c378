package record

import "fmt"

// FramedHeaderSize is the magic plus the payload length of a framed
// application record. Framed records are what the writer and its tools
// produce; the engine itself never requires the layout.
const FramedHeaderSize = 8

// MaxFramedPayload bounds the length word so the aligned size fits an int32.
const MaxFramedPayload = 1<<31 - FramedHeaderSize - 4

// AppendFramed encodes payload as an application record of the given type.
func AppendFramed(dst []byte, magic uint32, payload []byte) []byte {
	var hdr [FramedHeaderSize]byte
	byteOrder.PutUint32(hdr[0:], magic)
	byteOrder.PutUint32(hdr[4:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	return append(dst, make([]byte, align4(len(payload))-len(payload))...)
}

// FramedLen returns the aligned size of the framed record at the start of
// b, or false when the header is not complete yet.
func FramedLen(b []byte) (int, bool) {
	if len(b) < FramedHeaderSize {
		return 0, false
	}
	n := byteOrder.Uint32(b[4:])
	if n > MaxFramedPayload {
		return -1, true
	}
	return FramedHeaderSize + align4(int(n)), true
}

// FramedPayload returns the payload of a complete framed record.
func FramedPayload(b []byte) ([]byte, error) {
	size, ok := FramedLen(b)
	if !ok || size < 0 || len(b) < size {
		return nil, fmt.Errorf("%w: framed record of %d bytes", ErrShort, len(b))
	}
	n := int(byteOrder.Uint32(b[4:]))
	return b[FramedHeaderSize : FramedHeaderSize+n], nil
}

// IsStructural reports whether magic belongs to the engine's own records.
func IsStructural(magic uint32) bool {
	switch magic {
	case MagicStart, MagicNoop, MagicTimestamp, MagicTag, MagicRotateFrom, MagicRotateTo, MagicCrc32:
		return true
	}
	return false
}
