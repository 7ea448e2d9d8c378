package integrity

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/downfa11-org/go-binlog/pkg/record"
)

// ChainHash derives the identity of the segment that starts at pos, given
// the identity of the one before it and the CRC of the log up to the
// rotation. The 16-byte MD5 is truncated to its first 8 bytes.
func ChainHash(prev uint64, pos int64, crc uint32) uint64 {
	var in [20]byte
	binary.LittleEndian.PutUint64(in[0:], prev)
	binary.LittleEndian.PutUint64(in[8:], uint64(pos))
	binary.LittleEndian.PutUint32(in[16:], crc)
	sum := md5.Sum(in[:])
	return binary.LittleEndian.Uint64(sum[:8])
}

// Genesis is the identity of the first segment of a stream.
func Genesis() uint64 {
	return ChainHash(0, 0, 0)
}

// Chain tracks the identity of the segment being read or written and of
// the one before it. A zero Cur means unset: between a rotate_to and the
// rotate_from that follows it.
type Chain struct {
	Cur  uint64
	Prev uint64
}

// Start sets the identity for a stream opened by a start record.
func (ch *Chain) Start() {
	ch.Cur = Genesis()
	ch.Prev = 0
}

// Next computes the identity the segment after a rotation at pos will carry.
func (ch *Chain) Next(pos int64, crc uint32) uint64 {
	return ChainHash(ch.Cur, pos, crc)
}

// OnRotateTo checks the closing record of the current segment and moves
// the chain into the gap before the next one.
func (ch *Chain) OnRotateTo(r record.RotateTo) error {
	if ch.Cur != r.CurHash {
		return fmt.Errorf("%w: segment hash %016x, rotate_to asserts %016x at %d", ErrChainHash, ch.Cur, r.CurHash, r.NextLogPos)
	}
	if want := ChainHash(r.CurHash, r.NextLogPos, r.Crc32); want != r.NextHash {
		return fmt.Errorf("%w: rotate_to next hash %016x, computed %016x at %d", ErrChainHash, r.NextHash, want, r.NextLogPos)
	}
	ch.Prev = ch.Cur
	ch.Cur = 0
	return nil
}

// OnRotateFrom checks the opening record of a segment. captured is the
// rotate_to seen at the end of the previous segment; when nil the stream
// starts here and the record is trusted once its own hash is consistent.
func (ch *Chain) OnRotateFrom(r record.RotateFrom, captured *record.RotateTo) error {
	if want := ChainHash(r.PrevHash, r.CurLogPos, r.Crc32); want != r.CurHash {
		return fmt.Errorf("%w: rotate_from hash %016x, computed %016x at %d", ErrChainHash, r.CurHash, want, r.CurLogPos)
	}
	if captured != nil {
		if err := ComparePair(*captured, r); err != nil {
			return err
		}
		if ch.Prev != r.PrevHash {
			return fmt.Errorf("%w: previous segment %016x, rotate_from asserts %016x", ErrChainHash, ch.Prev, r.PrevHash)
		}
	}
	ch.Prev = r.PrevHash
	ch.Cur = r.CurHash
	return nil
}

// ComparePair checks the five fields a rotate_from shares with the
// rotate_to before it.
func ComparePair(to record.RotateTo, from record.RotateFrom) error {
	switch {
	case to.NextLogPos != from.CurLogPos:
		return fmt.Errorf("%w: position %d vs %d", ErrRotatePair, to.NextLogPos, from.CurLogPos)
	case to.Timestamp != from.Timestamp:
		return fmt.Errorf("%w: timestamp %d vs %d at %d", ErrRotatePair, to.Timestamp, from.Timestamp, from.CurLogPos)
	case to.CurHash != from.PrevHash:
		return fmt.Errorf("%w: previous hash %016x vs %016x at %d", ErrRotatePair, to.CurHash, from.PrevHash, from.CurLogPos)
	case to.NextHash != from.CurHash:
		return fmt.Errorf("%w: current hash %016x vs %016x at %d", ErrRotatePair, to.NextHash, from.CurHash, from.CurLogPos)
	case to.Crc32 != from.Crc32:
		return fmt.Errorf("%w: crc32 %08x vs %08x at %d", ErrRotatePair, to.Crc32, from.Crc32, from.CurLogPos)
	}
	return nil
}
