package integrity

import (
	"fmt"
	"hash/crc32"
)

// CrcStream keeps the complemented running CRC32 of the log and the
// position it corresponds to. Bytes of a rotate_to record are deferred: the
// matching rotate_from asserts the CRC of the prefix that ends right before
// them.
type CrcStream struct {
	complement uint32
	pos        int64
	deferred   []byte
}

// NewCrcStream starts at position 0 with the CRC of the empty log.
func NewCrcStream() *CrcStream {
	return &CrcStream{complement: ^uint32(0)}
}

// Reset positions the stream at pos with crc as the CRC of everything
// before it. Used when replay starts in the middle of a binlog.
func (c *CrcStream) Reset(pos int64, crc uint32) {
	c.complement = ^crc
	c.pos = pos
	c.deferred = c.deferred[:0]
}

// Pos is the position up to which the CRC has been folded.
func (c *CrcStream) Pos() int64 { return c.pos }

// Sum is the true CRC32 of [0, Pos).
func (c *CrcStream) Sum() uint32 { return ^c.complement }

// Complement is the stored, inverted form.
func (c *CrcStream) Complement() uint32 { return c.complement }

// End is the position after every byte handed to the stream, deferred
// ones included.
func (c *CrcStream) End() int64 { return c.pos + int64(len(c.deferred)) }

func (c *CrcStream) fold(p []byte) {
	c.complement = ^crc32.Update(^c.complement, crc32.IEEETable, p)
	c.pos += int64(len(p))
}

// Extend folds p into the CRC after any deferred bytes.
func (c *CrcStream) Extend(p []byte) {
	c.flush()
	c.fold(p)
}

// Defer holds p back until the next Extend, Defer or Relax past it.
func (c *CrcStream) Defer(p []byte) {
	c.flush()
	c.deferred = append(c.deferred[:0], p...)
}

func (c *CrcStream) flush() {
	if len(c.deferred) > 0 {
		c.fold(c.deferred)
		c.deferred = c.deferred[:0]
	}
}

// Relax folds deferred bytes if that does not move the stream past target.
func (c *CrcStream) Relax(target int64) {
	if len(c.deferred) > 0 && c.pos+int64(len(c.deferred)) <= target {
		c.flush()
	}
}

// Check validates a checkpoint claiming that the CRC of the log before
// claimedPos-headerOffset equals claimedCrc.
func (c *CrcStream) Check(claimedPos int64, headerOffset int, claimedCrc uint32) error {
	want := claimedPos - int64(headerOffset)
	c.Relax(want)
	if c.pos != want {
		return fmt.Errorf("%w: stream at %d, record claims %d (offset %d)", ErrCrcPosition, c.pos, want, headerOffset)
	}
	if c.Sum() != claimedCrc {
		return fmt.Errorf("%w at %d: computed %08x, record has %08x", ErrCrcMismatch, want, c.Sum(), claimedCrc)
	}
	return nil
}

func (c *CrcStream) Clone() *CrcStream {
	return &CrcStream{
		complement: c.complement,
		pos:        c.pos,
		deferred:   append([]byte(nil), c.deferred...),
	}
}
