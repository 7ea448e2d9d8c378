package replay

import (
	"strings"

	"github.com/downfa11-org/go-binlog/pkg/integrity"
	"github.com/downfa11-org/go-binlog/pkg/ledger"
	"github.com/downfa11-org/go-binlog/pkg/record"
)

// Flags configure a stream.
type Flags uint32

const (
	DisableCrcCheck Flags = 1 << iota
	DisableCrcWrite
	DisableTimestampWrite
	StreamDisabled
	FlushRarely
	KeepHistory
)

func (f Flags) Has(x Flags) bool { return f&x == x }

func (f Flags) String() string {
	names := []string{"disable-crc-check", "disable-crc-write", "disable-timestamp-write", "stream-disabled", "flush-rarely", "keep-history"}
	var parts []string
	for i, n := range names {
		if f&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

// StreamState is the integrity state of one binlog stream, advanced record
// by record by the engine or the writer.
type StreamState struct {
	// LogPos is the position after the last consumed record.
	LogPos int64
	// AppendPos is the position after the last byte handed to the engine.
	AppendPos int64

	Crc   *integrity.CrcStream
	Chain integrity.Chain

	Tag    [16]byte
	tagSet bool

	FirstTS int32
	LastTS  int32

	Flags  Flags
	Ledger *ledger.Ledger

	// Rotation is the last rotate_to while its rotate_from is still ahead.
	Rotation *record.RotateTo

	started bool
}

func NewStreamState(flags Flags) *StreamState {
	return &StreamState{
		Crc:    integrity.NewCrcStream(),
		Flags:  flags,
		Ledger: ledger.New(flags.Has(KeepHistory)),
	}
}

// StartAt positions a fresh state at a segment head.
func (s *StreamState) StartAt(pos int64) {
	s.LogPos = pos
	s.AppendPos = pos
	s.Crc.Reset(pos, 0)
}

func (s *StreamState) HasTag() bool { return s.tagSet }

// SetTag records the stream tag; it fails if one is already set or the
// value is zero.
func (s *StreamState) SetTag(tag [16]byte) error {
	if s.tagSet {
		return ErrDuplicateTag
	}
	if tag == ([16]byte{}) {
		return ErrZeroTag
	}
	s.Tag = tag
	s.tagSet = true
	return nil
}

func (s *StreamState) observeTime(ts int32) {
	if s.FirstTS == 0 {
		s.FirstTS = ts
	}
	s.LastTS = ts
}

// Started reports whether any record has been consumed.
func (s *StreamState) Started() bool { return s.started }

// Clone copies the integrity state, for handing a replayed stream over to
// a writer.
func (s *StreamState) Clone() *StreamState {
	c := *s
	c.Crc = s.Crc.Clone()
	if s.Rotation != nil {
		r := *s.Rotation
		c.Rotation = &r
	}
	return &c
}
