package replication

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/downfa11-org/go-binlog/pkg/record"
	"github.com/downfa11-org/go-binlog/pkg/replay"
)

// EntryMagic is the type word of a binlog record holding a raft log entry.
const EntryMagic = uint32(0x0e17a3f1)

// entryHeader is index u64 + term u64 ahead of the entry data.
const entryHeader = 16

var ErrEntry = errors.New("replication: malformed entry record")

// Entry is a committed raft log entry as stored in the binlog.
type Entry struct {
	Index uint64
	Term  uint64
	Data  []byte
}

// EncodeEntry builds the binlog record for e.
func EncodeEntry(e Entry) []byte {
	payload := make([]byte, entryHeader+len(e.Data))
	binary.LittleEndian.PutUint64(payload[0:], e.Index)
	binary.LittleEndian.PutUint64(payload[8:], e.Term)
	copy(payload[entryHeader:], e.Data)
	return record.AppendFramed(nil, EntryMagic, payload)
}

// DecodeEntry parses the payload of an entry record. Data aliases payload.
func DecodeEntry(payload []byte) (Entry, error) {
	if len(payload) < entryHeader {
		return Entry{}, fmt.Errorf("%w: %d byte payload", ErrEntry, len(payload))
	}
	return Entry{
		Index: binary.LittleEndian.Uint64(payload[0:]),
		Term:  binary.LittleEndian.Uint64(payload[8:]),
		Data:  payload[entryHeader:],
	}, nil
}

// EntryHandler is the replay handler for a binlog written through FSM.
// Framed records of other types are sized and passed over. fn may be nil.
func EntryHandler(fn func(pos int64, e Entry) error) replay.Handler {
	return replay.Framed(func(pos int64, magic uint32, payload []byte) error {
		if magic != EntryMagic {
			return nil
		}
		e, err := DecodeEntry(payload)
		if err != nil {
			return fmt.Errorf("at %d: %w", pos, err)
		}
		if fn == nil {
			return nil
		}
		return fn(pos, e)
	})
}
