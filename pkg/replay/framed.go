package replay

import (
	"fmt"

	"github.com/downfa11-org/go-binlog/pkg/record"
)

// Framed returns a Handler for application records in the framed layout
// (magic, payload length, payload). apply is called for records at or after
// the cursor's SkipUntil; a nil apply only sizes records, which is enough
// to verify a stream.
func Framed(apply func(pos int64, magic uint32, payload []byte) error) Handler {
	return HandlerFunc(func(r Record) Outcome {
		size, ok := record.FramedLen(r.Data)
		if !ok {
			return Short()
		}
		if size < 0 {
			return Fail(0, fmt.Errorf("%w: framed length overflows at %d", ErrBadRecord, r.Pos))
		}
		if len(r.Data) < size {
			return Need(size)
		}
		if r.Skip || apply == nil {
			return Done(size)
		}
		payload, err := record.FramedPayload(r.Data[:size])
		if err == nil {
			magic, _ := record.Magic(r.Data)
			err = apply(r.Pos, magic, payload)
		}
		if err != nil {
			return Fail(size, err)
		}
		return Done(size)
	})
}
