package replay

import (
	"context"
	"errors"

	"github.com/downfa11-org/go-binlog/pkg/integrity"
)

var (
	// ErrWaitJob is returned while the handler waits; bytes stay buffered
	// until Resume.
	ErrWaitJob = errors.New("replay: waiting for handler job")
	// ErrStopped means a handler signalled the clean end of the log.
	ErrStopped = errors.New("replay: stopped")

	ErrLivelock       = errors.New("replay: handler made no progress")
	ErrRecordTooLarge = errors.New("replay: record exceeds maximum size")
	ErrBadRecord      = errors.New("replay: bad record")
	ErrUnknownRecord  = errors.New("replay: no handler for record type")
	ErrHandler        = errors.New("replay: handler contract violated")

	ErrNoStart      = integrity.Corruption("stream does not open with start or rotate_from")
	ErrStartPos     = integrity.Corruption("start record at non-zero position")
	ErrStartExtra   = integrity.Corruption("start record extra_bytes out of range")
	ErrDuplicateTag = integrity.Corruption("duplicate stream tag")
	ErrZeroTag      = integrity.Corruption("zero stream tag")
	ErrRotateOrder  = integrity.Corruption("rotation records out of order")
	ErrSegmentEnd   = integrity.Corruption("segment does not end at its rotate_to")
)

// IsFatal reports whether err must stop replay for good. Waiting, a clean
// stop and cancellation are not fatal.
func IsFatal(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrWaitJob),
		errors.Is(err, ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
