// Package integrity holds the two checks that keep a binlog honest: the
// running CRC32 over every log byte and the MD5-based identity hash that
// links consecutive segments.
package integrity

import "errors"

// ErrCorrupt is the umbrella for structural corruption. Every integrity
// failure wraps it, so callers can classify with errors.Is.
var ErrCorrupt = errors.New("binlog corrupt")

var (
	ErrCrcPosition = Corruption("crc position mismatch")
	ErrCrcMismatch = Corruption("crc mismatch")
	ErrChainHash   = Corruption("hash chain mismatch")
	ErrRotatePair  = Corruption("rotate_from does not match rotate_to")
)

type corruptErr struct{ msg string }

// Corruption returns a distinct sentinel that also matches ErrCorrupt.
func Corruption(msg string) error { return &corruptErr{msg: msg} }

func (e *corruptErr) Error() string { return e.msg }
func (e *corruptErr) Unwrap() error { return ErrCorrupt }
