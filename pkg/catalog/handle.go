package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/downfa11-org/go-binlog/pkg/metrics"
)

var ErrOutOfSegment = errors.New("catalog: position outside segment")

// Handle is an open segment positioned by log position rather than file
// offset. It keeps its descriptor retained until closed.
type Handle struct {
	desc    *Descriptor
	file    *os.File
	zr      *zipReader
	dec     Decrypter
	dataOff int64
	start   int64
	closed  bool
}

func openHandle(d *Descriptor, dec Decrypter) (*Handle, error) {
	if d.Flags.Has(FlagEncrypted) && dec == nil {
		return nil, fmt.Errorf("catalog: %s is encrypted and no decrypter is configured", d.Name)
	}
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, err
	}
	adviseSequential(f)

	h := &Handle{
		desc:    d.Retain(),
		file:    f,
		dataOff: int64(d.HeaderBlocks()) * HeaderBlockSize,
		start:   d.Start(),
	}
	if zh := d.Zip(); zh != nil {
		h.zr = newZipReader(f, zh)
	}
	if d.Flags.Has(FlagEncrypted) {
		h.dec = dec
	}
	metrics.OpenSegments.Inc()
	return h, nil
}

func (h *Handle) Descriptor() *Descriptor { return h.desc }
func (h *Handle) Name() string            { return h.desc.Name }
func (h *Handle) Start() int64            { return h.start }

// DataSize is the number of log bytes in the segment. For plain segments it
// follows the file as the writer appends to it.
func (h *Handle) DataSize() int64 {
	if h.zr != nil {
		return h.zr.hdr.OrigSize - h.dataOff
	}
	info, err := h.file.Stat()
	if err != nil {
		return h.desc.dataSizeHint()
	}
	if n := info.Size() - h.dataOff; n > 0 {
		return n
	}
	return 0
}

func (h *Handle) End() int64 { return h.start + h.DataSize() }

// Contains reports whether pos is a readable position of this segment.
func (h *Handle) Contains(pos int64) bool {
	return pos >= h.start && pos < h.End()
}

// ReadAt fills p with the log bytes starting at logPos. It returns io.EOF
// together with a short count at the end of the segment.
func (h *Handle) ReadAt(p []byte, logPos int64) (int, error) {
	if logPos < h.start {
		return 0, fmt.Errorf("%w: %d before start %d of %s", ErrOutOfSegment, logPos, h.start, h.desc.Name)
	}
	off := h.dataOff + (logPos - h.start)

	var (
		n   int
		err error
	)
	if h.zr != nil {
		n, err = h.zr.ReadAt(p, off)
	} else {
		n, err = h.file.ReadAt(p, off)
	}
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("read %s at %d: %w", h.desc.Name, logPos, err)
	}
	if h.dec != nil && n > 0 {
		if derr := h.dec.DecryptAt(h.desc.Name, p[:n], off); derr != nil {
			return 0, fmt.Errorf("decrypt %s at %d: %w", h.desc.Name, logPos, derr)
		}
	}
	return n, err
}

func (h *Handle) Sync() error {
	if h.zr != nil {
		return nil
	}
	return h.file.Sync()
}

// Close releases the file and the descriptor reference. It is idempotent.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	err := h.file.Close()
	h.desc.Release()
	metrics.OpenSegments.Dec()
	return err
}
