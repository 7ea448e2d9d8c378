package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/downfa11-org/go-binlog/pkg/integrity"
	"github.com/downfa11-org/go-binlog/pkg/record"
)

const (
	// KfsMagic opens each optional header block of a segment.
	KfsMagic        = uint32(0x0473664b)
	HeaderBlockSize = 4096
	maxHeaderBlocks = 2
)

var (
	ErrHeaderCount   = integrity.Corruption("bad magic header count")
	ErrDeclaredRange = integrity.Corruption("segment start outside declared range")
	ErrNoHead        = integrity.Corruption("segment does not begin with start or rotate_from")
	ErrEmptySegment  = errors.New("catalog: segment has no records yet")
)

// contentReader gives uniform access to a segment's logical bytes.
type contentReader interface {
	io.ReaderAt
}

func countHeaderBlocks(r contentReader, size int64) (int, error) {
	var word [4]byte
	blocks := 0
	for {
		off := int64(blocks) * HeaderBlockSize
		if off+4 > size {
			return blocks, nil
		}
		if _, err := r.ReadAt(word[:], off); err != nil {
			return 0, err
		}
		if byteOrder.Uint32(word[:]) != KfsMagic {
			return blocks, nil
		}
		if off+HeaderBlockSize > size {
			return 0, fmt.Errorf("%w: truncated header block %d", ErrHeaderCount, blocks)
		}
		blocks++
		if blocks > maxHeaderBlocks {
			return 0, fmt.Errorf("%w: %d", ErrHeaderCount, blocks)
		}
	}
}

// parseHead learns the start position and identity hash of a segment from
// its first record.
func parseHead(b []byte) (start int64, hash uint64, err error) {
	magic, ok := record.Magic(b)
	if !ok {
		return -1, 0, ErrEmptySegment
	}
	switch magic {
	case record.MagicStart:
		if len(b) < record.StartSize {
			return -1, 0, ErrEmptySegment
		}
		return 0, integrity.Genesis(), nil
	case record.MagicRotateFrom:
		if len(b) < record.RotateFromSize {
			return -1, 0, ErrEmptySegment
		}
		rf, err := record.DecodeRotateFrom(b)
		if err != nil {
			return -1, 0, err
		}
		return rf.CurLogPos, rf.CurHash, nil
	default:
		return -1, 0, fmt.Errorf("%w: first magic %#08x", ErrNoHead, magic)
	}
}

// Inspect learns where d starts. It fails with ErrEmptySegment while the
// first record is not complete.
func (r *Replica) Inspect(d *Descriptor) error { return r.inspect(d) }

// inspect parses the head of d once: header blocks, zipped header and the
// first record.
func (r *Replica) inspect(d *Descriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inspected {
		return nil
	}

	f, err := os.Open(d.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	var (
		src  contentReader = f
		size               = d.Size
		zh   *ZipHeader
	)
	if d.Flags.Has(FlagZipped) {
		zh, err = ReadZipHeader(f)
		if err != nil {
			return fmt.Errorf("%s: %w", d.Name, err)
		}
		src = newZipReader(f, zh)
		size = zh.OrigSize
	} else if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	blocks, err := countHeaderBlocks(src, size)
	if err != nil {
		return fmt.Errorf("%s: %w", d.Name, err)
	}
	dataOff := int64(blocks) * HeaderBlockSize

	head := make([]byte, record.RotateFromSize)
	if avail := size - dataOff; avail < int64(len(head)) {
		if avail < 0 {
			avail = 0
		}
		head = head[:avail]
	}
	if len(head) > 0 {
		if _, err := src.ReadAt(head, dataOff); err != nil && err != io.EOF {
			return fmt.Errorf("%s: read head: %w", d.Name, err)
		}
		if d.Flags.Has(FlagEncrypted) && r.dec != nil {
			if err := r.dec.DecryptAt(d.Name, head, dataOff); err != nil {
				return fmt.Errorf("%s: decrypt head: %w", d.Name, err)
			}
		}
	}

	start, hash, err := parseHead(head)
	if err != nil {
		return fmt.Errorf("%s: %w", d.Name, err)
	}
	if start < d.MinPos || start > d.MaxPos {
		return fmt.Errorf("%w: %s starts at %d, name declares [%d,%d]", ErrDeclaredRange, d.Name, start, d.MinPos, d.MaxPos)
	}

	d.headerBlocks = blocks
	d.start = start
	d.hash = hash
	d.dataSize = size - dataOff
	d.zip = zh
	d.inspected = true
	return nil
}
