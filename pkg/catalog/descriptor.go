package catalog

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Flags describe how a segment file must be read.
type Flags uint16

const (
	FlagZipped Flags = 1 << iota
	FlagEncrypted
	FlagTemporary
	FlagSymlink
	FlagReplicatorTemp
	FlagSnapshot
	FlagSnapshotDiff
)

func (f Flags) Has(x Flags) bool { return f&x == x }

func (f Flags) String() string {
	names := []string{"zipped", "encrypted", "temporary", "symlink", "replicator-temp", "snapshot", "snapshot-diff"}
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

// Descriptor is one file of a replica. It is owned by the catalog and
// shared, reference counted, with open handles and rotation points.
type Descriptor struct {
	Name string
	Path string
	// Size is the file size seen by the last scan; read it with FileSize
	// once the descriptor is shared.
	Size   int64
	MinPos int64
	MaxPos int64
	Flags  Flags

	refs atomic.Int32

	// lazily inspected, guarded by mu
	mu           sync.Mutex
	inspected    bool
	headerBlocks int
	start        int64
	dataSize     int64
	hash         uint64
	zip          *ZipHeader
}

func newDescriptor(name, path string, size int64, s Suffix) *Descriptor {
	return &Descriptor{
		Name:   name,
		Path:   path,
		Size:   size,
		MinPos: s.MinPos,
		MaxPos: s.MaxPos,
		Flags:  s.Flags,
		start:  -1,
	}
}

// Retain adds a reference.
func (d *Descriptor) Retain() *Descriptor {
	d.refs.Add(1)
	return d
}

// Release drops a reference and reports whether it was the last one.
func (d *Descriptor) Release() bool {
	n := d.refs.Add(-1)
	if n < 0 {
		panic("catalog: descriptor " + d.Name + " released more than retained")
	}
	return n == 0
}

func (d *Descriptor) Refs() int32 { return d.refs.Load() }

// Start is the position of the first log byte, -1 until inspected.
func (d *Descriptor) Start() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.start
}

// HeaderBlocks is the number of 4 KiB header blocks before the log data.
func (d *Descriptor) HeaderBlocks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headerBlocks
}

// Hash is the segment identity asserted by its first record.
func (d *Descriptor) Hash() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hash
}

// Zip returns the parsed zipped header, nil for plain segments.
func (d *Descriptor) Zip() *ZipHeader {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.zip
}

func (d *Descriptor) isInspected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inspected
}

func (d *Descriptor) dataSizeHint() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dataSize
}

func (d *Descriptor) FileSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Size
}

func (d *Descriptor) setSize(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Size = n
}
