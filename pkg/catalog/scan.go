package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/downfa11-org/go-binlog/pkg/integrity"
	"github.com/downfa11-org/go-binlog/pkg/metrics"
	"github.com/downfa11-org/go-binlog/util"
)

var (
	ErrMultipleKeys  = errors.New("catalog: more than one encryption descriptor")
	ErrSegmentShrunk = integrity.Corruption("segment shrank since last scan")
)

// ScanOptions customize how a replica directory is read.
type ScanOptions struct {
	// List returns the directory entries, os.ReadDir when nil.
	List func(dir string) ([]os.DirEntry, error)
	// Decrypter overrides the key loaded from the replica's .enc file.
	Decrypter Decrypter
}

// Replica is the catalog of one replica directory. A Replica is immutable
// once returned by Scan; Rescan builds a new one that shares descriptors.
type Replica struct {
	Dir        string
	Prefix     string
	Binlogs    []*Descriptor
	Snapshots  []*Descriptor
	Encryption *Descriptor

	opts ScanOptions
	dec  Decrypter

	hashOnce sync.Once
	hash     uint64
	hashErr  error
}

// LockName is the writer lock file of a replica.
func LockName(prefix string) string { return "." + prefix + ".lock" }

// Scan lists dir and classifies every file whose name starts with prefix.
func Scan(dir, prefix string, opts ScanOptions) (*Replica, error) {
	if prefix == "" {
		return nil, errors.New("catalog: empty replica prefix")
	}
	list := opts.List
	if list == nil {
		list = os.ReadDir
	}
	entries, err := list(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	r := &Replica{Dir: dir, Prefix: prefix, opts: opts}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := name[len(prefix):]
		s, err := ParseSuffix(rest)
		if err != nil {
			util.Warn("skipping %s: %v", name, err)
			continue
		}
		if rest == "" {
			util.Warn("%s has no suffix, treating it as a snapshot", name)
		}

		path := filepath.Join(dir, name)
		info, err := os.Lstat(path)
		if err != nil {
			util.Warn("skipping %s: %v", name, err)
			continue
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			if info, err = os.Stat(path); err != nil {
				util.Warn("skipping dangling symlink %s: %v", name, err)
				continue
			}
			s.Flags |= FlagSymlink
		}
		if !info.Mode().IsRegular() {
			util.Debug("skipping non-regular file %s", name)
			continue
		}

		d := newDescriptor(name, path, info.Size(), s)
		switch s.Kind {
		case KindBinlog:
			r.Binlogs = append(r.Binlogs, d)
		case KindSnapshot:
			r.Snapshots = append(r.Snapshots, d)
		case KindEncryption:
			if r.Encryption != nil {
				return nil, fmt.Errorf("%w: %s and %s", ErrMultipleKeys, r.Encryption.Name, name)
			}
			r.Encryption = d
		}
	}

	if err := r.loadDecrypter(); err != nil {
		return nil, err
	}
	sortDescriptors(r.Binlogs)
	sortDescriptors(r.Snapshots)
	r.mergeDuplicates()

	metrics.CatalogSegments.WithLabelValues(KindBinlog.String()).Set(float64(len(r.Binlogs)))
	metrics.CatalogSegments.WithLabelValues(KindSnapshot.String()).Set(float64(len(r.Snapshots)))
	util.Debug("scanned %s/%s: %d binlogs, %d snapshots", dir, prefix, len(r.Binlogs), len(r.Snapshots))
	return r, nil
}

func (r *Replica) loadDecrypter() error {
	r.dec = r.opts.Decrypter
	if r.Encryption == nil {
		return nil
	}
	for _, d := range r.Binlogs {
		d.Flags |= FlagEncrypted
	}
	if r.dec != nil {
		return nil
	}
	dec, err := LoadKeyFile(r.Encryption.Path)
	if err != nil {
		return err
	}
	r.dec = dec
	return nil
}

func sortDescriptors(ds []*Descriptor) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].MinPos != ds[j].MinPos {
			return ds[i].MinPos < ds[j].MinPos
		}
		return ds[i].Name < ds[j].Name
	})
}

// mergeDuplicates drops the later of a zipped and a plain copy of the same
// segment.
func (r *Replica) mergeDuplicates() {
	out := r.Binlogs[:0]
	for _, d := range r.Binlogs {
		if n := len(out); n > 0 && r.sameSegment(out[n-1], d) {
			util.Warn("%s duplicates %s, ignoring it", d.Name, out[n-1].Name)
			continue
		}
		out = append(out, d)
	}
	r.Binlogs = out
}

func (r *Replica) sameSegment(a, b *Descriptor) bool {
	if a.MinPos != b.MinPos || a.Flags.Has(FlagZipped) == b.Flags.Has(FlagZipped) {
		return false
	}
	if a.Flags.Has(FlagTemporary) || b.Flags.Has(FlagTemporary) {
		return false
	}
	if err := r.inspect(a); err != nil {
		return false
	}
	if err := r.inspect(b); err != nil {
		return false
	}
	return a.Start() == b.Start()
}

// Rescan lists the directory again. Descriptors of files that are still
// present carry over, with their size refreshed.
func (r *Replica) Rescan() (*Replica, error) {
	next, err := Scan(r.Dir, r.Prefix, r.opts)
	if err != nil {
		return nil, err
	}
	prev := make(map[string]*Descriptor, len(r.Binlogs))
	for _, d := range r.Binlogs {
		prev[d.Name] = d
	}
	for i, d := range next.Binlogs {
		old, ok := prev[d.Name]
		if !ok {
			continue
		}
		was := old.FileSize()
		if d.Size < was {
			return nil, fmt.Errorf("%w: %s from %d to %d bytes", ErrSegmentShrunk, d.Name, was, d.Size)
		}
		if d.Size > was {
			old.setSize(d.Size)
		}
		next.Binlogs[i] = old
	}
	return next, nil
}

// Decrypter returns the decrypter used for encrypted segments, if any.
func (r *Replica) Decrypter() Decrypter { return r.dec }

// Hash is the identity of the replica: the hash asserted by its first
// segment.
func (r *Replica) Hash() (uint64, error) {
	r.hashOnce.Do(func() {
		for _, d := range r.Binlogs {
			if d.Flags.Has(FlagTemporary) {
				continue
			}
			if r.hashErr = r.inspect(d); r.hashErr == nil {
				r.hash = d.Hash()
			}
			return
		}
		r.hashErr = errors.New("catalog: replica has no binlog segments")
	})
	return r.hash, r.hashErr
}

// Last returns the newest readable binlog descriptor.
func (r *Replica) Last() *Descriptor {
	for i := len(r.Binlogs) - 1; i >= 0; i-- {
		if !r.Binlogs[i].Flags.Has(FlagTemporary) {
			return r.Binlogs[i]
		}
	}
	return nil
}
