package catalog

import (
	"errors"
	"sort"

	"github.com/downfa11-org/go-binlog/util"
)

func isFatalInspect(err error) bool {
	return errors.Is(err, ErrDeclaredRange) || errors.Is(err, ErrHeaderCount)
}

// Open returns a handle on the segment containing pos, or nil when no
// segment of the replica covers it.
func (r *Replica) Open(pos int64) (*Handle, error) {
	bins := r.Binlogs
	i := sort.Search(len(bins), func(i int) bool { return bins[i].MinPos > pos }) - 1

	for ; i >= 0; i-- {
		d := bins[i]
		if d.Flags.Has(FlagTemporary) {
			continue
		}
		if err := r.inspect(d); err != nil {
			if isFatalInspect(err) {
				return nil, err
			}
			util.Warn("skipping candidate %s for position %d: %v", d.Name, pos, err)
			continue
		}
		if d.Start() > pos {
			continue
		}

		h, err := openHandle(d, r.dec)
		if err != nil {
			util.Warn("skipping candidate %s for position %d: %v", d.Name, pos, err)
			continue
		}
		if pos < h.End() {
			return h, nil
		}
		// Segments do not overlap, so nothing earlier reaches pos either.
		_ = h.Close()
		return nil, nil
	}
	return nil, nil
}

// Advance returns the segment that continues exactly where h ends, or nil
// when there is none yet.
func (r *Replica) Advance(h *Handle) (*Handle, error) {
	bins := r.Binlogs
	i := 0
	for i < len(bins) && bins[i] != h.desc {
		i++
	}
	if i == len(bins) {
		// h came from an older catalog; locate it by name.
		for i = 0; i < len(bins) && bins[i].Name != h.desc.Name; i++ {
		}
	}

	end := h.End()
	for i++; i < len(bins); i++ {
		d := bins[i]
		if d.Flags.Has(FlagTemporary) {
			continue
		}
		if err := r.inspect(d); err != nil {
			if isFatalInspect(err) {
				return nil, err
			}
			util.Warn("successor %s of %s unreadable: %v", d.Name, h.desc.Name, err)
			continue
		}
		if d.Start() != end {
			util.Debug("successor %s starts at %d, %s ends at %d", d.Name, d.Start(), h.desc.Name, end)
			return nil, nil
		}
		return openHandle(d, r.dec)
	}
	return nil, nil
}
