// Package ledger tracks rotation points of a binlog stream: the positions
// where a reader started and where segments end. Points hold the segment
// handle they refer to and close it once nobody needs it anymore.
package ledger

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/downfa11-org/go-binlog/pkg/record"
	"github.com/downfa11-org/go-binlog/util"
)

type Kind int

const (
	// Seek marks the position a cursor started reading from.
	Seek Kind = iota
	// SliceEnd marks the end of a segment, at the next segment's start.
	SliceEnd
)

func (k Kind) String() string {
	if k == SliceEnd {
		return "slice-end"
	}
	return "seek"
}

// Syncer is the segment a point keeps open.
type Syncer interface {
	Sync() error
	Close() error
}

type Point struct {
	Pos      int64
	Kind     Kind
	Handle   Syncer
	RotateTo *record.RotateTo

	refs   atomic.Int32
	ledger *Ledger
}

type Option func(*Point)

func WithHandle(h Syncer) Option { return func(p *Point) { p.Handle = h } }

// WithRotateTo attaches the record that closed the segment.
func WithRotateTo(r record.RotateTo) Option {
	return func(p *Point) { p.RotateTo = &r }
}

// Pin keeps the point and its handle alive.
func (p *Point) Pin() *Point {
	p.refs.Add(1)
	return p
}

func (p *Point) Refs() int32 { return p.refs.Load() }

func (p *Point) String() string {
	return fmt.Sprintf("%s@%d", p.Kind, p.Pos)
}

// Ledger is an ordered list of points shared by the readers and the writer
// of one stream.
type Ledger struct {
	mu          sync.Mutex
	points      []*Point
	last        int64
	consumed    int64
	keepHistory bool
}

func New(keepHistory bool) *Ledger {
	return &Ledger{last: -1, consumed: -1, keepHistory: keepHistory}
}

// Insert appends a point. Positions never go backwards; doing so is a bug
// in the caller.
func (l *Ledger) Insert(kind Kind, pos int64, opts ...Option) *Point {
	p := &Point{Pos: pos, Kind: kind, ledger: l}
	for _, opt := range opts {
		opt(p)
	}

	l.mu.Lock()
	if pos < l.last {
		l.mu.Unlock()
		panic(fmt.Sprintf("ledger: insert at %d below tail %d", pos, l.last))
	}
	l.last = pos
	l.points = append(l.points, p)
	l.mu.Unlock()
	return p
}

// Unpin drops a reference and frees the point if it is no longer needed.
func (l *Ledger) Unpin(p *Point) {
	if p.ledger != l {
		panic("ledger: point " + p.String() + " belongs to another ledger")
	}
	if n := p.refs.Add(-1); n < 0 {
		panic("ledger: point " + p.String() + " unpinned more than pinned")
	}
	l.collect()
}

// Advance records that everything before pos has been consumed.
func (l *Ledger) Advance(pos int64) {
	l.mu.Lock()
	if pos > l.consumed {
		l.consumed = pos
	}
	l.mu.Unlock()
	l.collect()
}

func (l *Ledger) Consumed() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consumed
}

func (l *Ledger) collect() {
	if l.keepHistory {
		return
	}
	var freed []*Point

	l.mu.Lock()
	kept := l.points[:0]
	for _, p := range l.points {
		if p.refs.Load() == 0 && p.Pos <= l.consumed {
			freed = append(freed, p)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(l.points); i++ {
		l.points[i] = nil
	}
	l.points = kept
	l.mu.Unlock()

	for _, p := range freed {
		release(p)
	}
}

// release runs once per point: the point has already been unlinked.
func release(p *Point) {
	if p.Handle == nil {
		return
	}
	if err := p.Handle.Sync(); err != nil {
		util.Warn("ledger: sync on release of %s failed: %v", p, err)
	}
	if err := p.Handle.Close(); err != nil {
		util.Warn("ledger: close on release of %s failed: %v", p, err)
	}
}

// Points returns the live points in order.
func (l *Ledger) Points() []*Point {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Point(nil), l.points...)
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.points)
}

// Tail returns the newest live point, nil when empty.
func (l *Ledger) Tail() *Point {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.points) == 0 {
		return nil
	}
	return l.points[len(l.points)-1]
}

// Next returns the live point after p, nil when p is the tail or freed.
func (l *Ledger) Next(p *Point) *Point {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, q := range l.points {
		if q == p {
			if i+1 < len(l.points) {
				return l.points[i+1]
			}
			return nil
		}
	}
	return nil
}

// Find returns the last live point at or before pos.
func (l *Ledger) Find(pos int64) *Point {
	l.mu.Lock()
	defer l.mu.Unlock()
	var found *Point
	for _, p := range l.points {
		if p.Pos > pos {
			break
		}
		found = p
	}
	return found
}

// Close releases every remaining point regardless of pins and history.
func (l *Ledger) Close() {
	l.mu.Lock()
	points := l.points
	l.points = nil
	l.mu.Unlock()

	for _, p := range points {
		release(p)
	}
}
