package replay

import "github.com/downfa11-org/go-binlog/pkg/ledger"

// Policy decides what happens to records the handler rejects.
type Policy int

const (
	AbortOnBadRecord Policy = iota
	SkipBadRecord
)

// Cursor is one reader's position in a stream.
type Cursor struct {
	State *StreamState
	// Committed is the position after the last consumed record.
	Committed int64
	// Requested is where the reader asked to start.
	Requested int64
	// Point is the pinned ledger point of the segment being read.
	Point  *ledger.Point
	Policy Policy
	// SkipUntil hides records before it from the handler; they are still
	// checked structurally.
	SkipUntil int64

	pending *ledger.Point
}

func NewCursor(state *StreamState, from int64, policy Policy) *Cursor {
	return &Cursor{
		State:     state,
		Committed: state.LogPos,
		Requested: from,
		Policy:    policy,
		SkipUntil: from,
	}
}

// Seek pins a seek point at the current position holding h.
func (c *Cursor) Seek(h ledger.Syncer) *ledger.Point {
	var opts []ledger.Option
	if h != nil {
		opts = append(opts, ledger.WithHandle(h))
	}
	p := c.State.Ledger.Insert(ledger.Seek, c.State.LogPos, opts...).Pin()
	c.swap(p)
	return p
}

// Pending is the slice-end point of a rotate_to whose rotate_from has not
// been read yet.
func (c *Cursor) Pending() *ledger.Point { return c.pending }

func (c *Cursor) swap(p *ledger.Point) {
	old := c.Point
	c.Point = p
	if old != nil {
		c.State.Ledger.Unpin(old)
	}
}

// crossed moves the cursor onto the segment opened by a rotate_from.
func (c *Cursor) crossed() {
	p := c.pending
	c.pending = nil
	c.swap(p)
}

// Close unpins the cursor's points.
func (c *Cursor) Close() {
	if c.pending != nil {
		c.State.Ledger.Unpin(c.pending)
		c.pending = nil
	}
	c.swap(nil)
}
