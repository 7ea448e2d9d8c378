package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/downfa11-org/go-binlog/pkg/catalog"
	"github.com/downfa11-org/go-binlog/pkg/metrics"
	"github.com/downfa11-org/go-binlog/util"
)

const (
	DefaultChunkSize = 64 << 10
	waitBackoff      = 10 * time.Millisecond
)

var ErrNotCovered = errors.New("replay: no segment covers position")

type ReaderOptions struct {
	Handler       Handler
	Policy        Policy
	Flags         Flags
	ChunkSize     int
	MaxRecordSize int
}

// Reader replays a replica from disk, segment after segment.
type Reader struct {
	replica *catalog.Replica
	opts    ReaderOptions
}

func NewReader(replica *catalog.Replica, opts ReaderOptions) *Reader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Reader{replica: replica, opts: opts}
}

func (r *Reader) Replay(from int64) (*StreamState, error) {
	return r.ReplayContext(context.Background(), from)
}

// ReplayContext replays every record from the head of the segment holding
// from to the end of the replica. Records before from are verified but not
// handed to the handler. The returned state is positioned after the last
// complete record, also when an error is returned.
func (r *Reader) ReplayContext(ctx context.Context, from int64) (*StreamState, error) {
	h, err := r.replica.Open(from)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %d in %s/%s", ErrNotCovered, from, r.replica.Dir, r.replica.Prefix)
	}

	st := NewStreamState(r.opts.Flags)
	st.StartAt(h.Start())
	cur := NewCursor(st, from, r.opts.Policy)
	cur.Seek(h)
	defer func() {
		cur.Close()
		st.Ledger.Close()
	}()

	eng := NewEngine(cur, Options{Handler: r.opts.Handler, MaxRecordSize: r.opts.MaxRecordSize})
	buf := make([]byte, r.opts.ChunkSize)
	pos := h.Start()
	util.Debug("replaying %s from %d (segment %s at %d)", r.replica.Prefix, from, h.Name(), pos)

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		n, rerr := h.ReadAt(buf, pos)
		if rerr != nil && rerr != io.EOF {
			return st, rerr
		}
		if n > 0 {
			pos += int64(n)
			if err := r.feed(ctx, eng, buf[:n]); err != nil {
				if errors.Is(err, ErrStopped) {
					return st, nil
				}
				return st, err
			}
		}
		if rerr == nil && n > 0 {
			continue
		}

		next, err := r.advance(h, eng)
		if err != nil || next == nil {
			return st, err
		}
		h, pos = next, next.Start()
	}
}

func (r *Reader) feed(ctx context.Context, eng *Engine, chunk []byte) error {
	start := time.Now()
	defer func() { metrics.ReplayChunkLatency.Observe(time.Since(start).Seconds()) }()

	err := eng.Feed(chunk)
	for errors.Is(err, ErrWaitJob) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitBackoff):
		}
		err = eng.Resume()
	}
	return err
}

// advance moves to the segment after h once all of h has been fed. A
// segment with a successor must end exactly at its rotate_to.
func (r *Reader) advance(h *catalog.Handle, eng *Engine) (*catalog.Handle, error) {
	end := h.End()
	next, err := r.replica.Advance(h)
	if err != nil {
		return nil, err
	}

	p := eng.Cursor().Pending()
	if p == nil {
		if next != nil {
			_ = next.Close()
			return nil, fmt.Errorf("%w: %s ends at %d without rotate_to, %s follows", ErrSegmentEnd, h.Name(), end, next.Name())
		}
		if eng.Pending() > 0 {
			util.Debug("%s: %d bytes of an incomplete record at %d", h.Name(), eng.Pending(), eng.Pos())
		}
		return nil, nil
	}

	if p.Pos != end || eng.Pending() != 0 {
		if next != nil {
			_ = next.Close()
		}
		return nil, fmt.Errorf("%w: %s ends at %d, rotate_to points at %d", ErrSegmentEnd, h.Name(), end, p.Pos)
	}
	if next == nil {
		return nil, nil
	}
	p.Handle = next
	return next, nil
}
