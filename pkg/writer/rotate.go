package writer

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/downfa11-org/go-binlog/pkg/catalog"
	"github.com/downfa11-org/go-binlog/pkg/ledger"
	"github.com/downfa11-org/go-binlog/pkg/metrics"
	"github.com/downfa11-org/go-binlog/pkg/record"
	"github.com/downfa11-org/go-binlog/util"
)

var ErrRotation = errors.New("writer: rotation failed")

const (
	retryBackoff = 2 * time.Millisecond
	// reserved at the end of a segment so the records closing it still fit
	rotationReserve = record.TimestampSize + record.Crc32Size + record.RotateToSize
)

type RotateResult int

const (
	RotateOK    RotateResult = 0
	RotateFatal RotateResult = -1
	RotateRetry RotateResult = -2
)

func (r RotateResult) String() string {
	switch r {
	case RotateOK:
		return "ok"
	case RotateRetry:
		return "retry"
	case RotateFatal:
		return "fatal"
	default:
		return fmt.Sprintf("rotate(%d)", int(r))
	}
}

// Cursor is the rotation state of one appender.
type Cursor struct {
	// Point is the pinned ledger point of the segment being appended to.
	Point        *ledger.Point
	FirstFailure time.Time
	Attempts     int
}

func (c *Cursor) release(l *ledger.Ledger) {
	if c.Point != nil {
		l.Unpin(c.Point)
		c.Point = nil
	}
}

// TryRotate moves c onto target. It returns RotateRetry while the segment
// released by the previous rotation is still being synced, and RotateFatal
// once the retries exceed the configured attempts or time. On success the
// previous point is unpinned in the background, which syncs and closes its
// segment.
func (w *Writer) TryRotate(c *Cursor, target *ledger.Point) RotateResult {
	if w.syncing.Load() > 0 {
		now := time.Now()
		if c.Attempts == 0 {
			c.FirstFailure = now
		}
		c.Attempts++
		limit := time.Duration(w.cfg.RotationRetryTimeoutMS) * time.Millisecond
		if c.Attempts >= w.cfg.RotationRetryLimit || now.Sub(c.FirstFailure) >= limit {
			metrics.RotationRetries.WithLabelValues("fatal").Inc()
			util.Error("writer: rotation to %s gave up after %d attempts since %s", target, c.Attempts, c.FirstFailure.Format(time.RFC3339Nano))
			return RotateFatal
		}
		metrics.RotationRetries.WithLabelValues("retry").Inc()
		return RotateRetry
	}

	l := w.st.Ledger
	prev := c.Point
	c.Point = target.Pin()
	c.Attempts = 0
	c.FirstFailure = time.Time{}
	l.Advance(target.Pos)

	if prev != nil {
		w.syncing.Add(1)
		w.bg.Add(1)
		go func() {
			defer w.bg.Done()
			defer w.syncing.Add(-1)
			l.Unpin(prev)
		}()
	}
	return RotateOK
}

// maybeRotate closes the active segment when a record of n bytes would push
// it past the segment size. A segment always takes at least one record.
func (w *Writer) maybeRotate(n int) error {
	used := w.st.LogPos - w.segStart
	if w.segRecords == 0 || used+int64(n)+rotationReserve <= w.cfg.SegmentSize {
		return nil
	}
	return w.rotateLocked()
}

func (w *Writer) rotateLocked() error {
	st := w.st
	st.Crc.Relax(st.LogPos)
	next := st.LogPos + record.RotateToSize
	to := record.RotateTo{
		Timestamp:  w.timestamp(),
		NextLogPos: next,
		Crc32:      st.Crc.Sum(),
		CurHash:    st.Chain.Cur,
	}
	to.NextHash = st.Chain.Next(next, to.Crc32)
	if err := st.Chain.OnRotateTo(to); err != nil {
		return err
	}
	if err := w.emit(to.Append(nil), true); err != nil {
		return err
	}
	w.observe(to.Timestamp)
	st.Rotation = &to
	if err := w.flushLocked(); err != nil {
		return err
	}
	return w.openNext(to)
}

// rotationBackoff spaces retries so the attempt limit is not used up before
// the retry timeout has passed.
func (w *Writer) rotationBackoff() time.Duration {
	span := time.Duration(w.cfg.RotationRetryTimeoutMS) * time.Millisecond
	return max(retryBackoff, span/time.Duration(max(w.cfg.RotationRetryLimit, 1)))
}

// openNext creates the segment a rotate_to points at and opens it with the
// matching rotate_from.
func (w *Writer) openNext(to record.RotateTo) error {
	f, name, err := w.createFile(to.NextLogPos)
	if err != nil {
		return err
	}
	target := w.st.Ledger.Insert(ledger.SliceEnd, to.NextLogPos, ledger.WithRotateTo(to), ledger.WithHandle(f))

	for res := w.TryRotate(w.cur, target); res != RotateOK; res = w.TryRotate(w.cur, target) {
		if res == RotateFatal {
			target.Handle = nil
			_ = f.Close()
			if rerr := os.Remove(f.Name()); rerr != nil {
				util.Warn("writer: remove %s: %v", name, rerr)
			}
			return fmt.Errorf("%w: %s at %d after %d attempts", ErrRotation, name, to.NextLogPos, w.cur.Attempts)
		}
		time.Sleep(w.rotationBackoff())
	}

	w.ioMu.Lock()
	w.file, w.w = f, bufio.NewWriterSize(f, bufferSize)
	w.ioMu.Unlock()
	w.segName, w.segStart, w.segRecords = name, to.NextLogPos, 0

	from := to.Mirror()
	if err := w.st.Chain.OnRotateFrom(from, &to); err != nil {
		return err
	}
	if err := w.emit(from.Append(nil), false); err != nil {
		return err
	}
	w.st.Rotation = nil
	if err := w.flushLocked(); err != nil {
		return err
	}

	metrics.Rotations.Inc()
	util.Info("writer: rotated to %s at %d (hash %016x)", name, to.NextLogPos, to.NextHash)
	return nil
}

// createFile creates the segment starting at pos. The configured name
// power is used unless its name is taken by an earlier segment of the same
// range, in which case the exact position names the file.
func (w *Writer) createFile(pos int64) (*os.File, string, error) {
	power := w.cfg.NamePower
	for {
		suffix, err := catalog.SuffixFor(pos, power)
		if err != nil {
			return nil, "", err
		}
		name := w.prefix + suffix + ".bin"
		f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			syncDir(w.dir)
			return f, name, nil
		}
		if !errors.Is(err, os.ErrExist) || power == 0 {
			return nil, "", fmt.Errorf("create segment at %d: %w", pos, err)
		}
		power = 0
	}
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		util.Warn("writer: open %s for sync: %v", dir, err)
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		util.Debug("writer: sync %s: %v", dir, err)
	}
}
