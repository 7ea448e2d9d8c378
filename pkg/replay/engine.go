// Package replay reconstructs binlog records from bytes delivered in chunks
// of any size, checking the structural records as it goes and handing every
// other record to a Handler.
package replay

import (
	"errors"
	"fmt"

	"github.com/downfa11-org/go-binlog/pkg/integrity"
	"github.com/downfa11-org/go-binlog/pkg/metrics"
	"github.com/downfa11-org/go-binlog/pkg/record"
	"github.com/downfa11-org/go-binlog/util"
)

const (
	DefaultMaxRecordSize = 16 << 20
	minThreshold         = record.HeaderSize
	maxWaits             = 10
)

// Record is an application record presented to a Handler.
type Record struct {
	Pos int64
	// Data starts at the record and holds every byte buffered so far. It is
	// only valid during the call.
	Data []byte
	// Skip is set for records before the cursor's SkipUntil: the handler
	// must size them but not apply them.
	Skip bool
}

// Handler replays application records. It returns Done only once the whole
// record is in Data, NeedExactly as soon as the size is known.
type Handler interface {
	Replay(r Record) Outcome
}

type HandlerFunc func(r Record) Outcome

func (f HandlerFunc) Replay(r Record) Outcome { return f(r) }

type Options struct {
	Handler       Handler
	MaxRecordSize int
}

// Engine replays one stream for one cursor. It is not safe for concurrent
// use.
type Engine struct {
	cur       *Cursor
	st        *StreamState
	handler   Handler
	maxRecord int

	staging   []byte
	threshold int
	exact     bool
	waits     int
	waiting   bool
	stopped   bool
	// err is the first fatal error; the engine refuses input after it.
	err error

	deferCrc bool
	kind     string
}

func NewEngine(cur *Cursor, opts Options) *Engine {
	limit := opts.MaxRecordSize
	if limit <= 0 {
		limit = DefaultMaxRecordSize
	}
	return &Engine{
		cur:       cur,
		st:        cur.State,
		handler:   opts.Handler,
		maxRecord: limit,
		staging:   make([]byte, 0, 4096),
	}
}

func (e *Engine) State() *StreamState { return e.st }
func (e *Engine) Cursor() *Cursor     { return e.cur }
func (e *Engine) Pos() int64          { return e.st.LogPos }

// Pending is the number of buffered bytes not consumed yet.
func (e *Engine) Pending() int { return len(e.staging) }

// ReplayOne dispatches the record at the start of buf and, when it is
// accepted, commits it to the stream state.
func (e *Engine) ReplayOne(buf []byte) Outcome {
	e.deferCrc = false
	out := e.dispatch(buf)
	if out.Kind != Ok {
		return out
	}
	if out.N <= 0 {
		return Fail(0, fmt.Errorf("%w: record at %d accepted with size %d", ErrHandler, e.st.LogPos, out.N))
	}
	n := util.AlignUp(out.N)
	if n > len(buf) {
		return Need(n)
	}
	e.commit(buf[:n])
	out.N = n
	return out
}

func (e *Engine) commit(rec []byte) {
	if e.deferCrc {
		e.st.Crc.Defer(rec)
	} else {
		e.st.Crc.Extend(rec)
	}
	e.st.LogPos += int64(len(rec))
	e.st.started = true
	e.cur.Committed = e.st.LogPos
	e.waits = 0
	e.threshold = 0
	metrics.ObserveRecord(e.kind, len(rec))
}

// Feed hands the next chunk of the log to the engine. Records inside the
// chunk are dispatched in place; a record cut by the chunk end is copied
// aside and retried as bytes arrive, or once its known size is buffered.
func (e *Engine) Feed(chunk []byte) error {
	if e.err != nil {
		return e.err
	}
	if e.stopped {
		return ErrStopped
	}
	e.st.AppendPos += int64(len(chunk))
	if e.waiting {
		e.staging = append(e.staging, chunk...)
		return ErrWaitJob
	}

	for len(e.staging) > 0 && len(chunk) > 0 {
		take := e.threshold - len(e.staging)
		if take <= 0 || take > len(chunk) {
			take = len(chunk)
		}
		e.staging = append(e.staging, chunk[:take]...)
		chunk = chunk[take:]
		if e.exact && len(e.staging) < e.threshold {
			return nil
		}
		if err := e.drainStaging(); err != nil {
			e.staging = append(e.staging, chunk...)
			return e.finish(err)
		}
	}
	if len(chunk) == 0 {
		return e.finish(nil)
	}

	n, err := e.drain(chunk)
	e.staging = append(e.staging[:0], chunk[n:]...)
	return e.finish(err)
}

// Resume retries the record that returned WaitJob. After a fatal error
// both Feed and Resume keep returning it.
func (e *Engine) Resume() error {
	if e.err != nil {
		return e.err
	}
	if !e.waiting {
		return nil
	}
	e.waiting = false
	return e.finish(e.drainStaging())
}

func (e *Engine) finish(err error) error {
	if errors.Is(err, ErrWaitJob) {
		e.waiting = true
	} else if IsFatal(err) {
		e.err = err
	}
	e.st.Ledger.Advance(e.st.LogPos)
	return err
}

func (e *Engine) drainStaging() error {
	n, err := e.drain(e.staging)
	rest := copy(e.staging, e.staging[n:])
	e.staging = e.staging[:rest]
	return err
}

// drain replays every complete record of buf and returns the bytes
// consumed. When it stops early the threshold says how many bytes the next
// attempt needs.
func (e *Engine) drain(buf []byte) (int, error) {
	off := 0
	for off < len(buf) {
		avail := len(buf) - off
		out := e.ReplayOne(buf[off:])

		switch out.Kind {
		case Ok:
			off += out.N

		case NeedExactly:
			if out.N <= avail {
				return off, fmt.Errorf("%w: record at %d needs %d bytes with %d available", ErrHandler, e.st.LogPos, out.N, avail)
			}
			if out.N > e.maxRecord {
				return off, fmt.Errorf("%w: %d bytes at %d, limit %d", ErrRecordTooLarge, out.N, e.st.LogPos, e.maxRecord)
			}
			e.threshold, e.exact = out.N, true
			return off, nil

		case NotEnoughData:
			t := e.threshold
			if t < minThreshold {
				t = minThreshold
			}
			for t <= avail {
				t <<= 1
			}
			if t > e.maxRecord {
				if avail >= e.maxRecord {
					return off, fmt.Errorf("%w: more than %d bytes at %d", ErrRecordTooLarge, e.maxRecord, e.st.LogPos)
				}
				t = e.maxRecord
			}
			e.threshold, e.exact = t, false
			return off, nil

		case StopReading:
			e.stopped = true
			return off, ErrStopped

		case WaitJob:
			e.waits++
			if e.waits >= maxWaits {
				return off, fmt.Errorf("%w: %d waits at %d", ErrLivelock, e.waits, e.st.LogPos)
			}
			return off, ErrWaitJob

		case Error:
			n, err := e.reject(out, buf[off:])
			if err != nil || n == 0 {
				return off, err
			}
			off += n

		default:
			return off, fmt.Errorf("%w: unknown outcome %s at %d", ErrHandler, out.Kind, e.st.LogPos)
		}
	}
	return off, nil
}

// reject applies the cursor policy to a bad record. Structural corruption
// is fatal whatever the policy.
func (e *Engine) reject(out Outcome, avail []byte) (int, error) {
	pos := e.st.LogPos
	err := out.Err
	if err == nil {
		err = ErrBadRecord
	}
	if errors.Is(err, integrity.ErrCorrupt) {
		metrics.IntegrityFailures.WithLabelValues(e.kind).Inc()
		return 0, fmt.Errorf("replay at %d: %w", pos, err)
	}
	if e.cur.Policy == AbortOnBadRecord {
		return 0, fmt.Errorf("%w at %d: %w", ErrBadRecord, pos, err)
	}

	skip := out.N
	if skip <= 0 {
		skip = 4
	}
	skip = util.AlignUp(skip)
	if skip > e.maxRecord {
		return 0, fmt.Errorf("%w: bad record of %d bytes at %d", ErrRecordTooLarge, skip, pos)
	}
	if skip > len(avail) {
		e.threshold, e.exact = skip, true
		return 0, nil
	}
	util.Warn("skipping %d bytes of bad record at %d: %v", skip, pos, err)
	e.deferCrc = false
	e.kind = "skipped"
	e.commit(avail[:skip])
	metrics.SkippedBytes.Add(float64(skip))
	return skip, nil
}
