package replay

import (
	"fmt"

	"github.com/downfa11-org/go-binlog/pkg/ledger"
	"github.com/downfa11-org/go-binlog/pkg/metrics"
	"github.com/downfa11-org/go-binlog/pkg/record"
)

func (e *Engine) dispatch(buf []byte) Outcome {
	magic, ok := record.Magic(buf)
	if !ok {
		return Short()
	}
	st := e.st
	if !st.started && magic != record.MagicStart && magic != record.MagicRotateFrom {
		return Fail(0, fmt.Errorf("%w: magic %#08x at %d", ErrNoStart, magic, st.LogPos))
	}
	if e.cur.pending != nil && magic != record.MagicRotateFrom {
		return Fail(0, fmt.Errorf("%w: %s at %d follows rotate_to", ErrRotateOrder, record.Name(magic), st.LogPos))
	}
	if size := record.FixedSize(magic); size > 0 && len(buf) < size {
		return Need(size)
	}

	e.kind = record.Name(magic)
	switch magic {
	case record.MagicStart:
		return e.onStart(buf)
	case record.MagicNoop:
		return Done(record.NoopSize)
	case record.MagicTimestamp:
		return e.onTimestamp(buf)
	case record.MagicTag:
		return e.onTag(buf)
	case record.MagicCrc32:
		return e.onCrc32(buf)
	case record.MagicRotateTo:
		return e.onRotateTo(buf)
	case record.MagicRotateFrom:
		return e.onRotateFrom(buf)
	}

	e.kind = "app"
	if e.handler == nil {
		return Fail(0, fmt.Errorf("%w: %#08x at %d", ErrUnknownRecord, magic, st.LogPos))
	}
	return e.handler.Replay(Record{Pos: st.LogPos, Data: buf, Skip: st.LogPos < e.cur.SkipUntil})
}

func (e *Engine) onStart(buf []byte) Outcome {
	if len(buf) < record.StartSize {
		return Need(record.StartSize)
	}
	extra := record.StartExtraLen(buf)
	if extra < 0 || extra > record.MaxStartExtra {
		return Fail(0, fmt.Errorf("%w: %d at %d", ErrStartExtra, extra, e.st.LogPos))
	}
	size := record.StartLen(int(extra))
	if len(buf) < size {
		return Need(size)
	}
	if e.st.LogPos != 0 {
		return Fail(size, fmt.Errorf("%w: %d", ErrStartPos, e.st.LogPos))
	}
	if _, err := record.DecodeStart(buf[:size]); err != nil {
		return Fail(size, err)
	}
	e.st.Chain.Start()
	return Done(size)
}

func (e *Engine) onTimestamp(buf []byte) Outcome {
	ts, err := record.DecodeTimestamp(buf)
	if err != nil {
		return Fail(record.TimestampSize, err)
	}
	e.st.observeTime(ts.Time)
	return Done(record.TimestampSize)
}

func (e *Engine) onTag(buf []byte) Outcome {
	tag, err := record.DecodeTag(buf)
	if err != nil {
		return Fail(record.TagSize, err)
	}
	if err := e.st.SetTag(tag.Tag); err != nil {
		return Fail(record.TagSize, fmt.Errorf("%w at %d", err, e.st.LogPos))
	}
	return Done(record.TagSize)
}

func (e *Engine) checkCrc(claimedPos int64, headerOffset int, crc uint32) error {
	if e.st.Flags.Has(DisableCrcCheck) {
		return nil
	}
	if err := e.st.Crc.Check(claimedPos, headerOffset, crc); err != nil {
		metrics.CrcChecks.WithLabelValues("mismatch").Inc()
		return err
	}
	metrics.CrcChecks.WithLabelValues("ok").Inc()
	return nil
}

func (e *Engine) onCrc32(buf []byte) Outcome {
	rec, err := record.DecodeCrc32(buf)
	if err != nil {
		return Fail(record.Crc32Size, err)
	}
	e.st.observeTime(rec.Timestamp)
	if err := e.checkCrc(rec.Pos, 0, rec.Crc32); err != nil {
		return Fail(record.Crc32Size, err)
	}
	return Done(record.Crc32Size)
}

func (e *Engine) onRotateTo(buf []byte) Outcome {
	rec, err := record.DecodeRotateTo(buf)
	if err != nil {
		return Fail(record.RotateToSize, err)
	}
	st := e.st
	if want := st.LogPos + record.RotateToSize; rec.NextLogPos != want {
		return Fail(record.RotateToSize, fmt.Errorf("%w: rotate_to at %d names next position %d, want %d", ErrRotateOrder, st.LogPos, rec.NextLogPos, want))
	}
	st.observeTime(rec.Timestamp)
	if err := e.checkCrc(rec.NextLogPos, record.RotateToSize, rec.Crc32); err != nil {
		return Fail(record.RotateToSize, err)
	}
	if err := st.Chain.OnRotateTo(rec); err != nil {
		return Fail(record.RotateToSize, err)
	}

	e.cur.pending = st.Ledger.Insert(ledger.SliceEnd, rec.NextLogPos, ledger.WithRotateTo(rec)).Pin()
	st.Rotation = e.cur.pending.RotateTo
	e.deferCrc = true
	return Done(record.RotateToSize)
}

func (e *Engine) onRotateFrom(buf []byte) Outcome {
	rec, err := record.DecodeRotateFrom(buf)
	if err != nil {
		return Fail(record.RotateFromSize, err)
	}
	st := e.st
	if rec.CurLogPos != st.LogPos {
		return Fail(record.RotateFromSize, fmt.Errorf("%w: rotate_from at %d claims %d", ErrRotateOrder, st.LogPos, rec.CurLogPos))
	}

	switch p := e.cur.pending; {
	case p != nil:
		if err := e.checkCrc(rec.CurLogPos, record.RotateFromSize, rec.Crc32); err != nil {
			return Fail(record.RotateFromSize, err)
		}
		if err := st.Chain.OnRotateFrom(rec, p.RotateTo); err != nil {
			return Fail(record.RotateFromSize, err)
		}
		st.observeTime(rec.Timestamp)
		st.Rotation = nil
		e.cur.crossed()

	case !st.started:
		// The stream starts at this segment: trust the record once its own
		// hash is consistent and pick up the CRC it asserts.
		if err := st.Chain.OnRotateFrom(rec, nil); err != nil {
			return Fail(record.RotateFromSize, err)
		}
		st.Crc.Reset(rec.CurLogPos-record.RotateToSize, rec.Crc32)
		st.Crc.Defer(rec.Mirror().Append(nil))
		st.observeTime(rec.Timestamp)

	default:
		return Fail(record.RotateFromSize, fmt.Errorf("%w: rotate_from at %d without rotate_to", ErrRotateOrder, st.LogPos))
	}
	return Done(record.RotateFromSize)
}
