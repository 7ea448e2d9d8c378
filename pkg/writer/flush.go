package writer

import (
	"time"

	"github.com/downfa11-org/go-binlog/pkg/metrics"
	"github.com/downfa11-org/go-binlog/pkg/record"
	"github.com/downfa11-org/go-binlog/pkg/replay"
	"github.com/downfa11-org/go-binlog/util"
)

func (w *Writer) flushLoop() {
	batch := make([][]byte, 0, w.batchSize)
	ticker := time.NewTicker(w.linger)
	defer ticker.Stop()

	var syncC <-chan time.Time
	if !w.flags.Has(replay.FlushRarely) {
		st := time.NewTicker(w.syncEvery)
		defer st.Stop()
		syncC = st.C
	}

	for {
		select {
		case rec := <-w.writeCh:
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				w.writeBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.writeBatch(batch)
				batch = batch[:0]
			}
		case <-syncC:
			w.mu.Lock()
			if err := w.syncLocked(); err != nil {
				util.Warn("writer: periodic sync of %s: %v", w.segName, err)
			}
			w.mu.Unlock()
		case reply := <-w.flushCh:
			batch = w.drain(batch)
			w.mu.Lock()
			err := w.err
			if err == nil {
				err = w.syncLocked()
			}
			w.mu.Unlock()
			reply <- err
		case <-w.done:
			w.drain(batch)
			return
		}
	}
}

// drain writes batch and whatever is queued behind it.
func (w *Writer) drain(batch [][]byte) [][]byte {
	for {
		if len(batch) >= w.batchSize {
			w.writeBatch(batch)
			batch = batch[:0]
			continue
		}
		select {
		case rec := <-w.writeCh:
			batch = append(batch, rec)
			continue
		default:
		}
		break
	}
	if len(batch) > 0 {
		w.writeBatch(batch)
	}
	return batch[:0]
}

func (w *Writer) writeBatch(batch [][]byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		util.Warn("writer: dropping %d records after failure: %v", len(batch), w.err)
		return
	}
	for _, rec := range batch {
		if _, err := w.appendLocked(rec); err != nil {
			w.fail(err)
			return
		}
	}
	if err := w.flushLocked(); err != nil {
		w.fail(err)
	}
}

// appendLocked writes rec and the structural records due before and after
// it. It returns the position of rec.
func (w *Writer) appendLocked(rec []byte) (int64, error) {
	if w.flags.Has(replay.StreamDisabled) {
		return w.st.LogPos, nil
	}
	if err := w.maybeRotate(len(rec)); err != nil {
		return 0, err
	}
	if err := w.stamp(); err != nil {
		return 0, err
	}

	pos := w.st.LogPos
	if err := w.emit(rec, false); err != nil {
		return 0, err
	}
	w.segRecords++
	w.sinceCrc += len(rec)

	if !w.flags.Has(replay.DisableCrcWrite) && w.sinceCrc >= w.cfg.CrcIntervalBytes {
		if err := w.checkpoint(); err != nil {
			return 0, err
		}
	}
	return pos, nil
}

func (w *Writer) timestamp() int32 { return int32(w.now().Unix()) }

// stamp writes a timestamp record when the second has changed.
func (w *Writer) stamp() error {
	if w.flags.Has(replay.DisableTimestampWrite) {
		return nil
	}
	ts := w.timestamp()
	if ts == w.st.LastTS {
		return nil
	}
	if err := w.emit(record.Timestamp{Time: ts}.Append(nil), false); err != nil {
		return err
	}
	w.observe(ts)
	return nil
}

func (w *Writer) checkpoint() error {
	st := w.st
	st.Crc.Relax(st.LogPos)
	ts := w.timestamp()
	rec := record.Crc32{Timestamp: ts, Pos: st.LogPos, Crc32: st.Crc.Sum()}
	if err := w.emit(rec.Append(nil), false); err != nil {
		return err
	}
	w.observe(ts)
	w.sinceCrc = 0
	return nil
}

func (w *Writer) observe(ts int32) {
	if w.st.FirstTS == 0 {
		w.st.FirstTS = ts
	}
	w.st.LastTS = ts
}

// emit buffers one record and advances the stream over it. rotate_to bytes
// are deferred from the CRC like the reader does.
func (w *Writer) emit(rec []byte, deferCrc bool) error {
	w.ioMu.Lock()
	_, err := w.w.Write(rec)
	w.ioMu.Unlock()
	if err != nil {
		return err
	}

	st := w.st
	if deferCrc {
		st.Crc.Defer(rec)
	} else {
		st.Crc.Extend(rec)
	}
	st.LogPos += int64(len(rec))
	st.AppendPos = st.LogPos
	w.dirty = true
	return nil
}

func (w *Writer) flushLocked() error {
	w.ioMu.Lock()
	defer w.ioMu.Unlock()
	n := w.w.Buffered()
	if n == 0 {
		return nil
	}
	start := time.Now()
	if err := w.w.Flush(); err != nil {
		return err
	}
	metrics.PushFlush(n, time.Since(start).Seconds())
	return nil
}

func (w *Writer) syncLocked() error {
	if err := w.flushLocked(); err != nil {
		return err
	}
	if !w.dirty {
		return nil
	}
	w.ioMu.Lock()
	defer w.ioMu.Unlock()
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.dirty = false
	return nil
}
