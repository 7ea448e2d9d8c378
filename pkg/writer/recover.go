package writer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/downfa11-org/go-binlog/pkg/catalog"
	"github.com/downfa11-org/go-binlog/pkg/ledger"
	"github.com/downfa11-org/go-binlog/pkg/record"
	"github.com/downfa11-org/go-binlog/pkg/replay"
	"github.com/downfa11-org/go-binlog/util"
	"github.com/google/uuid"
)

// recover positions the writer: on a fresh replica it creates the first
// segment, otherwise it replays the last segment to rebuild the stream
// state. An empty last segment, left by a crash during rotation, is removed.
func (w *Writer) recover() error {
	for {
		replica, err := catalog.Scan(w.dir, w.prefix, catalog.ScanOptions{})
		if err != nil {
			return err
		}
		if replica.Encryption != nil {
			return fmt.Errorf("%w: %s/%s is encrypted", ErrSealed, w.dir, w.prefix)
		}
		last := replica.Last()
		if last == nil {
			return w.create()
		}

		err = replica.Inspect(last)
		if errors.Is(err, catalog.ErrEmptySegment) && !last.Flags.Has(catalog.FlagZipped) {
			util.Warn("writer: removing %s, it holds no complete record", last.Name)
			if err := os.Remove(last.Path); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		return w.resume(replica, last)
	}
}

func (w *Writer) create() error {
	w.st = replay.NewStreamState(w.flags)
	f, name, err := w.createFile(0)
	if err != nil {
		return err
	}
	w.attach(f, name, 0)

	w.st.Chain.Start()
	if err := w.emit(record.Start{SchemaID: schemaVersion}.Append(nil), false); err != nil {
		return err
	}
	tag := uuid.New()
	if err := w.st.SetTag(tag); err != nil {
		return err
	}
	if err := w.emit(record.Tag{Tag: tag}.Append(nil), false); err != nil {
		return err
	}
	util.Info("writer: created %s with tag %s", name, tag)
	return w.syncLocked()
}

// attach makes f the active segment and pins its ledger point.
func (w *Writer) attach(f *os.File, name string, start int64) {
	w.file, w.w = f, bufio.NewWriterSize(f, bufferSize)
	w.segName, w.segStart, w.segRecords = name, start, 0
	p := w.st.Ledger.Insert(ledger.Seek, start, ledger.WithHandle(f))
	w.TryRotate(w.cur, p)
}

func (w *Writer) resume(replica *catalog.Replica, last *catalog.Descriptor) error {
	reader := replay.NewReader(replica, replay.ReaderOptions{
		Handler:       w.handler,
		Flags:         w.flags & replay.DisableCrcCheck,
		ChunkSize:     w.cfg.ReadChunkSize,
		MaxRecordSize: w.cfg.MaxRecordSize,
	})
	got, err := reader.Replay(last.Start())
	if err != nil {
		return fmt.Errorf("writer: resume %s: %w", last.Name, err)
	}

	st := got.Clone()
	st.Flags = w.flags
	st.Ledger = ledger.New(w.flags.Has(replay.KeepHistory))
	st.AppendPos = st.LogPos
	w.st = st

	if st.Rotation != nil {
		// the crash came between the rotate_to and the next segment
		util.Warn("writer: %s ends with rotate_to, opening %d", last.Name, st.Rotation.NextLogPos)
		if err := w.openNext(*st.Rotation); err != nil {
			return err
		}
		return w.syncLocked()
	}
	if last.Flags.Has(catalog.FlagZipped) {
		return fmt.Errorf("%w: last segment %s is zipped", ErrSealed, last.Name)
	}

	f, err := os.OpenFile(last.Path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	dataOff := int64(last.HeaderBlocks()) * catalog.HeaderBlockSize
	end := dataOff + st.LogPos - last.Start()
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	if info.Size() > end {
		util.Warn("writer: truncating %d bytes of incomplete record from %s at %d", info.Size()-end, last.Name, st.LogPos)
		if err := f.Truncate(end); err != nil {
			_ = f.Close()
			return err
		}
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		_ = f.Close()
		return err
	}

	w.attach(f, last.Name, last.Start())
	w.segRecords = 1
	util.Info("writer: resumed %s at %d (hash %016x)", last.Name, st.LogPos, st.Chain.Cur)
	return nil
}
