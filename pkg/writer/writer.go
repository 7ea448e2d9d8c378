// Package writer appends records to a binlog replica: it owns the active
// segment, writes the periodic timestamp and crc32 records and rotates into
// a new segment when the active one is full.
package writer

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/go-binlog/pkg/catalog"
	"github.com/downfa11-org/go-binlog/pkg/config"
	"github.com/downfa11-org/go-binlog/pkg/ledger"
	"github.com/downfa11-org/go-binlog/pkg/record"
	"github.com/downfa11-org/go-binlog/pkg/replay"
	"github.com/downfa11-org/go-binlog/util"
)

var (
	ErrLocked = errors.New("writer: replica is locked by another writer")
	ErrClosed = errors.New("writer: closed")
	ErrRecord = errors.New("writer: invalid application record")
	ErrSealed = errors.New("writer: replica cannot be appended to")
)

const (
	schemaVersion = 1
	bufferSize    = 64 << 10
)

type Option func(*Writer)

// WithHandler sets the handler used to size application records while
// resuming the last segment. The default understands framed records only.
func WithHandler(h replay.Handler) Option {
	return func(w *Writer) { w.handler = h }
}

// WithClock replaces time.Now for timestamp records.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// Writer is the single appender of a replica.
type Writer struct {
	cfg     *config.Config
	dir     string
	prefix  string
	flags   replay.Flags
	lock    *os.File
	handler replay.Handler
	now     func() time.Time

	writeCh      chan []byte
	flushCh      chan chan error
	done         chan struct{}
	batchSize    int
	linger       time.Duration
	writeTimeout time.Duration
	syncEvery    time.Duration

	mu   sync.Mutex // stream state, segment metadata, cursor
	ioMu sync.Mutex // bufio.Writer, file

	st         *replay.StreamState
	cur        *Cursor
	file       *os.File
	w          *bufio.Writer
	segName    string
	segStart   int64
	segRecords int
	sinceCrc   int
	dirty      bool
	err        error

	syncing atomic.Int32
	bg      sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
	shutdown  sync.WaitGroup
}

// Open takes the replica lock and positions a writer at the end of the
// replica, creating its first segment if there is none.
func Open(cfg *config.Config, opts ...Option) (*Writer, error) {
	c := *cfg
	c.Normalize()

	if err := os.MkdirAll(c.BinlogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create binlog directory %s: %w", c.BinlogDir, err)
	}
	lock, err := lockFile(filepath.Join(c.BinlogDir, catalog.LockName(c.ReplicaPrefix)))
	if err != nil {
		return nil, err
	}

	linger := time.Duration(c.LingerMS) * time.Millisecond
	if linger <= 0 {
		linger = time.Millisecond
	}
	w := &Writer{
		cfg:          &c,
		dir:          c.BinlogDir,
		prefix:       c.ReplicaPrefix,
		flags:        c.StreamFlags(),
		lock:         lock,
		handler:      replay.Framed(nil),
		now:          time.Now,
		writeCh:      make(chan []byte, c.ChannelBufferSize),
		flushCh:      make(chan chan error),
		done:         make(chan struct{}),
		batchSize:    c.DiskFlushBatchSize,
		linger:       linger,
		writeTimeout: time.Duration(c.DiskWriteTimeoutMS) * time.Millisecond,
		syncEvery:    time.Duration(c.SyncIntervalMS) * time.Millisecond,
		cur:          &Cursor{},
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.recover(); err != nil {
		if w.st != nil {
			w.st.Ledger.Close()
		}
		_ = unlockFile(lock)
		return nil, err
	}
	util.Info("writer: %s/%s open at %d in %s (%s)", w.dir, w.prefix, w.st.LogPos, w.segName, w.flags)

	w.shutdown.Add(1)
	go func() {
		defer w.shutdown.Done()
		w.flushLoop()
	}()
	return w, nil
}

func checkRecord(rec []byte) error {
	magic, ok := record.Magic(rec)
	switch {
	case !ok:
		return fmt.Errorf("%w: %d bytes", ErrRecord, len(rec))
	case len(rec)%4 != 0:
		return fmt.Errorf("%w: %d bytes is not 4-byte aligned", ErrRecord, len(rec))
	case record.IsStructural(magic):
		return fmt.Errorf("%w: %s is reserved", ErrRecord, record.Name(magic))
	}
	return nil
}

// Append queues an application record for the flush loop. rec is copied.
func (w *Writer) Append(rec []byte) error {
	if err := checkRecord(rec); err != nil {
		return err
	}
	if w.closed.Load() {
		return ErrClosed
	}
	if err := w.failure(); err != nil {
		return err
	}
	msg := append([]byte(nil), rec...)

	for {
		select {
		case <-w.done:
			return ErrClosed
		case w.writeCh <- msg:
			return nil
		default:
		}

		if w.writeTimeout > 0 {
			timer := time.NewTimer(w.writeTimeout)
			select {
			case <-w.done:
				timer.Stop()
				return ErrClosed
			case w.writeCh <- msg:
				timer.Stop()
				return nil
			case <-timer.C:
				util.Warn("writer: enqueue timed out after %s; retrying", w.writeTimeout)
			}
			continue
		}

		select {
		case <-w.done:
			return ErrClosed
		case w.writeCh <- msg:
			return nil
		}
	}
}

// AppendSync writes an application record directly and returns its log
// position. Records still queued by Append are written after it.
func (w *Writer) AppendSync(rec []byte) (int64, error) {
	if err := checkRecord(rec); err != nil {
		return 0, err
	}
	if w.closed.Load() {
		return 0, ErrClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	pos, err := w.appendLocked(rec)
	if err == nil {
		err = w.flushLocked()
	}
	if err != nil {
		return 0, w.fail(err)
	}
	return pos, nil
}

// Flush writes every queued record and syncs the active segment.
func (w *Writer) Flush() error {
	if w.closed.Load() {
		return ErrClosed
	}
	reply := make(chan error, 1)
	select {
	case w.flushCh <- reply:
	case <-w.done:
		return ErrClosed
	}
	return <-reply
}

func (w *Writer) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// fail makes err sticky: a stream with a partially written record cannot
// take further appends.
func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = err
		util.Error("writer: %s/%s failed at %d: %v", w.dir, w.prefix, w.st.LogPos, err)
	}
	return w.err
}

// Pos is the log position the next record will be written at.
func (w *Writer) Pos() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.st.LogPos
}

// Hash is the identity of the active segment.
func (w *Writer) Hash() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.st.Chain.Cur
}

// Tag is the stream tag, zero when the resumed segment did not carry it.
func (w *Writer) Tag() [16]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.st.Tag
}

// Segment is the file name of the active segment.
func (w *Writer) Segment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segName
}

// Ledger is the rotation ledger of the stream being written.
func (w *Writer) Ledger() *ledger.Ledger { return w.st.Ledger }

func (w *Writer) Dir() string    { return w.dir }
func (w *Writer) Prefix() string { return w.prefix }

// Close drains the queue, syncs the active segment and releases the lock.
func (w *Writer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.done)
		w.shutdown.Wait()

		w.mu.Lock()
		if serr := w.syncLocked(); serr != nil {
			err = serr
		}
		w.st.Ledger.Advance(w.st.LogPos)
		w.cur.release(w.st.Ledger)
		w.mu.Unlock()

		w.bg.Wait()
		w.st.Ledger.Close()
		if uerr := unlockFile(w.lock); uerr != nil {
			util.Warn("writer: unlock %s: %v", w.prefix, uerr)
		}
		util.Info("writer: %s/%s closed at %d", w.dir, w.prefix, w.st.LogPos)
	})
	return err
}
