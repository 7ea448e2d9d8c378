// Package bench measures append and replay throughput of a local replica.
package bench

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/downfa11-org/go-binlog/pkg/catalog"
	"github.com/downfa11-org/go-binlog/pkg/config"
	"github.com/downfa11-org/go-binlog/pkg/record"
	"github.com/downfa11-org/go-binlog/pkg/replay"
	"github.com/downfa11-org/go-binlog/pkg/writer"
	"github.com/downfa11-org/go-binlog/util"
)

// benchMagic tags the records written by a benchmark run.
const benchMagic = uint32(0x0a8e9c00)

type BenchmarkRunner struct {
	Config              *config.Config
	NumProducers        int
	MessagesPerProducer int
	MessageSize         int
	// Sync makes every producer wait for its record to be written.
	Sync bool
}

type Result struct {
	Messages       int
	Bytes          int64
	AppendDuration time.Duration
	ReplayDuration time.Duration
	Replayed       int
	Segments       int
}

func NewBenchmarkRunner(cfg *config.Config, producers, messages, size int, sync bool) *BenchmarkRunner {
	return &BenchmarkRunner{
		Config:              cfg,
		NumProducers:        producers,
		MessagesPerProducer: messages,
		MessageSize:         size,
		Sync:                sync,
	}
}

func (b *BenchmarkRunner) payload(pid, i int) []byte {
	p := make([]byte, b.MessageSize)
	msg := fmt.Sprintf("bench-msg-P%d-Msg%d", pid, i)
	copy(p, msg)
	for j := len(msg); j < len(p); j++ {
		p[j] = byte('a' + j%26)
	}
	return p
}

// Run appends the messages from concurrent producers, then replays the
// replica and counts them back.
func (b *BenchmarkRunner) Run() (*Result, error) {
	w, err := writer.Open(b.Config)
	if err != nil {
		return nil, err
	}
	startPos := w.Pos()
	res := &Result{Messages: b.NumProducers * b.MessagesPerProducer}

	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for p := 0; p < b.NumProducers; p++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			if err := b.produce(w, pid); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	if err := w.Flush(); err != nil {
		errs = append(errs, err)
	}
	res.AppendDuration = time.Since(start)
	res.Bytes = w.Pos() - startPos
	if err := w.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("%d producer(s) failed: %w", len(errs), errors.Join(errs...))
	}

	start = time.Now()
	if err := b.consume(res, startPos); err != nil {
		return res, err
	}
	res.ReplayDuration = time.Since(start)
	return res, nil
}

func (b *BenchmarkRunner) produce(w *writer.Writer, pid int) error {
	for i := 0; i < b.MessagesPerProducer; i++ {
		rec := record.AppendFramed(nil, benchMagic, b.payload(pid, i))
		var err error
		if b.Sync {
			_, err = w.AppendSync(rec)
		} else {
			err = w.Append(rec)
		}
		if err != nil {
			return fmt.Errorf("[P%d] message %d: %w", pid, i, err)
		}
	}
	return nil
}

func (b *BenchmarkRunner) consume(res *Result, from int64) error {
	replica, err := catalog.Scan(b.Config.BinlogDir, b.Config.ReplicaPrefix, catalog.ScanOptions{})
	if err != nil {
		return err
	}
	res.Segments = len(replica.Binlogs)
	r := replay.NewReader(replica, replay.ReaderOptions{
		Handler: replay.Framed(func(pos int64, magic uint32, payload []byte) error {
			if magic == benchMagic {
				res.Replayed++
			}
			return nil
		}),
		Flags:         b.Config.StreamFlags() & replay.DisableCrcCheck,
		ChunkSize:     b.Config.ReadChunkSize,
		MaxRecordSize: b.Config.MaxRecordSize,
	})
	if _, err := r.Replay(from); err != nil {
		return err
	}
	if res.Replayed < res.Messages {
		util.Warn("bench: replayed %d of %d messages", res.Replayed, res.Messages)
	}
	return nil
}

func (r *Result) Print(out io.Writer, producers int) {
	throughput := func(d time.Duration) float64 {
		if d <= 0 {
			return 0
		}
		return float64(r.Messages) / d.Seconds()
	}
	fmt.Fprintf(out, "\nBENCHMARK RESULT [binlog]\n")
	fmt.Fprintf(out, "-------------------------------------\n")
	fmt.Fprintf(out, " Producers     : %d\n", producers)
	fmt.Fprintf(out, " Total Messages: %d\n", r.Messages)
	fmt.Fprintf(out, " Bytes Written : %d\n", r.Bytes)
	fmt.Fprintf(out, " Segments      : %d\n", r.Segments)
	fmt.Fprintf(out, " Append        : %v (%.2f msg/sec)\n", r.AppendDuration, throughput(r.AppendDuration))
	fmt.Fprintf(out, " Replay        : %v (%.2f msg/sec, %d read)\n", r.ReplayDuration, throughput(r.ReplayDuration), r.Replayed)
	fmt.Fprintf(out, "-------------------------------------\n")
}
