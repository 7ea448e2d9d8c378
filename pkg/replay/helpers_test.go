package replay_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/downfa11-org/go-binlog/pkg/integrity"
	"github.com/downfa11-org/go-binlog/pkg/record"
	"github.com/downfa11-org/go-binlog/pkg/replay"
	"github.com/downfa11-org/go-binlog/util"
)

const appMagic = uint32(0x0a55a000)

var errBadPayload = errors.New("payload rejected")

func appRecord(payload []byte) []byte {
	b := binary.LittleEndian.AppendUint32(nil, appMagic)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(payload)))
	b = append(b, payload...)
	return append(b, make([]byte, util.AlignUp(len(b))-len(b))...)
}

// builder writes a well formed stream the way a writer would, split into
// segments at each rotation.
type builder struct {
	segs  [][]byte
	cur   []byte
	base  int64
	crc   *integrity.CrcStream
	chain integrity.Chain
	ts    int32

	rotations []int64
	checks    []int64
}

func newBuilder() *builder {
	b := &builder{crc: integrity.NewCrcStream(), ts: 1700000000}
	b.add(record.Start{SchemaID: 1}.Append(nil))
	b.chain.Start()
	return b
}

func (b *builder) pos() int64 { return b.base + int64(len(b.cur)) }

func (b *builder) add(rec []byte) *builder {
	b.cur = append(b.cur, rec...)
	b.crc.Extend(rec)
	return b
}

func (b *builder) tag(t [16]byte) *builder { return b.add(record.Tag{Tag: t}.Append(nil)) }

func (b *builder) tick() *builder {
	b.ts++
	return b.add(record.Timestamp{Time: b.ts}.Append(nil))
}

func (b *builder) app(payload string) *builder { return b.add(appRecord([]byte(payload))) }

func (b *builder) checkpoint() *builder {
	b.checks = append(b.checks, b.pos())
	return b.add(record.Crc32{Timestamp: b.ts, Pos: b.pos(), Crc32: b.crc.Sum()}.Append(nil))
}

func (b *builder) rotate() *builder {
	next := b.pos() + record.RotateToSize
	crc := b.crc.Sum()
	to := record.RotateTo{
		Timestamp:  b.ts,
		NextLogPos: next,
		Crc32:      crc,
		CurHash:    b.chain.Cur,
		NextHash:   b.chain.Next(next, crc),
	}
	if err := b.chain.OnRotateTo(to); err != nil {
		panic(err)
	}
	raw := to.Append(nil)
	b.cur = append(b.cur, raw...)
	b.crc.Defer(raw)
	b.segs = append(b.segs, b.cur)
	b.cur = nil
	b.base = next
	b.rotations = append(b.rotations, next)

	from := to.Mirror()
	if err := b.chain.OnRotateFrom(from, &to); err != nil {
		panic(err)
	}
	return b.add(from.Append(nil))
}

func (b *builder) segments() [][]byte {
	out := append([][]byte(nil), b.segs...)
	return append(out, b.cur)
}

func (b *builder) stream() []byte {
	var s []byte
	for _, seg := range b.segments() {
		s = append(s, seg...)
	}
	return s
}

// collector is an application handler for appMagic records.
type collector struct {
	payloads  []string
	positions []int64
	skipped   int
	stopAt    string
	waits     int
}

func (c *collector) Replay(r replay.Record) replay.Outcome {
	if len(r.Data) < 8 {
		return replay.Short()
	}
	if binary.LittleEndian.Uint32(r.Data) != appMagic {
		return replay.Fail(0, errBadPayload)
	}
	size := util.AlignUp(8 + int(binary.LittleEndian.Uint32(r.Data[4:])))
	if len(r.Data) < size {
		return replay.Need(size)
	}
	payload := string(r.Data[8 : 8+binary.LittleEndian.Uint32(r.Data[4:])])
	switch {
	case payload == "bad":
		return replay.Fail(size, errBadPayload)
	case payload == "wait" && c.waits > 0:
		c.waits--
		return replay.Wait()
	case c.stopAt != "" && payload == c.stopAt:
		return replay.Stop()
	}
	if r.Skip {
		c.skipped++
		return replay.Done(size)
	}
	c.payloads = append(c.payloads, payload)
	c.positions = append(c.positions, r.Pos)
	return replay.Done(size)
}

func newEngine(h replay.Handler, policy replay.Policy, flags replay.Flags) *replay.Engine {
	st := replay.NewStreamState(flags)
	cur := replay.NewCursor(st, 0, policy)
	cur.Seek(nil)
	return replay.NewEngine(cur, replay.Options{Handler: h, MaxRecordSize: 1 << 16})
}

// feedChunks replays stream cut at the given sizes, cycling through them.
func feedChunks(t *testing.T, e *replay.Engine, stream []byte, sizes ...int) error {
	t.Helper()
	for i := 0; len(stream) > 0; i++ {
		n := len(stream)
		if len(sizes) > 0 && sizes[i%len(sizes)] < n {
			n = sizes[i%len(sizes)]
		}
		if err := e.Feed(stream[:n]); err != nil {
			return err
		}
		stream = stream[n:]
	}
	return nil
}
