package replay_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/downfa11-org/go-binlog/pkg/integrity"
	"github.com/downfa11-org/go-binlog/pkg/ledger"
	"github.com/downfa11-org/go-binlog/pkg/record"
	"github.com/downfa11-org/go-binlog/pkg/replay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleStream() *builder {
	b := newBuilder().tag([16]byte{1, 2, 3}).tick()
	b.app("alpha").app("").app("a somewhat longer payload that spans many words").checkpoint()
	b.tick().app("beta").add(record.AppendNoop(nil)).rotate()
	b.app("gamma").tick().checkpoint().app("delta").rotate()
	return b.app("epsilon").checkpoint()
}

func TestReplayWholeStream(t *testing.T) {
	b := sampleStream()
	c := &collector{}
	e := newEngine(c, replay.AbortOnBadRecord, 0)

	require.NoError(t, e.Feed(b.stream()))
	assert.Equal(t, []string{"alpha", "", "a somewhat longer payload that spans many words", "beta", "gamma", "delta", "epsilon"}, c.payloads)
	assert.Equal(t, int64(len(b.stream())), e.Pos())
	assert.Equal(t, 0, e.Pending())

	st := e.State()
	assert.Equal(t, [16]byte{1, 2, 3}, st.Tag)
	assert.Equal(t, b.chain.Cur, st.Chain.Cur)
	assert.Equal(t, b.chain.Prev, st.Chain.Prev)
	assert.Equal(t, b.crc.Sum(), st.Crc.Sum())
	assert.Equal(t, int32(1700000001), st.FirstTS)
	assert.Equal(t, b.ts, st.LastTS)
	assert.Equal(t, b.rotations[1], e.Cursor().Point.Pos)
	assert.Equal(t, ledger.SliceEnd, e.Cursor().Point.Kind)
	assert.Equal(t, 1, st.Ledger.Len(), "crossed points are released")
}

func TestChunkingInvariance(t *testing.T) {
	b := sampleStream()
	stream := b.stream()

	whole := &collector{}
	require.NoError(t, newEngine(whole, replay.AbortOnBadRecord, 0).Feed(stream))

	rng := rand.New(rand.NewSource(42))
	chunkings := [][]int{{1}, {2}, {3}, {5, 1, 7}, {24, 36}, {4096}}
	for i := 0; i < 50; i++ {
		sizes := make([]int, 1+rng.Intn(8))
		for j := range sizes {
			sizes[j] = 1 + rng.Intn(80)
		}
		chunkings = append(chunkings, sizes)
	}

	for _, sizes := range chunkings {
		c := &collector{}
		e := newEngine(c, replay.AbortOnBadRecord, 0)
		require.NoError(t, feedChunks(t, e, stream, sizes...), "chunks %v", sizes)
		assert.Equal(t, whole.payloads, c.payloads, "chunks %v", sizes)
		assert.Equal(t, whole.positions, c.positions, "chunks %v", sizes)
		assert.Equal(t, int64(len(stream)), e.Pos())
		assert.Equal(t, b.chain.Cur, e.State().Chain.Cur)
	}
}

func TestCrcFlipDetectedAtNextCheckpoint(t *testing.T) {
	b := newBuilder().app("one").checkpoint().app("two").app("three").tick().checkpoint().app("four")
	stream := b.stream()
	first, second := b.checks[0], b.checks[1]

	// flip a payload byte of "three", between the two checkpoints
	flipped := append([]byte(nil), stream...)
	at := int(first) + record.Crc32Size + len(appRecord([]byte("two"))) + 8
	require.Equal(t, byte('t'), flipped[at])
	flipped[at] ^= 0x20

	c := &collector{}
	e := newEngine(c, replay.AbortOnBadRecord, 0)
	err := feedChunks(t, e, flipped, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, integrity.ErrCrcMismatch), "%v", err)
	assert.True(t, replay.IsFatal(err))
	assert.Equal(t, second, e.Pos(), "mismatch is reported at the checkpoint, not before")
	assert.Equal(t, []string{"one", "two", "Three"}, c.payloads)

	c = &collector{}
	e = newEngine(c, replay.AbortOnBadRecord, replay.DisableCrcCheck)
	require.NoError(t, e.Feed(flipped))
	assert.Len(t, c.payloads, 4)
}

func TestFatalErrorIsSticky(t *testing.T) {
	b := newBuilder().app("one").checkpoint().app("two").checkpoint()
	stream := b.stream()
	flipped := append([]byte(nil), stream...)
	flipped[int(b.checks[0])+record.Crc32Size+8] ^= 0x20

	c := &collector{}
	e := newEngine(c, replay.AbortOnBadRecord, 0)
	err := e.Feed(flipped)
	require.ErrorIs(t, err, integrity.ErrCrcMismatch)
	pos, payloads := e.Pos(), len(c.payloads)

	assert.Equal(t, err, e.Feed(appRecord([]byte("three"))))
	assert.Equal(t, err, e.Resume())
	assert.Equal(t, pos, e.Pos())
	assert.Len(t, c.payloads, payloads)
}

func TestChainRejectsAnyRotationByteFlip(t *testing.T) {
	b := newBuilder().tag([16]byte{9}).app("x").rotate().app("y")
	stream := b.stream()
	to := int(b.rotations[0]) - record.RotateToSize

	for at := to; at < to+record.RotateToSize+record.RotateFromSize; at++ {
		for _, bit := range []byte{0x01, 0x80} {
			flipped := append([]byte(nil), stream...)
			flipped[at] ^= bit
			err := newEngine(&collector{}, replay.AbortOnBadRecord, 0).Feed(flipped)
			assert.Errorf(t, err, "flip %#02x at byte %d", bit, at)
		}
	}
}

func TestStartFromRotateFrom(t *testing.T) {
	b := newBuilder().app("a").rotate().app("b").checkpoint().app("c").rotate().app("d")
	segs := b.segments()

	st := replay.NewStreamState(0)
	st.StartAt(b.rotations[0])
	cur := replay.NewCursor(st, b.rotations[0], replay.AbortOnBadRecord)
	cur.Seek(nil)
	c := &collector{}
	e := replay.NewEngine(cur, replay.Options{Handler: c})

	require.NoError(t, feedChunks(t, e, append(append([]byte(nil), segs[1]...), segs[2]...), 5))
	assert.Equal(t, []string{"b", "c", "d"}, c.payloads)
	assert.Equal(t, b.chain.Cur, st.Chain.Cur)
	assert.Equal(t, b.crc.Sum(), st.Crc.Sum())
}

func TestStructuralRecordRules(t *testing.T) {
	withExtra := record.Start{Extra: []byte("hello")}.Append(nil)

	tooBig := record.Start{}.Append(nil)
	tooBig[8] = 0xff
	tooBig[9] = 0xff

	tests := []struct {
		name   string
		stream []byte
		want   error
	}{
		{"second start", newBuilder().add(record.Start{}.Append(nil)).stream(), replay.ErrStartPos},
		{"extra out of range", append(tooBig, make([]byte, 70000)...), replay.ErrStartExtra},
		{"duplicate tag", newBuilder().tag([16]byte{1}).tag([16]byte{2}).stream(), replay.ErrDuplicateTag},
		{"zero tag", newBuilder().tag([16]byte{}).stream(), replay.ErrZeroTag},
		{"no start", record.AppendNoop(nil), replay.ErrNoStart},
		{"rotate_from without rotate_to", newBuilder().add(record.RotateFrom{CurLogPos: 24}.Append(nil)).stream(), replay.ErrRotateOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newEngine(&collector{}, replay.SkipBadRecord, 0).Feed(tt.stream)
			assert.True(t, errors.Is(err, tt.want), "%v", err)
			assert.True(t, errors.Is(err, integrity.ErrCorrupt), "structural errors ignore the skip policy")
		})
	}

	c := &collector{}
	require.NoError(t, newEngine(c, replay.AbortOnBadRecord, 0).Feed(append(withExtra, appRecord([]byte("z"))...)))
	assert.Equal(t, []string{"z"}, c.payloads)
}

func TestBadRecordPolicy(t *testing.T) {
	stream := newBuilder().app("a").app("bad").app("b").stream()

	err := newEngine(&collector{}, replay.AbortOnBadRecord, 0).Feed(stream)
	assert.ErrorIs(t, err, replay.ErrBadRecord)
	assert.ErrorIs(t, err, errBadPayload)
	assert.False(t, errors.Is(err, integrity.ErrCorrupt))

	c := &collector{}
	e := newEngine(c, replay.SkipBadRecord, 0)
	require.NoError(t, feedChunks(t, e, stream, 3))
	assert.Equal(t, []string{"a", "b"}, c.payloads)
	assert.Equal(t, int64(len(stream)), e.Pos())

	err = newEngine(nil, replay.AbortOnBadRecord, 0).Feed(stream)
	assert.ErrorIs(t, err, replay.ErrUnknownRecord)
}

func TestWaitJob(t *testing.T) {
	stream := newBuilder().app("a").app("wait").app("b").stream()
	c := &collector{waits: 3}
	e := newEngine(c, replay.AbortOnBadRecord, 0)

	half := len(stream) - 4
	assert.ErrorIs(t, e.Feed(stream[:half]), replay.ErrWaitJob)
	assert.ErrorIs(t, e.Feed(stream[half:]), replay.ErrWaitJob, "bytes stay queued while waiting")
	assert.Equal(t, []string{"a"}, c.payloads)

	assert.ErrorIs(t, e.Resume(), replay.ErrWaitJob)
	assert.ErrorIs(t, e.Resume(), replay.ErrWaitJob)
	require.NoError(t, e.Resume())
	assert.Equal(t, []string{"a", "wait", "b"}, c.payloads)
	assert.Equal(t, int64(len(stream)), e.Pos())
}

func TestWaitJobLivelock(t *testing.T) {
	stream := newBuilder().app("wait").stream()
	e := newEngine(&collector{waits: 100}, replay.AbortOnBadRecord, 0)

	assert.ErrorIs(t, e.Feed(stream), replay.ErrWaitJob)
	for i := 0; i < 8; i++ {
		assert.ErrorIs(t, e.Resume(), replay.ErrWaitJob)
	}
	err := e.Resume()
	assert.ErrorIs(t, err, replay.ErrLivelock)
	assert.True(t, replay.IsFatal(err))
	assert.False(t, replay.IsFatal(replay.ErrWaitJob))
}

func TestRecordTooLarge(t *testing.T) {
	short := replay.HandlerFunc(func(replay.Record) replay.Outcome { return replay.Short() })
	stream := append(record.Start{}.Append(nil), make([]byte, 176)...)
	stream[24] = 0x01

	st := replay.NewStreamState(0)
	cur := replay.NewCursor(st, 0, replay.AbortOnBadRecord)
	e := replay.NewEngine(cur, replay.Options{Handler: short, MaxRecordSize: 64})
	assert.ErrorIs(t, e.Feed(stream), replay.ErrRecordTooLarge)

	huge := replay.HandlerFunc(func(replay.Record) replay.Outcome { return replay.Need(1 << 20) })
	cur = replay.NewCursor(replay.NewStreamState(0), 0, replay.AbortOnBadRecord)
	e = replay.NewEngine(cur, replay.Options{Handler: huge, MaxRecordSize: 64})
	assert.ErrorIs(t, e.Feed(stream), replay.ErrRecordTooLarge)
}

func TestStopReading(t *testing.T) {
	stream := newBuilder().app("a").app("end").app("b").stream()
	c := &collector{stopAt: "end"}
	e := newEngine(c, replay.AbortOnBadRecord, 0)

	assert.ErrorIs(t, e.Feed(stream), replay.ErrStopped)
	assert.ErrorIs(t, e.Feed([]byte{1, 2, 3, 4}), replay.ErrStopped)
	assert.Equal(t, []string{"a"}, c.payloads)
	assert.False(t, replay.IsFatal(replay.ErrStopped))
}

func TestSkipUntil(t *testing.T) {
	b := newBuilder().app("a").app("b")
	from := b.pos()
	stream := b.app("c").app("d").stream()

	st := replay.NewStreamState(0)
	cur := replay.NewCursor(st, from, replay.AbortOnBadRecord)
	c := &collector{}
	e := replay.NewEngine(cur, replay.Options{Handler: c})

	require.NoError(t, e.Feed(stream))
	assert.Equal(t, []string{"c", "d"}, c.payloads)
	assert.Equal(t, 2, c.skipped)
	assert.Equal(t, from, c.positions[0])
}

func TestRecordAfterRotateTo(t *testing.T) {
	b := newBuilder().app("a").rotate()
	stream := append(append([]byte(nil), b.segs[0]...), record.AppendNoop(nil)...)
	err := newEngine(&collector{}, replay.AbortOnBadRecord, 0).Feed(stream)
	assert.ErrorIs(t, err, replay.ErrRotateOrder)
}
