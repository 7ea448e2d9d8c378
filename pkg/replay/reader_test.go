package replay_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/downfa11-org/go-binlog/pkg/catalog"
	"github.com/downfa11-org/go-binlog/pkg/metrics"
	"github.com/downfa11-org/go-binlog/pkg/record"
	"github.com/downfa11-org/go-binlog/pkg/replay"
	"github.com/downfa11-org/go-binlog/util"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefix = "x"

func openHandles() float64 {
	m := &dto.Metric{}
	_ = metrics.OpenSegments.Write(m)
	return m.GetGauge().GetValue()
}

// writeReplica stores each segment under the name its start position
// calls for.
func writeReplica(t *testing.T, b *builder) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	var names []string
	start := int64(0)
	for i, seg := range b.segments() {
		if i > 0 {
			start = b.rotations[i-1]
		}
		suffix, err := catalog.SuffixFor(start, 0)
		require.NoError(t, err)
		name := prefix + suffix + ".bin"
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), seg, 0o644))
		names = append(names, name)
	}
	return dir, names
}

func scanReplica(t *testing.T, dir string) *catalog.Replica {
	t.Helper()
	r, err := catalog.Scan(dir, prefix, catalog.ScanOptions{})
	require.NoError(t, err)
	return r
}

func threeSegments() *builder {
	b := newBuilder().tag([16]byte{7}).tick().app("a").app("b").checkpoint().rotate()
	b.app("c").tick().app("d").checkpoint().rotate()
	return b.app("e").app("f").checkpoint()
}

func TestReaderReplaysAllSegments(t *testing.T) {
	b := threeSegments()
	dir, _ := writeReplica(t, b)
	before := openHandles()

	for _, chunk := range []int{7, 64, 0} {
		c := &collector{}
		st, err := replay.NewReader(scanReplica(t, dir), replay.ReaderOptions{Handler: c, ChunkSize: chunk}).Replay(0)
		require.NoError(t, err, "chunk %d", chunk)
		assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, c.payloads)
		assert.Equal(t, b.pos(), st.LogPos)
		assert.Equal(t, [16]byte{7}, st.Tag)
		assert.Equal(t, b.chain.Cur, st.Chain.Cur)
		assert.Equal(t, before, openHandles(), "every segment handle is closed")
	}
}

func TestReaderFromMiddle(t *testing.T) {
	b := newBuilder().app("a").rotate().app("b")
	from := b.pos()
	b.app("c").rotate().app("d")
	dir, _ := writeReplica(t, b)

	c := &collector{}
	st, err := replay.NewReader(scanReplica(t, dir), replay.ReaderOptions{Handler: c}).Replay(from)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, c.payloads)
	assert.Equal(t, 1, c.skipped)
	assert.Equal(t, b.pos(), st.LogPos)

	_, err = replay.NewReader(scanReplica(t, dir), replay.ReaderOptions{Handler: c}).Replay(b.pos() + 100)
	assert.ErrorIs(t, err, replay.ErrNotCovered)
}

func TestReaderSegmentMustEndAtRotateTo(t *testing.T) {
	b := newBuilder().app("a").rotate().app("b")
	dir, names := writeReplica(t, b)

	// replace the rotate_to with no-ops of the same size
	seg := b.segs[0]
	broken := append([]byte(nil), seg[:len(seg)-record.RotateToSize]...)
	for i := 0; i < record.RotateToSize/record.NoopSize; i++ {
		broken = record.AppendNoop(broken)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, names[0]), broken, 0o644))

	_, err := replay.NewReader(scanReplica(t, dir), replay.ReaderOptions{Handler: &collector{}}).Replay(0)
	assert.True(t, errors.Is(err, replay.ErrSegmentEnd), "%v", err)
	assert.True(t, replay.IsFatal(err))
}

func TestReaderStopsAtIncompleteTail(t *testing.T) {
	b := newBuilder().app("a").app("b")
	full := b.stream()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.000000000000.bin"), full[:len(full)-3], 0o644))

	c := &collector{}
	st, err := replay.NewReader(scanReplica(t, dir), replay.ReaderOptions{Handler: c}).Replay(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, c.payloads)
	assert.Equal(t, int64(len(full)-len(appRecord([]byte("b")))), st.LogPos)
}

func TestReaderZippedSegment(t *testing.T) {
	b := threeSegments()
	dir, names := writeReplica(t, b)

	first := filepath.Join(dir, names[0])
	_, _, err := catalog.ZipSegment(first, util.CodecSnappy, 0)
	require.NoError(t, err)
	require.NoError(t, os.Remove(first))

	c := &collector{}
	st, err := replay.NewReader(scanReplica(t, dir), replay.ReaderOptions{Handler: c, ChunkSize: 16}).Replay(0)
	require.NoError(t, err)
	assert.Len(t, c.payloads, 6)
	assert.Equal(t, b.pos(), st.LogPos)
}

func TestReaderCancelled(t *testing.T) {
	dir, _ := writeReplica(t, threeSegments())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := replay.NewReader(scanReplica(t, dir), replay.ReaderOptions{Handler: &collector{}}).ReplayContext(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, replay.IsFatal(err))
}
