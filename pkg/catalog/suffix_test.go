package catalog_test

import (
	"errors"
	"testing"

	"github.com/downfa11-org/go-binlog/pkg/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSuffixKinds(t *testing.T) {
	tests := []struct {
		rest  string
		kind  catalog.Kind
		flags catalog.Flags
		lo    int64
		hi    int64
	}{
		{".060000000000.bin", catalog.KindBinlog, 0, 0, 999999},
		{".060000000001.bin.bz", catalog.KindBinlog, catalog.FlagZipped, 1000000, 1999999},
		{".000000000042.bin.bz.tmp", catalog.KindBinlog, catalog.FlagZipped | catalog.FlagTemporary, 42, 42},
		{".bin.bz.tmp.repl", catalog.KindBinlog, catalog.FlagZipped | catalog.FlagTemporary | catalog.FlagReplicatorTemp, 0, catalog.MaxPos},
		{".030000000002", catalog.KindSnapshot, catalog.FlagSnapshot, 2000, 2999},
		{".diff", catalog.KindSnapshot, catalog.FlagSnapshot | catalog.FlagSnapshotDiff, 0, catalog.MaxPos},
		{".diff.tmp", catalog.KindSnapshot, catalog.FlagSnapshot | catalog.FlagSnapshotDiff | catalog.FlagTemporary, 0, catalog.MaxPos},
		{".tmp", catalog.KindSnapshot, catalog.FlagSnapshot | catalog.FlagTemporary, 0, catalog.MaxPos},
		{".sz", catalog.KindSnapshot, catalog.FlagSnapshot | catalog.FlagZipped, 0, catalog.MaxPos},
		{".sz.tmp", catalog.KindSnapshot, catalog.FlagSnapshot | catalog.FlagZipped | catalog.FlagTemporary, 0, catalog.MaxPos},
		{".enc", catalog.KindEncryption, 0, 0, catalog.MaxPos},
		{"", catalog.KindSnapshot, catalog.FlagSnapshot, 0, catalog.MaxPos},
	}

	for _, tt := range tests {
		t.Run(tt.rest, func(t *testing.T) {
			s, err := catalog.ParseSuffix(tt.rest)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, s.Kind)
			assert.Equal(t, tt.flags, s.Flags)
			assert.Equal(t, tt.lo, s.MinPos)
			assert.Equal(t, tt.hi, s.MaxPos)
		})
	}
}

func TestParseSuffixRejects(t *testing.T) {
	for _, rest := range []string{
		".log",
		".bin.gz",
		".06000000000.bin",   // nine base digits
		".0600000000000.bin", // eleven base digits
		".190000000001.bin",  // power above 18
		".189999999999.bin",  // starts beyond 2^62
		".06000000000x.bin",
	} {
		_, err := catalog.ParseSuffix(rest)
		assert.Truef(t, errors.Is(err, catalog.ErrBadSuffix), "%q: %v", rest, err)
	}
}

func TestEncodeSuffixRoundTrip(t *testing.T) {
	for _, c := range []struct {
		base  int64
		power int
	}{{0, 0}, {1, 6}, {9999999999, 0}, {4, 18}, {123456, 3}} {
		enc, err := catalog.EncodeSuffix(c.base, c.power)
		require.NoError(t, err)
		s, err := catalog.ParseSuffix(enc + ".bin")
		require.NoError(t, err)

		lo, hi, err := catalog.DeclaredRange(c.base, c.power)
		require.NoError(t, err)
		assert.Equal(t, lo, s.MinPos)
		assert.Equal(t, hi, s.MaxPos)
		assert.True(t, s.HasRange)
	}
}

func TestSuffixForContainsPosition(t *testing.T) {
	for _, pos := range []int64{0, 999999, 1000000, 1000036, 123456789012345, catalog.MaxPos - 1} {
		enc, err := catalog.SuffixFor(pos, 6)
		require.NoError(t, err)
		s, err := catalog.ParseSuffix(enc)
		require.NoError(t, err)
		assert.LessOrEqual(t, s.MinPos, pos, enc)
		assert.GreaterOrEqual(t, s.MaxPos, pos, enc)
	}

	enc, err := catalog.SuffixFor(1000000, 6)
	require.NoError(t, err)
	assert.Equal(t, ".060000000001", enc)
}

func TestDeclaredRangeNearMaxPos(t *testing.T) {
	lo, hi, err := catalog.DeclaredRange(4, 18)
	require.NoError(t, err)
	assert.Equal(t, int64(4_000_000_000_000_000_000), lo)
	assert.Equal(t, catalog.MaxPos, hi)

	for p := 0; p <= 18; p++ {
		enc, err := catalog.SuffixFor(catalog.MaxPos, p)
		require.NoError(t, err, "power %d", p)
		s, err := catalog.ParseSuffix(enc + ".bin")
		require.NoError(t, err)
		assert.LessOrEqual(t, s.MinPos, catalog.MaxPos)
		assert.Equal(t, catalog.MaxPos, s.MaxPos, enc)
	}

	_, _, err = catalog.DeclaredRange(5, 18)
	assert.ErrorIs(t, err, catalog.ErrBadSuffix)
	_, err = catalog.EncodeSuffix(catalog.MaxPos/1000+1, 3)
	assert.ErrorIs(t, err, catalog.ErrBadSuffix)
}
