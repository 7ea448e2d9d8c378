package integrity_test

import (
	"errors"
	"hash/crc32"
	"testing"

	"github.com/downfa11-org/go-binlog/pkg/integrity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrcStreamMatchesChecksum(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	c := integrity.NewCrcStream()
	assert.Equal(t, uint32(0), c.Sum())

	c.Extend(data[:10])
	c.Extend(data[10:])
	assert.Equal(t, crc32.ChecksumIEEE(data), c.Sum())
	assert.Equal(t, ^crc32.ChecksumIEEE(data), c.Complement())
	assert.Equal(t, int64(len(data)), c.Pos())

	require.NoError(t, c.Check(int64(len(data)), 0, crc32.ChecksumIEEE(data)))
}

func TestCrcStreamDeferredRotation(t *testing.T) {
	prefix := []byte("0123456789abcdef")
	rotateTo := make([]byte, 36)
	for i := range rotateTo {
		rotateTo[i] = byte(i)
	}

	c := integrity.NewCrcStream()
	c.Extend(prefix)
	c.Defer(rotateTo)
	assert.Equal(t, int64(16), c.Pos())
	assert.Equal(t, int64(52), c.End())

	// rotate_from at 52 claims the CRC of the 16 bytes before the rotate_to
	require.NoError(t, c.Check(52, 36, crc32.ChecksumIEEE(prefix)))

	c.Extend([]byte("next"))
	want := crc32.ChecksumIEEE(append(append(append([]byte{}, prefix...), rotateTo...), "next"...))
	assert.Equal(t, want, c.Sum())
}

func TestCrcStreamMismatch(t *testing.T) {
	c := integrity.NewCrcStream()
	c.Extend([]byte("abcd"))

	err := c.Check(4, 0, 0x12345678)
	assert.True(t, errors.Is(err, integrity.ErrCrcMismatch))
	assert.True(t, errors.Is(err, integrity.ErrCorrupt))

	err = c.Check(8, 0, crc32.ChecksumIEEE([]byte("abcd")))
	assert.True(t, errors.Is(err, integrity.ErrCrcPosition))
}

func TestCrcStreamReset(t *testing.T) {
	full := []byte("prefix-bytes|suffix")
	c := integrity.NewCrcStream()
	c.Reset(13, crc32.ChecksumIEEE(full[:13]))
	c.Extend(full[13:])
	assert.Equal(t, crc32.ChecksumIEEE(full), c.Sum())
}
