package integrity_test

import (
	"errors"
	"testing"

	"github.com/downfa11-org/go-binlog/pkg/integrity"
	"github.com/downfa11-org/go-binlog/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rotation(ch *integrity.Chain, pos int64, crc uint32) record.RotateTo {
	return record.RotateTo{
		Timestamp:  1700000000,
		NextLogPos: pos,
		Crc32:      crc,
		CurHash:    ch.Cur,
		NextHash:   ch.Next(pos, crc),
	}
}

func TestChainHashDeterministic(t *testing.T) {
	a := integrity.ChainHash(1, 2, 3)
	assert.Equal(t, a, integrity.ChainHash(1, 2, 3))
	assert.NotEqual(t, a, integrity.ChainHash(1, 2, 4))
	assert.NotEqual(t, a, integrity.ChainHash(2, 2, 3))
	assert.NotZero(t, integrity.Genesis())
}

func TestChainRotation(t *testing.T) {
	var writer, reader integrity.Chain
	writer.Start()
	reader.Start()

	to := rotation(&writer, 4096, 0xabcdef01)
	require.NoError(t, reader.OnRotateTo(to))
	assert.Zero(t, reader.Cur)
	assert.Equal(t, writer.Cur, reader.Prev)

	require.NoError(t, reader.OnRotateFrom(to.Mirror(), &to))
	assert.Equal(t, to.NextHash, reader.Cur)
}

func TestChainRejectsTamperedPair(t *testing.T) {
	var ch integrity.Chain
	ch.Start()
	to := rotation(&ch, 8192, 0x11111111)

	tests := []struct {
		name   string
		mutate func(*record.RotateFrom)
	}{
		{"timestamp", func(r *record.RotateFrom) { r.Timestamp++ }},
		{"position", func(r *record.RotateFrom) { r.CurLogPos += 4 }},
		{"crc", func(r *record.RotateFrom) { r.Crc32 ^= 1 }},
		{"prev hash", func(r *record.RotateFrom) { r.PrevHash ^= 1 }},
		{"cur hash", func(r *record.RotateFrom) { r.CurHash ^= 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := integrity.Chain{}
			reader.Start()
			require.NoError(t, reader.OnRotateTo(to))

			from := to.Mirror()
			tt.mutate(&from)
			err := reader.OnRotateFrom(from, &to)
			assert.True(t, errors.Is(err, integrity.ErrCorrupt), "got %v", err)
		})
	}
}

func TestChainRejectsWrongSegmentHash(t *testing.T) {
	var ch integrity.Chain
	ch.Start()
	to := rotation(&ch, 100, 7)
	to.CurHash ^= 0xff

	err := ch.OnRotateTo(to)
	assert.True(t, errors.Is(err, integrity.ErrChainHash))
}

func TestChainStartsAtRotateFrom(t *testing.T) {
	var writer integrity.Chain
	writer.Start()
	to := rotation(&writer, 512, 99)

	var reader integrity.Chain
	require.NoError(t, reader.OnRotateFrom(to.Mirror(), nil))
	assert.Equal(t, to.NextHash, reader.Cur)
	assert.Equal(t, to.CurHash, reader.Prev)
}
