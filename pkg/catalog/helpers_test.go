package catalog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/downfa11-org/go-binlog/pkg/catalog"
	"github.com/downfa11-org/go-binlog/pkg/integrity"
	"github.com/downfa11-org/go-binlog/pkg/record"
	"github.com/stretchr/testify/require"
)

const prefix = "x"

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func padNoops(b []byte, upTo int) []byte {
	for len(b) < upTo {
		b = record.AppendNoop(b)
	}
	return b
}

// twoSegments builds a stream rotated at 1000000: the first segment holds
// [0, 1000000) and the second starts there with a rotate_from.
func twoSegments(tail int) (first, second []byte) {
	first = record.Start{}.Append(nil)
	first = padNoops(first, 1000000-record.RotateToSize)

	crc := integrity.NewCrcStream()
	crc.Extend(first)
	var ch integrity.Chain
	ch.Start()
	to := record.RotateTo{
		Timestamp:  1700000000,
		NextLogPos: 1000000,
		Crc32:      crc.Sum(),
		CurHash:    ch.Cur,
		NextHash:   ch.Next(1000000, crc.Sum()),
	}
	first = to.Append(first)

	second = to.Mirror().Append(nil)
	second = padNoops(second, record.RotateFromSize+tail)
	return first, second
}

func kfsBlock() []byte {
	b := make([]byte, catalog.HeaderBlockSize)
	b[0], b[1], b[2], b[3] = 0x4b, 0x66, 0x73, 0x04
	return b
}

func scan(t *testing.T, dir string) *catalog.Replica {
	t.Helper()
	r, err := catalog.Scan(dir, prefix, catalog.ScanOptions{})
	require.NoError(t, err)
	return r
}
