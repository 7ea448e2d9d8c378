package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestAppendScanReplay(t *testing.T) {
	dir := t.TempDir()
	common := []string{"--binlog-dir", dir, "--prefix", "ctl", "--segment-size", "1024"}

	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, strings.Repeat("line", 10))
	}
	out, err := run(t, strings.Join(lines, "\n")+"\n", append([]string{"append"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "appended 40 records")

	out, err = run(t, "", append([]string{"scan"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "ctl.")
	assert.GreaterOrEqual(t, strings.Count(out, ".bin"), 2)

	out, err = run(t, "", append([]string{"replay", "-q"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "records:  40")
	assert.Contains(t, out, "tag:")
}

func TestZipRejectsActiveSegment(t *testing.T) {
	dir := t.TempDir()
	common := []string{"--binlog-dir", dir, "--prefix", "ctl"}
	_, err := run(t, "one\ntwo\n", append([]string{"append"}, common...)...)
	require.NoError(t, err)

	_, err = run(t, "", append([]string{"zip", "ctl.000000000000.bin"}, common...)...)
	assert.ErrorContains(t, err, "active segment")

	_, err = run(t, "", append([]string{"zip", "missing.bin"}, common...)...)
	assert.Error(t, err)
}
