package ledger_test

import (
	"errors"
	"testing"

	"github.com/downfa11-org/go-binlog/pkg/ledger"
	"github.com/downfa11-org/go-binlog/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	syncs, closes int
	syncErr       error
}

func (f *fakeHandle) Sync() error  { f.syncs++; return f.syncErr }
func (f *fakeHandle) Close() error { f.closes++; return nil }

func TestPointLifecycle(t *testing.T) {
	l := ledger.New(false)
	h := &fakeHandle{}

	p := l.Insert(ledger.SliceEnd, 1000000, ledger.WithHandle(h), ledger.WithRotateTo(record.RotateTo{NextLogPos: 1000000}))
	p.Pin()
	require.NotNil(t, p.RotateTo)
	assert.Equal(t, int64(1000000), p.RotateTo.NextLogPos)

	l.Advance(2000000)
	assert.Equal(t, 1, l.Len(), "pinned points survive")
	assert.Zero(t, h.closes)

	l.Unpin(p)
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 1, h.syncs)
	assert.Equal(t, 1, h.closes)

	l.Advance(3000000)
	assert.Equal(t, 1, h.closes, "a freed point is released once")
}

func TestUnpinBeforeConsumed(t *testing.T) {
	l := ledger.New(false)
	h := &fakeHandle{}
	p := l.Insert(ledger.Seek, 500, ledger.WithHandle(h)).Pin()

	l.Unpin(p)
	assert.Equal(t, 1, l.Len(), "not consumed yet")
	assert.Zero(t, h.closes)

	l.Advance(499)
	assert.Equal(t, 1, l.Len())
	l.Advance(500)
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 1, h.closes)
}

func TestSyncFailureStillCloses(t *testing.T) {
	l := ledger.New(false)
	h := &fakeHandle{syncErr: errors.New("disk gone")}
	l.Insert(ledger.SliceEnd, 10, ledger.WithHandle(h))
	l.Advance(10)
	assert.Equal(t, 1, h.syncs)
	assert.Equal(t, 1, h.closes)
}

func TestKeepHistory(t *testing.T) {
	l := ledger.New(true)
	h := &fakeHandle{}
	p := l.Insert(ledger.SliceEnd, 10, ledger.WithHandle(h)).Pin()
	l.Unpin(p)
	l.Advance(100)
	assert.Equal(t, 1, l.Len())
	assert.Zero(t, h.closes)
}

func TestOrderingAndNavigation(t *testing.T) {
	l := ledger.New(false)
	a := l.Insert(ledger.Seek, 0).Pin()
	b := l.Insert(ledger.SliceEnd, 100).Pin()
	c := l.Insert(ledger.SliceEnd, 100).Pin()

	assert.Same(t, b, l.Next(a))
	assert.Same(t, c, l.Next(b))
	assert.Nil(t, l.Next(c))
	assert.Same(t, c, l.Tail())
	assert.Same(t, a, l.Find(99))
	assert.Same(t, c, l.Find(100))
	assert.Nil(t, ledger.New(false).Find(0))

	assert.Panics(t, func() { l.Insert(ledger.Seek, 99) })

	l.Advance(100)
	l.Unpin(b)
	assert.Equal(t, []*ledger.Point{a, c}, l.Points())
	assert.Same(t, c, l.Next(a))
}

func TestUnpinBelowZeroPanics(t *testing.T) {
	l := ledger.New(false)
	p := l.Insert(ledger.Seek, 0)
	assert.Panics(t, func() { l.Unpin(p) })
	assert.Panics(t, func() { ledger.New(false).Unpin(l.Insert(ledger.Seek, 1).Pin()) })
}
