package catalog

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/downfa11-org/go-binlog/pkg/integrity"
	"github.com/downfa11-org/go-binlog/util"
	"golang.org/x/exp/mmap"
)

const (
	// ZipMagic opens a zipped segment.
	ZipMagic     = uint32(0x047a4c4b)
	ZipChunkSize = 1 << 20

	zipFixedSize  = 4 + 4 + 8 + 3*md5.Size + 8 + 4
	zipTablePiece = int64(8192) // chunk offsets per read
	firstRegion   = 4 << 10
	first1MRegion = 1 << 20
	lastRegion    = 128 << 10
)

var byteOrder = binary.LittleEndian

var (
	ErrZipHeader = integrity.Corruption("bad zipped segment header")
	ErrZipHash   = integrity.Corruption("zipped segment content hash mismatch")
)

// ZipHeader is the chunk table prepended to a zipped segment.
type ZipHeader struct {
	Codec        util.Codec
	OrigSize     int64
	FirstHash    [md5.Size]byte
	First1MHash  [md5.Size]byte
	Last128KHash [md5.Size]byte
	FileHash     uint64
	// ChunkOffsets holds one file offset per chunk plus the end offset.
	ChunkOffsets []int64
	Crc32        uint32
}

// Chunks is the number of compressed chunks.
func (h *ZipHeader) Chunks() int { return len(h.ChunkOffsets) - 1 }

// Size is the encoded header length.
func (h *ZipHeader) Size() int64 {
	return int64(zipFixedSize + 8*len(h.ChunkOffsets) + 4)
}

func (h *ZipHeader) marshal() []byte {
	b := make([]byte, 0, h.Size())
	b = byteOrder.AppendUint32(b, ZipMagic)
	b = append(b, byte(h.Codec), 0, 0, 0)
	b = byteOrder.AppendUint64(b, uint64(h.OrigSize))
	b = append(b, h.FirstHash[:]...)
	b = append(b, h.First1MHash[:]...)
	b = append(b, h.Last128KHash[:]...)
	b = byteOrder.AppendUint64(b, h.FileHash)
	b = byteOrder.AppendUint32(b, uint32(h.Chunks()))
	for _, off := range h.ChunkOffsets {
		b = byteOrder.AppendUint64(b, uint64(off))
	}
	h.Crc32 = crc32.ChecksumIEEE(b)
	return byteOrder.AppendUint32(b, h.Crc32)
}

// ReadZipHeader parses and checks the header at the start of r.
func ReadZipHeader(r io.ReaderAt) (*ZipHeader, error) {
	fixed := make([]byte, zipFixedSize)
	if _, err := r.ReadAt(fixed, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrZipHeader, err)
	}
	if m := byteOrder.Uint32(fixed); m != ZipMagic {
		return nil, fmt.Errorf("%w: magic %#08x", ErrZipHeader, m)
	}
	h := &ZipHeader{
		Codec:    util.Codec(fixed[4]),
		OrigSize: int64(byteOrder.Uint64(fixed[8:])),
		FileHash: byteOrder.Uint64(fixed[16+3*md5.Size:]),
	}
	copy(h.FirstHash[:], fixed[16:])
	copy(h.First1MHash[:], fixed[16+md5.Size:])
	copy(h.Last128KHash[:], fixed[16+2*md5.Size:])

	chunks := int64(byteOrder.Uint32(fixed[zipFixedSize-4:]))
	if h.OrigSize < 0 || chunks != (h.OrigSize+ZipChunkSize-1)/ZipChunkSize {
		return nil, fmt.Errorf("%w: %d chunks for %d bytes", ErrZipHeader, chunks, h.OrigSize)
	}

	// chunks is untrusted until its table bytes have been read.
	n := chunks + 1
	h.ChunkOffsets = make([]int64, 0, min(n, zipTablePiece))
	sum := crc32.ChecksumIEEE(fixed)
	piece := make([]byte, 8*min(n, zipTablePiece))
	off := int64(zipFixedSize)
	for left := n; left > 0; {
		k := min(left, zipTablePiece)
		buf := piece[:8*k]
		if _, err := r.ReadAt(buf, off); err != nil {
			return nil, fmt.Errorf("%w: chunk table at %d: %v", ErrZipHeader, off, err)
		}
		for i := int64(0); i < k; i++ {
			v := int64(byteOrder.Uint64(buf[8*i:]))
			if last := len(h.ChunkOffsets) - 1; last >= 0 && v < h.ChunkOffsets[last] {
				return nil, fmt.Errorf("%w: chunk offsets not ascending at %d", ErrZipHeader, last+1)
			}
			h.ChunkOffsets = append(h.ChunkOffsets, v)
		}
		sum = crc32.Update(sum, crc32.IEEETable, buf)
		off += int64(len(buf))
		left -= k
	}

	var stored [4]byte
	if _, err := r.ReadAt(stored[:], off); err != nil {
		return nil, fmt.Errorf("%w: header crc: %v", ErrZipHeader, err)
	}
	h.Crc32 = byteOrder.Uint32(stored[:])
	if sum != h.Crc32 {
		return nil, fmt.Errorf("%w: header crc %08x, stored %08x", ErrZipHeader, sum, h.Crc32)
	}
	return h, nil
}

// zipReader serves ReadAt over the uncompressed content, keeping the last
// decoded chunk.
type zipReader struct {
	src io.ReaderAt
	hdr *ZipHeader

	mu    sync.Mutex
	cur   int
	chunk []byte
}

func newZipReader(src io.ReaderAt, hdr *ZipHeader) *zipReader {
	return &zipReader{src: src, hdr: hdr, cur: -1}
}

func (z *zipReader) load(i int) ([]byte, error) {
	if i == z.cur {
		return z.chunk, nil
	}
	lo, hi := z.hdr.ChunkOffsets[i], z.hdr.ChunkOffsets[i+1]
	packed := make([]byte, hi-lo)
	if _, err := z.src.ReadAt(packed, lo); err != nil && !(err == io.EOF && int64(len(packed)) == hi-lo) {
		return nil, fmt.Errorf("zipped chunk %d: %w", i, err)
	}
	want := int64(ZipChunkSize)
	if rem := z.hdr.OrigSize - int64(i)*ZipChunkSize; rem < want {
		want = rem
	}
	data, err := util.Decompress(packed, z.hdr.Codec, int(want))
	if err != nil {
		return nil, fmt.Errorf("zipped chunk %d: %w", i, err)
	}
	if int64(len(data)) != want {
		return nil, fmt.Errorf("%w: chunk %d decodes to %d bytes, want %d", ErrZipHeader, i, len(data), want)
	}
	z.cur, z.chunk = i, data
	return data, nil
}

func (z *zipReader) ReadAt(p []byte, off int64) (int, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if pos >= z.hdr.OrigSize {
			return n, io.EOF
		}
		data, err := z.load(int(pos / ZipChunkSize))
		if err != nil {
			return n, err
		}
		n += copy(p[n:], data[pos%ZipChunkSize:])
	}
	return n, nil
}

func regionHashes(data []byte) (first, first1M, last [md5.Size]byte) {
	clip := func(n int) int {
		if n > len(data) {
			return len(data)
		}
		return n
	}
	first = md5.Sum(data[:clip(firstRegion)])
	first1M = md5.Sum(data[:clip(first1MRegion)])
	last = md5.Sum(data[len(data)-clip(lastRegion):])
	return
}

// ZippedName maps a plain binlog filename to its zipped counterpart.
func ZippedName(name string) (string, error) {
	if !strings.HasSuffix(name, ".bin") {
		return "", fmt.Errorf("%w: %s is not a plain binlog", ErrBadSuffix, name)
	}
	return name + ".bz", nil
}

// ZipSegment compresses the sealed segment at srcPath next to it. The data
// is written under the temporary .bin.bz.tmp name and renamed once synced.
func ZipSegment(srcPath string, codec util.Codec, fileHash uint64) (string, *ZipHeader, error) {
	if codec == util.CodecNone {
		return "", nil, errors.New("catalog: zipping needs a compression codec")
	}
	dstPath, err := ZippedName(srcPath)
	if err != nil {
		return "", nil, err
	}

	src, err := mmap.Open(srcPath)
	if err != nil {
		return "", nil, fmt.Errorf("mmap open failed: %w", err)
	}
	defer src.Close()

	data := make([]byte, src.Len())
	if _, err := src.ReadAt(data, 0); err != nil && err != io.EOF {
		return "", nil, err
	}

	hdr := &ZipHeader{Codec: codec, OrigSize: int64(len(data)), FileHash: fileHash}
	hdr.FirstHash, hdr.First1MHash, hdr.Last128KHash = regionHashes(data)

	var packed [][]byte
	for off := 0; off < len(data); off += ZipChunkSize {
		end := off + ZipChunkSize
		if end > len(data) {
			end = len(data)
		}
		c, err := util.Compress(data[off:end], codec)
		if err != nil {
			return "", nil, err
		}
		packed = append(packed, c)
	}

	hdr.ChunkOffsets = make([]int64, len(packed)+1)
	off := hdr.Size()
	for i, c := range packed {
		hdr.ChunkOffsets[i] = off
		off += int64(len(c))
	}
	hdr.ChunkOffsets[len(packed)] = off

	tmpPath := dstPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", nil, err
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}
	if _, err := f.Write(hdr.marshal()); err != nil {
		cleanup()
		return "", nil, err
	}
	for _, c := range packed {
		if _, err := f.Write(c); err != nil {
			cleanup()
			return "", nil, err
		}
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", nil, err
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", nil, err
	}
	util.Debug("zipped %s: %d -> %d bytes in %d chunks (%s)", srcPath, hdr.OrigSize, off, len(packed), codec)
	return dstPath, hdr, nil
}

// VerifyZipped decompresses a whole zipped segment and checks its size and
// region hashes against the header.
func VerifyZipped(path string) (*ZipHeader, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap open failed: %w", err)
	}
	defer m.Close()

	hdr, err := ReadZipHeader(m)
	if err != nil {
		return nil, err
	}
	if end := hdr.ChunkOffsets[hdr.Chunks()]; end != int64(m.Len()) {
		return nil, fmt.Errorf("%w: chunks end at %d, file is %d bytes", ErrZipHeader, end, m.Len())
	}

	data := make([]byte, hdr.OrigSize)
	if _, err := newZipReader(m, hdr).ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}
	first, first1M, last := regionHashes(data)
	if first != hdr.FirstHash || first1M != hdr.First1MHash || last != hdr.Last128KHash {
		return nil, fmt.Errorf("%w: %s", ErrZipHash, path)
	}
	return hdr, nil
}
