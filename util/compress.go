package util

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the chunk compression of a zipped segment. The value is
// stored as the format byte of the zipped header.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecLZ4
	CodecSnappy
	CodecZstd
	CodecGzip
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecSnappy:
		return "snappy"
	case CodecZstd:
		return "zstd"
	case CodecGzip:
		return "gzip"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "snappy":
		return CodecSnappy, nil
	case "zstd":
		return CodecZstd, nil
	case "gzip":
		return CodecGzip, nil
	default:
		return CodecNone, fmt.Errorf("unsupported compression type: %s", name)
	}
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// Compress encodes one chunk with the given codec.
func Compress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecGzip:
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			return nil, err
		}
		if err := gw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case CodecSnappy:
		return snappy.Encode(nil, data), nil

	case CodecLZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case CodecZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, nil), nil

	case CodecNone:
		return data, nil

	default:
		return nil, fmt.Errorf("unsupported compression type: %s", codec)
	}
}

// Decompress decodes one chunk. sizeHint is the expected decoded length,
// used to preallocate.
func Decompress(data []byte, codec Codec, sizeHint int) ([]byte, error) {
	switch codec {
	case CodecGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := gr.Close(); err != nil {
				Error("failed to close gzip reader: %v", err)
			}
		}()
		return readAllSized(gr, sizeHint)

	case CodecSnappy:
		return snappy.Decode(nil, data)

	case CodecLZ4:
		return readAllSized(lz4.NewReader(bytes.NewReader(data)), sizeHint)

	case CodecZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(data, make([]byte, 0, sizeHint))

	case CodecNone:
		return data, nil

	default:
		return nil, fmt.Errorf("unsupported compression type: %s", codec)
	}
}

func readAllSized(r io.Reader, sizeHint int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, sizeHint))
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
