package catalog

import (
	"crypto/rand"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20"
)

// EncMagic opens the replica's .enc key file.
const EncMagic = uint32(0x04636e45)

const encFileSize = 4 + chacha20.KeySize + chacha20.NonceSize

var ErrKeyFile = errors.New("catalog: bad encryption key file")

// Decrypter turns on-disk bytes of file at logical offset off into plain
// log bytes, in place.
type Decrypter interface {
	DecryptAt(file string, p []byte, off int64) error
}

// StreamCipher is the default Decrypter: ChaCha20 keyed per replica, with a
// nonce varied per file and the keystream seeked to the byte offset.
// Applying it twice restores the input, so it also encrypts.
type StreamCipher struct {
	key   [chacha20.KeySize]byte
	nonce [chacha20.NonceSize]byte
}

func NewStreamCipher(key [chacha20.KeySize]byte, nonce [chacha20.NonceSize]byte) *StreamCipher {
	return &StreamCipher{key: key, nonce: nonce}
}

func (s *StreamCipher) fileNonce(file string) []byte {
	h := fnv.New64a()
	_, _ = h.Write([]byte(filepath.Base(file)))
	sum := h.Sum64()
	n := s.nonce
	for i := 0; i < 8; i++ {
		n[i] ^= byte(sum >> (8 * i))
	}
	return n[:]
}

func (s *StreamCipher) DecryptAt(file string, p []byte, off int64) error {
	if off < 0 {
		return fmt.Errorf("catalog: negative decrypt offset %d", off)
	}
	c, err := chacha20.NewUnauthenticatedCipher(s.key[:], s.fileNonce(file))
	if err != nil {
		return err
	}
	block := off / 64
	if block > int64(^uint32(0)) {
		return fmt.Errorf("catalog: decrypt offset %d beyond keystream", off)
	}
	c.SetCounter(uint32(block))
	if skip := int(off % 64); skip > 0 {
		var junk [64]byte
		c.XORKeyStream(junk[:skip], junk[:skip])
	}
	c.XORKeyStream(p, p)
	return nil
}

// LoadKeyFile reads a .enc descriptor.
func LoadKeyFile(path string) (*StreamCipher, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) != encFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrKeyFile, path, len(b), encFileSize)
	}
	if m := byteOrder.Uint32(b); m != EncMagic {
		return nil, fmt.Errorf("%w: %s magic %#08x", ErrKeyFile, path, m)
	}
	s := &StreamCipher{}
	copy(s.key[:], b[4:])
	copy(s.nonce[:], b[4+chacha20.KeySize:])
	return s, nil
}

// WriteKeyFile creates a .enc descriptor with a random key and nonce.
func WriteKeyFile(path string) (*StreamCipher, error) {
	s := &StreamCipher{}
	if _, err := rand.Read(s.key[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(s.nonce[:]); err != nil {
		return nil, err
	}
	b := byteOrder.AppendUint32(make([]byte, 0, encFileSize), EncMagic)
	b = append(b, s.key[:]...)
	b = append(b, s.nonce[:]...)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return nil, err
	}
	return s, nil
}
