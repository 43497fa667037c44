package sevenz

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

// cyclesPower is the key-derivation work factor, 2^19 SHA-256 rounds like 7-Zip's default.
const cyclesPower = 19

// deriveKey runs the format's key derivation: 2^power rounds of SHA-256 over the salt, the UTF-16LE
// password, and the little-endian round counter.
func deriveKey(password string, salt []byte, power uint) ([]byte, error) {
	pw, err := utf16le(password)
	if err != nil {
		return nil, fmt.Errorf("encode password error: %w", err)
	}

	h := sha256.New()
	var counter [8]byte
	for i := uint64(0); i < 1<<power; i++ {
		h.Write(salt)
		h.Write(pw)
		binary.LittleEndian.PutUint64(counter[:], i)
		h.Write(counter[:])
	}
	return h.Sum(nil), nil
}

// cbcWriter encrypts with AES-256-CBC, zero-padding the final partial block on Close. Decoders truncate the
// output to the folder's recorded unpack size, so the padding never surfaces.
type cbcWriter struct {
	dst   io.Writer
	mode  cipher.BlockMode
	part  [aes.BlockSize]byte
	n     int
	buf   []byte
	props []byte
}

func newCBCWriter(dst io.Writer, password string) (*cbcWriter, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv error: %w", err)
	}
	key, err := deriveKey(password, nil, cyclesPower)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	// coder properties: the work factor with the iv-present bit, the extra iv length, then the iv. No salt.
	props := make([]byte, 0, 2+aes.BlockSize)
	props = append(props, cyclesPower|0x40, aes.BlockSize-1)
	props = append(props, iv...)

	return &cbcWriter{dst: dst, mode: cipher.NewCBCEncrypter(block, iv), props: props}, nil
}

func (c *cbcWriter) Write(p []byte) (int, error) {
	consumed := 0
	if c.n > 0 {
		k := copy(c.part[c.n:], p)
		c.n += k
		consumed += k
		if c.n < aes.BlockSize {
			return consumed, nil
		}
		c.mode.CryptBlocks(c.part[:], c.part[:])
		c.n = 0
		if _, err := c.dst.Write(c.part[:]); err != nil {
			return consumed, err
		}
	}

	rest := p[consumed:]
	full := len(rest) &^ (aes.BlockSize - 1)
	if full > 0 {
		if cap(c.buf) < full {
			c.buf = make([]byte, full)
		}
		buf := c.buf[:full]
		c.mode.CryptBlocks(buf, rest[:full])
		if _, err := c.dst.Write(buf); err != nil {
			return consumed, err
		}
		consumed += full
		rest = rest[full:]
	}

	c.n = copy(c.part[:], rest)
	consumed += c.n
	return consumed, nil
}

func (c *cbcWriter) Close() error {
	if c.n == 0 {
		return nil
	}
	for i := c.n; i < aes.BlockSize; i++ {
		c.part[i] = 0
	}
	c.mode.CryptBlocks(c.part[:], c.part[:])
	c.n = 0
	_, err := c.dst.Write(c.part[:])
	return err
}
