package zipaes

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"
)

// Writer encrypts one entry's data into the WinZip AES stored form.
type Writer struct {
	dst    io.Writer
	stream *leCTR
	mac    hash.Hash
	buf    []byte
	closed bool
}

// NewWriter encrypts everything written to it with a fresh random salt and writes the stored form, salt and
// password verifier first, to dst. Close writes the trailing authentication code and must be called for the
// stream to be complete; it does not close dst.
func NewWriter(dst io.Writer, password string, strength byte) (*Writer, error) {
	if strength < StrengthAES128 || strength > StrengthAES256 {
		return nil, fmt.Errorf("unsupported AES strength %d", strength)
	}

	salt := make([]byte, saltSize(strength))
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate AES salt error: %w", err)
	}

	encKey, macKey, verifier := deriveKeys(password, salt, strength)
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}

	if _, err = dst.Write(append(salt, verifier...)); err != nil {
		return nil, fmt.Errorf("write AES salt error: %w", err)
	}
	return &Writer{
		dst:    dst,
		stream: newLECTR(block),
		mac:    hmac.New(sha1.New, macKey),
		buf:    make([]byte, 32*1024),
	}, nil
}

func (w *Writer) Write(p []byte) (written int, err error) {
	for len(p) > 0 {
		n := min(len(p), len(w.buf))
		ct := w.buf[:n]
		w.stream.XORKeyStream(ct, p[:n])
		w.mac.Write(ct)
		if _, err = w.dst.Write(ct); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Close writes the authentication code over everything encrypted so far.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if _, err := w.dst.Write(w.mac.Sum(nil)[:authCodeSize]); err != nil {
		return fmt.Errorf("write AES authentication code error: %w", err)
	}
	return nil
}
