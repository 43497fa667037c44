package zipaes

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"
	"io"
)

// Reader decrypts one WinZip AES entry stream.
type Reader struct {
	src       io.Reader
	stream    *leCTR
	mac       hash.Hash
	remaining int64
	err       error
}

// NewReader decrypts the stored bytes of one entry from src, which must deliver exactly storedSize bytes: the
// salt, the password verifier, the ciphertext, and the authentication code. The password verifier is checked
// here and a mismatch fails with ErrPasswordMismatch immediately.
//
// The authentication code only covers the ciphertext, so it can only be checked once the whole stream has been
// read: Read returns ErrPasswordMismatch in place of io.EOF when authentication fails. Callers must drain the
// reader to authenticate the data.
func NewReader(src io.Reader, password string, strength byte, storedSize int64) (*Reader, error) {
	if strength < StrengthAES128 || strength > StrengthAES256 {
		return nil, fmt.Errorf("unsupported AES strength %d", strength)
	}

	header := make([]byte, saltSize(strength)+verifierSize)
	if ctSize := storedSize - Overhead(strength); ctSize < 0 {
		return nil, fmt.Errorf("stored size %d is too small for an AES entry", storedSize)
	} else if _, err := io.ReadFull(src, header); err != nil {
		return nil, fmt.Errorf("read AES salt error: %w", err)
	} else {
		salt, verifier := header[:saltSize(strength)], header[saltSize(strength):]
		encKey, macKey, want := deriveKeys(password, salt, strength)
		if subtle.ConstantTimeCompare(verifier, want) != 1 {
			return nil, ErrPasswordMismatch
		}

		block, err := aes.NewCipher(encKey)
		if err != nil {
			return nil, err
		}
		return &Reader{
			src:       src,
			stream:    newLECTR(block),
			mac:       hmac.New(sha1.New, macKey),
			remaining: ctSize,
		}, nil
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.remaining == 0 {
		r.err = r.finalize()
		return 0, r.err
	}

	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.src.Read(p)
	if n > 0 {
		// the MAC covers the ciphertext, so feed it before decrypting in place.
		r.mac.Write(p[:n])
		r.stream.XORKeyStream(p[:n], p[:n])
		r.remaining -= int64(n)
	}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		if r.remaining > 0 {
			r.err = fmt.Errorf("read AES data error: %w", io.ErrUnexpectedEOF)
			return n, r.err
		}
	default:
		r.err = err
		return n, err
	}
	return n, nil
}

// finalize reads the trailing authentication code and checks it against the ciphertext's HMAC.
func (r *Reader) finalize() error {
	want := make([]byte, authCodeSize)
	if _, err := io.ReadFull(r.src, want); err != nil {
		return fmt.Errorf("read AES authentication code error: %w", err)
	}
	if got := r.mac.Sum(nil)[:authCodeSize]; subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrPasswordMismatch
	}
	return io.EOF
}
