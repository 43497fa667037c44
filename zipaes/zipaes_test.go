package zipaes

import (
	"bytes"
	"io"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func encrypt(t *testing.T, plaintext []byte, password string, strength byte) []byte {
	t.Helper()

	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, password, strength)
	assert.NoErrorf(t, err, "NewWriter(...) error = %v", err)
	_, err = w.Write(plaintext)
	assert.NoErrorf(t, err, "Write(...) error = %v", err)
	assert.NoError(t, w.Close())
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		strength byte
	}{
		{name: "empty AES-256", size: 0, strength: StrengthAES256},
		{name: "one block AES-256", size: 16, strength: StrengthAES256},
		{name: "odd size AES-256", size: 100_003, strength: StrengthAES256},
		{name: "odd size AES-128", size: 4097, strength: StrengthAES128},
		{name: "odd size AES-192", size: 513, strength: StrengthAES192},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plaintext := make([]byte, tt.size)
			for i := range plaintext {
				plaintext[i] = byte(rand.IntN(256))
			}

			stored := encrypt(t, plaintext, "hunter2", tt.strength)
			assert.Equal(t, int64(len(plaintext))+Overhead(tt.strength), int64(len(stored)))

			r, err := NewReader(bytes.NewReader(stored), "hunter2", tt.strength, int64(len(stored)))
			assert.NoErrorf(t, err, "NewReader(...) error = %v", err)

			got, err := io.ReadAll(r)
			assert.NoErrorf(t, err, "ReadAll(...) error = %v", err)
			assert.Equal(t, plaintext, got)
		})
	}
}

func TestWrongPassword(t *testing.T) {
	stored := encrypt(t, []byte("attack at dawn"), "correct horse", StrengthAES256)

	// the 2-byte verifier rejects almost every wrong password immediately; the rare collision is caught by
	// the authentication code at the end of the stream.
	r, err := NewReader(bytes.NewReader(stored), "battery staple", StrengthAES256, int64(len(stored)))
	if err == nil {
		_, err = io.ReadAll(r)
	}
	assert.ErrorIs(t, err, ErrPasswordMismatch)
}

func TestTamperedCiphertext(t *testing.T) {
	stored := encrypt(t, bytes.Repeat([]byte("x"), 1024), "hunter2", StrengthAES256)
	stored[len(stored)-authCodeSize-1] ^= 0x80

	r, err := NewReader(bytes.NewReader(stored), "hunter2", StrengthAES256, int64(len(stored)))
	assert.NoErrorf(t, err, "NewReader(...) error = %v", err)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, ErrPasswordMismatch)
}

func TestTruncated(t *testing.T) {
	stored := encrypt(t, bytes.Repeat([]byte("x"), 1024), "hunter2", StrengthAES256)

	r, err := NewReader(bytes.NewReader(stored[:len(stored)-20]), "hunter2", StrengthAES256, int64(len(stored)))
	assert.NoErrorf(t, err, "NewReader(...) error = %v", err)
	_, err = io.ReadAll(r)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)

	_, err = NewReader(bytes.NewReader(stored[:4]), "hunter2", StrengthAES256, 4)
	assert.Error(t, err)
}

func TestExtraField(t *testing.T) {
	f := ExtraField{Version: AE2, Strength: StrengthAES256, Method: 8}
	parsed, err := ParseExtra(f.Marshal())
	assert.NoErrorf(t, err, "ParseExtra(...) error = %v", err)
	assert.Equal(t, f, parsed)

	_, err = ParseExtra([]byte{2, 0, 'A', 'E', 3})
	assert.Error(t, err)

	_, err = ParseExtra([]byte{9, 0, 'A', 'E', 3, 8, 0})
	assert.Error(t, err)

	_, err = ParseExtra([]byte{2, 0, 'X', 'E', 3, 8, 0})
	assert.Error(t, err)
}

func TestCounterKeystream(t *testing.T) {
	// one long pass and many short passes must produce the same keystream regardless of chunking.
	plaintext := make([]byte, 1000)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	stored := encrypt(t, plaintext, "chunky", StrengthAES256)

	r, err := NewReader(bytes.NewReader(stored), "chunky", StrengthAES256, int64(len(stored)))
	assert.NoErrorf(t, err, "NewReader(...) error = %v", err)
	var got []byte
	buf := make([]byte, 7)
	for {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		assert.NoErrorf(t, err, "Read(...) error = %v", err)
	}
	assert.Equal(t, plaintext, got)
}
