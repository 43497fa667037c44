// Package zipaes implements the WinZip AES encryption scheme for ZIP entries: AES in CTR mode with a
// little-endian counter, keys derived with PBKDF2-HMAC-SHA1, and an HMAC-SHA1 authentication code over the
// ciphertext. Entries written here use the AE-2 variant, which zeroes the CRC-32 field; both AE-1 and AE-2 are
// read.
//
// See https://www.winzip.com/en/support/aes-encryption/ for the scheme's specification.
package zipaes

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// ExtraTag identifies the WinZip AES extra field.
	ExtraTag = 0x9901

	// AE1 keeps the entry's real CRC-32; AE2 zeroes it so no plaintext checksum leaks.
	AE1 = 1
	AE2 = 2

	// Strength values for the extra field, naming the AES key size.
	StrengthAES128 = 1
	StrengthAES192 = 2
	StrengthAES256 = 3

	pbkdf2Iterations = 1000
	verifierSize     = 2
	authCodeSize     = 10
)

// ErrPasswordMismatch is returned when a password fails the entry's verifier or the decrypted stream fails
// authentication.
var ErrPasswordMismatch = errors.New("wrong password")

// ExtraField is the decoded payload of the WinZip AES extra field. Method is the entry's real compression
// method, displaced from the header by the AES marker method 99.
type ExtraField struct {
	Version  uint16
	Strength byte
	Method   uint16
}

// ParseExtra decodes the 7-byte WinZip AES extra field payload.
func ParseExtra(data []byte) (f ExtraField, err error) {
	if len(data) < 7 {
		return f, fmt.Errorf("AES extra field too short: %d bytes", len(data))
	}
	f = ExtraField{
		Version:  binary.LittleEndian.Uint16(data),
		Strength: data[4],
		Method:   binary.LittleEndian.Uint16(data[5:]),
	}
	switch {
	case f.Version != AE1 && f.Version != AE2:
		return f, fmt.Errorf("unsupported AES version %d", f.Version)
	case data[2] != 'A' || data[3] != 'E':
		return f, fmt.Errorf("mismatched AES vendor ID, got 0x%x, expected 0x%x", data[2:4], "AE")
	case f.Strength < StrengthAES128 || f.Strength > StrengthAES256:
		return f, fmt.Errorf("unsupported AES strength %d", f.Strength)
	}
	return f, nil
}

// Marshal encodes the extra field payload.
func (f ExtraField) Marshal() []byte {
	b := make([]byte, 7)
	binary.LittleEndian.PutUint16(b, f.Version)
	b[2], b[3] = 'A', 'E'
	b[4] = f.Strength
	binary.LittleEndian.PutUint16(b[5:], f.Method)
	return b
}

// Overhead is the number of stored bytes the scheme adds around the ciphertext: the salt, the password
// verifier, and the trailing authentication code.
func Overhead(strength byte) int64 {
	return int64(saltSize(strength)) + verifierSize + authCodeSize
}

func saltSize(strength byte) int {
	return 4 + 4*int(strength)
}

func keySize(strength byte) int {
	return 8 + 8*int(strength)
}

// deriveKeys stretches the password into the AES key, the HMAC key, and the 2-byte password verifier stored
// next to the salt.
func deriveKeys(password string, salt []byte, strength byte) (encKey, macKey, verifier []byte) {
	n := keySize(strength)
	k := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 2*n+verifierSize, sha1.New)
	return k[:n], k[n : 2*n], k[2*n:]
}
