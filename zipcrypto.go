package arcx

import (
	"fmt"
	"hash/crc32"
	"io"

	"github.com/nguyenvq/arcx/zipcd"
)

// zipCryptoReader decrypts the legacy PKWARE stream cipher. Reading is supported so that old archives remain
// usable; newly encrypted entries always use WinZip AES instead, the legacy cipher being long broken.
type zipCryptoReader struct {
	src  io.Reader
	keys [3]uint32
}

// newZipCryptoReader strips and validates the 12-byte encryption header of one entry's stored data. The last
// header byte is a 1-in-256 password check: entries written with a data descriptor check against the high byte
// of the modification time, all others against the high byte of the CRC-32.
func newZipCryptoReader(src io.Reader, password string, rec *zipcd.Record) (io.Reader, error) {
	r := &zipCryptoReader{src: src, keys: [3]uint32{0x12345678, 0x23456789, 0x34567890}}
	for i := 0; i < len(password); i++ {
		r.update(password[i])
	}

	header := make([]byte, 12)
	if _, err := io.ReadFull(src, header); err != nil {
		return nil, fmt.Errorf("read encryption header error: %w", err)
	}
	r.decrypt(header)

	check := byte(rec.CRC32 >> 24)
	if rec.Flags&zipcd.FlagDataDescriptor != 0 {
		check = byte(rec.ModifiedTime >> 8)
	}
	if header[11] != check {
		return nil, fmt.Errorf(`entry "%s": %w`, rec.Name, ErrPassword)
	}
	return r, nil
}

func (r *zipCryptoReader) Read(p []byte) (n int, err error) {
	n, err = r.src.Read(p)
	r.decrypt(p[:n])
	return n, err
}

func (r *zipCryptoReader) decrypt(b []byte) {
	for i, c := range b {
		t := r.keys[2] | 2
		b[i] = c ^ byte(t*(t^1)>>8)
		r.update(b[i])
	}
}

func (r *zipCryptoReader) update(b byte) {
	r.keys[0] = crc32.IEEETable[byte(r.keys[0])^b] ^ r.keys[0]>>8
	r.keys[1] = (r.keys[1]+r.keys[0]&0xff)*134775813 + 1
	r.keys[2] = crc32.IEEETable[byte(r.keys[2])^byte(r.keys[1]>>24)] ^ r.keys[2]>>8
}
