package zipcd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// EOCD models the end of central directory record of a ZIP file.
//
// See https://en.wikipedia.org/wiki/ZIP_(file_format)#End_of_central_directory_record_(EOCD).
//
// Fields that can outgrow their slot in the 22-byte record are held at ZIP64 width; Parse folds the values of
// a ZIP64 EOCD record in when the standard record is saturated.
type EOCD struct {
	// DiskNumber is the number of this disk.
	DiskNumber uint32
	// CDDiskOffset is the disk where the central directory starts.
	CDDiskOffset uint32
	// CDCountOnDisk is the number of central directory records on this disk.
	CDCountOnDisk uint64
	// CDCount is the total number of central directory records.
	CDCount uint64
	// CDSize is the size in bytes of the central directory.
	CDSize uint64
	// CDOffset is the offset of the start of the central directory, relative to the start of the archive.
	CDOffset uint64
	// Comment is the comment section of the EOCD.
	Comment string
}

// findEOCD searches the last maxScan bytes of src backwards for the EOCD record, returning it along with its
// offset in the file.
func findEOCD(src io.ReaderAt, size, maxScan int64) (r EOCD, offset int64, err error) {
	if size < eocdLen {
		return r, 0, ErrNoEOCD
	}
	if maxScan <= 0 || maxScan > size {
		maxScan = size
	}

	var (
		// buf is the fixed-size read buffer for every src.ReadAt.
		// b is the variable-sized buffer accumulating all bytes read so far; it always extends to end of
		// file, so a signature found at index i sits at absolute offset start+i.
		buf   = make([]byte, 16*1024)
		b     []byte
		start = size
		limit = size - maxScan
	)

	for start > limit {
		n := int64(len(buf))
		if n > start-limit {
			n = start - limit
		}
		start -= n

		switch readN, err := src.ReadAt(buf[:n], start); {
		case err != nil && !errors.Is(err, io.EOF):
			return r, 0, fmt.Errorf("find EOCD: read at 0x%x error: %w", start, err)
		case int64(readN) < n:
			return r, 0, fmt.Errorf("find EOCD: insufficient read: expected %d bytes, got %d", n, readN)
		}

		b = append(make([]byte, n), b...)
		copy(b, buf[:n])

		// the +3 overlap catches a signature torn across two reads; anything further right was already
		// searched in a previous round.
		window := b[:min(int(n)+3, len(b))]
		for {
			i := bytes.LastIndex(window, eocdSigBytes)
			if i == -1 {
				break
			}
			if i+eocdLen <= len(b) {
				if r, err = unmarshalEOCD(([eocdLen]byte)(b[i:i+eocdLen]), func(c []byte) (int, error) {
					return copy(c, b[i+eocdLen:]), nil
				}); err != nil {
					return r, 0, fmt.Errorf("find EOCD: %w", err)
				}
				return r, start + int64(i), nil
			}
			window = window[:i]
		}
	}

	return r, 0, ErrNoEOCD
}

// unmarshalEOCD decodes the 22-byte slice as an EOCD record.
// read will always be called to retrieve the comment. if there is no comment, read will be passed an empty
// slice.
func unmarshalEOCD(b [eocdLen]byte, read func(b []byte) (int, error)) (r EOCD, err error) {
	data := &struct {
		Signature     uint32
		DiskNumber    uint16
		CDDiskOffset  uint16
		CDCountOnDisk uint16
		CDCount       uint16
		CDSize        uint32
		CDOffset      uint32
		CommentLength uint16
	}{}

	if !bytes.Equal(eocdSigBytes, b[:4]) {
		return r, fmt.Errorf("mismatched signature, got 0x%x, expected 0x%x", b[:4], eocdSigBytes)
	}

	if err = binary.Read(bytes.NewReader(b[:]), binary.LittleEndian, data); err != nil {
		return r, fmt.Errorf("unmarshal error: %w", err)
	}

	r = EOCD{
		DiskNumber:    uint32(data.DiskNumber),
		CDDiskOffset:  uint32(data.CDDiskOffset),
		CDCountOnDisk: uint64(data.CDCountOnDisk),
		CDCount:       uint64(data.CDCount),
		CDSize:        uint64(data.CDSize),
		CDOffset:      uint64(data.CDOffset),
	}

	comment := make([]byte, data.CommentLength)
	switch readN, err := read(comment); {
	case err != nil && !errors.Is(err, io.EOF):
		return r, fmt.Errorf("read variable-size data error: %w", err)
	case readN < int(data.CommentLength):
		return r, fmt.Errorf("read variable-size data error: insufficient read: expected at least %d bytes, got %d", data.CommentLength, readN)
	default:
		r.Comment = string(comment)
	}

	return r, nil
}

// foldEOCD64 replaces saturated EOCD values with those of the ZIP64 EOCD record, located through the locator
// that immediately precedes the standard record. A missing locator is tolerated, matching readers that fall
// back to the 32-bit values; a locator pointing at garbage is not.
func foldEOCD64(src io.ReaderAt, r *EOCD, eocdOffset int64) error {
	if r.CDCount != 0xffff && r.CDSize != 0xffffffff && r.CDOffset != 0xffffffff {
		return nil
	}

	locOffset := eocdOffset - eocd64LocatorLen
	if locOffset < 0 {
		return nil
	}
	loc := make([]byte, eocd64LocatorLen)
	if _, err := src.ReadAt(loc, locOffset); err != nil {
		return fmt.Errorf("find ZIP64 EOCD locator: read at 0x%x error: %w", locOffset, err)
	}
	if binary.LittleEndian.Uint32(loc) != eocd64LocatorSig {
		return nil
	}

	recOffset := int64(binary.LittleEndian.Uint64(loc[8:16]))
	b := make([]byte, eocd64Len)
	if _, err := src.ReadAt(b, recOffset); err != nil {
		return fmt.Errorf("read ZIP64 EOCD record at 0x%x error: %w", recOffset, err)
	}
	if binary.LittleEndian.Uint32(b) != eocd64Sig {
		return fmt.Errorf("ZIP64 EOCD record: mismatched signature, got 0x%x, expected 0x%x", b[:4], eocd64Sig)
	}

	r.DiskNumber = binary.LittleEndian.Uint32(b[16:20])
	r.CDDiskOffset = binary.LittleEndian.Uint32(b[20:24])
	r.CDCountOnDisk = binary.LittleEndian.Uint64(b[24:32])
	r.CDCount = binary.LittleEndian.Uint64(b[32:40])
	r.CDSize = binary.LittleEndian.Uint64(b[40:48])
	r.CDOffset = binary.LittleEndian.Uint64(b[48:56])
	return nil
}
