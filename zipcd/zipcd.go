// Package zipcd reads and writes the structural records of a ZIP file: the end of central directory record,
// the central directory file headers, and the local file headers. It deliberately knows nothing about
// compression or encryption; callers get byte offsets and raw header fields and bring their own codecs.
package zipcd

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	lfhSig  = 0x04034b50
	cdfhSig = 0x02014b50
	eocdSig = 0x06054b50
	ddSig   = 0x08074b50

	eocd64Sig        = 0x06064b50
	eocd64LocatorSig = 0x07064b50

	lfhLen           = 30
	cdfhLen          = 46
	eocdLen          = 22
	eocd64Len        = 56
	eocd64LocatorLen = 20
)

var (
	lfhSigBytes  = putUint32(lfhSig)
	cdfhSigBytes = putUint32(cdfhSig)
	eocdSigBytes = putUint32(eocdSig)
)

func putUint32(v uint32) (b []byte) {
	b = make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

const (
	// FlagEncrypted is set on entries whose data is encrypted.
	FlagEncrypted = 0x1
	// FlagDataDescriptor is set on entries whose CRC-32 and sizes trail the data in a descriptor record
	// instead of being present in the local file header.
	FlagDataDescriptor = 0x8
	// FlagUTF8 marks the entry's name and comment as UTF-8.
	FlagUTF8 = 0x800

	// MethodAES is the WinZip AES marker method; the actual compression method lives in the AES extra field.
	MethodAES = 99

	// zip64ExtraTag carries 64-bit sizes and offsets for fields that overflow their 32-bit header slots.
	zip64ExtraTag = 0x0001
)

// ErrNoEOCD is returned if no EOCD signature was found.
var ErrNoEOCD = errors.New("end of central directory not found; most likely not a ZIP file")

// Record is one file's central directory header. The embedded zip.FileHeader carries the name, flags, method,
// sizes, CRC-32, timestamps, attributes, and raw extra field; the 64-bit size fields are authoritative and
// already include any ZIP64 extra field values found at parse time.
type Record struct {
	zip.FileHeader

	// InternalAttrs is the internal file attributes field, which zip.FileHeader does not surface.
	InternalAttrs uint16
	// DiskNumber is the number of the disk the entry starts on.
	DiskNumber uint16
	// Offset is the entry's local file header offset from the start of the archive.
	Offset int64
}

// IsDir reports whether the record is a directory entry.
func (r *Record) IsDir() bool {
	return len(r.Name) > 0 && (r.Name[len(r.Name)-1] == '/' || r.Name[len(r.Name)-1] == '\\')
}

// Encrypted reports whether the entry requires a password.
func (r *Record) Encrypted() bool {
	return r.Flags&FlagEncrypted != 0 || r.Method == MethodAES
}

// Directory is the parsed central directory of a ZIP file. Records appear in stored order, so a record's index
// in Records is its central directory index.
type Directory struct {
	Records []Record
	EOCD    EOCD
}

// Options customises Parse.
type Options struct {
	// MaxScan limits how many bytes are searched backwards for the EOCD record. By default,
	// DefaultMaxScan is used; set this to 0 or to the file size to search the entire file.
	MaxScan int64
}

// DefaultMaxScan is the default value of [Options.MaxScan].
const DefaultMaxScan int64 = 1 * 1024 * 1024

// Parse reads the whole central directory of the ZIP file in src. It searches backwards for the EOCD record,
// follows the ZIP64 locator when the 32-bit record is saturated, and then decodes every central directory file
// header. ErrNoEOCD is returned when src is most likely not a ZIP file at all.
func Parse(src io.ReaderAt, size int64, optFns ...func(*Options)) (*Directory, error) {
	opts := &Options{MaxScan: DefaultMaxScan}
	for _, fn := range optFns {
		fn(opts)
	}

	eocd, eocdOffset, err := findEOCD(src, size, opts.MaxScan)
	if err != nil {
		return nil, err
	}
	if err = foldEOCD64(src, &eocd, eocdOffset); err != nil {
		return nil, err
	}

	if eocd.CDOffset > uint64(eocdOffset) || eocd.CDSize > uint64(eocdOffset)-eocd.CDOffset {
		return nil, fmt.Errorf("central directory [0x%x, +0x%x) out of bounds", eocd.CDOffset, eocd.CDSize)
	}
	// every file header takes at least cdfhLen bytes, so a count the region cannot hold is corrupt metadata,
	// not something to allocate for.
	if eocd.CDCount > eocd.CDSize/cdfhLen {
		return nil, fmt.Errorf("central directory declares %d entries in 0x%x bytes", eocd.CDCount, eocd.CDSize)
	}

	d := &Directory{EOCD: eocd}
	var (
		bufSrc = bufio.NewReaderSize(io.NewSectionReader(src, int64(eocd.CDOffset), int64(eocd.CDSize)), 16*1024)
		buf    = make([]byte, cdfhLen)
	)
	d.Records = make([]Record, 0, int(eocd.CDCount))
	for i := uint64(0); i < eocd.CDCount; i++ {
		if readN, err := io.ReadFull(bufSrc, buf); err != nil {
			return nil, fmt.Errorf("read CD file header %d error: insufficient read: expected at least %d bytes, got %d", i, cdfhLen, readN)
		}

		rec, err := unmarshalRecord(([cdfhLen]byte)(buf), bufSrc.Read)
		if err != nil {
			return nil, fmt.Errorf("read CD file header %d error: %w", i, err)
		}

		d.Records = append(d.Records, rec)
	}

	return d, nil
}

// unmarshalRecord decodes the 46-byte slice as a Record.
// read will always be called to retrieve the variable-size part of the header. if there is no variable-size
// part, read will be passed an empty slice.
func unmarshalRecord(b [cdfhLen]byte, read func(b []byte) (int, error)) (rec Record, err error) {
	data := &struct {
		Signature         uint32
		CreatorVersion    uint16
		ReaderVersion     uint16
		Flags             uint16
		Method            uint16
		ModifiedTime      uint16
		ModifiedDate      uint16
		CRC32             uint32
		CompressedSize    uint32
		UncompressedSize  uint32
		FileNameLength    uint16
		ExtraFieldLength  uint16
		FileCommentLength uint16
		DiskNumber        uint16
		InternalAttrs     uint16
		ExternalAttrs     uint32
		Offset            uint32
	}{}

	if !bytes.Equal(cdfhSigBytes, b[:4]) {
		return rec, fmt.Errorf("mismatched signature, got 0x%x, expected 0x%x", b[:4], cdfhSigBytes)
	}

	if err = binary.Read(bytes.NewReader(b[:]), binary.LittleEndian, data); err != nil {
		return rec, fmt.Errorf("unmarshal error: %w", err)
	}

	rec = Record{
		FileHeader: zip.FileHeader{
			CreatorVersion:     data.CreatorVersion,
			ReaderVersion:      data.ReaderVersion,
			Flags:              data.Flags,
			Method:             data.Method,
			ModifiedTime:       data.ModifiedTime,
			ModifiedDate:       data.ModifiedDate,
			CRC32:              data.CRC32,
			CompressedSize:     data.CompressedSize,
			UncompressedSize:   data.UncompressedSize,
			CompressedSize64:   uint64(data.CompressedSize),
			UncompressedSize64: uint64(data.UncompressedSize),
			ExternalAttrs:      data.ExternalAttrs,
		},
		InternalAttrs: data.InternalAttrs,
		DiskNumber:    data.DiskNumber,
		Offset:        int64(data.Offset),
	}
	rec.Modified = msDosTimeToTime(rec.ModifiedDate, rec.ModifiedTime)

	n, m, k := data.FileNameLength, data.ExtraFieldLength, data.FileCommentLength
	nmkLen := int(n) + int(m) + int(k)
	nmk := make([]byte, nmkLen)
	switch readN, err := read(nmk); {
	case err != nil && !errors.Is(err, io.EOF):
		return rec, fmt.Errorf("read variable-size data error: %w", err)
	case readN < nmkLen:
		return rec, fmt.Errorf("read variable-size data error: insufficient read: expected at least %d bytes, got %d", nmkLen, readN)
	default:
		rec.Name, rec.Extra, rec.Comment = string(nmk[:n]), nmk[n:n+m], string(nmk[n+m:])
	}

	foldZip64Extra(&rec, uint64(data.Offset))
	return rec, nil
}

// foldZip64Extra folds 64-bit values from the ZIP64 extra field into the record for every 32-bit header field
// that is saturated. The values appear in fixed order but only for the fields that need them.
func foldZip64Extra(rec *Record, offset uint64) {
	data, ok := FindExtra(rec.Extra, zip64ExtraTag)
	if !ok {
		return
	}

	next := func() (uint64, bool) {
		if len(data) < 8 {
			return 0, false
		}
		v := binary.LittleEndian.Uint64(data)
		data = data[8:]
		return v, true
	}

	if rec.UncompressedSize == 0xffffffff {
		if v, ok := next(); ok {
			rec.UncompressedSize64 = v
		}
	}
	if rec.CompressedSize == 0xffffffff {
		if v, ok := next(); ok {
			rec.CompressedSize64 = v
		}
	}
	if offset == 0xffffffff {
		if v, ok := next(); ok {
			rec.Offset = int64(v)
		}
	}
}

// Span locates the byte ranges entry i occupies in the file. The entry's local file header is read because its
// name and extra field lengths are allowed to differ from the central directory's copy.
func (d *Directory) Span(src io.ReaderAt, i int) (s Span, err error) {
	rec := &d.Records[i]

	b := make([]byte, lfhLen)
	switch n, err := src.ReadAt(b, rec.Offset); {
	case err != nil && !errors.Is(err, io.EOF):
		return s, fmt.Errorf(`read local file header of "%s" error: %w`, rec.Name, err)
	case n < lfhLen:
		return s, fmt.Errorf(`read local file header of "%s" error: insufficient read: expected at least %d bytes, got %d`, rec.Name, lfhLen, n)
	}
	if !bytes.Equal(lfhSigBytes, b[:4]) {
		return s, fmt.Errorf(`local file header of "%s": mismatched signature, got 0x%x, expected 0x%x`, rec.Name, b[:4], lfhSigBytes)
	}

	nameLen := int64(binary.LittleEndian.Uint16(b[26:28]))
	extraLen := int64(binary.LittleEndian.Uint16(b[28:30]))

	s.HeaderOffset = rec.Offset
	s.DataOffset = rec.Offset + lfhLen + nameLen + extraLen
	s.DataEnd = s.DataOffset + int64(rec.CompressedSize64)
	s.End = s.DataEnd

	if rec.Flags&FlagDataDescriptor != 0 {
		// descriptor: optional signature, CRC-32, then sizes whose width matches the entry's ZIP64-ness.
		ddLen := int64(12)
		if rec.CompressedSize64 >= 0xffffffff || rec.UncompressedSize64 >= 0xffffffff {
			ddLen = 20
		}
		sig := make([]byte, 4)
		switch n, err := src.ReadAt(sig, s.DataEnd); {
		case err != nil && !errors.Is(err, io.EOF):
			return s, fmt.Errorf(`read data descriptor of "%s" error: %w`, rec.Name, err)
		case n == 4 && binary.LittleEndian.Uint32(sig) == ddSig:
			ddLen += 4
		}
		s.End = s.DataEnd + ddLen
	}
	return s, nil
}

// Span is the location of one entry's bytes within the archive file. [HeaderOffset, End) covers the local file
// header, the stored data, and any trailing data descriptor; [DataOffset, DataEnd) covers just the stored
// (compressed, possibly encrypted) data.
type Span struct {
	HeaderOffset int64
	DataOffset   int64
	DataEnd      int64
	End          int64
}
