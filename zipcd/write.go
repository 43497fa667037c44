package zipcd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Encode serialises the central directory followed by its EOCD record, ready to be written at offset cdOffset
// of the archive file. Counts, sizes, and offsets in the EOCD record are recomputed from the records; only the
// archive comment is carried over. Encoding an empty directory yields the 22 bytes of a valid empty archive.
//
// ZIP64 records are never written: encoding fails when an entry, the directory, or an offset outgrows the
// standard 32-bit fields.
func (d *Directory) Encode(cdOffset int64) ([]byte, error) {
	if len(d.Records) > 0xffff {
		return nil, fmt.Errorf("too many entries (%d) for a ZIP file without ZIP64 support", len(d.Records))
	}
	if len(d.EOCD.Comment) > 0xffff {
		return nil, fmt.Errorf("archive comment is too long (%d bytes)", len(d.EOCD.Comment))
	}

	buf := &bytes.Buffer{}
	for i := range d.Records {
		if err := marshalRecord(buf, &d.Records[i]); err != nil {
			return nil, err
		}
	}

	cdSize := int64(buf.Len())
	if cdOffset >= 0xffffffff || cdSize >= 0xffffffff {
		return nil, fmt.Errorf("central directory at 0x%x is too large for a ZIP file without ZIP64 support", cdOffset)
	}

	count := uint16(len(d.Records))
	_ = binary.Write(buf, binary.LittleEndian, &struct {
		Signature     uint32
		DiskNumber    uint16
		CDDiskOffset  uint16
		CDCountOnDisk uint16
		CDCount       uint16
		CDSize        uint32
		CDOffset      uint32
		CommentLength uint16
	}{
		Signature:     eocdSig,
		CDCountOnDisk: count,
		CDCount:       count,
		CDSize:        uint32(cdSize),
		CDOffset:      uint32(cdOffset),
		CommentLength: uint16(len(d.EOCD.Comment)),
	})
	buf.WriteString(d.EOCD.Comment)

	return buf.Bytes(), nil
}

// marshalRecord writes one central directory file header. Any ZIP64 extra field is dropped since the 64-bit
// values it carried were folded into the record at parse time and must fit the 32-bit fields to be encodable.
func marshalRecord(w *bytes.Buffer, rec *Record) error {
	extra := StripExtra(rec.Extra, zip64ExtraTag)
	switch {
	case len(rec.Name) > 0xffff, len(extra) > 0xffff, len(rec.Comment) > 0xffff:
		return fmt.Errorf(`entry "%s": name, extra field, or comment is too long`, rec.Name)
	case rec.CompressedSize64 >= 0xffffffff, rec.UncompressedSize64 >= 0xffffffff, rec.Offset >= 0xffffffff:
		return fmt.Errorf(`entry "%s" is too large for a ZIP file without ZIP64 support`, rec.Name)
	}

	_ = binary.Write(w, binary.LittleEndian, &struct {
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
	}{
		Signature:         cdfhSig,
		CreatorVersion:    rec.CreatorVersion,
		ReaderVersion:     rec.ReaderVersion,
		Flags:             rec.Flags,
		Method:            rec.Method,
		ModifiedTime:      rec.ModifiedTime,
		ModifiedDate:      rec.ModifiedDate,
		CRC32:             rec.CRC32,
		CompressedSize:    uint32(rec.CompressedSize64),
		UncompressedSize:  uint32(rec.UncompressedSize64),
		FileNameLength:    uint16(len(rec.Name)),
		ExtraFieldLength:  uint16(len(extra)),
		FileCommentLength: uint16(len(rec.Comment)),
		InternalAttrs:     rec.InternalAttrs,
		ExternalAttrs:     rec.ExternalAttrs,
		Offset:            uint32(rec.Offset),
	})
	w.WriteString(rec.Name)
	w.Write(extra)
	w.WriteString(rec.Comment)
	return nil
}

// MarshalLocal serialises the record's local file header, including its name and extra field. When the CRC-32
// and sizes are not known until after the data is written, marshal with zero values and fix them up afterwards
// with PatchLocal.
func MarshalLocal(rec *Record) ([]byte, error) {
	extra := StripExtra(rec.Extra, zip64ExtraTag)
	switch {
	case len(rec.Name) > 0xffff, len(extra) > 0xffff:
		return nil, fmt.Errorf(`entry "%s": name or extra field is too long`, rec.Name)
	case rec.CompressedSize64 >= 0xffffffff, rec.UncompressedSize64 >= 0xffffffff:
		return nil, fmt.Errorf(`entry "%s" is too large for a ZIP file without ZIP64 support`, rec.Name)
	}

	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, &struct {
		Signature        uint32
		ReaderVersion    uint16
		Flags            uint16
		Method           uint16
		ModifiedTime     uint16
		ModifiedDate     uint16
		CRC32            uint32
		CompressedSize   uint32
		UncompressedSize uint32
		FileNameLength   uint16
		ExtraFieldLength uint16
	}{
		Signature:        lfhSig,
		ReaderVersion:    rec.ReaderVersion,
		Flags:            rec.Flags,
		Method:           rec.Method,
		ModifiedTime:     rec.ModifiedTime,
		ModifiedDate:     rec.ModifiedDate,
		CRC32:            rec.CRC32,
		CompressedSize:   uint32(rec.CompressedSize64),
		UncompressedSize: uint32(rec.UncompressedSize64),
		FileNameLength:   uint16(len(rec.Name)),
		ExtraFieldLength: uint16(len(extra)),
	})
	buf.WriteString(rec.Name)
	buf.Write(extra)
	return buf.Bytes(), nil
}

// PatchLocal overwrites the CRC-32 and size fields of the local file header at offset, once the actual values
// are known. The sizes must fit their 32-bit slots.
func PatchLocal(w io.WriterAt, offset int64, crc uint32, compressedSize, uncompressedSize uint64) error {
	if compressedSize >= 0xffffffff || uncompressedSize >= 0xffffffff {
		return fmt.Errorf("entry is too large for a ZIP file without ZIP64 support")
	}

	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b, crc)
	binary.LittleEndian.PutUint32(b[4:], uint32(compressedSize))
	binary.LittleEndian.PutUint32(b[8:], uint32(uncompressedSize))

	// the CRC-32 field sits 14 bytes into the local file header.
	if _, err := w.WriteAt(b, offset+14); err != nil {
		return fmt.Errorf("patch local file header at 0x%x error: %w", offset, err)
	}
	return nil
}
