package sevenz

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"golang.org/x/text/encoding/unicode"
)

// putNumber writes v in the format's variable-length encoding: the first byte carries a run of i leading
// one-bits announcing i little-endian low bytes, with the remaining 7-i bits holding the top of the value.
func putNumber(buf *bytes.Buffer, v uint64) {
	for i := uint(0); i < 8; i++ {
		if v < 1<<(7*(i+1)) {
			b := byte(v >> (8 * i))
			if i > 0 {
				b |= ^byte(0) << (8 - i)
			}
			buf.WriteByte(b)
			for j := uint(0); j < i; j++ {
				buf.WriteByte(byte(v >> (8 * j)))
			}
			return
		}
	}
	buf.WriteByte(0xff)
	_ = binary.Write(buf, binary.LittleEndian, v)
}

// bitVector packs booleans most significant bit first.
func bitVector(bits []bool) []byte {
	b := make([]byte, (len(bits)+7)/8)
	for i, set := range bits {
		if set {
			b[i/8] |= 0x80 >> (i % 8)
		}
	}
	return b
}

func utf16le(s string) ([]byte, error) {
	return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(s))
}

// signatureHeader builds the 32-byte block at offset zero: signature, version 0.4, and the CRC-guarded
// location of the header that trails the packed streams.
func signatureHeader(packed int64, header []byte) []byte {
	b := make([]byte, signatureHeaderLen)
	copy(b, signature)
	b[6], b[7] = 0, 4
	binary.LittleEndian.PutUint64(b[12:], uint64(packed))
	binary.LittleEndian.PutUint64(b[20:], uint64(len(header)))
	binary.LittleEndian.PutUint32(b[28:], crc32.ChecksumIEEE(header))
	binary.LittleEndian.PutUint32(b[8:], crc32.ChecksumIEEE(b[12:]))
	return b
}

// buildHeader serialises the trailing header: MainStreamsInfo describing one folder per data-bearing entry,
// then FilesInfo naming every entry. The header is written in the clear.
func (w *Writer) buildHeader() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(idHeader)

	var streams []*fileRecord
	for _, f := range w.files {
		if f.hasStream {
			streams = append(streams, f)
		}
	}
	if len(streams) > 0 {
		buf.WriteByte(idMainStreamsInfo)
		writeStreamsInfo(buf, streams)
	}
	if err := w.writeFilesInfo(buf); err != nil {
		return nil, err
	}

	buf.WriteByte(idEnd)
	return buf.Bytes(), nil
}

// writeStreamsInfo emits PackInfo and UnpackInfo. Every folder holds exactly one stream whose size and CRC
// the folder itself records, so no SubStreamsInfo is needed.
func writeStreamsInfo(buf *bytes.Buffer, streams []*fileRecord) {
	buf.WriteByte(idPackInfo)
	putNumber(buf, 0)
	putNumber(buf, uint64(len(streams)))
	buf.WriteByte(idSize)
	for _, f := range streams {
		putNumber(buf, uint64(f.packSize))
	}
	buf.WriteByte(idEnd)

	buf.WriteByte(idUnpackInfo)
	buf.WriteByte(idFolder)
	putNumber(buf, uint64(len(streams)))
	buf.WriteByte(0) // inline, not in an external stream
	for _, f := range streams {
		writeFolder(buf, f)
	}
	buf.WriteByte(idCodersUnpackSize)
	for _, f := range streams {
		for _, size := range f.sizes {
			putNumber(buf, size)
		}
	}
	buf.WriteByte(idCRC)
	buf.WriteByte(1) // defined for every folder
	for _, f := range streams {
		_ = binary.Write(buf, binary.LittleEndian, f.crc)
	}
	buf.WriteByte(idEnd)

	buf.WriteByte(idEnd)
}

// writeFolder emits one folder's coders and the bind pairs chaining them. Coder i reads coder i+1's output,
// and the last coder reads the single packed stream, whose index is therefore implicit.
func writeFolder(buf *bytes.Buffer, f *fileRecord) {
	putNumber(buf, uint64(len(f.coders)))
	for _, c := range f.coders {
		flags := byte(len(c.id))
		if len(c.props) > 0 {
			flags |= 0x20
		}
		buf.WriteByte(flags)
		buf.Write(c.id)
		if len(c.props) > 0 {
			putNumber(buf, uint64(len(c.props)))
			buf.Write(c.props)
		}
	}
	for i := 0; i+1 < len(f.coders); i++ {
		putNumber(buf, uint64(i))   // in-stream of coder i
		putNumber(buf, uint64(i+1)) // fed by out-stream of coder i+1
	}
}

func (w *Writer) writeFilesInfo(buf *bytes.Buffer) error {
	buf.WriteByte(idFilesInfo)
	putNumber(buf, uint64(len(w.files)))

	empty := make([]bool, len(w.files))
	var anyEmpty bool
	for i, f := range w.files {
		empty[i] = !f.hasStream
		anyEmpty = anyEmpty || empty[i]
	}
	if anyEmpty {
		writeProp(buf, idEmptyStream, bitVector(empty))

		// among streamless entries, mark the plain empty files; the rest read back as directories.
		var emptyFiles []bool
		var anyEmptyFile bool
		for _, f := range w.files {
			if !f.hasStream {
				isFile := !f.header.Mode.IsDir()
				emptyFiles = append(emptyFiles, isFile)
				anyEmptyFile = anyEmptyFile || isFile
			}
		}
		if anyEmptyFile {
			writeProp(buf, idEmptyFile, bitVector(emptyFiles))
		}
	}

	names := new(bytes.Buffer)
	names.WriteByte(0) // inline
	for _, f := range w.files {
		b, err := utf16le(f.header.Name)
		if err != nil {
			return fmt.Errorf(`encode name "%s" error: %w`, f.header.Name, err)
		}
		names.Write(b)
		names.Write([]byte{0, 0})
	}
	writeProp(buf, idName, names.Bytes())

	defined := make([]bool, len(w.files))
	allDefined, anyDefined := true, false
	for i, f := range w.files {
		defined[i] = !f.header.Modified.IsZero()
		allDefined = allDefined && defined[i]
		anyDefined = anyDefined || defined[i]
	}
	if anyDefined {
		times := new(bytes.Buffer)
		if allDefined {
			times.WriteByte(1)
		} else {
			times.WriteByte(0)
			times.Write(bitVector(defined))
		}
		times.WriteByte(0) // inline
		for i, f := range w.files {
			if defined[i] {
				_ = binary.Write(times, binary.LittleEndian, toFiletime(f.header.Modified))
			}
		}
		writeProp(buf, idMTime, times.Bytes())
	}

	attrs := new(bytes.Buffer)
	attrs.WriteByte(1) // defined for every entry
	attrs.WriteByte(0) // inline
	for _, f := range w.files {
		_ = binary.Write(attrs, binary.LittleEndian, winAttributes(f.header.Mode))
	}
	writeProp(buf, idWinAttributes, attrs.Bytes())

	buf.WriteByte(idEnd)
	return nil
}

// writeProp emits a FilesInfo property: ID, payload length, payload.
func writeProp(buf *bytes.Buffer, id byte, payload []byte) {
	buf.WriteByte(id)
	putNumber(buf, uint64(len(payload)))
	buf.Write(payload)
}
