package zipcd

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
)

// buildZip writes an in-memory ZIP file with archive/zip. files maps names to contents; names ending in "/"
// become directory entries.
func buildZip(t *testing.T, files map[string]string, comment string) []byte {
	t.Helper()

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	if comment != "" {
		assert.NoError(t, zw.SetComment(comment))
	}
	for name, content := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		assert.NoErrorf(t, err, "CreateHeader(%s) error = %v", name, err)
		_, err = w.Write([]byte(content))
		assert.NoErrorf(t, err, "Write(%s) error = %v", name, err)
	}
	assert.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestParse(t *testing.T) {
	files := map[string]string{
		"test/a.txt":              "hello world",
		"test/path/b.txt":         "the quick brown fox jumps over the lazy dog",
		"test/another/path/c.txt": "",
		"test/empty/":             "",
	}
	data := buildZip(t, files, "a comment")

	d, err := Parse(bytes.NewReader(data), int64(len(data)))
	assert.NoErrorf(t, err, "Parse(...) error = %v", err)

	assert.Equal(t, uint64(len(files)), d.EOCD.CDCount)
	assert.Equal(t, "a comment", d.EOCD.Comment)

	got := map[string]uint64{}
	for _, rec := range d.Records {
		got[rec.Name] = rec.UncompressedSize64
		assert.Equalf(t, rec.Name[len(rec.Name)-1] == '/', rec.IsDir(), "IsDir(%s)", rec.Name)
	}
	want := map[string]uint64{}
	for name, content := range files {
		want[name] = uint64(len(content))
	}
	assert.Equal(t, want, got)
}

func TestParse_NotZip(t *testing.T) {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(rand.IntN(0x4b))
	}

	_, err := Parse(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, ErrNoEOCD)

	_, err = Parse(bytes.NewReader(data[:4]), 4)
	assert.ErrorIs(t, err, ErrNoEOCD)
}

func TestParse_ImpossibleEntryCount(t *testing.T) {
	// a ZIP64 EOCD record declaring far more entries than its central directory region could hold, reached
	// through the locator because the standard record is saturated. Parse must report bad metadata instead
	// of sizing an allocation by the claimed count.
	b64 := make([]byte, eocd64Len)
	binary.LittleEndian.PutUint32(b64, eocd64Sig)
	binary.LittleEndian.PutUint64(b64[4:], eocd64Len-12)
	binary.LittleEndian.PutUint64(b64[24:], 1)     // entries on this disk
	binary.LittleEndian.PutUint64(b64[32:], 1<<60) // entries total
	binary.LittleEndian.PutUint64(b64[40:], eocd64Len)
	binary.LittleEndian.PutUint64(b64[48:], 0)

	loc := make([]byte, eocd64LocatorLen)
	binary.LittleEndian.PutUint32(loc, eocd64LocatorSig)
	binary.LittleEndian.PutUint64(loc[8:], 0) // ZIP64 EOCD record offset
	binary.LittleEndian.PutUint32(loc[16:], 1)

	eocd := make([]byte, eocdLen)
	binary.LittleEndian.PutUint32(eocd, eocdSig)
	binary.LittleEndian.PutUint16(eocd[8:], 0xffff)
	binary.LittleEndian.PutUint16(eocd[10:], 0xffff)
	binary.LittleEndian.PutUint32(eocd[12:], eocd64Len)
	binary.LittleEndian.PutUint32(eocd[16:], 0xffffffff) // saturated offset forces the ZIP64 fold

	data := append(append(b64, loc...), eocd...)
	_, err := Parse(bytes.NewReader(data), int64(len(data)))
	assert.ErrorContains(t, err, "entries")
}

func TestSpan(t *testing.T) {
	files := map[string]string{
		"a.txt":     "hello world",
		"sub/b.txt": "the quick brown fox jumps over the lazy dog",
	}
	data := buildZip(t, files, "")
	src := bytes.NewReader(data)

	d, err := Parse(src, int64(len(data)))
	assert.NoErrorf(t, err, "Parse(...) error = %v", err)

	for i, rec := range d.Records {
		s, err := d.Span(src, i)
		assert.NoErrorf(t, err, "Span(%d) error = %v", i, err)

		assert.Equal(t, rec.Offset, s.HeaderOffset)
		assert.Equal(t, s.DataOffset+int64(rec.CompressedSize64), s.DataEnd)
		// archive/zip always streams, so each entry trails a 16-byte data descriptor with signature.
		assert.Equalf(t, s.DataEnd+16, s.End, "entry %s", rec.Name)

		fr := flate.NewReader(io.NewSectionReader(src, s.DataOffset, s.DataEnd-s.DataOffset))
		content, err := io.ReadAll(fr)
		assert.NoErrorf(t, err, "inflate(%s) error = %v", rec.Name, err)
		assert.Equal(t, files[rec.Name], string(content))
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	files := map[string]string{
		"a.txt":     "hello world",
		"sub/b.txt": "the quick brown fox jumps over the lazy dog",
		"sub/":      "",
	}
	data := buildZip(t, files, "keep me")

	d, err := Parse(bytes.NewReader(data), int64(len(data)))
	assert.NoErrorf(t, err, "Parse(...) error = %v", err)

	// splice the re-encoded central directory over the original one.
	encoded, err := d.Encode(int64(d.EOCD.CDOffset))
	assert.NoErrorf(t, err, "Encode(...) error = %v", err)
	spliced := append([]byte{}, data[:d.EOCD.CDOffset]...)
	spliced = append(spliced, encoded...)

	d2, err := Parse(bytes.NewReader(spliced), int64(len(spliced)))
	assert.NoErrorf(t, err, "Parse(spliced) error = %v", err)
	assert.Equal(t, d.Records, d2.Records)
	assert.Equal(t, "keep me", d2.EOCD.Comment)

	// the spliced archive must remain readable by a third-party reader.
	zr, err := zip.NewReader(bytes.NewReader(spliced), int64(len(spliced)))
	assert.NoErrorf(t, err, "zip.NewReader(spliced) error = %v", err)
	for _, f := range zr.File {
		if f.FileHeader.Mode().IsDir() {
			continue
		}
		r, err := f.Open()
		assert.NoErrorf(t, err, "Open(%s) error = %v", f.Name, err)
		content, err := io.ReadAll(r)
		assert.NoErrorf(t, err, "ReadAll(%s) error = %v", f.Name, err)
		assert.NoError(t, r.Close())
		assert.Equal(t, files[f.Name], string(content))
	}
}

func TestEncode_Empty(t *testing.T) {
	d := &Directory{}
	encoded, err := d.Encode(0)
	assert.NoErrorf(t, err, "Encode(...) error = %v", err)
	assert.Len(t, encoded, 22)

	d2, err := Parse(bytes.NewReader(encoded), int64(len(encoded)))
	assert.NoErrorf(t, err, "Parse(...) error = %v", err)
	assert.Empty(t, d2.Records)

	zr, err := zip.NewReader(bytes.NewReader(encoded), int64(len(encoded)))
	assert.NoErrorf(t, err, "zip.NewReader(...) error = %v", err)
	assert.Empty(t, zr.File)
}

func TestFindEOCD_WithComment(t *testing.T) {
	alphabet := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	for _, commentLength := range []int{512, 8 * 1024, 16 * 1024, 32 * 1024} {
		for _, delta := range []int{-4, -3, -2, -1, 0, 1, 2, 3, 4} {
			t.Run(fmt.Sprintf("%d with delta=%d", commentLength, delta), func(t *testing.T) {
				n := commentLength + delta
				comment := make([]byte, n)
				for i := range n {
					comment[i] = alphabet[rand.IntN(len(alphabet))]
				}

				buf := &bytes.Buffer{}
				zw := zip.NewWriter(buf)
				assert.NoError(t, zw.SetComment(string(comment)))
				assert.NoError(t, zw.Close())

				d, err := Parse(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
				assert.NoErrorf(t, err, "Parse() error = %v", err)
				assert.Equal(t, string(comment), d.EOCD.Comment)
			})
		}
	}
}

func TestExtra(t *testing.T) {
	var extra []byte
	extra = SetExtra(extra, 0x9901, []byte{1, 2, 3})
	extra = SetExtra(extra, 0x0001, []byte{4, 5, 6, 7})

	data, ok := FindExtra(extra, 0x9901)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, data)

	data, ok = FindExtra(extra, 0x0001)
	assert.True(t, ok)
	assert.Equal(t, []byte{4, 5, 6, 7}, data)

	_, ok = FindExtra(extra, 0x000a)
	assert.False(t, ok)

	extra = StripExtra(extra, 0x0001)
	_, ok = FindExtra(extra, 0x0001)
	assert.False(t, ok)
	data, ok = FindExtra(extra, 0x9901)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, data)

	// replacing an existing block must not duplicate it.
	extra = SetExtra(extra, 0x9901, []byte{9})
	data, ok = FindExtra(extra, 0x9901)
	assert.True(t, ok)
	assert.Equal(t, []byte{9}, data)
	assert.Len(t, extra, 5)
}

func TestSetModified(t *testing.T) {
	var rec Record

	rec.SetModified(time.Date(2024, time.March, 15, 13, 37, 43, 0, time.UTC))
	assert.Equal(t, time.Date(2024, time.March, 15, 13, 37, 42, 0, time.UTC), msDosTimeToTime(rec.ModifiedDate, rec.ModifiedTime))

	// pre-epoch times clamp to 1980-01-01.
	rec.SetModified(time.Time{})
	assert.Equal(t, time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC), msDosTimeToTime(rec.ModifiedDate, rec.ModifiedTime))
}
