// Package sevenz writes 7z containers and inspects their headers without decoding entry data. Entries are
// written one folder per file, so archives are never solid and any member can be decoded on its own; data
// streams are compressed with LZMA2 and optionally encrypted with the format's AES-256 scheme. Reading entry
// data back is out of scope, that being well served by github.com/bodgit/sevenzip.
package sevenz

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"io/fs"
	"time"

	"github.com/ulikunitz/xz/lzma"
)

var signature = []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}

// signatureHeaderLen is the fixed block at the start of every archive: the signature, the format version, and
// the location of the trailing header.
const signatureHeaderLen = 32

// property IDs of the header's tagged tree.
const (
	idEnd               = 0x00
	idHeader            = 0x01
	idArchiveProperties = 0x02
	idMainStreamsInfo   = 0x04
	idFilesInfo         = 0x05
	idPackInfo          = 0x06
	idUnpackInfo        = 0x07
	idSubStreamsInfo    = 0x08
	idSize              = 0x09
	idCRC               = 0x0a
	idFolder            = 0x0b
	idCodersUnpackSize  = 0x0c
	idNumUnpackStream   = 0x0d
	idEmptyStream       = 0x0e
	idEmptyFile         = 0x0f
	idName              = 0x11
	idMTime             = 0x14
	idWinAttributes     = 0x15
	idEncodedHeader     = 0x17
)

// coder IDs, in decode direction. LZMA1 is never written, only recognised when inspecting headers 7-Zip
// compressed with it.
var (
	coderCopy  = []byte{0x00}
	coderLZMA1 = []byte{0x03, 0x01, 0x01}
	coderLZMA2 = []byte{0x21}
	coderAES   = []byte{0x06, 0xf1, 0x07, 0x01}
)

// DefaultDictCap is the default LZMA2 dictionary capacity, 8 MiB.
const DefaultDictCap = 8 << 20

// FileHeader describes one entry to be written. Directories are recognised by Mode and carry no data; writing
// to a directory's entry fails.
type FileHeader struct {
	// Name is the entry's path inside the archive, forward slashes only.
	Name string
	// Modified is the entry's modification time; the zero time writes no timestamp.
	Modified time.Time
	// Mode carries the file type and permission bits.
	Mode fs.FileMode
}

// Writer builds a 7z archive. Entries are written strictly one at a time: Create finishes the previous entry,
// and Close finishes the last one before writing the header. The archive is unreadable until Close returns.
type Writer struct {
	// Password encrypts every entry's data with AES-256 when non-empty. The header itself stays in the
	// clear, like 7-Zip's default, so entry names are visible without the password.
	Password string
	// DictCap sizes the LZMA2 dictionary, DefaultDictCap when zero.
	DictCap int
	// Store writes entry data as-is instead of compressing it.
	Store bool

	ws      io.WriteSeeker
	started bool
	packed  int64
	files   []*fileRecord
	cur     *entryWriter
	err     error
	closed  bool
}

// fileRecord accumulates everything the header needs to describe one entry.
type fileRecord struct {
	header    FileHeader
	hasStream bool

	// folder description, populated when hasStream.
	coders     []coderSpec
	sizes      []uint64
	packSize   int64
	unpackSize int64
	crc        uint32
}

type coderSpec struct {
	id    []byte
	props []byte
}

// NewWriter returns a Writer that assembles an archive in w, which is typically a fresh temporary file. The
// caller configures the exported fields before the first Create call.
func NewWriter(w io.WriteSeeker) *Writer {
	return &Writer{ws: w}
}

// Create finishes the entry being written, if any, and starts a new one. The returned writer is only valid
// until the next Create or Close call.
func (w *Writer) Create(fh *FileHeader) (io.Writer, error) {
	if w.closed {
		return nil, errors.New("writer is closed")
	}
	if err := w.finishCurrent(); err != nil {
		return nil, err
	}

	rec := &fileRecord{header: *fh}
	w.files = append(w.files, rec)
	w.cur = &entryWriter{w: w, rec: rec, dir: fh.Mode.IsDir(), crc: crc32.NewIEEE()}
	return w.cur, nil
}

// Close finishes the last entry, writes the header after the packed streams, and fills in the signature block
// at the start of the file.
func (w *Writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true

	if err := w.finishCurrent(); err != nil {
		w.err = err
		return err
	}
	if err := w.start(); err != nil {
		w.err = err
		return err
	}

	var header []byte
	if len(w.files) > 0 {
		var err error
		if header, err = w.buildHeader(); err != nil {
			w.err = err
			return err
		}
		if _, err = w.ws.Write(header); err != nil {
			w.err = fmt.Errorf("write header error: %w", err)
			return w.err
		}
	}

	if _, err := w.ws.Seek(0, io.SeekStart); err != nil {
		w.err = fmt.Errorf("seek to signature error: %w", err)
		return w.err
	}
	if _, err := w.ws.Write(signatureHeader(w.packed, header)); err != nil {
		w.err = fmt.Errorf("write signature error: %w", err)
		return w.err
	}
	return nil
}

// finishCurrent closes the in-flight entry's codec chain and records its folder.
func (w *Writer) finishCurrent() error {
	if w.err != nil {
		return w.err
	}
	if w.cur == nil {
		return nil
	}
	if err := w.cur.finish(); err != nil {
		w.err = err
		return err
	}
	w.cur = nil
	return nil
}

// start reserves the signature block; packed streams follow it immediately.
func (w *Writer) start() error {
	if w.started {
		return nil
	}
	w.started = true
	if _, err := w.ws.Write(make([]byte, signatureHeaderLen)); err != nil {
		return fmt.Errorf("write signature error: %w", err)
	}
	return nil
}

func (w *Writer) dictCap() int {
	if w.DictCap <= 0 {
		return DefaultDictCap
	}
	return w.DictCap
}

// entryWriter streams one entry's data through its codec chain. The chain is only built on the first byte so
// that files that turn out to be empty produce no stream at all.
type entryWriter struct {
	w   *Writer
	rec *fileRecord
	dir bool

	started bool
	top     io.Writer
	closers []io.Closer
	crc     hash.Hash32
	packed  *countWriter
	mid     *countWriter
	n       int64
}

func (e *entryWriter) Write(p []byte) (int, error) {
	if e.w.err != nil {
		return 0, e.w.err
	}
	if e.w.cur != e {
		return 0, errors.New("write to finished entry")
	}
	if e.dir {
		return 0, fmt.Errorf(`entry "%s" is a directory`, e.rec.header.Name)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if !e.started {
		if err := e.start(); err != nil {
			e.w.err = err
			return 0, err
		}
	}

	n, err := e.top.Write(p)
	e.crc.Write(p[:n])
	e.n += int64(n)
	if err != nil {
		e.w.err = err
	}
	return n, err
}

// start builds the codec chain. Coders are recorded in decode direction, coders[0] being the one whose
// output is the file's bytes: [Copy], [AES], [LZMA2], or [LZMA2, AES].
func (e *entryWriter) start() error {
	w := e.w
	if err := w.start(); err != nil {
		return err
	}

	e.packed = &countWriter{w: w.ws}
	var sink io.Writer = e.packed
	if w.Password != "" {
		cbc, err := newCBCWriter(e.packed, w.Password)
		if err != nil {
			return err
		}
		e.rec.coders = append(e.rec.coders, coderSpec{id: coderAES, props: cbc.props})
		e.closers = append(e.closers, cbc)
		e.mid = &countWriter{w: cbc}
		sink = e.mid
	}

	if w.Store {
		if w.Password == "" {
			e.rec.coders = append(e.rec.coders, coderSpec{id: coderCopy})
		}
		e.top = sink
		e.started = true
		return nil
	}

	zw, err := lzma.Writer2Config{DictCap: w.dictCap()}.NewWriter2(sink)
	if err != nil {
		return fmt.Errorf("lzma2 writer error: %w", err)
	}
	e.rec.coders = append([]coderSpec{{id: coderLZMA2, props: []byte{lzma2DictProp(w.dictCap())}}}, e.rec.coders...)
	e.closers = append([]io.Closer{zw}, e.closers...)
	e.top = zw
	e.started = true
	return nil
}

func (e *entryWriter) finish() error {
	if e.dir || !e.started {
		// no stream: a directory, or a file that never produced a byte.
		return nil
	}
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			return fmt.Errorf(`close entry "%s" error: %w`, e.rec.header.Name, err)
		}
	}

	e.rec.hasStream = true
	e.rec.unpackSize = e.n
	e.rec.packSize = e.packed.n
	e.rec.crc = e.crc.Sum32()
	// output sizes per coder, in coder order.
	e.rec.sizes = []uint64{uint64(e.n)}
	if e.mid != nil && len(e.rec.coders) == 2 {
		e.rec.sizes = append(e.rec.sizes, uint64(e.mid.n))
	}

	e.w.packed += e.packed.n
	return nil
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (n int, err error) {
	n, err = c.w.Write(p)
	c.n += int64(n)
	return
}

// lzma2DictProp encodes a dictionary capacity as the LZMA2 one-byte property: the smallest p such that
// (2|p&1) << (p/2+11) holds the dictionary.
func lzma2DictProp(dictCap int) byte {
	for p := byte(0); p < 40; p++ {
		if uint64(2|p&1)<<(p/2+11) >= uint64(dictCap) {
			return p
		}
	}
	return 40
}

// winAttributes maps a file mode to the attributes field: the DOS directory/archive bit plus the POSIX
// extension 7-Zip uses to round-trip the full mode.
func winAttributes(mode fs.FileMode) uint32 {
	attrs := uint32(0x20)
	if mode.IsDir() {
		attrs = 0x10
	}
	unix := uint32(mode.Perm())
	if mode.IsDir() {
		unix |= 0x4000
	} else {
		unix |= 0x8000
	}
	return attrs | 0x8000 | unix<<16
}

// toFiletime converts to the Windows epoch of 100-nanosecond intervals since 1601-01-01.
func toFiletime(t time.Time) uint64 {
	return uint64(t.Unix()+11644473600)*10_000_000 + uint64(t.Nanosecond()/100)
}
