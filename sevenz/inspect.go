package sevenz

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

// Info summarises an archive without decoding any entry data.
type Info struct {
	// Empty reports a bare signature block with no trailing header: an archive holding no entries.
	Empty bool
	// HeaderEncrypted reports that the header itself is encrypted, so even entry names require the password.
	HeaderEncrypted bool
	// EntriesEncrypted reports that at least one stream decodes through the AES coder.
	EntriesEncrypted bool
}

// maxHeaderSize caps how much trailing header Inspect loads or decodes into memory.
const maxHeaderSize = 1 << 26

// Inspect reads the signature block and walks the trailing header just far enough to answer Info. A header
// that is compressed but not encrypted, the usual layout when 7-Zip packs the header without a password, is
// decoded first. The signature and header CRCs are both verified, so damage to either surfaces here.
func Inspect(src io.ReaderAt, size int64) (Info, error) {
	var info Info
	if size < signatureHeaderLen {
		return info, errors.New("truncated signature header")
	}
	sig := make([]byte, signatureHeaderLen)
	if _, err := src.ReadAt(sig, 0); err != nil {
		return info, fmt.Errorf("read signature header error: %w", err)
	}
	if !bytes.Equal(sig[:6], signature) {
		return info, errors.New("bad signature")
	}
	if crc32.ChecksumIEEE(sig[12:]) != binary.LittleEndian.Uint32(sig[8:12]) {
		return info, errors.New("signature header crc mismatch")
	}

	offset := binary.LittleEndian.Uint64(sig[12:20])
	hsize := binary.LittleEndian.Uint64(sig[20:28])
	if hsize == 0 {
		info.Empty = true
		return info, nil
	}
	if hsize > maxHeaderSize || offset > uint64(size) || signatureHeaderLen+offset+hsize > uint64(size) {
		return info, errors.New("header out of bounds")
	}

	header := make([]byte, hsize)
	if _, err := src.ReadAt(header, signatureHeaderLen+int64(offset)); err != nil {
		return info, fmt.Errorf("read header error: %w", err)
	}
	if crc32.ChecksumIEEE(header) != binary.LittleEndian.Uint32(sig[28:32]) {
		return info, errors.New("header crc mismatch")
	}

	r := &propReader{b: header}
	id := r.byte()
	if id == idEncodedHeader {
		si := parseStreamsInfo(r)
		if r.err != nil {
			return info, r.err
		}
		if si.hasCoder(coderAES) {
			// the real header sits behind the AES coder; without the password not even entry names
			// decode.
			info.HeaderEncrypted = true
			info.EntriesEncrypted = true
			return info, nil
		}
		decoded, err := decodeHeader(src, size, si)
		if err != nil {
			return info, err
		}
		r = &propReader{b: decoded}
		id = r.byte()
	}
	if id != idHeader {
		if r.err != nil {
			return info, r.err
		}
		return info, fmt.Errorf("unexpected header property 0x%02x", id)
	}

	for {
		switch id := r.byte(); {
		case r.err != nil:
			return info, r.err
		case id == idEnd:
			return info, nil
		case id == idArchiveProperties:
			skipArchiveProperties(r)
		case id == idMainStreamsInfo:
			info.EntriesEncrypted = parseStreamsInfo(r).hasCoder(coderAES)
			return info, r.err
		case id == idFilesInfo:
			// entries without streams: nothing to encrypt.
			return info, nil
		default:
			return info, fmt.Errorf("unexpected header property 0x%02x", id)
		}
	}
}

// propReader walks header bytes with a sticky error, so parse code can read fields unconditionally.
type propReader struct {
	b   []byte
	off int
	err error
}

func (r *propReader) fail() {
	if r.err == nil {
		r.err = errors.New("truncated header")
	}
}

func (r *propReader) failf(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf(format, args...)
	}
}

func (r *propReader) byte() byte {
	if r.err != nil || r.off >= len(r.b) {
		r.fail()
		return 0
	}
	b := r.b[r.off]
	r.off++
	return b
}

func (r *propReader) read(n uint64) []byte {
	if r.err != nil || uint64(len(r.b)-r.off) < n {
		r.fail()
		return nil
	}
	b := r.b[r.off : r.off+int(n)]
	r.off += int(n)
	return b
}

func (r *propReader) skip(n uint64) {
	r.read(n)
}

func (r *propReader) number() uint64 {
	first := r.byte()
	var v uint64
	mask := byte(0x80)
	for i := uint(0); i < 8; i++ {
		if first&mask == 0 {
			v |= uint64(first&(mask-1)) << (8 * i)
			return v
		}
		v |= uint64(r.byte()) << (8 * i)
		mask >>= 1
	}
	return v
}

// streamsInfo is the parsed PackInfo and UnpackInfo of one streams block: where the packed streams live and
// how each folder decodes. SubStreamsInfo is never parsed, the callers need none of it.
type streamsInfo struct {
	packPos   uint64
	packSizes []uint64
	folders   []folderInfo
}

type folderInfo struct {
	coders      []coderSpec
	numOut      uint64
	unpackSizes []uint64
}

func (si *streamsInfo) hasCoder(id []byte) bool {
	for _, f := range si.folders {
		for _, c := range f.coders {
			if bytes.Equal(c.id, id) {
				return true
			}
		}
	}
	return false
}

func parseStreamsInfo(r *propReader) *streamsInfo {
	si := &streamsInfo{}
	for {
		switch id := r.byte(); id {
		case idEnd:
			return si
		case idPackInfo:
			parsePackInfo(r, si)
		case idUnpackInfo:
			parseUnpackInfo(r, si)
			return si
		default:
			r.failf("unexpected streams property 0x%02x", id)
		}
		if r.err != nil {
			return si
		}
	}
}

func parsePackInfo(r *propReader, si *streamsInfo) {
	si.packPos = r.number()
	n := r.number()
	for {
		switch id := r.byte(); id {
		case idEnd:
			return
		case idSize:
			for i := uint64(0); i < n && r.err == nil; i++ {
				si.packSizes = append(si.packSizes, r.number())
			}
		case idCRC:
			skipDigests(r, n)
		default:
			r.failf("unexpected pack property 0x%02x", id)
		}
		if r.err != nil {
			return
		}
	}
}

func parseUnpackInfo(r *propReader, si *streamsInfo) {
	if r.byte() != idFolder {
		r.failf("missing folder block")
		return
	}
	numFolders := r.number()
	if r.byte() != 0 {
		r.failf("external folder definitions not supported")
		return
	}
	for i := uint64(0); i < numFolders && r.err == nil; i++ {
		si.folders = append(si.folders, parseFolder(r))
	}

	if r.byte() != idCodersUnpackSize {
		r.failf("missing coder sizes")
		return
	}
	for i := range si.folders {
		for j := uint64(0); j < si.folders[i].numOut && r.err == nil; j++ {
			si.folders[i].unpackSizes = append(si.folders[i].unpackSizes, r.number())
		}
	}

	for {
		switch id := r.byte(); id {
		case idEnd:
			return
		case idCRC:
			skipDigests(r, uint64(len(si.folders)))
		default:
			r.failf("unexpected unpack property 0x%02x", id)
		}
		if r.err != nil {
			return
		}
	}
}

// parseFolder reads one folder definition: its coders, the bind pairs chaining them, and the indices of the
// packed streams feeding the chain.
func parseFolder(r *propReader) folderInfo {
	var f folderInfo
	numCoders := r.number()
	var in, out uint64
	for i := uint64(0); i < numCoders && r.err == nil; i++ {
		flags := r.byte()
		c := coderSpec{id: r.read(uint64(flags & 0x0f))}
		ni, no := uint64(1), uint64(1)
		if flags&0x10 != 0 {
			ni = r.number()
			no = r.number()
		}
		if flags&0x20 != 0 {
			c.props = r.read(r.number())
		}
		in += ni
		out += no
		f.coders = append(f.coders, c)
	}
	if out == 0 || in+1 < out {
		r.failf("malformed folder streams")
		return f
	}
	f.numOut = out

	for i := uint64(1); i < out && r.err == nil; i++ {
		r.number() // bind pair in-stream
		r.number() // bind pair out-stream
	}
	if packed := in - (out - 1); packed > 1 {
		for i := uint64(0); i < packed && r.err == nil; i++ {
			r.number() // packed stream index
		}
	}
	return f
}

// skipDigests consumes a digest block covering n streams: the all-defined flag, an optional defined
// bitvector, and one CRC per defined stream.
func skipDigests(r *propReader, n uint64) {
	defined := n
	if r.byte() == 0 {
		bv := r.read((n + 7) / 8)
		if r.err != nil {
			return
		}
		defined = 0
		for i := uint64(0); i < n; i++ {
			if bv[i/8]&(0x80>>(i%8)) != 0 {
				defined++
			}
		}
	}
	r.skip(4 * defined)
}

func skipArchiveProperties(r *propReader) {
	for {
		id := r.byte()
		if id == idEnd || r.err != nil {
			return
		}
		r.skip(r.number())
	}
}

// decodeHeader reads the packed stream holding the real header and decodes it. Headers are packed as a single
// folder with one Copy, LZMA, or LZMA2 coder; anything fancier is rejected rather than guessed at.
func decodeHeader(src io.ReaderAt, size int64, si *streamsInfo) ([]byte, error) {
	if len(si.folders) != 1 || len(si.packSizes) != 1 {
		return nil, errors.New("unsupported encoded header layout")
	}
	f := si.folders[0]
	if len(f.coders) != 1 || len(f.unpackSizes) != 1 {
		return nil, errors.New("unsupported encoded header coder chain")
	}
	hsize := f.unpackSizes[0]
	if hsize == 0 || hsize > maxHeaderSize {
		return nil, errors.New("header out of bounds")
	}
	if si.packPos > uint64(size) || si.packSizes[0] > uint64(size) {
		return nil, errors.New("header out of bounds")
	}
	packOff := signatureHeaderLen + int64(si.packPos)
	packSize := int64(si.packSizes[0])
	if packSize > size-packOff {
		return nil, errors.New("header out of bounds")
	}

	var (
		packed           = io.NewSectionReader(src, packOff, packSize)
		r      io.Reader = packed
		c                = f.coders[0]
		err    error
	)
	switch {
	case bytes.Equal(c.id, coderCopy):
	case bytes.Equal(c.id, coderLZMA1):
		if len(c.props) != 5 {
			return nil, errors.New("bad lzma properties")
		}
		// synthesise the classic stream header the reader expects: the coder's properties, a bounded
		// dictionary capacity, and the exact unpacked size.
		h := make([]byte, 13)
		copy(h, c.props)
		binary.LittleEndian.PutUint32(h[1:], boundDictCap(binary.LittleEndian.Uint32(c.props[1:])))
		binary.LittleEndian.PutUint64(h[5:], hsize)
		if r, err = lzma.NewReader(io.MultiReader(bytes.NewReader(h), packed)); err != nil {
			return nil, fmt.Errorf("decode header error: %w", err)
		}
	case bytes.Equal(c.id, coderLZMA2):
		if len(c.props) != 1 {
			return nil, errors.New("bad lzma2 properties")
		}
		dictCap := uint32(1<<32 - 1)
		if p := c.props[0]; p < 40 {
			dictCap = uint32(2|p&1) << (p/2 + 11)
		}
		if r, err = (lzma.Reader2Config{DictCap: int(boundDictCap(dictCap))}).NewReader2(packed); err != nil {
			return nil, fmt.Errorf("decode header error: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported encoded header coder %x", c.id)
	}

	header := make([]byte, hsize)
	if _, err = io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("decode header error: %w", err)
	}
	return header, nil
}

// boundDictCap keeps a declared dictionary capacity inside sane bounds: backreferences cannot reach further
// back than the decoded header itself, which is capped, so a huge declared dictionary only wastes memory.
func boundDictCap(c uint32) uint32 {
	if c < uint32(lzma.MinDictCap) {
		return uint32(lzma.MinDictCap)
	}
	if c > maxHeaderSize {
		return maxHeaderSize
	}
	return c
}
