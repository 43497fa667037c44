package arcx

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/nguyenvq/arcx/util"
	"github.com/nguyenvq/arcx/zipaes"
	"github.com/nguyenvq/arcx/zipcd"
)

// zipEngine edits ZIP archives in place where the format allows it. Adding entries appends their data at the
// old central directory offset and writes a fresh directory behind it, so existing entries are never touched
// and undoing a partial append is a matter of restoring the directory bytes and the file length. Deleting
// entries rebuilds the file from the surviving spans into a temporary sibling that atomically replaces the
// original.
type zipEngine struct {
	name string
}

func (e *zipEngine) create(_ context.Context) error {
	f, err := os.OpenFile(e.name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return fmt.Errorf(`create archive "%s" error: %w`, e.name, err)
	}

	// an empty archive is nothing but an EOCD record with zero entries.
	b, _ := (&zipcd.Directory{}).Encode(0)
	if _, err = f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf(`write archive "%s" error: %w`, e.name, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf(`close archive "%s" error: %w`, e.name, err)
	}
	return nil
}

func (e *zipEngine) list(_ context.Context, _ string) ([]Entry, error) {
	f, d, err := e.openDirectory()
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	return zipEntries(d), nil
}

func (e *zipEngine) encrypted(_ context.Context) (bool, error) {
	f, d, err := e.openDirectory()
	if err != nil {
		return false, err
	}
	_ = f.Close()

	for i := range d.Records {
		if d.Records[i].Encrypted() {
			return true, nil
		}
	}
	return false, nil
}

// check implements the bounded password verification for ZIP archives. The central directory is stored in the
// clear, so opening it proves nothing; a wrong password only surfaces while decoding entry data. The smallest
// stored file is decoded to a discard writer, unless it is larger than limit, in which case the password is
// accepted without proof and a mismatch surfaces on a later operation instead.
func (e *zipEngine) check(ctx context.Context, password string, limit int64) (bool, error) {
	f, d, err := e.openDirectory()
	if err != nil {
		return false, err
	}
	defer f.Close()

	encrypted := false
	for i := range d.Records {
		if d.Records[i].Encrypted() {
			encrypted = true
			break
		}
	}
	if !encrypted {
		return true, nil
	}
	if password == "" {
		return false, nil
	}

	entries := zipEntries(d)
	i := smallestFile(entries)
	if i < 0 || entries[i].Size > limit {
		return true, nil
	}

	switch err = e.decodeEntry(ctx, f, d, i, password, io.Discard, nil); {
	case err == nil:
		return true, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false, err
	}
	return false, nil
}

func (e *zipEngine) add(ctx context.Context, req *addRequest) error {
	f, err := os.OpenFile(e.name, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf(`open archive "%s" error: %w`, e.name, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf(`stat archive "%s" error: %w`, e.name, err)
	}
	size := fi.Size()

	d, err := zipcd.Parse(f, size)
	if err != nil {
		return fmt.Errorf(`archive "%s": %w: %w`, e.name, ErrCorrupt, err)
	}

	plan, err := planAdd(req, zipEntries(d))
	if err != nil {
		return err
	}
	if len(plan.files) == 0 {
		req.tracker.report(100, "nothing to add")
		return nil
	}

	// snapshot of everything from the central directory to EOF. Writing it back and truncating to the
	// original size undoes a partial append exactly, leaving the file byte-identical.
	cdOffset := int64(d.EOCD.CDOffset)
	tail := make([]byte, size-cdOffset)
	if _, err = f.ReadAt(tail, cdOffset); err != nil {
		return fmt.Errorf(`read central directory of "%s" error: %w`, e.name, err)
	}
	rollback := func() {
		_, _ = f.WriteAt(tail, cdOffset)
		_ = f.Truncate(size)
	}

	var (
		buf     = make([]byte, util.DefaultBufferSize)
		off     = cdOffset
		written int64
	)
	for _, p := range plan.files {
		select {
		case <-ctx.Done():
			rollback()
			return ctx.Err()
		default:
		}

		rec, n, err := e.appendEntry(ctx, f, off, p, req.password, req.level, &progressWriter{
			tracker: req.tracker,
			base:    written,
			total:   plan.total,
			message: fmt.Sprintf(`adding "%s"`, p.target),
		}, buf)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// vanished between planning and now; same treatment as vanished before planning.
			continue
		case err != nil:
			rollback()
			return err
		}

		d.Records = append(d.Records, *rec)
		off += n
		written += int64(rec.UncompressedSize64)
		req.tracker.report(min(percentOf(written, plan.total), 99), fmt.Sprintf(`added "%s"`, p.target))
	}

	cd, err := d.Encode(off)
	if err == nil {
		_, err = f.WriteAt(cd, off)
	}
	if err != nil {
		rollback()
		return fmt.Errorf(`write central directory of "%s" error: %w`, e.name, err)
	}
	if err = f.Truncate(off + int64(len(cd))); err != nil {
		rollback()
		return fmt.Errorf(`truncate "%s" error: %w`, e.name, err)
	}

	req.tracker.report(100, "done")
	return nil
}

// appendEntry writes one planned file as a local file header plus stored data at offset off, returning the
// finished central directory record and the number of bytes the entry occupies. The header is written with
// zero sizes and patched once the data is through, so no data descriptor is needed.
func (e *zipEngine) appendEntry(ctx context.Context, f *os.File, off int64, p plannedFile, password string, level Level, progress io.Writer, buf []byte) (*zipcd.Record, int64, error) {
	rec := &zipcd.Record{Offset: off}
	rec.Name = p.target
	if p.info.IsDir() {
		rec.Name += "/"
	}
	if !isASCII(rec.Name) {
		rec.Flags |= zipcd.FlagUTF8
	}
	rec.SetModified(p.info.ModTime())
	rec.SetMode(p.info.Mode())
	rec.ReaderVersion = 20

	if p.info.IsDir() {
		lfh, err := zipcd.MarshalLocal(rec)
		if err != nil {
			return nil, 0, err
		}
		if _, err = f.WriteAt(lfh, off); err != nil {
			return nil, 0, fmt.Errorf(`write entry "%s" error: %w`, rec.Name, err)
		}
		return rec, int64(len(lfh)), nil
	}

	src, err := os.Open(p.path)
	if err != nil {
		return nil, 0, err
	}
	defer src.Close()

	method := zip.Deflate
	if level == Store {
		method = zip.Store
	}
	rec.Method = method
	if password != "" {
		// WinZip AE-2: method 99 marks the entry, the real method moves into the extra field, and the
		// CRC-32 field stays zero.
		rec.Method = zipcd.MethodAES
		rec.Flags |= zipcd.FlagEncrypted
		rec.ReaderVersion = 51
		rec.Extra = zipcd.SetExtra(rec.Extra, zipaes.ExtraTag, zipaes.ExtraField{
			Version:  zipaes.AE2,
			Strength: zipaes.StrengthAES256,
			Method:   method,
		}.Marshal())
	}

	lfh, err := zipcd.MarshalLocal(rec)
	if err != nil {
		return nil, 0, err
	}
	if _, err = f.WriteAt(lfh, off); err != nil {
		return nil, 0, fmt.Errorf(`write entry "%s" error: %w`, rec.Name, err)
	}

	// data flows plaintext -> compressor -> cipher -> file; the CRC-32 hashes the plaintext while the byte
	// count past the cipher becomes the stored size.
	stored := &util.CountingWriter{W: io.NewOffsetWriter(f, off+int64(len(lfh)))}
	var (
		entry io.Writer = stored
		aw    *zipaes.Writer
	)
	if password != "" {
		if aw, err = zipaes.NewWriter(stored, password, zipaes.StrengthAES256); err != nil {
			return nil, 0, fmt.Errorf(`encrypt entry "%s" error: %w`, rec.Name, err)
		}
		entry = aw
	}
	var fw *flate.Writer
	if method == zip.Deflate {
		// NewWriter only fails on an invalid level.
		fw, _ = flate.NewWriter(entry, flateLevel(level))
		entry = fw
	}

	crc := crc32.NewIEEE()
	n, err := util.CopyContext(ctx, io.MultiWriter(entry, crc, progress), src, buf)
	if err == nil && fw != nil {
		err = fw.Close()
	}
	if err == nil && aw != nil {
		err = aw.Close()
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, 0, err
	default:
		return nil, 0, fmt.Errorf(`add "%s" error: %w`, p.path, err)
	}

	rec.UncompressedSize64 = uint64(n)
	rec.CompressedSize64 = uint64(stored.N)
	if password == "" {
		rec.CRC32 = crc.Sum32()
	}
	if err = zipcd.PatchLocal(f, off, rec.CRC32, rec.CompressedSize64, rec.UncompressedSize64); err != nil {
		return nil, 0, err
	}
	return rec, int64(len(lfh)) + stored.N, nil
}

func (e *zipEngine) remove(ctx context.Context, req *removeRequest) error {
	f, d, err := e.openDirectory()
	if err != nil {
		return err
	}
	defer f.Close()

	matched := matchEntries(zipEntries(d), req.paths)
	if len(matched) == 0 {
		req.tracker.report(100, "nothing to delete")
		return nil
	}
	drop := make(map[int]bool, len(matched))
	for _, i := range matched {
		drop[i] = true
	}

	// surviving entries are copied span by span into a sibling temporary file that replaces the original
	// only after its directory is written, so a failure anywhere leaves the archive untouched.
	dir, base := filepath.Split(e.name)
	tmp, err := util.OpenExclFile(dir, "."+base, ".tmp", 0666)
	if err != nil {
		return fmt.Errorf(`create temporary file error: %w`, err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	var (
		kept = zipcd.Directory{EOCD: d.EOCD}
		buf  = make([]byte, util.DefaultBufferSize)
		off  int64
	)
	for i := range d.Records {
		rec := &d.Records[i]
		if drop[i] {
			req.tracker.report(min(percentOf(int64(i+1), int64(len(d.Records))), 99), fmt.Sprintf(`deleted "%s"`, rec.Name))
			continue
		}

		s, err := d.Span(f, i)
		if err != nil {
			return fmt.Errorf(`archive "%s": %w: %w`, e.name, ErrCorrupt, err)
		}
		switch _, err = util.CopyContext(ctx, tmp, io.NewSectionReader(f, s.HeaderOffset, s.End-s.HeaderOffset), buf); {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case err != nil:
			return fmt.Errorf(`copy entry "%s" error: %w`, rec.Name, err)
		}

		r := *rec
		r.Offset = off
		kept.Records = append(kept.Records, r)
		off += s.End - s.HeaderOffset
		req.tracker.report(min(percentOf(int64(i+1), int64(len(d.Records))), 99), fmt.Sprintf(`kept "%s"`, rec.Name))
	}

	cd, err := kept.Encode(off)
	if err == nil {
		_, err = tmp.Write(cd)
	}
	if err != nil {
		return fmt.Errorf(`write central directory error: %w`, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf(`close temporary file error: %w`, err)
	}

	_ = f.Close()
	if err = os.Rename(tmp.Name(), e.name); err != nil {
		return fmt.Errorf(`replace archive "%s" error: %w`, e.name, err)
	}

	req.tracker.report(100, "done")
	return nil
}

func (e *zipEngine) extract(ctx context.Context, req *extractRequest) error {
	f, d, err := e.openDirectory()
	if err != nil {
		return err
	}
	defer f.Close()

	entries := zipEntries(d)
	var total, done int64
	for _, entry := range entries {
		if !entry.IsDirectory {
			total += entry.Size
		}
	}

	buf := make([]byte, util.DefaultBufferSize)
	for i, entry := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if entry.FullName == "" {
			continue
		}

		target, err := entryTarget(req.dir, entry.FullName)
		if err != nil {
			return err
		}

		if entry.IsDirectory {
			if err = os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf(`create directory "%s" error: %w`, target, err)
			}
			req.tracker.report(min(percentOf(done, total), 99), fmt.Sprintf(`extracted "%s"`, entry.FullName))
			continue
		}
		if err = os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf(`create directory "%s" error: %w`, filepath.Dir(target), err)
		}

		rec := &d.Records[i]
		perm := rec.Mode().Perm()
		if perm == 0 {
			perm = 0644
		}
		w, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
		if err != nil {
			return fmt.Errorf(`create file "%s" error: %w`, target, err)
		}

		err = e.decodeEntry(ctx, f, d, i, req.password, io.MultiWriter(w, &progressWriter{
			tracker: req.tracker,
			base:    done,
			total:   total,
			message: fmt.Sprintf(`extracting "%s"`, entry.FullName),
		}), buf)
		if cerr := w.Close(); err == nil && cerr != nil {
			err = fmt.Errorf(`close file "%s" error: %w`, target, cerr)
		}
		if err != nil {
			return err
		}
		if !entry.LastWriteTime.IsZero() {
			_ = os.Chtimes(target, entry.LastWriteTime, entry.LastWriteTime)
		}

		done += entry.Size
		req.tracker.report(min(percentOf(done, total), 99), fmt.Sprintf(`extracted "%s"`, entry.FullName))
	}

	req.tracker.report(100, "done")
	return nil
}

// decodeEntry decodes entry i of the parsed archive into dst, driving decryption and decompression from the
// record's method and flags. The CRC-32 of the decoded bytes is verified whenever the record carries one.
func (e *zipEngine) decodeEntry(ctx context.Context, src io.ReaderAt, d *zipcd.Directory, i int, password string, dst io.Writer, buf []byte) error {
	rec := &d.Records[i]
	s, err := d.Span(src, i)
	if err != nil {
		return fmt.Errorf(`archive "%s": %w: %w`, e.name, ErrCorrupt, err)
	}

	var (
		r        io.Reader = io.NewSectionReader(src, s.DataOffset, s.DataEnd-s.DataOffset)
		method             = rec.Method
		checkCRC           = true
	)
	switch {
	case method == zipcd.MethodAES:
		data, ok := zipcd.FindExtra(rec.Extra, zipaes.ExtraTag)
		if !ok {
			return fmt.Errorf(`entry "%s": %w: AES entry without the AES extra field`, rec.Name, ErrCorrupt)
		}
		ef, err := zipaes.ParseExtra(data)
		if err != nil {
			return fmt.Errorf(`entry "%s": %w: %w`, rec.Name, ErrCorrupt, err)
		}
		ar, err := zipaes.NewReader(r, password, ef.Strength, int64(rec.CompressedSize64))
		if err != nil {
			if errors.Is(err, zipaes.ErrPasswordMismatch) {
				return fmt.Errorf(`entry "%s": %w`, rec.Name, ErrPassword)
			}
			return fmt.Errorf(`entry "%s" error: %w`, rec.Name, err)
		}
		r, method = ar, ef.Method
		// AE-2 stores no CRC-32; authenticity comes from the HMAC instead.
		checkCRC = ef.Version != zipaes.AE2
	case rec.Flags&zipcd.FlagEncrypted != 0:
		if r, err = newZipCryptoReader(r, password, rec); err != nil {
			return err
		}
	}

	crc := crc32.NewIEEE()
	w := io.MultiWriter(dst, crc)
	switch method {
	case zip.Store:
		_, err = util.CopyContext(ctx, w, r, buf)
	case zip.Deflate:
		fr := flate.NewReader(r)
		if _, err = util.CopyContext(ctx, w, fr, buf); err == nil {
			err = fr.Close()
		}
	default:
		return fmt.Errorf(`entry "%s": compression method %d: %w`, rec.Name, method, ErrUnsupported)
	}
	if err == nil {
		// drain whatever the decompressor did not consume so an AES reader reaches and verifies its MAC.
		_, err = io.Copy(io.Discard, r)
	}
	switch {
	case err == nil:
	case errors.Is(err, zipaes.ErrPasswordMismatch):
		return fmt.Errorf(`entry "%s": %w`, rec.Name, ErrPassword)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf(`decode entry "%s" error: %w`, rec.Name, err)
	}

	if checkCRC && crc.Sum32() != rec.CRC32 {
		if rec.Flags&zipcd.FlagEncrypted != 0 {
			// the legacy cipher's 1-in-256 header check lets some wrong passwords through to this point.
			return fmt.Errorf(`entry "%s": %w`, rec.Name, ErrPassword)
		}
		return fmt.Errorf(`entry "%s": %w: CRC-32 mismatch, got 0x%x, expected 0x%x`, rec.Name, ErrCorrupt, crc.Sum32(), rec.CRC32)
	}
	return nil
}

// openDirectory opens the archive file and parses its central directory. The caller owns closing the file.
func (e *zipEngine) openDirectory() (*os.File, *zipcd.Directory, error) {
	f, err := os.Open(e.name)
	if err != nil {
		return nil, nil, fmt.Errorf(`open archive "%s" error: %w`, e.name, err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf(`stat archive "%s" error: %w`, e.name, err)
	}

	d, err := zipcd.Parse(f, fi.Size())
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf(`archive "%s": %w: %w`, e.name, ErrCorrupt, err)
	}
	return f, d, nil
}

// zipEntries converts central directory records to entries, preserving container order.
func zipEntries(d *zipcd.Directory) []Entry {
	entries := make([]Entry, len(d.Records))
	for i := range d.Records {
		rec := &d.Records[i]
		full := normalizePath(rec.Name)
		size := int64(rec.UncompressedSize64)
		if rec.IsDir() {
			size = 0
		}
		entries[i] = Entry{
			Name:          path.Base(full),
			FullName:      full,
			Size:          size,
			LastWriteTime: rec.Modified,
			IsDirectory:   rec.IsDir(),
		}
	}
	return entries
}

// flateLevel maps a compression level to its DEFLATE equivalent.
func flateLevel(l Level) int {
	switch l {
	case Fast:
		return flate.BestSpeed
	case Best:
		return flate.BestCompression
	default:
		return flate.DefaultCompression
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
