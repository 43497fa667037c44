package arcx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/bodgit/sevenzip"
	"github.com/nguyenvq/arcx/sevenz"
	"github.com/nguyenvq/arcx/util"
)

// sevenzEngine rewrites 7z archives whole. The format trails its index behind the packed streams, and folders
// interleave entry data, so there is no in-place append: every mutation decodes the surviving entries and
// streams them, along with any new files, into a fresh archive that atomically replaces the original. Reads go
// through github.com/bodgit/sevenzip, writes through the sevenz package.
type sevenzEngine struct {
	name string
}

func (e *sevenzEngine) create(_ context.Context) error {
	f, err := os.OpenFile(e.name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return fmt.Errorf(`create archive "%s" error: %w`, e.name, err)
	}

	// an empty archive is a signature block pointing at no header.
	if err = sevenz.NewWriter(f).Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf(`write archive "%s" error: %w`, e.name, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf(`close archive "%s" error: %w`, e.name, err)
	}
	return nil
}

func (e *sevenzEngine) list(_ context.Context, password string) ([]Entry, error) {
	rc, _, err := e.openReader(password)
	if err != nil || rc == nil {
		return nil, err
	}
	defer rc.Close()
	return sevenzEntries(rc.File), nil
}

func (e *sevenzEngine) encrypted(_ context.Context) (bool, error) {
	info, err := e.inspect()
	if err != nil {
		return false, err
	}
	return info.HeaderEncrypted || info.EntriesEncrypted, nil
}

// check implements the bounded password verification for 7z archives. With an encrypted header, decoding the
// index is already the proof; otherwise the smallest stored file is decoded to a discard writer, unless it is
// larger than limit, in which case the password is accepted without proof and a mismatch surfaces on a later
// operation instead.
func (e *sevenzEngine) check(ctx context.Context, password string, limit int64) (bool, error) {
	info, err := e.inspect()
	if err != nil {
		return false, err
	}
	if info.Empty || !(info.HeaderEncrypted || info.EntriesEncrypted) {
		return true, nil
	}
	if password == "" {
		return false, nil
	}

	rc, err := sevenzip.OpenReaderWithPassword(e.name, password)
	if err != nil {
		return false, nil
	}
	defer rc.Close()

	entries := sevenzEntries(rc.File)
	i := smallestFile(entries)
	if i < 0 || entries[i].Size > limit {
		return true, nil
	}

	r, err := rc.File[i].Open()
	if err != nil {
		return false, nil
	}
	_, err = util.CopyContext(ctx, io.Discard, r, nil)
	_ = r.Close()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false, err
	}
	return false, nil
}

func (e *sevenzEngine) add(ctx context.Context, req *addRequest) error {
	rc, info, err := e.openReader(req.password)
	if err != nil {
		return err
	}
	var existing []*sevenzip.File
	if rc != nil {
		defer rc.Close()
		existing = rc.File
	}

	plan, err := planAdd(req, sevenzEntries(existing))
	if err != nil {
		return err
	}
	if len(plan.files) == 0 {
		req.tracker.report(100, "nothing to add")
		return nil
	}

	total := plan.total
	for _, file := range existing {
		if !file.FileInfo().IsDir() {
			total += int64(file.UncompressedSize)
		}
	}
	return e.rewrite(ctx, req.tracker, req.password, req.level, info, existing, plan, total)
}

func (e *sevenzEngine) remove(ctx context.Context, req *removeRequest) error {
	rc, info, err := e.openReader(req.password)
	if err != nil {
		return err
	}
	if rc == nil {
		req.tracker.report(100, "nothing to delete")
		return nil
	}
	defer rc.Close()

	entries := sevenzEntries(rc.File)
	matched := matchEntries(entries, req.paths)
	if len(matched) == 0 {
		req.tracker.report(100, "nothing to delete")
		return nil
	}
	drop := make(map[int]bool, len(matched))
	for _, i := range matched {
		drop[i] = true
	}

	var (
		keep  []*sevenzip.File
		total int64
	)
	for i, file := range rc.File {
		if drop[i] {
			continue
		}
		keep = append(keep, file)
		if !file.FileInfo().IsDir() {
			total += int64(file.UncompressedSize)
		}
	}

	// deleting must not introduce encryption: the password is access only, unless the archive already was
	// encrypted, in which case the survivors are re-encrypted with it.
	password := ""
	if info.HeaderEncrypted || info.EntriesEncrypted {
		password = req.password
	}
	return e.rewrite(ctx, req.tracker, password, req.level, info, keep, nil, total)
}

func (e *sevenzEngine) extract(ctx context.Context, req *extractRequest) error {
	rc, info, err := e.openReader(req.password)
	if err != nil {
		return err
	}
	if rc == nil {
		req.tracker.report(100, "done")
		return nil
	}
	defer rc.Close()

	encrypted := info.HeaderEncrypted || info.EntriesEncrypted
	var total, done int64
	for _, file := range rc.File {
		if !file.FileInfo().IsDir() {
			total += int64(file.UncompressedSize)
		}
	}

	buf := make([]byte, util.DefaultBufferSize)
	for _, file := range rc.File {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		full := normalizePath(file.Name)
		if full == "" {
			continue
		}
		target, err := entryTarget(req.dir, full)
		if err != nil {
			return err
		}

		fi := file.FileInfo()
		if fi.IsDir() {
			if err = os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf(`create directory "%s" error: %w`, target, err)
			}
			req.tracker.report(min(percentOf(done, total), 99), fmt.Sprintf(`extracted "%s"`, full))
			continue
		}
		if err = os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf(`create directory "%s" error: %w`, filepath.Dir(target), err)
		}

		perm := fi.Mode().Perm()
		if perm == 0 {
			perm = 0644
		}
		w, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
		if err != nil {
			return fmt.Errorf(`create file "%s" error: %w`, target, err)
		}

		r, err := file.Open()
		if err == nil {
			_, err = util.CopyContext(ctx, io.MultiWriter(w, &progressWriter{
				tracker: req.tracker,
				base:    done,
				total:   total,
				message: fmt.Sprintf(`extracting "%s"`, full),
			}), r, buf)
			_ = r.Close()
		}
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			_ = w.Close()
			return err
		default:
			_ = w.Close()
			return decodeError(full, encrypted, err)
		}
		if err = w.Close(); err != nil {
			return fmt.Errorf(`close file "%s" error: %w`, target, err)
		}
		if !file.Modified.IsZero() {
			_ = os.Chtimes(target, file.Modified, file.Modified)
		}

		done += int64(file.UncompressedSize)
		req.tracker.report(min(percentOf(done, total), 99), fmt.Sprintf(`extracted "%s"`, full))
	}

	req.tracker.report(100, "done")
	return nil
}

// rewrite streams the kept entries plus the planned new files into a temporary sibling that replaces the
// archive only once its header is written, so a failure or cancellation anywhere leaves the original
// untouched. Kept entries are re-encoded at the given level and password.
func (e *sevenzEngine) rewrite(ctx context.Context, tracker *tracker, password string, level Level, info sevenz.Info, keep []*sevenzip.File, plan *addPlan, total int64) error {
	dir, base := filepath.Split(e.name)
	tmp, err := util.OpenExclFile(dir, "."+base, ".tmp", 0666)
	if err != nil {
		return fmt.Errorf(`create temporary file error: %w`, err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	w := sevenz.NewWriter(tmp)
	w.Password = password
	switch level {
	case Store:
		w.Store = true
	case Fast:
		w.DictCap = 1 << 20
	case Best:
		w.DictCap = 1 << 26
	}

	buf := make([]byte, util.DefaultBufferSize)
	var written int64
	for _, file := range keep {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := e.copyEntry(ctx, w, file, info.HeaderEncrypted || info.EntriesEncrypted, &progressWriter{
			tracker: tracker,
			base:    written,
			total:   total,
			message: fmt.Sprintf(`repacking "%s"`, file.Name),
		}, buf)
		if err != nil {
			return err
		}
		written += n
		tracker.report(min(percentOf(written, total), 99), fmt.Sprintf(`repacked "%s"`, file.Name))
	}

	if plan != nil {
		for _, p := range plan.files {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			n, err := appendFile(ctx, w, p, &progressWriter{
				tracker: tracker,
				base:    written,
				total:   total,
				message: fmt.Sprintf(`adding "%s"`, p.target),
			}, buf)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				// vanished between planning and now; same treatment as vanished before planning.
				continue
			case err != nil:
				return err
			}
			written += n
			tracker.report(min(percentOf(written, total), 99), fmt.Sprintf(`added "%s"`, p.target))
		}
	}

	if err = w.Close(); err != nil {
		return fmt.Errorf(`write archive "%s" error: %w`, e.name, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf(`close temporary file error: %w`, err)
	}
	if err = os.Rename(tmp.Name(), e.name); err != nil {
		return fmt.Errorf(`replace archive "%s" error: %w`, e.name, err)
	}

	tracker.report(100, "done")
	return nil
}

// copyEntry re-encodes one existing entry into the writer, returning how many decoded bytes went through.
func (e *sevenzEngine) copyEntry(ctx context.Context, w *sevenz.Writer, file *sevenzip.File, encrypted bool, progress io.Writer, buf []byte) (int64, error) {
	full := normalizePath(file.Name)
	fi := file.FileInfo()
	fw, err := w.Create(&sevenz.FileHeader{Name: full, Modified: file.Modified, Mode: fi.Mode()})
	if err != nil {
		return 0, fmt.Errorf(`write entry "%s" error: %w`, full, err)
	}
	if fi.IsDir() {
		return 0, nil
	}

	r, err := file.Open()
	if err != nil {
		return 0, decodeError(full, encrypted, err)
	}
	n, err := util.CopyContext(ctx, io.MultiWriter(fw, progress), r, buf)
	_ = r.Close()
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return n, err
	default:
		return n, decodeError(full, encrypted, err)
	}
}

// appendFile writes one planned file from disk. The source is opened before the entry is created, so a file
// that vanished after planning adds nothing to the archive.
func appendFile(ctx context.Context, w *sevenz.Writer, p plannedFile, progress io.Writer, buf []byte) (int64, error) {
	fh := &sevenz.FileHeader{Name: p.target, Modified: p.info.ModTime(), Mode: p.info.Mode()}
	if p.info.IsDir() {
		if _, err := w.Create(fh); err != nil {
			return 0, fmt.Errorf(`write entry "%s" error: %w`, p.target, err)
		}
		return 0, nil
	}

	src, err := os.Open(p.path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	fw, err := w.Create(fh)
	if err != nil {
		return 0, fmt.Errorf(`write entry "%s" error: %w`, p.target, err)
	}
	n, err := util.CopyContext(ctx, io.MultiWriter(fw, progress), src, buf)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return n, err
	default:
		return n, fmt.Errorf(`add "%s" error: %w`, p.path, err)
	}
}

// sevenzEntries converts reader files to entries, preserving container order.
func sevenzEntries(files []*sevenzip.File) []Entry {
	entries := make([]Entry, len(files))
	for i, file := range files {
		full := normalizePath(file.Name)
		isDir := file.FileInfo().IsDir()
		size := int64(file.UncompressedSize)
		if isDir {
			size = 0
		}
		entries[i] = Entry{
			Name:          path.Base(full),
			FullName:      full,
			Size:          size,
			LastWriteTime: file.Modified,
			IsDirectory:   isDir,
		}
	}
	return entries
}

// inspect reads the signature block and the header's shape without decoding any entry data.
func (e *sevenzEngine) inspect() (sevenz.Info, error) {
	f, err := os.Open(e.name)
	if err != nil {
		return sevenz.Info{}, fmt.Errorf(`open archive "%s" error: %w`, e.name, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return sevenz.Info{}, fmt.Errorf(`stat archive "%s" error: %w`, e.name, err)
	}
	info, err := sevenz.Inspect(f, fi.Size())
	if err != nil {
		return sevenz.Info{}, fmt.Errorf(`archive "%s": %w: %w`, e.name, ErrCorrupt, err)
	}
	return info, nil
}

// openReader opens the archive with bodgit's reader, returning a nil reader for an empty archive. A failed
// open is blamed on the password when the header is encrypted, since a wrong password and damage are
// indistinguishable there.
func (e *sevenzEngine) openReader(password string) (*sevenzip.ReadCloser, sevenz.Info, error) {
	info, err := e.inspect()
	if err != nil {
		return nil, info, err
	}
	if info.Empty {
		return nil, info, nil
	}

	rc, err := sevenzip.OpenReaderWithPassword(e.name, password)
	if err != nil {
		if info.HeaderEncrypted {
			return nil, info, fmt.Errorf(`archive "%s": %w`, e.name, ErrPassword)
		}
		return nil, info, fmt.Errorf(`archive "%s": %w: %w`, e.name, ErrCorrupt, err)
	}
	return rc, info, nil
}

// decodeError classifies a failure while decoding entry data. Encrypted data decodes into garbage just as
// readily under a wrong password as under damage, so the password takes the blame there.
func decodeError(name string, encrypted bool, err error) error {
	if encrypted {
		return fmt.Errorf(`entry "%s": %w: %w`, name, ErrPassword, err)
	}
	return fmt.Errorf(`entry "%s": %w: %w`, name, ErrCorrupt, err)
}
