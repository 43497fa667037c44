package arcx

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
	"github.com/nguyenvq/arcx/util"
)

// Archive is a handle to one archive file on disk. The handle holds no in-memory copy of the contents; every
// operation re-opens the file, so sequential operations through one handle always observe the current on-disk
// state. Concurrent operations against the same file are not synchronised here and must be serialised by the
// caller.
//
// Operations on encrypted archives verify the password first (see VerifyPassword) and fail with an error
// wrapping ErrPassword before any read or mutation. Cancelling an operation's context aborts it at the next
// file or chunk boundary with an error satisfying errors.Is(err, context.Canceled); a cancelled or failed
// mutation leaves the archive with its pre-call contents.
type Archive struct {
	name        string
	engine      engine
	level       Level
	verifyLimit int64
}

// Open returns a handle to the existing archive file at name. The format is detected from the file's
// signature, not its extension, which only breaks ties; a misnamed archive therefore opens as what it really
// is. Files matching no supported format fail with an error wrapping ErrUnsupported.
func Open(ctx context.Context, name string, optFns ...func(*OpenOptions)) (*Archive, error) {
	opts := OpenOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf(`open archive "%s" error: %w`, name, err)
	}
	defer f.Close()

	format, _, err := archives.Identify(ctx, name, f)
	if err != nil {
		if errors.Is(err, archives.NoMatch) {
			return nil, fmt.Errorf(`archive "%s": %w`, name, ErrUnsupported)
		}
		return nil, fmt.Errorf(`identify archive "%s" error: %w`, name, err)
	}

	a := &Archive{name: name, level: Normal, verifyLimit: opts.VerifyLimit}
	if a.verifyLimit <= 0 {
		a.verifyLimit = DefaultVerifyLimit
	}
	switch format.(type) {
	case archives.Zip:
		a.engine = &zipEngine{name: name}
	case archives.SevenZip:
		a.engine = &sevenzEngine{name: name}
	default:
		return nil, fmt.Errorf(`archive "%s" (%s): %w`, name, format.Extension(), ErrUnsupported)
	}
	return a, nil
}

// Create writes a new, structurally valid empty archive at name and returns its handle. The engine is chosen
// by extension (".zip" or ".7z"; anything else fails with an error wrapping ErrUnsupported) and the file must
// not already exist.
func Create(ctx context.Context, name string, optFns ...func(*CreateOptions)) (*Archive, error) {
	opts := CreateOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	level := opts.Level.or(Normal)
	if !level.valid() {
		return nil, fmt.Errorf(`unknown compression level "%s"`, level)
	}

	a := &Archive{name: name, level: level, verifyLimit: opts.VerifyLimit}
	if a.verifyLimit <= 0 {
		a.verifyLimit = DefaultVerifyLimit
	}
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".zip":
		a.engine = &zipEngine{name: name}
	case ".7z":
		a.engine = &sevenzEngine{name: name}
	default:
		return nil, fmt.Errorf(`extension "%s": %w`, ext, ErrUnsupported)
	}

	if err := a.engine.create(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Name returns the path of the archive file.
func (a *Archive) Name() string {
	return a.name
}

// Encrypted reports whether the archive requires a password, either because its index is encrypted or because
// at least one entry is. It never requires a password itself.
func (a *Archive) Encrypted(ctx context.Context) (bool, error) {
	return a.engine.encrypted(ctx)
}

// VerifyPassword reports whether password grants access to the archive. An unencrypted archive accepts any
// password, the empty one included.
//
// The check is a bounded-cost heuristic rather than a full decryption: after opening the index with the given
// password, only the smallest stored file is decoded, and not even that when it exceeds the handle's verify
// limit (DefaultVerifyLimit unless overridden at Open or Create). Archives beyond the limit are therefore
// accepted optimistically and a wrong password may only surface during a later operation. A corrupt smallest
// entry is likewise indistinguishable from a wrong password. Those trade-offs bound the check's cost on
// archives whose smallest member is still huge.
func (a *Archive) VerifyPassword(ctx context.Context, password string) (bool, error) {
	return a.engine.check(ctx, password, a.verifyLimit)
}

// authorize is the password gate run by every operation: nothing is read or written until the password has
// been verified.
func (a *Archive) authorize(ctx context.Context, password string) error {
	switch ok, err := a.engine.check(ctx, password, a.verifyLimit); {
	case err != nil:
		return err
	case !ok:
		return fmt.Errorf(`archive "%s": %w`, a.name, ErrPassword)
	}
	return nil
}

// List returns the archive's real entries in container order. Use BuildCatalog to turn the flat list into a
// hierarchical view with synthesised parent directories.
func (a *Archive) List(ctx context.Context, optFns ...func(*ListOptions)) ([]Entry, error) {
	opts := ListOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := a.authorize(ctx, opts.Password); err != nil {
		return nil, err
	}
	return a.engine.list(ctx, opts.Password)
}

// Catalog lists the archive and builds the catalog in one call.
func (a *Archive) Catalog(ctx context.Context, optFns ...func(*ListOptions)) (*Catalog, error) {
	entries, err := a.List(ctx, optFns...)
	if err != nil {
		return nil, err
	}
	return BuildCatalog(entries), nil
}

// Add writes the given sources into the archive under folder ("" for the root). Sources whose path no longer
// exists at call time are skipped, as is any source whose target path is already taken by an existing entry or
// by an earlier source; neither case is an error. A source naming a directory produces a directory entry
// without recursing, see SourcesFromDir for expanding trees.
func (a *Archive) Add(ctx context.Context, sources []Source, folder string, optFns ...func(*AddOptions)) error {
	opts := AddOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	level := opts.Level.or(a.level)
	if !level.valid() {
		return fmt.Errorf(`unknown compression level "%s"`, level)
	}

	if err := a.authorize(ctx, opts.Password); err != nil {
		return err
	}
	return a.engine.add(ctx, &addRequest{
		sources:  sources,
		folder:   normalizePath(folder),
		password: opts.Password,
		level:    level,
		tracker:  newTracker(opts.Progress),
	})
}

// Delete removes the entries stored at the given in-archive paths. A path naming a directory, an implied one
// included, removes its whole subtree. Paths matching no current entry are ignored, and a call that resolves
// to nothing succeeds without rewriting the file.
func (a *Archive) Delete(ctx context.Context, paths []string, optFns ...func(*DeleteOptions)) error {
	opts := DeleteOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := a.authorize(ctx, opts.Password); err != nil {
		return err
	}
	return a.engine.remove(ctx, &removeRequest{
		paths:    paths,
		password: opts.Password,
		level:    a.level,
		tracker:  newTracker(opts.Progress),
	})
}

// Extract unpacks all entries into dir, which must already exist. Files that already exist under dir are
// overwritten; entries whose path would escape dir fail the extraction.
func (a *Archive) Extract(ctx context.Context, dir string, optFns ...func(*ExtractOptions)) error {
	opts := ExtractOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := a.authorize(ctx, opts.Password); err != nil {
		return err
	}

	if fi, err := os.Stat(dir); err != nil {
		return fmt.Errorf(`destination directory "%s" error: %w`, dir, err)
	} else if !fi.IsDir() {
		return fmt.Errorf(`destination "%s" is not a directory`, dir)
	}
	return a.engine.extract(ctx, &extractRequest{
		dir:      dir,
		password: opts.Password,
		tracker:  newTracker(opts.Progress),
	})
}

// Source names one file or directory on disk to be added to an archive. Name is the path the source will take
// inside the target folder and may contain slashes to place it in a subfolder.
type Source struct {
	Path string
	Name string
}

// Sources builds Add inputs from disk paths. A relative path keeps itself as the in-archive name, so
// "sub/b.txt" stays under "sub"; an absolute path contributes only its base name.
func Sources(paths ...string) []Source {
	srcs := make([]Source, 0, len(paths))
	for _, p := range paths {
		name := filepath.ToSlash(p)
		if filepath.IsAbs(p) {
			name = filepath.Base(p)
		}
		srcs = append(srcs, Source{Path: p, Name: name})
	}
	return srcs
}

// SourcesFromDir walks root and returns one source per regular file, named by the file's path relative to
// root's parent so that the tree keeps root's own name as its top-level folder.
func SourcesFromDir(ctx context.Context, root string) ([]Source, error) {
	base := filepath.Base(root)
	var srcs []Source
	err := util.WalkRegularFiles(ctx, root, func(path string, _ fs.DirEntry) error {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		srcs = append(srcs, Source{Path: path, Name: base + "/" + filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return srcs, nil
}
