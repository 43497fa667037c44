package arcx

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// engine is the format-specific half of an Archive: one implementation per container format, all exposing the
// same operation set. Engines trust their inputs; the Archive facade validates arguments and enforces the
// password gate before any engine call.
type engine interface {
	// create writes a structurally valid empty container. It fails if the file already exists.
	create(ctx context.Context) error

	// list returns the real entries in container order, paths normalised. password is only consulted by
	// formats that encrypt the index itself.
	list(ctx context.Context, password string) ([]Entry, error)

	// encrypted reports whether the index or any entry requires a password. It never needs one itself.
	encrypted(ctx context.Context) (bool, error)

	// check reports whether password grants access, decoding at most limit bytes of entry data.
	check(ctx context.Context, password string, limit int64) (bool, error)

	add(ctx context.Context, req *addRequest) error
	remove(ctx context.Context, req *removeRequest) error
	extract(ctx context.Context, req *extractRequest) error
}

type addRequest struct {
	sources  []Source
	folder   string
	password string
	level    Level
	tracker  *tracker
}

type removeRequest struct {
	paths    []string
	password string
	level    Level
	tracker  *tracker
}

type extractRequest struct {
	dir      string
	password string
	tracker  *tracker
}

// plannedFile is one unit of an addPlan. Directories carry no data and only produce a directory record.
type plannedFile struct {
	path   string
	target string
	info   fs.FileInfo
}

// addPlan is the resolved work list for one Add call.
type addPlan struct {
	files []plannedFile
	// total is the byte count across regular files, used to scale progress.
	total int64
}

// planAdd turns an add request into the concrete work list: sources that have vanished since the caller built
// the list are skipped, and a source whose target path is already taken, by an existing entry or by an earlier
// source, is dropped in favor of the incumbent. Source order is preserved.
func planAdd(req *addRequest, existing []Entry) (*addPlan, error) {
	taken := make(map[string]bool, len(existing)+len(req.sources))
	for _, e := range existing {
		taken[e.FullName] = true
	}

	plan := &addPlan{}
	for _, src := range req.sources {
		info, err := os.Stat(src.Path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf(`stat "%s" error: %w`, src.Path, err)
		}

		name := normalizePath(src.Name)
		if name == "" {
			name = filepath.Base(src.Path)
		}
		target := name
		if req.folder != "" {
			target = req.folder + "/" + name
		}
		if taken[target] {
			continue
		}
		taken[target] = true

		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil, fmt.Errorf(`"%s" is not a regular file`, src.Path)
		}

		plan.files = append(plan.files, plannedFile{path: src.Path, target: target, info: info})
		if !info.IsDir() {
			plan.total += info.Size()
		}
	}
	return plan, nil
}

// matchEntries returns the indices of entries covered by the given in-archive paths. A path covers the entry
// stored at that exact path plus every entry below it, so directory paths, virtual ones included, select their
// whole subtree. Paths covering nothing are ignored.
func matchEntries(entries []Entry, paths []string) []int {
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		if p = normalizePath(p); p != "" {
			want[p] = true
		}
	}
	if len(want) == 0 {
		return nil
	}

	var matched []int
	for i, e := range entries {
		if want[e.FullName] {
			matched = append(matched, i)
			continue
		}
		for dir := path.Dir(e.FullName); dir != "."; dir = path.Dir(dir) {
			if want[dir] {
				matched = append(matched, i)
				break
			}
		}
	}
	return matched
}

// entryTarget maps an in-archive path to its extraction target under dir, rejecting entries that would resolve
// outside of it.
func entryTarget(dir, full string) (string, error) {
	rel := filepath.FromSlash(full)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf(`entry "%s" resolves outside the destination directory`, full)
	}
	return filepath.Join(dir, rel), nil
}
