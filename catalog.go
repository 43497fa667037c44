package arcx

import (
	"path"
	"sort"
	"strings"
	"time"
)

// Entry describes a single member of an archive.
//
// FullName is the entry's path inside the archive, normalised to forward slashes with no leading or trailing
// separator. Directory entries never carry a trailing slash; IsDirectory distinguishes them instead.
type Entry struct {
	// Name is the last path segment of FullName.
	Name string
	// FullName is the normalised path of the entry inside the archive.
	FullName string
	// Size is the uncompressed size in bytes. Directories report 0.
	Size int64
	// LastWriteTime is the entry's modification time. It is the zero time when the container does not record
	// one, and always zero for directories synthesised by BuildCatalog.
	LastWriteTime time.Time
	// IsDirectory reports whether the entry is a directory.
	IsDirectory bool
}

// normalizePath rewrites an in-archive path to the canonical catalog form: forward slashes only, no leading or
// trailing separator, no empty or "." segments. It returns "" for paths that name the archive root.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")

	segments := strings.Split(p, "/")
	kept := segments[:0]
	for _, s := range segments {
		if s != "" && s != "." {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "/")
}

// Catalog is a read-only tree view over the flat entry list of an archive.
//
// Containers store members as a flat list in whatever order they were written, and nothing guarantees that a
// parent directory is stored at all, let alone before its children. BuildCatalog therefore synthesises the
// missing ancestor directories so that every entry is reachable from the root by walking Children.
type Catalog struct {
	entries []Entry
	byPath  map[string]int
}

// BuildCatalog builds a Catalog from the entries of an archive.
//
// Paths are normalised, duplicates collapse to a single entry, and a directory entry is synthesised for every
// ancestor path that no listed entry covers. An entry taken from the archive always wins over a synthesised
// directory at the same path. The result is independent of the order of entries.
func BuildCatalog(entries []Entry) *Catalog {
	type node struct {
		entry     Entry
		synthetic bool
	}
	nodes := make(map[string]node, len(entries))

	insert := func(e Entry, synthetic bool) {
		prev, ok := nodes[e.FullName]
		if ok && !(prev.synthetic && !synthetic) {
			// First real entry wins; a synthetic directory never displaces anything.
			return
		}
		nodes[e.FullName] = node{entry: e, synthetic: synthetic}
	}

	for _, e := range entries {
		full := normalizePath(e.FullName)
		if full == "" {
			// Some writers store an explicit root entry; the catalog root is implicit.
			continue
		}

		e.FullName = full
		e.Name = path.Base(full)
		if e.IsDirectory {
			e.Size = 0
		}
		insert(e, false)

		for dir := path.Dir(full); dir != "."; dir = path.Dir(dir) {
			insert(Entry{Name: path.Base(dir), FullName: dir, IsDirectory: true}, true)
		}
	}

	c := &Catalog{
		entries: make([]Entry, 0, len(nodes)),
		byPath:  make(map[string]int, len(nodes)),
	}
	for _, n := range nodes {
		c.entries = append(c.entries, n.entry)
	}
	sort.Slice(c.entries, func(i, j int) bool {
		return c.entries[i].FullName < c.entries[j].FullName
	})
	for i, e := range c.entries {
		c.byPath[e.FullName] = i
	}
	return c
}

// Len returns the number of entries in the catalog, synthesised directories included.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Entries returns all entries sorted by FullName.
func (c *Catalog) Entries() []Entry {
	return c.entries
}

// Lookup returns the entry at the given in-archive path.
func (c *Catalog) Lookup(p string) (Entry, bool) {
	i, ok := c.byPath[normalizePath(p)]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// Children returns the immediate children of the given directory path, sorted by FullName. The archive root is
// named by "" (or "/" or "."). Asking for a path that is not a directory in the catalog returns nil.
func (c *Catalog) Children(dir string) []Entry {
	prefix := normalizePath(dir)
	if prefix != "" {
		if i, ok := c.byPath[prefix]; !ok || !c.entries[i].IsDirectory {
			return nil
		}
		prefix += "/"
	}

	// Entries are sorted so the children of prefix form one contiguous run mixed with deeper descendants.
	i := sort.Search(len(c.entries), func(i int) bool { return c.entries[i].FullName >= prefix })
	var children []Entry
	for ; i < len(c.entries) && strings.HasPrefix(c.entries[i].FullName, prefix); i++ {
		rest := c.entries[i].FullName[len(prefix):]
		if !strings.Contains(rest, "/") {
			children = append(children, c.entries[i])
		}
	}
	return children
}
