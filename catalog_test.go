package arcx

import (
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{".", ""},
		{"a.txt", "a.txt"},
		{"/docs/a.txt", "docs/a.txt"},
		{`docs\sub\b.txt`, "docs/sub/b.txt"},
		{"docs//sub/", "docs/sub"},
		{"./docs/./a.txt", "docs/a.txt"},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, normalizePath(tt.in), "normalizePath(%q)", tt.in)
	}
}

func TestBuildCatalog(t *testing.T) {
	c := BuildCatalog([]Entry{
		{FullName: "docs/sub/b.txt", Size: 2},
		{FullName: "docs/a.txt", Size: 1},
		{FullName: "c.txt", Size: 3},
	})

	// docs and docs/sub are synthesised, so five entries in total.
	assert.Equal(t, 5, c.Len())

	names := func(entries []Entry) (names []string) {
		for _, e := range entries {
			names = append(names, e.FullName)
		}
		return names
	}
	assert.Equal(t, []string{"c.txt", "docs"}, names(c.Children("")))
	assert.Equal(t, []string{"docs/a.txt", "docs/sub"}, names(c.Children("docs")))
	assert.Equal(t, []string{"docs/sub/b.txt"}, names(c.Children("docs/sub")))
	assert.Nil(t, c.Children("c.txt"))
	assert.Nil(t, c.Children("missing"))

	e, ok := c.Lookup("docs/sub")
	assert.True(t, ok)
	assert.True(t, e.IsDirectory)
	assert.Equal(t, "sub", e.Name)

	e, ok = c.Lookup("/docs/a.txt")
	assert.True(t, ok)
	assert.EqualValues(t, 1, e.Size)

	_, ok = c.Lookup("docs/b.txt")
	assert.False(t, ok)
}

func TestBuildCatalog_PermutationInvariant(t *testing.T) {
	entries := []Entry{
		{FullName: "docs/sub/deep/x.bin", Size: 10},
		{FullName: "docs/a.txt", Size: 1},
		{FullName: "docs", IsDirectory: true, LastWriteTime: time.Unix(1700000000, 0)},
		{FullName: "readme.md", Size: 5},
		{FullName: "docs/sub/b.txt", Size: 2},
	}
	want := BuildCatalog(entries).Entries()

	for i := 0; i < 10; i++ {
		shuffled := slices.Clone(entries)
		rand.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, BuildCatalog(shuffled).Entries())
	}
}

func TestBuildCatalog_RealDirectoryWins(t *testing.T) {
	stored := time.Unix(1700000000, 0)

	// the stored docs entry must win over the synthesised one regardless of which comes first.
	for _, entries := range [][]Entry{
		{
			{FullName: "docs/a.txt", Size: 1},
			{FullName: "docs/", IsDirectory: true, LastWriteTime: stored},
		},
		{
			{FullName: "docs/", IsDirectory: true, LastWriteTime: stored},
			{FullName: "docs/a.txt", Size: 1},
		},
	} {
		c := BuildCatalog(entries)
		assert.Equal(t, 2, c.Len())
		e, ok := c.Lookup("docs")
		assert.True(t, ok)
		assert.Equal(t, stored, e.LastWriteTime)
	}
}

func TestBuildCatalog_Degenerate(t *testing.T) {
	assert.Equal(t, 0, BuildCatalog(nil).Len())

	// entries naming the root are dropped; duplicates collapse.
	c := BuildCatalog([]Entry{
		{FullName: "/"},
		{FullName: "."},
		{FullName: "a.txt", Size: 1},
		{FullName: "./a.txt", Size: 9},
	})
	assert.Equal(t, 1, c.Len())
	e, _ := c.Lookup("a.txt")
	assert.EqualValues(t, 1, e.Size)
}
