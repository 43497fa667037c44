package arcx

import (
	"archive/zip"
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/nguyenvq/arcx/zipcd"
	"github.com/stretchr/testify/assert"
)

func randomText(n int) []byte {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return b
}

func writeTestTree(t *testing.T, dir string, files map[string][]byte) {
	t.Helper()
	for name, data := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		assert.NoErrorf(t, os.MkdirAll(filepath.Dir(p), 0755), "MkdirAll(%s) error", filepath.Dir(p))
		assert.NoErrorf(t, os.WriteFile(p, data, 0644), "WriteFile(%s) error", p)
	}
}

func TestZipEngine_AddExtract(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	files := map[string][]byte{
		"a.txt":     []byte("hello world"),
		"sub/b.txt": randomText(100_000),
	}
	writeTestTree(t, dir, files)

	name := filepath.Join(dir, "test.zip")
	e := &zipEngine{name: name}
	assert.NoErrorf(t, e.create(ctx), "create() error")

	err := e.add(ctx, &addRequest{
		sources: []Source{
			{Path: filepath.Join(dir, "a.txt"), Name: "a.txt"},
			{Path: filepath.Join(dir, "sub", "b.txt"), Name: "sub/b.txt"},
		},
		folder:  "docs",
		level:   Normal,
		tracker: newTracker(nil),
	})
	assert.NoErrorf(t, err, "add() error = %v", err)

	entries, err := e.list(ctx, "")
	assert.NoErrorf(t, err, "list() error = %v", err)
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "docs/a.txt", entries[0].FullName)
		assert.Equal(t, "docs/sub/b.txt", entries[1].FullName)
		assert.EqualValues(t, len(files["a.txt"]), entries[0].Size)
		assert.False(t, entries[0].IsDirectory)
	}

	// the result must be readable by an independent implementation.
	zr, err := zip.OpenReader(name)
	if assert.NoErrorf(t, err, "zip.OpenReader() error = %v", err) {
		if assert.Len(t, zr.File, 2) {
			rc, err := zr.File[1].Open()
			if assert.NoError(t, err) {
				got, err := io.ReadAll(rc)
				assert.NoError(t, err)
				assert.Equal(t, files["sub/b.txt"], got)
				_ = rc.Close()
			}
		}
		_ = zr.Close()
	}

	out := filepath.Join(dir, "out")
	assert.NoError(t, os.Mkdir(out, 0755))
	err = e.extract(ctx, &extractRequest{dir: out, tracker: newTracker(nil)})
	assert.NoErrorf(t, err, "extract() error = %v", err)
	for name, data := range files {
		got, err := os.ReadFile(filepath.Join(out, "docs", filepath.FromSlash(name)))
		if assert.NoErrorf(t, err, "ReadFile(%s) error", name) {
			assert.Equal(t, data, got)
		}
	}
}

func TestZipEngine_AddInPlace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	files := map[string][]byte{
		"a.txt": []byte("hello world"),
		"b.bin": randomText(50_000),
		"c.txt": randomText(2_000),
	}
	writeTestTree(t, dir, files)

	name := filepath.Join(dir, "test.zip")
	e := &zipEngine{name: name}
	assert.NoError(t, e.create(ctx))
	err := e.add(ctx, &addRequest{
		sources: []Source{
			{Path: filepath.Join(dir, "a.txt"), Name: "a.txt"},
			{Path: filepath.Join(dir, "b.bin"), Name: "b.bin"},
		},
		level:   Normal,
		tracker: newTracker(nil),
	})
	assert.NoErrorf(t, err, "add() error = %v", err)

	before, err := os.ReadFile(name)
	assert.NoError(t, err)
	d, err := zipcd.Parse(bytes.NewReader(before), int64(len(before)))
	assert.NoErrorf(t, err, "Parse() error = %v", err)
	cdOffset := d.EOCD.CDOffset

	err = e.add(ctx, &addRequest{
		sources: []Source{{Path: filepath.Join(dir, "c.txt"), Name: "c.txt"}},
		level:   Normal,
		tracker: newTracker(nil),
	})
	assert.NoErrorf(t, err, "add() error = %v", err)

	// appending writes at the old central directory offset and beyond; every prior local record keeps its
	// exact bytes.
	after, err := os.ReadFile(name)
	assert.NoError(t, err)
	assert.Equal(t, before[:cdOffset], after[:cdOffset])

	d2, err := zipcd.Parse(bytes.NewReader(after), int64(len(after)))
	assert.NoErrorf(t, err, "Parse() error = %v", err)
	assert.Greater(t, d2.EOCD.CDOffset, cdOffset)

	zr, err := zip.OpenReader(name)
	if assert.NoErrorf(t, err, "zip.OpenReader() error = %v", err) {
		assert.Len(t, zr.File, 3)
		_ = zr.Close()
	}
}

func TestZipEngine_Encrypted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	content := randomText(64 * 1024)
	writeTestTree(t, dir, map[string][]byte{"secret.txt": content})

	name := filepath.Join(dir, "test.zip")
	e := &zipEngine{name: name}
	assert.NoError(t, e.create(ctx))
	err := e.add(ctx, &addRequest{
		sources:  []Source{{Path: filepath.Join(dir, "secret.txt"), Name: "secret.txt"}},
		password: "hunter2",
		level:    Fast,
		tracker:  newTracker(nil),
	})
	assert.NoErrorf(t, err, "add() error = %v", err)

	enc, err := e.encrypted(ctx)
	assert.NoError(t, err)
	assert.True(t, enc)

	tests := []struct {
		password string
		want     bool
	}{
		{"hunter2", true},
		{"wrong", false},
		{"", false},
	}
	for _, tt := range tests {
		ok, err := e.check(ctx, tt.password, DefaultVerifyLimit)
		assert.NoErrorf(t, err, "check(%q) error = %v", tt.password, err)
		assert.Equalf(t, tt.want, ok, "check(%q)", tt.password)
	}

	// beyond the verify limit every password is accepted without proof.
	ok, err := e.check(ctx, "wrong", 1)
	assert.NoError(t, err)
	assert.True(t, ok)

	out := filepath.Join(dir, "out")
	assert.NoError(t, os.Mkdir(out, 0755))
	err = e.extract(ctx, &extractRequest{dir: out, password: "hunter2", tracker: newTracker(nil)})
	assert.NoErrorf(t, err, "extract() error = %v", err)
	got, err := os.ReadFile(filepath.Join(out, "secret.txt"))
	assert.NoError(t, err)
	assert.Equal(t, content, got)

	err = e.extract(ctx, &extractRequest{dir: out, password: "wrong", tracker: newTracker(nil)})
	assert.ErrorIs(t, err, ErrPassword)
}

func TestZipEngine_StorePassThrough(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	content := randomText(10_000)
	writeTestTree(t, dir, map[string][]byte{"raw.bin": content})

	name := filepath.Join(dir, "test.zip")
	e := &zipEngine{name: name}
	assert.NoError(t, e.create(ctx))
	err := e.add(ctx, &addRequest{
		sources: []Source{{Path: filepath.Join(dir, "raw.bin"), Name: "raw.bin"}},
		level:   Store,
		tracker: newTracker(nil),
	})
	assert.NoErrorf(t, err, "add() error = %v", err)

	zr, err := zip.OpenReader(name)
	if assert.NoErrorf(t, err, "zip.OpenReader() error = %v", err) {
		if assert.Len(t, zr.File, 1) {
			assert.EqualValues(t, zip.Store, zr.File[0].Method)
			assert.Equal(t, zr.File[0].UncompressedSize64, zr.File[0].CompressedSize64)
		}
		_ = zr.Close()
	}
}

func TestZipEngine_AddDirectoryEntry(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sub := filepath.Join(dir, "empty")
	assert.NoError(t, os.Mkdir(sub, 0755))

	name := filepath.Join(dir, "test.zip")
	e := &zipEngine{name: name}
	assert.NoError(t, e.create(ctx))
	err := e.add(ctx, &addRequest{
		sources: []Source{{Path: sub, Name: "empty"}},
		level:   Normal,
		tracker: newTracker(nil),
	})
	assert.NoErrorf(t, err, "add() error = %v", err)

	entries, err := e.list(ctx, "")
	assert.NoError(t, err)
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "empty", entries[0].FullName)
		assert.True(t, entries[0].IsDirectory)
	}

	zr, err := zip.OpenReader(name)
	if assert.NoError(t, err) {
		if assert.Len(t, zr.File, 1) {
			assert.True(t, zr.File[0].FileInfo().IsDir())
		}
		_ = zr.Close()
	}
}

func TestZipEngine_Remove(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	files := map[string][]byte{
		"a.txt": []byte("aaa"),
		"b.txt": randomText(50_000),
		"c.txt": []byte("ccc"),
	}
	writeTestTree(t, dir, files)

	name := filepath.Join(dir, "test.zip")
	e := &zipEngine{name: name}
	assert.NoError(t, e.create(ctx))
	err := e.add(ctx, &addRequest{
		sources: []Source{
			{Path: filepath.Join(dir, "a.txt"), Name: "a.txt"},
			{Path: filepath.Join(dir, "b.txt"), Name: "sub/b.txt"},
			{Path: filepath.Join(dir, "c.txt"), Name: "c.txt"},
		},
		level:   Normal,
		tracker: newTracker(nil),
	})
	assert.NoErrorf(t, err, "add() error = %v", err)

	// deleting a virtual directory drops its whole subtree.
	err = e.remove(ctx, &removeRequest{paths: []string{"sub"}, tracker: newTracker(nil)})
	assert.NoErrorf(t, err, "remove() error = %v", err)

	entries, err := e.list(ctx, "")
	assert.NoError(t, err)
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "a.txt", entries[0].FullName)
		assert.Equal(t, "c.txt", entries[1].FullName)
	}

	// survivors stay readable by an independent implementation after the rebuild.
	zr, err := zip.OpenReader(name)
	if assert.NoErrorf(t, err, "zip.OpenReader() error = %v", err) {
		if assert.Len(t, zr.File, 2) {
			rc, err := zr.File[1].Open()
			if assert.NoError(t, err) {
				got, _ := io.ReadAll(rc)
				assert.Equal(t, files["c.txt"], got)
				_ = rc.Close()
			}
		}
		_ = zr.Close()
	}

	// a deletion that matches nothing must not rewrite the file.
	before, err := os.ReadFile(name)
	assert.NoError(t, err)
	err = e.remove(ctx, &removeRequest{paths: []string{"nope", "sub"}, tracker: newTracker(nil)})
	assert.NoErrorf(t, err, "remove() error = %v", err)
	after, err := os.ReadFile(name)
	assert.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestZipEngine_AddCancel(t *testing.T) {
	dir := t.TempDir()
	writeTestTree(t, dir, map[string][]byte{"big.bin": randomText(4 * 1024 * 1024)})

	name := filepath.Join(dir, "test.zip")
	e := &zipEngine{name: name}
	assert.NoError(t, e.create(context.Background()))
	original, err := os.ReadFile(name)
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err = e.add(ctx, &addRequest{
		sources: []Source{{Path: filepath.Join(dir, "big.bin"), Name: "big.bin"}},
		level:   Store,
		// the first progress report fires on the first chunk, cancelling mid-copy.
		tracker: newTracker(func(int, string) { cancel() }),
	})
	assert.ErrorIs(t, err, context.Canceled)

	// a cancelled append must roll the file back to its exact previous bytes.
	after, err := os.ReadFile(name)
	assert.NoError(t, err)
	assert.Equal(t, original, after)
}

func TestZipEngine_CreateExisting(t *testing.T) {
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "test.zip")
	e := &zipEngine{name: name}
	assert.NoError(t, e.create(ctx))
	assert.ErrorIs(t, e.create(ctx), fs.ErrExist)
}

// zipCryptoEncrypt mirrors the legacy cipher for test fixtures; encryption drives the key schedule with the
// plaintext it just consumed.
func zipCryptoEncrypt(password string, plaintext []byte) []byte {
	keys := [3]uint32{0x12345678, 0x23456789, 0x34567890}
	update := func(b byte) {
		keys[0] = crc32.IEEETable[byte(keys[0])^b] ^ keys[0]>>8
		keys[1] = (keys[1]+keys[0]&0xff)*134775813 + 1
		keys[2] = crc32.IEEETable[byte(keys[2])^byte(keys[1]>>24)] ^ keys[2]>>8
	}
	for i := 0; i < len(password); i++ {
		update(password[i])
	}

	out := make([]byte, len(plaintext))
	for i, p := range plaintext {
		t := keys[2] | 2
		out[i] = p ^ byte(t*(t^1)>>8)
		update(p)
	}
	return out
}

func TestZipEngine_ZipCrypto(t *testing.T) {
	ctx := context.Background()
	content := []byte("attack at dawn")
	crc := crc32.ChecksumIEEE(content)

	header := bytes.Repeat([]byte{0x42}, 12)
	header[11] = byte(crc >> 24)

	rec := &zipcd.Record{}
	rec.Name = "secret.txt"
	rec.Method = zip.Store
	rec.Flags = zipcd.FlagEncrypted
	rec.CRC32 = crc
	enc := zipCryptoEncrypt("hunter2", append(header, content...))
	rec.CompressedSize64 = uint64(len(enc))
	rec.UncompressedSize64 = uint64(len(content))

	lfh, err := zipcd.MarshalLocal(rec)
	assert.NoError(t, err)

	buf := &bytes.Buffer{}
	buf.Write(lfh)
	buf.Write(enc)
	d := &zipcd.Directory{Records: []zipcd.Record{*rec}}
	cd, err := d.Encode(int64(buf.Len()))
	assert.NoError(t, err)
	buf.Write(cd)

	name := filepath.Join(t.TempDir(), "legacy.zip")
	assert.NoError(t, os.WriteFile(name, buf.Bytes(), 0644))

	e := &zipEngine{name: name}
	ok, err := e.check(ctx, "hunter2", DefaultVerifyLimit)
	assert.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.check(ctx, "wrong", DefaultVerifyLimit)
	assert.NoError(t, err)
	assert.False(t, ok)

	out := t.TempDir()
	err = e.extract(ctx, &extractRequest{dir: out, password: "hunter2", tracker: newTracker(nil)})
	assert.NoErrorf(t, err, "extract() error = %v", err)
	got, err := os.ReadFile(filepath.Join(out, "secret.txt"))
	assert.NoError(t, err)
	assert.Equal(t, content, got)
}
