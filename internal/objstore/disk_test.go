package objstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDisk(t *testing.T, compress bool) *Disk {
	t.Helper()
	d, err := NewDisk(t.TempDir(), DiskOptions{Compress: compress})
	require.NoError(t, err)
	return d
}

func putString(t *testing.T, s Store, key, body string) ObjectInfo {
	t.Helper()
	info, err := s.Put(context.Background(), key, strings.NewReader(body), int64(len(body)), "text/plain", nil)
	require.NoError(t, err)
	return info
}

func readAll(t *testing.T, s Store, key string) string {
	t.Helper()
	rc, _, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestNewDisk(t *testing.T) {
	tmpDir := t.TempDir()

	d, err := NewDisk(tmpDir, DiskOptions{})
	require.NoError(t, err)
	assert.Equal(t, tmpDir, d.DataDir())

	for _, sub := range []string{"meta", "data"} {
		info, err := os.Stat(filepath.Join(tmpDir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestDiskPutGet(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "zstd"}[compress], func(t *testing.T) {
			d := newTestDisk(t, compress)
			ctx := context.Background()

			meta := map[string]string{MetaDisplayName: "hello.txt"}
			info, err := d.Put(ctx, "u1/Docs/1-hello.txt", strings.NewReader("hello world"), 11, "text/plain", meta)
			require.NoError(t, err)
			assert.Equal(t, int64(11), info.Size)
			assert.Equal(t, "text/plain", info.ContentType)
			assert.NotEmpty(t, info.ETag)
			assert.False(t, info.LastModified.IsZero())

			rc, got, err := d.Get(ctx, "u1/Docs/1-hello.txt")
			require.NoError(t, err)
			defer func() { _ = rc.Close() }()

			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, "hello world", string(data))
			assert.Equal(t, "hello.txt", got.Metadata[MetaDisplayName])
		})
	}
}

func TestDiskCompressedBodyIsSmaller(t *testing.T) {
	d := newTestDisk(t, true)
	body := bytes.Repeat([]byte("meshdrive "), 10000)

	_, err := d.Put(context.Background(), "u1/1-big.txt", bytes.NewReader(body), int64(len(body)), "text/plain", nil)
	require.NoError(t, err)

	st, err := os.Stat(d.dataPath("u1/1-big.txt"))
	require.NoError(t, err)
	assert.Less(t, st.Size(), int64(len(body)))
	assert.Equal(t, string(body), readAll(t, d, "u1/1-big.txt"))
}

func TestDiskPutOverwrites(t *testing.T) {
	d := newTestDisk(t, false)

	putString(t, d, "u1/F/.foldermarker", "")
	putString(t, d, "u1/F/.foldermarker", "")

	objs, err := d.List(context.Background(), "u1/")
	require.NoError(t, err)
	assert.Len(t, objs, 1)
}

func TestDiskPutSizeMismatch(t *testing.T) {
	d := newTestDisk(t, false)

	_, err := d.Put(context.Background(), "u1/1-a", strings.NewReader("abc"), 10, "", nil)
	require.Error(t, err)

	_, err = d.Head(context.Background(), "u1/1-a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskPutUnknownSize(t *testing.T) {
	d := newTestDisk(t, false)

	info, err := d.Put(context.Background(), "u1/1-a", strings.NewReader("abc"), -1, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size)
}

func TestDiskPutCanceled(t *testing.T) {
	d := newTestDisk(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Put(ctx, "u1/1-a", strings.NewReader("abc"), 3, "", nil)
	require.Error(t, err)

	_, err = d.Head(context.Background(), "u1/1-a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskHead(t *testing.T) {
	d := newTestDisk(t, false)
	putString(t, d, "u1/1-a.txt", "abc")

	info, err := d.Head(context.Background(), "u1/1-a.txt")
	require.NoError(t, err)
	assert.Equal(t, "u1/1-a.txt", info.Key)
	assert.Equal(t, int64(3), info.Size)
	assert.Equal(t, "text/plain", info.ContentType)
}

func TestDiskNotFound(t *testing.T) {
	d := newTestDisk(t, false)
	ctx := context.Background()

	_, _, err := d.Get(ctx, "u1/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = d.Head(ctx, "u1/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = d.Delete(ctx, "u1/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskDeletePrunesEmptyDirs(t *testing.T) {
	d := newTestDisk(t, false)
	ctx := context.Background()
	putString(t, d, "u1/a/b/1-x", "x")

	require.NoError(t, d.Delete(ctx, "u1/a/b/1-x"))

	_, err := os.Stat(filepath.Join(d.DataDir(), "meta", "u1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(d.DataDir(), "meta"))
	assert.NoError(t, err)

	// Second delete reports not found
	assert.ErrorIs(t, d.Delete(ctx, "u1/a/b/1-x"), ErrNotFound)
}

func TestDiskList(t *testing.T) {
	d := newTestDisk(t, false)
	ctx := context.Background()

	putString(t, d, "u1/1-a", "a")
	putString(t, d, "u1/F/.foldermarker", "")
	putString(t, d, "u1/F/2-b", "bb")
	putString(t, d, "u1/FG/.foldermarker", "")
	putString(t, d, "u2/3-c", "ccc")
	putString(t, d, ".share/tok", "u1/1-a")

	keys := func(prefix string) []string {
		objs, err := d.List(ctx, prefix)
		require.NoError(t, err)
		var out []string
		for _, o := range objs {
			out = append(out, o.Key)
		}
		sort.Strings(out)
		return out
	}

	assert.Equal(t, []string{"u1/1-a", "u1/F/.foldermarker", "u1/F/2-b", "u1/FG/.foldermarker"}, keys("u1/"))
	assert.Equal(t, []string{"u1/F/.foldermarker", "u1/F/2-b"}, keys("u1/F/"))
	assert.Equal(t, []string{"u1/F/.foldermarker", "u1/F/2-b", "u1/FG/.foldermarker"}, keys("u1/F"))
	assert.Equal(t, []string{"u2/3-c"}, keys("u2/"))
	assert.Empty(t, keys("nobody/"))
}

func TestDiskListSizes(t *testing.T) {
	d := newTestDisk(t, true)
	putString(t, d, "u1/1-a", "hello")

	objs, err := d.List(context.Background(), "u1/")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, int64(5), objs[0].Size)
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"u1/1-a", true},
		{".share/abc", true},
		{"", false},
		{"/abs", false},
		{"u1/../etc", false},
		{"u1/./x", false},
		{`u1\..\x`, false},
		{"u1/a\x00b", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := validateKey(tt.key)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidKey)
			}
		})
	}
}

func TestDiskListCorruptSidecar(t *testing.T) {
	d := newTestDisk(t, false)
	putString(t, d, "u1/1-a.txt", "a")
	putString(t, d, "u1/2-b.txt", "b")

	require.NoError(t, os.WriteFile(d.metaPath("u1/2-b.txt"), []byte("{not json"), 0o600))

	_, err := d.List(context.Background(), "u1/")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "u1/2-b.txt")
}

func TestDiskListUnreadableSidecar(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	d := newTestDisk(t, false)
	putString(t, d, "u1/1-a.txt", "a")
	require.NoError(t, os.Chmod(d.metaPath("u1/1-a.txt"), 0))
	t.Cleanup(func() { _ = os.Chmod(d.metaPath("u1/1-a.txt"), 0o600) })

	_, err := d.List(context.Background(), "u1/")
	assert.ErrorIs(t, err, ErrUnavailable)
}
