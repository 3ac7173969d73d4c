package fuse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/localfs"
	"github.com/objectfs/mogilefs/pkg/logging"
)

func newTestFS(t *testing.T, keys ...string) (*FileSystem, *localfs.FS) {
	t.Helper()
	backend, err := localfs.New(t.TempDir(), "media", logging.Nop())
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, backend.StoreBytes(context.Background(), k, "", []byte("data:"+k)))
	}
	cfg := DefaultConfig()
	cfg.PageSize = 2
	return NewFileSystem(backend, cfg, logging.Nop()), backend
}

func TestList(t *testing.T) {
	t.Parallel()
	fsys, _ := newTestFS(t,
		"readme",
		"photos/cat.jpg",
		"photos/dog.jpg",
		"photos/2024/jan.jpg",
		"video",
		"video/clip.mp4",
	)
	ctx := context.Background()

	root, err := fsys.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Name: "photos", IsDir: true},
		{Name: "readme"},
		{Name: "video", IsDir: true},
		{Name: "video"},
	}, root)

	photos, err := fsys.List(ctx, "photos/")
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Name: "2024", IsDir: true},
		{Name: "cat.jpg"},
		{Name: "dog.jpg"},
	}, photos)

	empty, err := fsys.List(ctx, "nothing/")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStat(t *testing.T) {
	t.Parallel()
	fsys, _ := newTestFS(t, "a/b", "a", "c")
	ctx := context.Background()

	tests := []struct {
		name   string
		isFile bool
		isDir  bool
	}{
		{"a", true, true},
		{"a/b", true, false},
		{"c", true, false},
		{"missing", false, false},
	}
	for _, tt := range tests {
		isFile, isDir, err := fsys.Stat(ctx, tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.isFile, isFile, tt.name)
		assert.Equal(t, tt.isDir, isDir, tt.name)
	}
}

func TestLookupsAreCached(t *testing.T) {
	t.Parallel()
	fsys, backend := newTestFS(t, "a/b")
	ctx := context.Background()

	_, isDir, err := fsys.Stat(ctx, "a")
	require.NoError(t, err)
	require.True(t, isDir)
	entries, err := fsys.List(ctx, "a/")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, backend.Delete(ctx, "a/b"))

	_, isDir, err = fsys.Stat(ctx, "a")
	require.NoError(t, err)
	assert.True(t, isDir)
	entries, err = fsys.List(ctx, "a/")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	uncached := NewFileSystem(backend, &Config{PageSize: 10}, logging.Nop())
	assert.Nil(t, uncached.lookups)
	_, isDir, err = uncached.Stat(ctx, "a")
	require.NoError(t, err)
	assert.False(t, isDir)
}

func TestFileNodeLoadCaches(t *testing.T) {
	t.Parallel()
	fsys, backend := newTestFS(t, "k")
	fsys.config.CacheTTL = 1 << 40
	ctx := context.Background()

	node := &FileNode{fsys: fsys, key: "k"}
	data, err := node.load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("data:k"), data)

	require.NoError(t, backend.Delete(ctx, "k"))
	data, err = node.load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("data:k"), data)

	fresh := &FileNode{fsys: fsys, key: "k"}
	_, err = fresh.load(ctx)
	assert.True(t, errors.IsNotFound(err))
}

func TestToErrno(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{errors.NewError(errors.ErrCodeKeyNotFound, "gone"), syscall.ENOENT},
		{fmt.Errorf("x: %w", context.Canceled), syscall.EINTR},
		{errors.NewError(errors.ErrCodeClientError, "bad"), syscall.EINVAL},
		{errors.NewError(errors.ErrCodeNoTrackers, "down"), syscall.EIO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toErrno(tt.err), fmt.Sprint(tt.err))
	}
}

func TestFileHandleSlice(t *testing.T) {
	t.Parallel()
	h := &FileHandle{data: []byte("hello")}

	assert.Equal(t, []byte("hel"), h.slice(0, 3))
	assert.Equal(t, []byte("lo"), h.slice(3, 10))
	assert.Nil(t, h.slice(5, 1))
	assert.Nil(t, h.slice(-1, 1))
}

func TestIsMounted(t *testing.T) {
	t.Parallel()
	table := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(table, []byte(
		"proc /proc proc rw 0 0\nmogilefs /mnt/media fuse.mogilefs ro 0 0\n"), 0o600))

	assert.True(t, isMounted(table, "/mnt/media"))
	assert.True(t, isMounted(table, "/mnt/media/"))
	assert.False(t, isMounted(table, "/mnt"))
	assert.False(t, isMounted(filepath.Join(t.TempDir(), "none"), "/mnt/media"))
}

func TestMountValidation(t *testing.T) {
	t.Parallel()
	fsys, _ := newTestFS(t)

	mgr := NewMountManager(fsys, nil)
	err := mgr.Mount(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeClientError, errors.CodeOf(err))

	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	mgr = NewMountManager(fsys, &MountConfig{MountPoint: file})
	require.Error(t, mgr.Mount(context.Background()))
	assert.False(t, mgr.IsMounted())
	require.Error(t, mgr.Unmount())
}

func TestMountReadsKeys(t *testing.T) {
	if os.Getenv("MOGILEFS_FUSE_TEST") == "" {
		t.Skip("MOGILEFS_FUSE_TEST not set")
	}
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("/dev/fuse not available")
	}

	fsys, _ := newTestFS(t, "photos/cat.jpg", "readme")
	dir := t.TempDir()
	mgr := NewMountManager(fsys, &MountConfig{MountPoint: dir})
	require.NoError(t, mgr.Mount(context.Background()))
	defer func() { _ = mgr.Unmount() }()

	data, err := os.ReadFile(filepath.Join(dir, "photos", "cat.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data:photos/cat.jpg"), data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "photos", entries[0].Name())
	assert.True(t, entries[0].IsDir())

	_, err = os.OpenFile(filepath.Join(dir, "readme"), os.O_WRONLY, 0)
	assert.Error(t, err)
	assert.Greater(t, mgr.GetStats().Opens, int64(0))
}
