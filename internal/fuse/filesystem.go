package fuse

import (
	"context"
	stderr "errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	gocache "github.com/patrickmn/go-cache"

	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/logging"
	"github.com/objectfs/mogilefs/pkg/types"
)

// Separator splits keys into directory levels.
const Separator = "/"

// FileSystem presents one domain as a read-only directory tree. Keys are
// split on Separator; a directory exists while some key lives under it.
type FileSystem struct {
	backend types.FileSystem
	config  *Config
	logger  *logging.Logger
	stats   Stats

	// lookups caches Stat and List results for CacheTTL; nil disables it.
	lookups *gocache.Cache
}

// Config represents FUSE filesystem configuration
type Config struct {
	UID      uint32        `yaml:"uid"`
	GID      uint32        `yaml:"gid"`
	FileMode uint32        `yaml:"file_mode"`
	DirMode  uint32        `yaml:"dir_mode"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	PageSize int           `yaml:"page_size"`
}

// Stats tracks filesystem operation statistics
type Stats struct {
	Lookups   int64 `json:"lookups"`
	Readdirs  int64 `json:"readdirs"`
	Opens     int64 `json:"opens"`
	Reads     int64 `json:"reads"`
	BytesRead int64 `json:"bytes_read"`
	Errors    int64 `json:"errors"`
}

// DefaultConfig returns world readable modes and a one second cache.
func DefaultConfig() *Config {
	return &Config{
		FileMode: 0o444,
		DirMode:  0o555,
		CacheTTL: time.Second,
		PageSize: 1000,
	}
}

// NewFileSystem creates a new FUSE filesystem instance
func NewFileSystem(backend types.FileSystem, config *Config, logger *logging.Logger) *FileSystem {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.Default()
	}
	f := &FileSystem{
		backend: backend,
		config:  config,
		logger:  logger.WithComponent("fuse"),
	}
	if config.CacheTTL > 0 {
		f.lookups = gocache.New(config.CacheTTL, 10*config.CacheTTL)
	}
	return f
}

// Root returns the root inode
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{fsys: f}
}

// GetStats returns current filesystem statistics
func (f *FileSystem) GetStats() Stats {
	return Stats{
		Lookups:   atomic.LoadInt64(&f.stats.Lookups),
		Readdirs:  atomic.LoadInt64(&f.stats.Readdirs),
		Opens:     atomic.LoadInt64(&f.stats.Opens),
		Reads:     atomic.LoadInt64(&f.stats.Reads),
		BytesRead: atomic.LoadInt64(&f.stats.BytesRead),
		Errors:    atomic.LoadInt64(&f.stats.Errors),
	}
}

// Entry is one child of a directory.
type Entry struct {
	Name  string
	IsDir bool
}

// List returns the immediate children of the directory prefix, which is ""
// or ends in Separator. Entries are sorted by name; a name that is both a
// key and a directory is reported twice.
func (f *FileSystem) List(ctx context.Context, prefix string) ([]Entry, error) {
	if f.lookups != nil {
		if v, ok := f.lookups.Get("list:" + prefix); ok {
			return v.([]Entry), nil
		}
	}

	seen := make(map[Entry]bool)
	var entries []Entry

	after := ""
	for {
		page, err := f.backend.ListKeys(ctx, prefix, after, f.config.PageSize)
		if err != nil {
			return nil, err
		}
		for _, key := range page.Keys {
			rest := strings.TrimPrefix(key, prefix)
			if rest == "" {
				continue
			}
			e := Entry{Name: rest}
			if i := strings.Index(rest, Separator); i >= 0 {
				e = Entry{Name: rest[:i], IsDir: true}
			}
			if e.Name == "" || seen[e] {
				continue
			}
			seen[e] = true
			entries = append(entries, e)
		}
		if page.Done() {
			break
		}
		after = page.After
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].IsDir && !entries[j].IsDir
	})
	if f.lookups != nil {
		f.lookups.SetDefault("list:"+prefix, entries)
	}
	return entries, nil
}

// Stat reports whether name exists as a key and whether it has children.
func (f *FileSystem) Stat(ctx context.Context, name string) (isFile, isDir bool, err error) {
	type statResult struct{ isFile, isDir bool }
	if f.lookups != nil {
		if v, ok := f.lookups.Get("stat:" + name); ok {
			r := v.(statResult)
			return r.isFile, r.isDir, nil
		}
	}

	_, err = f.backend.GetPaths(ctx, name, true)
	switch {
	case err == nil:
		isFile = true
	case !errors.IsNotFound(err):
		return false, false, err
	}

	page, err := f.backend.ListKeys(ctx, name+Separator, "", 1)
	if err != nil {
		return false, false, err
	}
	isDir = len(page.Keys) > 0
	if f.lookups != nil {
		f.lookups.SetDefault("stat:"+name, statResult{isFile, isDir})
	}
	return isFile, isDir, nil
}

func (f *FileSystem) errno(op, key string, err error) syscall.Errno {
	atomic.AddInt64(&f.stats.Errors, 1)
	errno := toErrno(err)
	if errno != syscall.ENOENT {
		f.logger.Warn("fuse operation failed", map[string]interface{}{
			"op":    op,
			"key":   key,
			"error": err.Error(),
		})
	}
	return errno
}

func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.IsNotFound(err):
		return syscall.ENOENT
	case stderr.Is(err, context.Canceled), stderr.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	case errors.CodeOf(err) == errors.ErrCodeClientError:
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

// DirectoryNode represents a directory in the filesystem
type DirectoryNode struct {
	fs.Inode
	fsys   *FileSystem
	prefix string
}

var (
	_ fs.NodeLookuper  = (*DirectoryNode)(nil)
	_ fs.NodeReaddirer = (*DirectoryNode)(nil)
	_ fs.NodeGetattrer = (*DirectoryNode)(nil)
)

// Lookup resolves name below this directory. A directory shadows a key of
// the same name so its children stay reachable.
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	atomic.AddInt64(&n.fsys.stats.Lookups, 1)
	key := n.prefix + name

	isFile, isDir, err := n.fsys.Stat(ctx, key)
	if err != nil {
		return nil, n.fsys.errno("lookup", key, err)
	}

	out.SetEntryTimeout(n.fsys.config.CacheTTL)
	out.SetAttrTimeout(n.fsys.config.CacheTTL)
	switch {
	case isDir:
		node := &DirectoryNode{fsys: n.fsys, prefix: key + Separator}
		node.fill(&out.Attr)
		return n.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
	case isFile:
		node := &FileNode{fsys: n.fsys, key: key}
		node.fill(&out.Attr)
		return n.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFREG}), 0
	default:
		return nil, syscall.ENOENT
	}
}

// Readdir lists keys directly under this directory.
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	atomic.AddInt64(&n.fsys.stats.Readdirs, 1)
	entries, err := n.fsys.List(ctx, n.prefix)
	if err != nil {
		return nil, n.fsys.errno("readdir", n.prefix, err)
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		if names[e.Name] {
			continue
		}
		names[e.Name] = true
		mode := uint32(fuse.S_IFREG)
		if e.IsDir {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(out), 0
}

// Getattr reports directory attributes.
func (n *DirectoryNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fill(&out.Attr)
	out.SetTimeout(n.fsys.config.CacheTTL)
	return 0
}

func (n *DirectoryNode) fill(attr *fuse.Attr) {
	attr.Mode = fuse.S_IFDIR | n.fsys.config.DirMode
	attr.Uid = n.fsys.config.UID
	attr.Gid = n.fsys.config.GID
	attr.Nlink = 2
}

// FileNode is one key. Its content is fetched on open and kept for CacheTTL.
type FileNode struct {
	fs.Inode
	fsys *FileSystem
	key  string

	mu      sync.Mutex
	data    []byte
	fetched time.Time
}

var (
	_ fs.NodeOpener    = (*FileNode)(nil)
	_ fs.NodeGetattrer = (*FileNode)(nil)
	_ fs.NodeReader    = (*FileNode)(nil)
)

// Open loads the file. Opening for write fails with EROFS.
func (f *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		return nil, 0, syscall.EROFS
	}
	atomic.AddInt64(&f.fsys.stats.Opens, 1)

	data, err := f.load(ctx)
	if err != nil {
		return nil, 0, f.fsys.errno("open", f.key, err)
	}
	return &FileHandle{data: data}, fuse.FOPEN_DIRECT_IO, 0
}

// Getattr reports the size known from the last fetch, zero before one.
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	f.fill(&out.Attr)
	if h, ok := fh.(*FileHandle); ok {
		out.Size = uint64(len(h.data))
	}
	out.SetTimeout(f.fsys.config.CacheTTL)
	return 0
}

// Read serves from the handle's snapshot.
func (f *FileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*FileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	atomic.AddInt64(&f.fsys.stats.Reads, 1)
	chunk := h.slice(off, len(dest))
	atomic.AddInt64(&f.fsys.stats.BytesRead, int64(len(chunk)))
	return fuse.ReadResultData(chunk), 0
}

func (f *FileNode) load(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.data != nil && time.Since(f.fetched) < f.fsys.config.CacheTTL {
		return f.data, nil
	}
	data, err := f.fsys.backend.GetFileBytes(ctx, f.key)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	f.data = data
	f.fetched = time.Now()
	return data, nil
}

func (f *FileNode) fill(attr *fuse.Attr) {
	f.mu.Lock()
	size := len(f.data)
	mtime := f.fetched
	f.mu.Unlock()

	attr.Mode = fuse.S_IFREG | f.fsys.config.FileMode
	attr.Uid = f.fsys.config.UID
	attr.Gid = f.fsys.config.GID
	attr.Nlink = 1
	attr.Size = uint64(size)
	if !mtime.IsZero() {
		attr.SetTimes(nil, &mtime, nil)
	}
}

// FileHandle holds the content seen at open time.
type FileHandle struct {
	data []byte
}

func (h *FileHandle) slice(off int64, n int) []byte {
	if off < 0 || off >= int64(len(h.data)) {
		return nil
	}
	end := off + int64(n)
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	return h.data[off:end]
}
