// Package localfs stores files in a local directory tree, one directory per
// domain. It satisfies types.FileSystem so code written against a tracker
// cluster can run on a single machine or in tests.
package localfs

import (
	"bytes"
	"context"
	stderr "errors"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/logging"
	"github.com/objectfs/mogilefs/pkg/types"
)

const tempPrefix = ".upload-"

// FS is a types.FileSystem on the local disk.
type FS struct {
	root   string
	logger *logging.Logger

	mu     sync.RWMutex
	domain string
	dir    string
}

var _ types.FileSystem = (*FS)(nil)

// New opens domain under root. root must exist; the domain directory is
// created when missing.
func New(root, domain string, logger *logging.Logger) (*FS, error) {
	if logger == nil {
		logger = logging.Default()
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "root directory does not exist").
			WithComponent("localfs").
			WithContext("root", root).
			WithCause(err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "unable to resolve root directory").
			WithComponent("localfs")
	}

	f := &FS{root: abs, logger: logger.WithComponent("localfs")}
	if err := f.Reload(domain); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload switches to another domain directory.
func (f *FS) Reload(domain string) error {
	if domain == "" || domain != filepath.Base(domain) || domain == "." || domain == ".." {
		return errors.NewError(errors.ErrCodeInvalidConfig, "invalid domain name").
			WithComponent("localfs").
			WithContext("domain", domain)
	}
	dir := filepath.Join(f.root, domain)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeStorageCommunication, err, "unable to create domain directory").
			WithComponent("localfs").
			WithContext("dir", dir)
	}

	f.mu.Lock()
	f.domain = domain
	f.dir = dir
	f.mu.Unlock()
	return nil
}

// Domain returns the current domain.
func (f *FS) Domain() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.domain
}

func (f *FS) domainDir() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dir
}

// fileName maps a key to a single path element. Names never start with a
// dot, which keeps them apart from temp files and from "." and "..".
func fileName(key string) (string, error) {
	if key == "" {
		return "", errors.NewError(errors.ErrCodeClientError, "key must not be empty").
			WithComponent("localfs")
	}
	name := url.PathEscape(key)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name, nil
}

func keyName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	key, err := url.PathUnescape(name)
	if err != nil {
		return "", false
	}
	return key, true
}

func (f *FS) path(key string) (string, error) {
	name, err := fileName(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.domainDir(), name), nil
}

func storageError(op, key string, err error) error {
	if stderr.Is(err, fs.ErrNotExist) {
		return errors.Newf(errors.ErrCodeKeyNotFound, "key %q not found", key).
			WithComponent("localfs").
			WithOperation(op).
			WithContext("key", key).
			WithCause(err)
	}
	return errors.Wrap(errors.ErrCodeStorageCommunication, err, "local storage failure").
		WithComponent("localfs").
		WithOperation(op).
		WithContext("key", key)
}

// NewFile writes to a temp file that replaces key on Close.
func (f *FS) NewFile(ctx context.Context, key, class string, size int64) (types.FileWriter, error) {
	final, err := f.path(key)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(final), tempPrefix+"*")
	if err != nil {
		return nil, storageError("create_open", key, err)
	}
	return &fileWriter{fs: f, key: key, file: tmp, final: final, size: size}, nil
}

type fileWriter struct {
	fs      *FS
	key     string
	file    *os.File
	final   string
	size    int64
	written int64
	done    bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, errors.NewError(errors.ErrCodeClientError, "write to closed file").
			WithComponent("localfs").WithContext("key", w.key)
	}
	if w.size >= 0 && w.written+int64(len(p)) > w.size {
		return 0, errors.Newf(errors.ErrCodeClientError, "write of %d bytes exceeds declared size %d", len(p), w.size).
			WithComponent("localfs").WithContext("key", w.key)
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	if err != nil {
		return n, storageError("write", w.key, err)
	}
	return n, nil
}

func (w *fileWriter) Written() int64 {
	return w.written
}

func (w *fileWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true

	if w.size >= 0 && w.written != w.size {
		w.discard()
		return errors.Newf(errors.ErrCodeClientError, "wrote %d bytes, declared %d", w.written, w.size).
			WithComponent("localfs").WithContext("key", w.key)
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.file.Name())
		return storageError("create_close", w.key, err)
	}
	if err := os.Rename(w.file.Name(), w.final); err != nil {
		_ = os.Remove(w.file.Name())
		return errors.Wrap(errors.ErrCodeCommitFailed, err, "unable to commit file").
			WithComponent("localfs").WithContext("key", w.key)
	}
	w.fs.logger.Debug("file committed", map[string]interface{}{
		"key":  w.key,
		"size": w.written,
	})
	return nil
}

func (w *fileWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.discard()
	return nil
}

func (w *fileWriter) discard() {
	_ = w.file.Close()
	_ = os.Remove(w.file.Name())
}

// StoreStream copies r into key.
func (f *FS) StoreStream(ctx context.Context, key, class string, r io.Reader, size int64) error {
	w, err := f.NewFile(ctx, key, class, size)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		if errors.CodeOf(err) != "" {
			return err
		}
		return errors.Wrap(errors.ErrCodeClientError, err, "unable to read upload source").
			WithComponent("localfs").WithContext("key", key)
	}
	return w.Close()
}

// StoreBytes stores data as key.
func (f *FS) StoreBytes(ctx context.Context, key, class string, data []byte) error {
	return f.StoreStream(ctx, key, class, bytes.NewReader(data), int64(len(data)))
}

// StoreFile copies the local file at path into key.
func (f *FS) StoreFile(ctx context.Context, key, class, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return errors.Wrap(errors.ErrCodeClientError, err, "unable to open source file").
			WithComponent("localfs").WithContext("file", path)
	}
	defer src.Close()
	return f.StoreStream(ctx, key, class, src, -1)
}

// GetFileBytes reads key fully.
func (f *FS) GetFileBytes(ctx context.Context, key string) ([]byte, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, storageError("get_file", key, err)
	}
	return data, nil
}

// GetFileStream opens key for reading.
func (f *FS) GetFileStream(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if err != nil {
		return nil, storageError("get_file", key, err)
	}
	return file, nil
}

// GetFile copies key to dest.
func (f *FS) GetFile(ctx context.Context, key, dest string) error {
	src, err := f.GetFileStream(ctx, key)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(errors.ErrCodeClientError, err, "unable to create destination file").
			WithComponent("localfs").WithContext("file", dest)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return storageError("get_file", key, err)
	}
	return out.Close()
}

// Delete removes key; a missing key is ignored.
func (f *FS) Delete(ctx context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !stderr.Is(err, fs.ErrNotExist) {
		return storageError("delete", key, err)
	}
	return nil
}

// Rename moves from to to. A missing source is ignored; an existing target
// is refused the way a tracker refuses it.
func (f *FS) Rename(ctx context.Context, from, to string) error {
	src, err := f.path(from)
	if err != nil {
		return err
	}
	dst, err := f.path(to)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); stderr.Is(err, fs.ErrNotExist) {
		return nil
	}
	if _, err := os.Stat(dst); err == nil {
		return errors.Newf(errors.ErrCodeTrackerError, "target key %q already exists", to).
			WithComponent("localfs").
			WithOperation("rename").
			WithContext("tracker_error", "key_exists")
	}
	if err := os.Rename(src, dst); err != nil {
		return storageError("rename", from, err)
	}
	return nil
}

// GetPaths returns a single file:// URL.
func (f *FS) GetPaths(ctx context.Context, key string, noverify bool) ([]string, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(p); err != nil {
		return nil, storageError("get_paths", key, err)
	}
	return []string{(&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()}, nil
}

// ListKeys scans the domain directory.
func (f *FS) ListKeys(ctx context.Context, prefix, after string, limit int) (types.KeyPage, error) {
	if limit <= 0 {
		limit = 1000
	}
	entries, err := os.ReadDir(f.domainDir())
	if err != nil {
		return types.KeyPage{}, storageError("list_keys", prefix, err)
	}

	var keys []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		key, ok := keyName(e.Name())
		if !ok || !strings.HasPrefix(key, prefix) || key <= after {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	if len(keys) == 0 {
		return types.KeyPage{}, nil
	}
	return types.KeyPage{Keys: keys, After: keys[len(keys)-1]}, nil
}

// Sleep pauses locally.
func (f *FS) Sleep(ctx context.Context, seconds int) error {
	t := time.NewTimer(time.Duration(seconds) * time.Second)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(errors.ErrCodeClientError, ctx.Err(), "sleep interrupted").
			WithComponent("localfs")
	case <-t.C:
		return nil
	}
}

// Close is a no-op.
func (f *FS) Close() error {
	return nil
}
