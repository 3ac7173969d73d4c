package fuse

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfs/mogilefs/pkg/errors"
)

// MountManager manages FUSE mount operations
type MountManager struct {
	filesystem *FileSystem
	config     *MountConfig

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint   string        `yaml:"mount_point"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *FileSystem, config *MountConfig) *MountManager {
	if config == nil {
		config = &MountConfig{}
	}
	if config.FSName == "" {
		config.FSName = "mogilefs"
	}
	if config.AttrTimeout <= 0 {
		config.AttrTimeout = time.Second
	}
	if config.EntryTimeout <= 0 {
		config.EntryTimeout = time.Second
	}
	return &MountManager{
		filesystem: filesystem,
		config:     config,
	}
}

// Mount mounts the filesystem read-only and serves it in the background.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return m.mountError("filesystem is already mounted", nil)
	}
	if err := m.validateMountPoint(); err != nil {
		return err
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return m.mountError("failed to mount filesystem", err)
	}
	m.server = server
	m.mounted = true

	log := m.filesystem.logger
	log.Info("mounted", map[string]interface{}{"mount_point": m.config.MountPoint})

	go func() {
		server.Wait()
		m.mu.Lock()
		if m.server == server {
			m.mounted = false
		}
		m.mu.Unlock()
		log.Info("fuse server stopped", map[string]interface{}{"mount_point": m.config.MountPoint})
	}()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = m.Unmount()
			case <-waitChan(server):
			}
		}()
	}
	return nil
}

// Unmount unmounts the filesystem
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted || m.server == nil {
		return m.mountError("filesystem is not mounted", nil)
	}
	if err := m.server.Unmount(); err != nil {
		return m.mountError("unmount failed", err)
	}
	m.mounted = false
	m.server = nil
	m.filesystem.logger.Info("unmounted", map[string]interface{}{"mount_point": m.config.MountPoint})
	return nil
}

// IsMounted reports whether the filesystem is currently mounted.
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// GetMountPoint returns the current mount point
func (m *MountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the filesystem is unmounted.
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

// GetStats returns filesystem statistics
func (m *MountManager) GetStats() Stats {
	return m.filesystem.GetStats()
}

func (m *MountManager) mountError(msg string, cause error) error {
	return errors.NewError(errors.ErrCodeClientError, msg).
		WithComponent("fuse").
		WithContext("mount_point", m.config.MountPoint).
		WithCause(cause)
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return m.mountError("mount point cannot be empty", nil)
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		return m.mountError("cannot access mount point", err)
	}
	if !info.IsDir() {
		return m.mountError("mount point is not a directory", nil)
	}

	entries, err := os.ReadDir(m.config.MountPoint)
	if err != nil {
		return m.mountError("cannot read mount point directory", err)
	}
	if len(entries) > 0 {
		m.filesystem.logger.Warn("mount point is not empty", map[string]interface{}{
			"mount_point": m.config.MountPoint,
		})
	}

	if isMounted("/proc/mounts", m.config.MountPoint) {
		return m.mountError("mount point is already mounted", nil)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       m.config.FSName,
			FsName:     m.config.FSName,
			Debug:      m.config.Debug,
			AllowOther: m.config.AllowOther,
			Options:    []string{"ro"},
		},
		AttrTimeout:  &m.config.AttrTimeout,
		EntryTimeout: &m.config.EntryTimeout,
		UID:          m.filesystem.config.UID,
		GID:          m.filesystem.config.GID,
	}
	return opts
}

// isMounted looks for dir as a mount target in a mounts table.
func isMounted(table, dir string) bool {
	f, err := os.Open(table)
	if err != nil {
		return false
	}
	defer f.Close()

	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = filepath.Clean(dir)
	}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == abs {
			return true
		}
	}
	return false
}

func waitChan(server *fuse.Server) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		server.Wait()
		close(ch)
	}()
	return ch
}
