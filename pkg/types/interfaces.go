// Package types defines the contracts shared by the file store implementations.
package types

import (
	"context"
	"io"
	"time"
)

// FileSystem is a key/value blob store scoped to one domain.
type FileSystem interface {
	// Domain returns the namespace all keys belong to.
	Domain() string

	// NewFile opens a writer for key. size is the exact byte count, or a
	// negative value when unknown. The key becomes visible only after the
	// writer's Close succeeds.
	NewFile(ctx context.Context, key, class string, size int64) (FileWriter, error)

	// StoreStream copies r into key. size may be negative when unknown.
	StoreStream(ctx context.Context, key, class string, r io.Reader, size int64) error
	StoreFile(ctx context.Context, key, class, path string) error
	StoreBytes(ctx context.Context, key, class string, data []byte) error

	GetFileBytes(ctx context.Context, key string) ([]byte, error)
	GetFileStream(ctx context.Context, key string) (io.ReadCloser, error)
	// GetFile writes the contents of key to the local file dest.
	GetFile(ctx context.Context, key, dest string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Rename moves from to to. A missing source is not an error.
	Rename(ctx context.Context, from, to string) error

	// GetPaths returns the URLs currently holding key.
	GetPaths(ctx context.Context, key string, noverify bool) ([]string, error)

	// ListKeys returns up to limit keys with prefix sorting after after.
	// An empty page ends the listing.
	ListKeys(ctx context.Context, prefix, after string, limit int) (KeyPage, error)

	// Sleep asks the backend to pause, for testing.
	Sleep(ctx context.Context, seconds int) error

	Close() error
}

// FileWriter streams one new file.
type FileWriter interface {
	io.WriteCloser

	// Abort abandons the write without making the key visible.
	Abort() error

	// Written returns the bytes accepted so far.
	Written() int64
}

// FileHandle is a tracker's answer to create_open.
type FileHandle struct {
	FID   string `json:"fid"`
	DevID string `json:"devid"`
	Path  string `json:"path"`
	Class string `json:"class,omitempty"`
}

// KeyPage is one page of a key listing.
type KeyPage struct {
	Keys []string `json:"keys"`
	// After is the cursor for the next page.
	After string `json:"after,omitempty"`
}

// Done reports whether the listing has ended.
func (p KeyPage) Done() bool {
	return len(p.Keys) == 0 || p.After == ""
}

// MetricsRecorder receives client telemetry.
type MetricsRecorder interface {
	RecordOperation(operation string, duration time.Duration, success bool)
	RecordRetry(operation string)
	RecordFailover(operation string)
	RecordBytes(direction string, n int64)
	RecordPool(active, idle int)
}

// NopMetrics discards all telemetry.
type NopMetrics struct{}

func (NopMetrics) RecordOperation(string, time.Duration, bool) {}
func (NopMetrics) RecordRetry(string)                          {}
func (NopMetrics) RecordFailover(string)                       {}
func (NopMetrics) RecordBytes(string, int64)                   {}
func (NopMetrics) RecordPool(int, int)                         {}
