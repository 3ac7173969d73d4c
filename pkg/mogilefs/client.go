// Package mogilefs is a client for MogileFS-style storage: trackers answer
// metadata requests over a line protocol and storage nodes serve bytes over
// HTTP. Every tracker request borrows a pooled connection and runs under a
// bounded retry policy; broken connections are invalidated, never reused.
package mogilefs

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/objectfs/mogilefs/internal/circuit"
	"github.com/objectfs/mogilefs/internal/pool"
	"github.com/objectfs/mogilefs/internal/tracker"
	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/logging"
	"github.com/objectfs/mogilefs/pkg/retry"
	"github.com/objectfs/mogilefs/pkg/types"
)

// Client implements types.FileSystem against trackers and storage nodes.
// It is safe for concurrent use.
type Client struct {
	config  *Config
	logger  *logging.Logger
	metrics types.MetricsRecorder
	reader  *pathReader

	mu         sync.RWMutex
	domain     string
	trackers   []tracker.Address
	backends   *pool.Pool[*tracker.Conn]
	maxRetries int
	retrySleep time.Duration
	closed     bool
}

var _ types.FileSystem = (*Client)(nil)

// New creates a client for domain. Tracker addresses are "host:port"
// strings; a malformed address fails with BAD_HOST_FORMAT. Connections are
// made lazily on first use.
func New(domain string, trackers []string, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config = config.withDefaults()

	if domain == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "domain must not be empty").
			WithComponent("client")
	}
	addrs, err := tracker.ParseAddresses(trackers)
	if err != nil {
		return nil, err
	}

	logger := config.Logger.WithComponent("client")
	c := &Client{
		config:     config,
		logger:     logger,
		metrics:    config.Metrics,
		domain:     domain,
		trackers:   addrs,
		maxRetries: config.MaxRetries,
		retrySleep: config.RetrySleep,
	}
	c.reader = &pathReader{
		client:    config.HTTPClient,
		keepOrder: config.KeepPathOrder,
		logger:    config.Logger.WithComponent("reader"),
		metrics:   config.Metrics,
	}
	if config.HostBreaker != nil {
		hostCfg := *config.HostBreaker
		readerLog := c.reader.logger
		hostCfg.OnStateChange = func(host string, from, to circuit.State) {
			readerLog.Info("storage host state changed", map[string]interface{}{
				"host": host,
				"from": from.String(),
				"to":   to.String(),
			})
		}
		c.reader.hosts = circuit.NewManager(hostCfg)
	}

	logger.Debug("client created", map[string]interface{}{
		"domain":   domain,
		"trackers": len(addrs),
	})
	return c, nil
}

// Domain returns the current domain.
func (c *Client) Domain() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.domain
}

// Trackers returns the current tracker list.
func (c *Client) Trackers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.trackers))
	for i, a := range c.trackers {
		out[i] = a.String()
	}
	return out
}

// Reload switches domain and trackers. The old pool is closed: idle
// connections go at once, connections still on loan when they come back.
func (c *Client) Reload(domain string, trackers []string) error {
	if domain == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "domain must not be empty").
			WithComponent("client").WithOperation("reload")
	}
	addrs, err := tracker.ParseAddresses(trackers)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed("reload")
	}
	old := c.backends
	c.domain = domain
	c.trackers = addrs
	c.backends = nil
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	c.logger.Info("client reloaded", map[string]interface{}{
		"domain":   domain,
		"trackers": len(addrs),
	})
	return nil
}

// SetMaxRetries changes the retry budget; retry.Infinite retries forever.
func (c *Client) SetMaxRetries(n int) {
	if n < retry.Infinite {
		n = retry.Infinite
	}
	c.mu.Lock()
	c.maxRetries = n
	c.mu.Unlock()
}

// SetRetryTimeout changes the pause between attempts; <= 0 disables it.
func (c *Client) SetRetryTimeout(d time.Duration) {
	c.mu.Lock()
	c.retrySleep = d
	c.mu.Unlock()
}

// PoolStats reports the current tracker pool counters.
func (c *Client) PoolStats() pool.Stats {
	c.mu.RLock()
	p := c.backends
	c.mu.RUnlock()
	if p == nil {
		return pool.Stats{MaxActive: c.config.Pool.MaxActive}
	}
	return p.Stats()
}

// StorageHosts reports the read breaker of every storage host seen so far.
// It is empty unless Config.HostBreaker is set.
func (c *Client) StorageHosts() map[string]circuit.Stats {
	if c.reader.hosts == nil {
		return map[string]circuit.Stats{}
	}
	return c.reader.hosts.GetStats()
}

// Close releases pooled tracker connections. Later calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	p := c.backends
	c.backends = nil
	c.mu.Unlock()

	if p != nil {
		return p.Close()
	}
	return nil
}

func (c *Client) backendPool() (*pool.Pool[*tracker.Conn], error) {
	c.mu.RLock()
	p, closed := c.backends, c.closed
	c.mu.RUnlock()
	if closed {
		return nil, errClosed("borrow")
	}
	if p != nil {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClosed("borrow")
	}
	if c.backends == nil {
		factory := tracker.NewFactory(c.trackers, c.config.trackerOptions())
		np, err := pool.New[*tracker.Conn](factory, c.config.Pool)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeClientError, err, "unable to build tracker pool")
		}
		c.backends = np
		c.logger.Debug("built tracker pool", map[string]interface{}{
			"domain":     c.domain,
			"max_active": c.config.Pool.MaxActive,
		})
	}
	return c.backends, nil
}

func (c *Client) retryer(op string) *retry.Retryer {
	c.mu.RLock()
	retries, sleep := c.maxRetries, c.retrySleep
	c.mu.RUnlock()

	return retry.New(retry.Config{
		MaxRetries: retries,
		Sleep:      sleep,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.metrics.RecordRetry(op)
			c.logger.Warn("tracker operation failed, retrying", map[string]interface{}{
				"operation": op,
				"attempt":   attempt,
				"delay":     delay.String(),
				"error":     err,
			})
		},
	})
}

// withBackend runs fn with a borrowed tracker connection under r. A
// connection whose attempt failed at the transport level is invalidated;
// every other outcome returns it to the pool. Running out of attempts
// yields NO_TRACKERS.
func (c *Client) withBackend(ctx context.Context, op string, r *retry.Retryer, fn func(ctx context.Context, conn *tracker.Conn) error) error {
	err := r.DoWithContext(ctx, func(ctx context.Context, attempt int) error {
		p, err := c.backendPool()
		if err != nil {
			return err
		}

		conn, err := p.Borrow(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(errors.ErrCodeTrackerCommunication, err, "unable to get a tracker connection").
				WithComponent("client").WithOperation(op)
		}

		c.logger.Trace("got backend", map[string]interface{}{
			"operation": op,
			"attempt":   attempt,
			"tracker":   conn.Address().String(),
		})

		err = fn(ctx, conn)
		if (err != nil && errors.IsRetryable(err)) || !conn.IsConnected() {
			p.Invalidate(conn)
		} else {
			p.Return(conn)
		}
		s := p.Stats()
		c.metrics.RecordPool(s.Active, s.Idle)
		return err
	})
	return c.mapRetryError(op, err)
}

func (c *Client) mapRetryError(op string, err error) error {
	if err == nil {
		return nil
	}

	var exhausted *retry.ExhaustedError
	if stderr.As(err, &exhausted) {
		c.logger.Error("giving up on tracker operation", map[string]interface{}{
			"operation": op,
			"attempts":  exhausted.Attempts,
			"error":     exhausted.Last,
		})
		return errors.Wrap(errors.ErrCodeNoTrackers, exhausted.Last, "unable to reach a usable tracker").
			WithComponent("client").
			WithOperation(op).
			WithDetail("attempts", exhausted.Attempts)
	}

	if errors.CodeOf(err) == "" {
		return errors.Wrap(errors.ErrCodeClientError, err, "operation aborted").
			WithComponent("client").
			WithOperation(op)
	}
	return err
}

func (c *Client) observe(op string, start time.Time, err error) {
	c.metrics.RecordOperation(op, time.Since(start), err == nil)
}

// trackerError turns an ERR reply into a TRACKER_ERROR and passes other errors through.
func trackerError(op string, conn *tracker.Conn, err error) error {
	var serr *tracker.ServerError
	if stderr.As(err, &serr) {
		return errors.Wrap(errors.ErrCodeTrackerError, serr, "tracker rejected request").
			WithComponent("client").
			WithOperation(op).
			WithContext("tracker", conn.Address().String()).
			WithContext("tracker_error", serr.Code).
			WithContext("tracker_message", serr.Message)
	}
	return err
}

func isServerCode(err error, code string) bool {
	var serr *tracker.ServerError
	return stderr.As(err, &serr) && serr.Code == code
}

func errClosed(op string) error {
	return errors.NewError(errors.ErrCodeClientError, "client is closed").
		WithComponent("client").WithOperation(op)
}

// NewFile asks a tracker where to store key and returns a writer streaming
// straight to that storage node. size is the exact length, or negative for
// a chunked upload. The key becomes visible when the writer's Close succeeds.
func (c *Client) NewFile(ctx context.Context, key, class string, size int64) (types.FileWriter, error) {
	start := time.Now()
	up, err := c.openFile(ctx, key, class, size, c.retryer("create_open"))
	c.observe("create_open", start, err)
	if err != nil {
		return nil, err
	}
	return up, nil
}

func (c *Client) openFile(ctx context.Context, key, class string, size int64, r *retry.Retryer) (*Upload, error) {
	domain := c.Domain()

	var handle types.FileHandle
	err := c.withBackend(ctx, "create_open", r, func(ctx context.Context, conn *tracker.Conn) error {
		resp, err := conn.DoRequest(ctx, "create_open", "domain", domain, "class", class, "key", key)
		if err != nil {
			return trackerError("create_open", conn, err)
		}
		if resp["fid"] == "" || resp["path"] == "" {
			return errors.NewError(errors.ErrCodeTrackerCommunication, "create_open response missing fid or path").
				WithComponent("client").
				WithOperation("create_open").
				WithContext("tracker", conn.Address().String())
		}
		handle = types.FileHandle{
			FID:   resp["fid"],
			DevID: resp["devid"],
			Path:  resp["path"],
			Class: class,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("opened file", map[string]interface{}{
		"key":  key,
		"fid":  handle.FID,
		"path": handle.Path,
	})
	return openUpload(ctx, c, domain, key, handle, size)
}

// StoreStream uploads r as key. A failed attempt is redone from the start
// with a fresh create_open; a reader that cannot seek back is not replayed.
func (c *Client) StoreStream(ctx context.Context, key, class string, r io.Reader, size int64) (err error) {
	start := time.Now()
	defer func() { c.observe("store", start, err) }()

	seeker, _ := r.(io.Seeker)
	var origin int64
	if seeker != nil {
		if origin, err = seeker.Seek(0, io.SeekCurrent); err != nil {
			seeker = nil
		}
	}

	outer := c.retryer("store")
	cfg := outer.Config()
	cfg.ShouldRetry = func(err error) bool {
		switch errors.CodeOf(err) {
		case errors.ErrCodeTrackerCommunication, errors.ErrCodeNoTrackers,
			errors.ErrCodeStorageCommunication, errors.ErrCodeCommitFailed:
			return true
		}
		return false
	}
	outer = retry.New(cfg)
	single := c.retryer("create_open").WithMaxRetries(0).WithSleep(0)

	consumed := false
	err = outer.DoWithContext(ctx, func(ctx context.Context, attempt int) error {
		if consumed {
			if seeker == nil {
				return errors.NewError(errors.ErrCodeClientError, "upload failed and the source cannot be replayed").
					WithComponent("client").WithOperation("store").WithContext("key", key)
			}
			if _, err := seeker.Seek(origin, io.SeekStart); err != nil {
				return errors.Wrap(errors.ErrCodeClientError, err, "unable to rewind source").
					WithComponent("client").WithOperation("store")
			}
		}

		up, err := c.openFile(ctx, key, class, size, single)
		if err != nil {
			return err
		}
		consumed = true

		if _, err := io.Copy(up, r); err != nil {
			_ = up.Abort()
			if errors.CodeOf(err) != "" {
				return err
			}
			return errors.Wrap(errors.ErrCodeClientError, err, "unable to read upload source").
				WithComponent("client").WithOperation("store").WithContext("key", key)
		}
		return up.Close()
	})

	var exhausted *retry.ExhaustedError
	if stderr.As(err, &exhausted) {
		c.logger.Error("giving up on store", map[string]interface{}{
			"key":      key,
			"attempts": exhausted.Attempts,
			"error":    exhausted.Last,
		})
		switch errors.CodeOf(exhausted.Last) {
		case errors.ErrCodeTrackerCommunication, errors.ErrCodeNoTrackers:
			return errors.Wrap(errors.ErrCodeNoTrackers, exhausted.Last, "unable to store file after multiple attempts").
				WithComponent("client").WithOperation("store").WithDetail("attempts", exhausted.Attempts)
		}
		return exhausted.Last
	}
	return c.mapRetryError("store", err)
}

// StoreBytes uploads data as key.
func (c *Client) StoreBytes(ctx context.Context, key, class string, data []byte) error {
	return c.StoreStream(ctx, key, class, bytes.NewReader(data), int64(len(data)))
}

// StoreFile uploads the local file at path as key.
func (c *Client) StoreFile(ctx context.Context, key, class, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(errors.ErrCodeClientError, err, "unable to open source file").
			WithComponent("client").WithOperation("store").WithContext("file", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(errors.ErrCodeClientError, err, "unable to stat source file").
			WithComponent("client").WithOperation("store").WithContext("file", path)
	}
	return c.StoreStream(ctx, key, class, f, info.Size())
}

// commit registers an uploaded file with a single create_close. Any failure
// invalidates the connection used.
func (c *Client) commit(ctx context.Context, domain, key string, handle types.FileHandle, size int64) error {
	p, err := c.backendPool()
	if err != nil {
		return errors.Wrap(errors.ErrCodeCommitFailed, err, "unable to commit file").
			WithComponent("upload").WithOperation("create_close")
	}
	conn, err := p.Borrow(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeCommitFailed, err, "unable to get a tracker connection for commit").
			WithComponent("upload").WithOperation("create_close").WithContext("key", key)
	}

	_, err = conn.DoRequest(ctx, "create_close",
		"fid", handle.FID,
		"devid", handle.DevID,
		"domain", domain,
		"size", strconv.FormatInt(size, 10),
		"key", key,
		"path", handle.Path,
	)
	if err != nil {
		p.Invalidate(conn)
		return errors.Wrap(errors.ErrCodeCommitFailed, err, "tracker did not accept the uploaded file").
			WithComponent("upload").
			WithOperation("create_close").
			WithContext("key", key).
			WithContext("fid", handle.FID).
			WithContext("path", handle.Path).
			WithContext("tracker", conn.Address().String())
	}
	if !conn.IsConnected() {
		p.Invalidate(conn)
		return nil
	}
	p.Return(conn)
	return nil
}

// Delete removes key. A key the tracker does not know is not an error.
func (c *Client) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { c.observe("delete", start, err) }()

	domain := c.Domain()
	return c.withBackend(ctx, "delete", c.retryer("delete"), func(ctx context.Context, conn *tracker.Conn) error {
		_, err := conn.DoRequest(ctx, "delete", "domain", domain, "key", key)
		if isServerCode(err, "unknown_key") {
			c.logger.Debug("delete of unknown key", map[string]interface{}{"key": key})
			return nil
		}
		return trackerError("delete", conn, err)
	})
}

// Rename moves from to to. A missing source key is not an error.
func (c *Client) Rename(ctx context.Context, from, to string) (err error) {
	start := time.Now()
	defer func() { c.observe("rename", start, err) }()

	domain := c.Domain()
	return c.withBackend(ctx, "rename", c.retryer("rename"), func(ctx context.Context, conn *tracker.Conn) error {
		_, err := conn.DoRequest(ctx, "rename", "domain", domain, "from_key", from, "to_key", to)
		if isServerCode(err, "unknown_key") {
			c.logger.Debug("rename of unknown key", map[string]interface{}{"key": from})
			return nil
		}
		return trackerError("rename", conn, err)
	})
}

// GetPaths returns the storage URLs for key. noverify asks the tracker to
// skip checking the replicas first. An unknown key is KEY_NOT_FOUND.
func (c *Client) GetPaths(ctx context.Context, key string, noverify bool) (paths []string, err error) {
	start := time.Now()
	defer func() { c.observe("get_paths", start, err) }()

	domain := c.Domain()
	nv := "0"
	if noverify {
		nv = "1"
	}

	err = c.withBackend(ctx, "get_paths", c.retryer("get_paths"), func(ctx context.Context, conn *tracker.Conn) error {
		resp, err := conn.DoRequest(ctx, "get_paths", "domain", domain, "key", key, "noverify", nv)
		if isServerCode(err, "unknown_key") {
			return errors.Newf(errors.ErrCodeKeyNotFound, "key %q not found", key).
				WithComponent("client").
				WithOperation("get_paths").
				WithContext("domain", domain).
				WithContext("key", key)
		}
		if err != nil {
			return trackerError("get_paths", conn, err)
		}

		paths, err = parsePaths(resp)
		if err != nil {
			return errors.Wrap(errors.ErrCodeTrackerError, err, "unexpected get_paths response").
				WithComponent("client").WithOperation("get_paths")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

func parsePaths(resp tracker.Response) ([]string, error) {
	n, err := resp.Int("paths")
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if p := resp["path"+strconv.Itoa(i)]; p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// ListKeys returns one page of keys starting with prefix and sorting after
// after. limit <= 0 uses DefaultListLimit. An empty page ends the listing.
func (c *Client) ListKeys(ctx context.Context, prefix, after string, limit int) (page types.KeyPage, err error) {
	start := time.Now()
	defer func() { c.observe("list_keys", start, err) }()

	if limit <= 0 {
		limit = DefaultListLimit
	}
	domain := c.Domain()

	err = c.withBackend(ctx, "list_keys", c.retryer("list_keys"), func(ctx context.Context, conn *tracker.Conn) error {
		resp, err := conn.DoRequest(ctx, "list_keys",
			"domain", domain,
			"prefix", prefix,
			"after", after,
			"limit", strconv.Itoa(limit),
		)
		if isServerCode(err, "none_match") {
			page = types.KeyPage{}
			return nil
		}
		if err != nil {
			return trackerError("list_keys", conn, err)
		}

		page, err = parseKeyPage(resp)
		if err != nil {
			return errors.Wrap(errors.ErrCodeTrackerError, err, "unexpected list_keys response").
				WithComponent("client").WithOperation("list_keys")
		}
		return nil
	})
	return page, err
}

func parseKeyPage(resp tracker.Response) (types.KeyPage, error) {
	n, err := resp.Int("key_count")
	if err != nil {
		return types.KeyPage{}, err
	}
	keys := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		k, ok := resp["key_"+strconv.Itoa(i)]
		if !ok {
			return types.KeyPage{}, fmt.Errorf("response missing key_%d", i)
		}
		keys = append(keys, k)
	}

	next := resp["after_key"]
	if next == "" {
		next = resp["next_after"]
	}
	if next == "" && len(keys) > 0 {
		next = keys[len(keys)-1]
	}
	return types.KeyPage{Keys: keys, After: next}, nil
}

// ListAllKeys walks every page for prefix, calling fn for each key.
func (c *Client) ListAllKeys(ctx context.Context, prefix string, pageSize int, fn func(key string) error) error {
	return WalkKeys(ctx, c, prefix, pageSize, fn)
}

// WalkKeys pages through fs until an empty page or an empty cursor.
func WalkKeys(ctx context.Context, fs types.FileSystem, prefix string, pageSize int, fn func(key string) error) error {
	after := ""
	for {
		page, err := fs.ListKeys(ctx, prefix, after, pageSize)
		if err != nil {
			return err
		}
		for _, k := range page.Keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		if page.Done() {
			return nil
		}
		after = page.After
	}
}

// Sleep asks a tracker to sleep for seconds.
func (c *Client) Sleep(ctx context.Context, seconds int) (err error) {
	start := time.Now()
	defer func() { c.observe("sleep", start, err) }()

	return c.withBackend(ctx, "sleep", c.retryer("sleep"), func(ctx context.Context, conn *tracker.Conn) error {
		_, err := conn.DoRequest(ctx, "sleep", "duration", strconv.Itoa(seconds))
		return trackerError("sleep", conn, err)
	})
}

// GetFileBytes reads key fully from the first replica that serves it.
func (c *Client) GetFileBytes(ctx context.Context, key string) (data []byte, err error) {
	start := time.Now()
	defer func() { c.observe("get_file", start, err) }()

	paths, err := c.GetPaths(ctx, key, false)
	if err != nil {
		return nil, err
	}
	return c.reader.readAll(ctx, key, paths)
}

// GetFileStream opens key on the first replica that answers. The caller
// must close the stream.
func (c *Client) GetFileStream(ctx context.Context, key string) (rc io.ReadCloser, err error) {
	start := time.Now()
	defer func() { c.observe("get_file_stream", start, err) }()

	paths, err := c.GetPaths(ctx, key, false)
	if err != nil {
		return nil, err
	}
	return c.reader.open(ctx, key, paths)
}

// GetFile copies key into the local file dest.
func (c *Client) GetFile(ctx context.Context, key, dest string) error {
	rc, err := c.GetFileStream(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	return copyToFile(rc, dest)
}

func copyToFile(r io.Reader, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(errors.ErrCodeClientError, err, "unable to create destination file").
			WithContext("file", dest)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errors.Wrap(errors.ErrCodeStorageCommunication, err, "unable to copy file contents").
			WithContext("file", dest)
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(errors.ErrCodeClientError, err, "unable to close destination file").
			WithContext("file", dest)
	}
	return nil
}
