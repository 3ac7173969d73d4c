package mogilefs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/types"
)

// UploadState is where an Upload is in its life.
type UploadState int

const (
	StateOpened UploadState = iota
	StateWriting
	StateFinalizing
	StateCommitted
	StateAborted
)

func (s UploadState) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateWriting:
		return "writing"
	case StateFinalizing:
		return "finalizing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("UploadState(%d)", int(s))
	}
}

// maxErrorBody caps how much of a failed PUT response is kept.
const maxErrorBody = 4096

// Upload streams one file to the storage node chosen by create_open. Bytes
// go straight to the socket; Close finishes the PUT and registers the file
// with create_close. An Upload is not safe for concurrent writes.
type Upload struct {
	client  *Client
	ctx     context.Context
	domain  string
	key     string
	handle  types.FileHandle
	size    int64
	timeout time.Duration

	mu      sync.Mutex
	state   UploadState
	conn    net.Conn
	bw      *bufio.Writer
	chunked io.WriteCloser
	written int64
	err     error
	stop    func() bool
}

var _ types.FileWriter = (*Upload)(nil)

func openUpload(ctx context.Context, c *Client, domain, key string, handle types.FileHandle, size int64) (*Upload, error) {
	target, err := url.Parse(handle.Path)
	if err != nil || target.Scheme != "http" || target.Host == "" {
		return nil, errors.NewError(errors.ErrCodeStorageCommunication, "tracker returned an unusable storage path").
			WithComponent("upload").
			WithOperation("open").
			WithContext("path", handle.Path).
			WithCause(err)
	}

	host := target.Host
	if target.Port() == "" {
		host = net.JoinHostPort(target.Hostname(), "80")
	}

	timeout := c.config.StorageTimeout
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageCommunication, err, "unable to connect to storage node").
			WithComponent("upload").
			WithOperation("open").
			WithContext("path", handle.Path)
	}

	u := &Upload{
		client:  c,
		ctx:     ctx,
		domain:  domain,
		key:     key,
		handle:  handle,
		size:    size,
		timeout: timeout,
		conn:    conn,
		bw:      bufio.NewWriterSize(conn, 64*1024),
	}
	u.stop = context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})

	fmt.Fprintf(u.bw, "PUT %s HTTP/1.1\r\n", target.RequestURI())
	fmt.Fprintf(u.bw, "Host: %s\r\n", target.Host)
	if size >= 0 {
		fmt.Fprintf(u.bw, "Content-Length: %d\r\n", size)
	} else {
		u.bw.WriteString("Transfer-Encoding: chunked\r\n")
		u.chunked = httputil.NewChunkedWriter(u.bw)
	}
	u.bw.WriteString("Connection: close\r\n\r\n")

	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := u.bw.Flush(); err != nil {
		u.teardown()
		return nil, errors.Wrap(errors.ErrCodeStorageCommunication, err, "unable to send upload headers").
			WithComponent("upload").
			WithOperation("open").
			WithContext("path", handle.Path)
	}
	return u, nil
}

// Handle returns the tracker's create_open answer.
func (u *Upload) Handle() types.FileHandle {
	return u.handle
}

// State reports the current state.
func (u *Upload) State() UploadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Written returns the bytes accepted so far.
func (u *Upload) Written() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.written
}

// Write sends p to the storage node. Writing past the declared size fails
// without sending anything.
func (u *Upload) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case StateOpened:
		u.state = StateWriting
	case StateWriting:
	default:
		return 0, u.closedError("write")
	}

	if u.size >= 0 && u.written+int64(len(p)) > u.size {
		return 0, errors.Newf(errors.ErrCodeClientError, "write of %d bytes exceeds declared size %d", len(p), u.size).
			WithComponent("upload").
			WithOperation("write").
			WithContext("key", u.key).
			WithDetail("written", u.written)
	}

	var w io.Writer = u.bw
	if u.chunked != nil {
		w = u.chunked
	}

	_ = u.conn.SetWriteDeadline(time.Now().Add(u.timeout))
	n, err := w.Write(p)
	u.written += int64(n)
	u.client.metrics.RecordBytes("upload", int64(n))
	if err != nil {
		u.fail(errors.Wrap(errors.ErrCodeStorageCommunication, err, "unable to write to storage node").
			WithComponent("upload").
			WithOperation("write").
			WithContext("key", u.key).
			WithContext("path", u.handle.Path))
		return n, u.err
	}
	return n, nil
}

// Close completes the PUT, checks the storage node's answer and commits the
// file. Closing a committed upload is a no-op.
func (u *Upload) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case StateCommitted:
		return nil
	case StateAborted, StateFinalizing:
		return u.closedError("close")
	}
	u.state = StateFinalizing

	if u.size >= 0 && u.written != u.size {
		u.fail(errors.Newf(errors.ErrCodeClientError, "wrote %d bytes, declared %d", u.written, u.size).
			WithComponent("upload").
			WithOperation("close").
			WithContext("key", u.key))
		return u.err
	}

	if err := u.finishRequest(); err != nil {
		u.fail(err)
		return err
	}
	u.teardown()

	if err := u.client.commit(u.ctx, u.domain, u.key, u.handle, u.written); err != nil {
		u.state = StateAborted
		u.err = err
		u.client.logger.Error("commit failed", map[string]interface{}{
			"key":   u.key,
			"fid":   u.handle.FID,
			"error": err,
		})
		return err
	}

	u.state = StateCommitted
	u.client.logger.Debug("file committed", map[string]interface{}{
		"key":  u.key,
		"fid":  u.handle.FID,
		"size": u.written,
	})
	return nil
}

func (u *Upload) finishRequest() error {
	wrap := func(err error, msg string) error {
		return errors.Wrap(errors.ErrCodeStorageCommunication, err, msg).
			WithComponent("upload").
			WithOperation("close").
			WithContext("key", u.key).
			WithContext("path", u.handle.Path)
	}

	_ = u.conn.SetWriteDeadline(time.Now().Add(u.timeout))
	if u.chunked != nil {
		if err := u.chunked.Close(); err != nil {
			return wrap(err, "unable to finish chunked body")
		}
		if _, err := u.bw.WriteString("\r\n"); err != nil {
			return wrap(err, "unable to finish chunked body")
		}
	}
	if err := u.bw.Flush(); err != nil {
		return wrap(err, "unable to flush upload")
	}

	_ = u.conn.SetReadDeadline(time.Now().Add(u.timeout))
	resp, err := http.ReadResponse(bufio.NewReader(u.conn), &http.Request{Method: http.MethodPut})
	if err != nil {
		return wrap(err, "unable to read storage node response")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return errors.Newf(errors.ErrCodeStorageCommunication, "storage node answered %s", resp.Status).
			WithComponent("upload").
			WithOperation("close").
			WithContext("key", u.key).
			WithContext("path", u.handle.Path).
			WithContext("status", strconv.Itoa(resp.StatusCode)).
			WithDetail("body", string(body))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil
}

// Abort drops the connection; the key is never registered.
func (u *Upload) Abort() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case StateAborted:
		return nil
	case StateCommitted:
		return u.closedError("abort")
	}
	u.state = StateAborted
	u.teardown()
	u.client.logger.Debug("upload aborted", map[string]interface{}{
		"key":     u.key,
		"written": u.written,
	})
	return nil
}

func (u *Upload) fail(err error) {
	u.state = StateAborted
	u.err = err
	u.teardown()
}

func (u *Upload) teardown() {
	if u.stop != nil {
		u.stop()
		u.stop = nil
	}
	if u.conn != nil {
		_ = u.conn.Close()
		u.conn = nil
	}
}

func (u *Upload) closedError(op string) error {
	e := errors.Newf(errors.ErrCodeClientError, "upload is %s", u.state).
		WithComponent("upload").
		WithOperation(op).
		WithContext("key", u.key)
	if u.err != nil {
		e = e.WithCause(u.err)
	}
	return e
}
