package mogilefs

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"github.com/objectfs/mogilefs/internal/circuit"
	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/logging"
	"github.com/objectfs/mogilefs/pkg/types"
)

// pathReader fetches a file from whichever of its replicas answers first,
// starting at a random replica unless keepOrder is set. With hosts set,
// replicas on storage hosts that keep failing are tried last.
type pathReader struct {
	client    *http.Client
	keepOrder bool
	hosts     *circuit.Manager
	logger    *logging.Logger
	metrics   types.MetricsRecorder
}

// order returns the replica visiting order: every path once, wrapping
// around from the starting index.
func (r *pathReader) order(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	start := 0
	if !r.keepOrder {
		start = rand.Intn(len(paths))
	}
	out := make([]string, 0, len(paths))
	for i := range paths {
		out = append(out, paths[(start+i)%len(paths)])
	}
	if r.hosts != nil {
		out = r.hosts.Demote(out, storageHost)
	}
	return out
}

func storageHost(path string) string {
	if u, err := url.Parse(path); err == nil && u.Host != "" {
		return u.Host
	}
	return path
}

// observe feeds an attempt's outcome to the host breaker. Cancellation
// says nothing about the host.
func (r *pathReader) observe(ctx context.Context, path string, err error) {
	if r.hosts == nil || ctx.Err() != nil {
		return
	}
	b := r.hosts.Get(storageHost(path))
	if err != nil {
		b.Failure()
	} else {
		b.Success()
	}
}

func (r *pathReader) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp, nil
}

// open returns the body of the first replica answering 2xx.
func (r *pathReader) open(ctx context.Context, key string, paths []string) (io.ReadCloser, error) {
	var failures []string
	for i, path := range r.order(paths) {
		if i > 0 {
			r.metrics.RecordFailover("get_file")
		}
		resp, err := r.get(ctx, path)
		r.observe(ctx, path, err)
		if err != nil {
			failures = append(failures, r.skip(key, path, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return &countingBody{ReadCloser: resp.Body, metrics: r.metrics}, nil
	}
	return nil, r.exhausted(key, paths, failures)
}

// readAll reads the first replica that delivers a complete body.
func (r *pathReader) readAll(ctx context.Context, key string, paths []string) ([]byte, error) {
	var failures []string
	for i, path := range r.order(paths) {
		if i > 0 {
			r.metrics.RecordFailover("get_file")
		}
		data, err := r.fetch(ctx, path)
		r.observe(ctx, path, err)
		if err != nil {
			failures = append(failures, r.skip(key, path, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		r.metrics.RecordBytes("download", int64(len(data)))
		return data, nil
	}
	return nil, r.exhausted(key, paths, failures)
}

func (r *pathReader) fetch(ctx context.Context, path string) ([]byte, error) {
	resp, err := r.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.ContentLength >= 0 && int64(len(data)) != resp.ContentLength {
		return nil, fmt.Errorf("short body: got %d of %d bytes", len(data), resp.ContentLength)
	}
	return data, nil
}

func (r *pathReader) skip(key, path string, err error) string {
	r.logger.Warn("replica unavailable, trying next", map[string]interface{}{
		"key":   key,
		"path":  path,
		"error": err,
	})
	return path + ": " + err.Error()
}

func (r *pathReader) exhausted(key string, paths, failures []string) error {
	msg := "no replica could be read"
	if len(paths) == 0 {
		msg = "tracker returned no paths"
	}
	return errors.NewError(errors.ErrCodeStorageCommunication, msg).
		WithComponent("reader").
		WithOperation("get_file").
		WithContext("key", key).
		WithContext("paths", strings.Join(paths, ", ")).
		WithDetail("failures", failures)
}

type countingBody struct {
	io.ReadCloser
	metrics types.MetricsRecorder
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.metrics.RecordBytes("download", int64(n))
	}
	return n, err
}
