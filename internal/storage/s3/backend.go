package s3

import (
	"bytes"
	"context"
	stderr "errors"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/logging"
	"github.com/objectfs/mogilefs/pkg/types"
)

// Backend implements types.FileSystem on an S3 bucket.
type Backend struct {
	api      API
	presign  Presigner
	uploader *manager.Uploader
	config   *Config
	logger   *logging.Logger
	metrics  types.MetricsRecorder

	mu     sync.RWMutex
	domain string
}

var _ types.FileSystem = (*Backend)(nil)

// NewBackend connects to the configured bucket and checks it is reachable.
func NewBackend(ctx context.Context, domain string, cfg *Config, logger *logging.Logger, metrics types.MetricsRecorder) (*Backend, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b, err := NewWithAPI(client, s3.NewPresignClient(client), domain, cfg, logger, metrics)
	if err != nil {
		return nil, err
	}
	if err := b.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// NewWithAPI builds a backend on an existing client.
func NewWithAPI(api API, presign Presigner, domain string, cfg *Config, logger *logging.Logger, metrics types.MetricsRecorder) (*Backend, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}

	b := &Backend{
		api:     api,
		presign: presign,
		uploader: manager.NewUploader(api, func(u *manager.Uploader) {
			u.PartSize = cfg.PartSize
			u.Concurrency = cfg.Concurrency
		}),
		config:  cfg,
		logger:  logger.WithComponent("s3").WithField("bucket", cfg.Bucket),
		metrics: metrics,
	}
	if err := b.Reload(domain); err != nil {
		return nil, err
	}
	return b, nil
}

// HealthCheck verifies the bucket is reachable.
func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.config.Bucket)})
	if err != nil {
		return b.translateError(err, "head_bucket", "")
	}
	return nil
}

// Reload switches the key prefix to another domain.
func (b *Backend) Reload(domain string) error {
	if domain == "" || strings.Contains(domain, "/") {
		return errors.NewError(errors.ErrCodeInvalidConfig, "invalid domain name").
			WithComponent("s3").
			WithContext("domain", domain)
	}
	b.mu.Lock()
	b.domain = domain
	b.mu.Unlock()
	return nil
}

// Domain returns the current domain.
func (b *Backend) Domain() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.domain
}

func (b *Backend) prefix() string {
	return b.Domain() + "/"
}

func (b *Backend) objectKey(key string) (string, error) {
	if key == "" {
		return "", errors.NewError(errors.ErrCodeClientError, "key must not be empty").
			WithComponent("s3")
	}
	return b.prefix() + key, nil
}

// storageClass maps a file class onto an S3 storage class.
func (b *Backend) storageClass(class string) s3types.StorageClass {
	want := strings.ToUpper(class)
	for _, sc := range s3types.StorageClass("").Values() {
		if string(sc) == want {
			return sc
		}
	}
	return s3types.StorageClass(strings.ToUpper(b.config.StorageClass))
}

// NewFile streams written bytes through the upload manager.
func (b *Backend) NewFile(ctx context.Context, key, class string, size int64) (types.FileWriter, error) {
	objKey, err := b.objectKey(key)
	if err != nil {
		return nil, err
	}

	uctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	w := &objectWriter{
		backend: b,
		key:     key,
		pipe:    pw,
		size:    size,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	input := &s3.PutObjectInput{
		Bucket:       aws.String(b.config.Bucket),
		Key:          aws.String(objKey),
		Body:         pr,
		ContentType:  aws.String(detectContentType(key)),
		StorageClass: b.storageClass(class),
	}
	if class != "" {
		input.Metadata = map[string]string{"mogile-class": class}
	}

	go func() {
		defer close(w.done)
		_, err := b.uploader.Upload(uctx, input)
		_ = pr.CloseWithError(err)
		w.err = err
	}()
	return w, nil
}

var errAborted = stderr.New("upload aborted")

type objectWriter struct {
	backend *Backend
	key     string
	pipe    *io.PipeWriter
	size    int64
	written int64
	cancel  context.CancelFunc
	closed  bool

	done chan struct{}
	err  error
}

func (w *objectWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.NewError(errors.ErrCodeClientError, "write to closed file").
			WithComponent("s3").WithContext("key", w.key)
	}
	if w.size >= 0 && w.written+int64(len(p)) > w.size {
		return 0, errors.Newf(errors.ErrCodeClientError, "write of %d bytes exceeds declared size %d", len(p), w.size).
			WithComponent("s3").WithContext("key", w.key)
	}
	n, err := w.pipe.Write(p)
	w.written += int64(n)
	w.backend.metrics.RecordBytes("upload", int64(n))
	if err != nil {
		return n, w.backend.translateError(err, "put_object", w.key)
	}
	return n, nil
}

func (w *objectWriter) Written() int64 {
	return w.written
}

func (w *objectWriter) Close() error {
	if w.closed {
		return nil
	}
	if w.size >= 0 && w.written != w.size {
		_ = w.Abort()
		return errors.Newf(errors.ErrCodeClientError, "wrote %d bytes, declared %d", w.written, w.size).
			WithComponent("s3").WithContext("key", w.key)
	}
	w.closed = true
	_ = w.pipe.Close()
	<-w.done
	w.cancel()
	if w.err != nil {
		return w.backend.translateError(w.err, "put_object", w.key)
	}
	w.backend.logger.Debug("object uploaded", map[string]interface{}{
		"key":  w.key,
		"size": w.written,
	})
	return nil
}

func (w *objectWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.pipe.CloseWithError(errAborted)
	w.cancel()
	<-w.done
	return nil
}

// StoreStream copies r into key.
func (b *Backend) StoreStream(ctx context.Context, key, class string, r io.Reader, size int64) (err error) {
	start := time.Now()
	defer func() { b.metrics.RecordOperation("store", time.Since(start), err == nil) }()

	w, err := b.NewFile(ctx, key, class, size)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		if errors.CodeOf(err) != "" {
			return err
		}
		return errors.Wrap(errors.ErrCodeClientError, err, "unable to read upload source").
			WithComponent("s3").WithContext("key", key)
	}
	return w.Close()
}

// StoreBytes stores data as key.
func (b *Backend) StoreBytes(ctx context.Context, key, class string, data []byte) error {
	return b.StoreStream(ctx, key, class, bytes.NewReader(data), int64(len(data)))
}

// StoreFile uploads the local file at path.
func (b *Backend) StoreFile(ctx context.Context, key, class, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(errors.ErrCodeClientError, err, "unable to open source file").
			WithComponent("s3").WithContext("file", path)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(errors.ErrCodeClientError, err, "unable to stat source file").
			WithComponent("s3").WithContext("file", path)
	}
	return b.StoreStream(ctx, key, class, f, info.Size())
}

// GetFileStream opens key for reading.
func (b *Backend) GetFileStream(ctx context.Context, key string) (io.ReadCloser, error) {
	objKey, err := b.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		return nil, b.translateError(err, "get_object", key)
	}
	return out.Body, nil
}

// GetFileBytes reads key fully.
func (b *Backend) GetFileBytes(ctx context.Context, key string) (data []byte, err error) {
	start := time.Now()
	defer func() { b.metrics.RecordOperation("get_file", time.Since(start), err == nil) }()

	body, err := b.GetFileStream(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err = io.ReadAll(body)
	if err != nil {
		return nil, b.translateError(err, "get_object", key)
	}
	b.metrics.RecordBytes("download", int64(len(data)))
	return data, nil
}

// GetFile copies key to dest.
func (b *Backend) GetFile(ctx context.Context, key, dest string) error {
	body, err := b.GetFileStream(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(errors.ErrCodeClientError, err, "unable to create destination file").
			WithComponent("s3").WithContext("file", dest)
	}
	n, err := io.Copy(out, body)
	if err != nil {
		out.Close()
		return b.translateError(err, "get_object", key)
	}
	b.metrics.RecordBytes("download", n)
	return out.Close()
}

// Delete removes key. S3 deletes are idempotent.
func (b *Backend) Delete(ctx context.Context, key string) error {
	objKey, err := b.objectKey(key)
	if err != nil {
		return err
	}
	_, err = b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(objKey),
	})
	if err != nil && !isNotFound(err) {
		return b.translateError(err, "delete_object", key)
	}
	return nil
}

// Rename copies from to to and deletes from. A missing source is ignored;
// an existing target is refused.
func (b *Backend) Rename(ctx context.Context, from, to string) error {
	src, err := b.objectKey(from)
	if err != nil {
		return err
	}
	dst, err := b.objectKey(to)
	if err != nil {
		return err
	}

	if _, err := b.head(ctx, src); err != nil {
		if isNotFound(err) {
			return nil
		}
		return b.translateError(err, "rename", from)
	}
	if _, err := b.head(ctx, dst); err == nil {
		return errors.Newf(errors.ErrCodeTrackerError, "target key %q already exists", to).
			WithComponent("s3").
			WithOperation("rename").
			WithContext("tracker_error", "key_exists")
	} else if !isNotFound(err) {
		return b.translateError(err, "rename", to)
	}

	_, err = b.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.config.Bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(copySource(b.config.Bucket, src)),
	})
	if err != nil {
		return b.translateError(err, "copy_object", from)
	}
	_, err = b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(src),
	})
	if err != nil {
		return b.translateError(err, "delete_object", from)
	}
	return nil
}

func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

func (b *Backend) head(ctx context.Context, objKey string) (*s3.HeadObjectOutput, error) {
	return b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(objKey),
	})
}

// GetPaths returns one presigned GET URL. Unless noverify is set the object
// is checked first so a missing key is KEY_NOT_FOUND.
func (b *Backend) GetPaths(ctx context.Context, key string, noverify bool) ([]string, error) {
	objKey, err := b.objectKey(key)
	if err != nil {
		return nil, err
	}
	if !noverify {
		if _, err := b.head(ctx, objKey); err != nil {
			return nil, b.translateError(err, "get_paths", key)
		}
	}

	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(objKey),
	}, s3.WithPresignExpires(b.config.PresignExpiry))
	if err != nil {
		return nil, b.translateError(err, "get_paths", key)
	}
	return []string{req.URL}, nil
}

// ListKeys lists keys of the domain with prefix after after.
func (b *Backend) ListKeys(ctx context.Context, prefix, after string, limit int) (types.KeyPage, error) {
	if limit <= 0 {
		limit = 1000
	}
	if limit > 1000 {
		limit = 1000
	}
	base := b.prefix()

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.config.Bucket),
		Prefix:  aws.String(base + prefix),
		MaxKeys: aws.Int32(int32(limit)),
	}
	if after != "" {
		input.StartAfter = aws.String(base + after)
	}

	out, err := b.api.ListObjectsV2(ctx, input)
	if err != nil {
		return types.KeyPage{}, b.translateError(err, "list_keys", prefix)
	}

	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), base))
	}
	if len(keys) == 0 {
		return types.KeyPage{}, nil
	}
	return types.KeyPage{Keys: keys, After: keys[len(keys)-1]}, nil
}

// Sleep pauses locally; there is no tracker to ask.
func (b *Backend) Sleep(ctx context.Context, seconds int) error {
	t := time.NewTimer(time.Duration(seconds) * time.Second)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(errors.ErrCodeClientError, ctx.Err(), "sleep interrupted").WithComponent("s3")
	case <-t.C:
		return nil
	}
}

// Close releases nothing; the SDK client has no persistent state to free.
func (b *Backend) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if stderr.As(err, &nsk) || stderr.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (b *Backend) translateError(err error, operation, key string) error {
	var nsb *s3types.NoSuchBucket
	switch {
	case isNotFound(err):
		return errors.Newf(errors.ErrCodeKeyNotFound, "key %q not found", key).
			WithComponent("s3").
			WithOperation(operation).
			WithContext("key", key).
			WithCause(err)
	case stderr.As(err, &nsb):
		return errors.Wrap(errors.ErrCodeInvalidConfig, err, "bucket not found").
			WithComponent("s3").
			WithOperation(operation).
			WithContext("bucket", b.config.Bucket)
	default:
		b.logger.Warn("s3 request failed", map[string]interface{}{
			"operation": operation,
			"key":       key,
			"error":     err,
		})
		return errors.Wrap(errors.ErrCodeStorageCommunication, err, operation+" failed").
			WithComponent("s3").
			WithOperation(operation).
			WithContext("key", key)
	}
}

func detectContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".xml"):
		return "application/xml"
	case strings.HasSuffix(key, ".html"):
		return "text/html"
	case strings.HasSuffix(key, ".txt"):
		return "text/plain"
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".pdf"):
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
