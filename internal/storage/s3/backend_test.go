package s3

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/logging"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	classes map[string]s3types.StorageClass
	types   map[string]string
	parts   map[string]map[int32][]byte
	nextID  int
	failPut error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string][]byte),
		classes: make(map[string]s3types.StorageClass),
		types:   make(map[string]string),
		parts:   make(map[string]map[int32][]byte),
	}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut != nil {
		return nil, f.failPut
	}
	key := aws.ToString(in.Key)
	f.objects[key] = data
	f.classes[key] = in.StorageClass
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.parts[id] = make(map[int32][]byte)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Bucket: in.Bucket, Key: in.Key}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts[aws.ToString(in.UploadId)][aws.ToInt32(in.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", aws.ToInt32(in.PartNumber)))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := f.parts[aws.ToString(in.UploadId)]
	nums := make([]int, 0, len(parts))
	for n := range parts {
		nums = append(nums, int(n))
	}
	sort.Ints(nums)
	var buf bytes.Buffer
	for _, n := range nums {
		buf.Write(parts[int32(n)])
	}
	f.objects[aws.ToString(in.Key)] = buf.Bytes()
	delete(f.parts, aws.ToString(in.UploadId))
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.parts, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	_, src, _ := strings.Cut(aws.ToString(in.CopySource), "/")
	src, err := url.PathUnescape(src)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[src]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	f.objects[aws.ToString(in.Key)] = append([]byte(nil), data...)
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.StartAfter) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if max := int(aws.ToInt32(in.MaxKeys)); max > 0 && len(keys) > max {
		keys = keys[:max]
	}
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

type fakePresigner struct{}

func (fakePresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{
		URL:    "https://" + aws.ToString(in.Bucket) + ".s3.test/" + aws.ToString(in.Key) + "?X-Amz-Signature=x",
		Method: "GET",
	}, nil
}

func newTestBackend(t *testing.T) (*Backend, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	cfg := NewDefaultConfig()
	cfg.Bucket = "media"
	b, err := NewWithAPI(fake, fakePresigner{}, "photos", cfg, logging.Nop(), nil)
	require.NoError(t, err)
	return b, fake
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := NewDefaultConfig()
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(cfg.Validate()))

	cfg.Bucket = "b"
	assert.NoError(t, cfg.Validate())

	cfg.PartSize = 1024
	assert.Error(t, cfg.Validate())

	cfg.PartSize = 0
	cfg.AccessKeyID = "id"
	assert.Error(t, cfg.Validate())
	cfg.SecretAccessKey = "secret"
	assert.NoError(t, cfg.Validate())

	d := (&Config{Bucket: "b"}).withDefaults()
	assert.Equal(t, "us-east-1", d.Region)
	assert.Equal(t, "STANDARD", d.StorageClass)
	assert.Positive(t, d.PresignExpiry)
}

func TestStoreAndReadUnderDomainPrefix(t *testing.T) {
	b, fake := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.StoreBytes(ctx, "cat.jpg", "standard_ia", []byte("meow")))
	assert.Equal(t, []byte("meow"), fake.objects["photos/cat.jpg"])
	assert.Equal(t, s3types.StorageClassStandardIa, fake.classes["photos/cat.jpg"])
	assert.Equal(t, "image/jpeg", fake.types["photos/cat.jpg"])

	data, err := b.GetFileBytes(ctx, "cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("meow"), data)

	require.NoError(t, b.StoreBytes(ctx, "dog", "thumbnails", []byte("woof")))
	assert.Equal(t, s3types.StorageClassStandard, fake.classes["photos/dog"])

	_, err = b.GetFileBytes(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestNewFileStreaming(t *testing.T) {
	b, fake := newTestBackend(t)
	ctx := context.Background()

	w, err := b.NewFile(ctx, "log.txt", "", -1)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err := fmt.Fprintf(w, "%03d\n", i)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(400), w.Written())
	require.NoError(t, w.Close())
	assert.Len(t, fake.objects["photos/log.txt"], 400)

	w, err = b.NewFile(ctx, "sized", "", 2)
	require.NoError(t, err)
	_, err = w.Write([]byte("abc"))
	assert.Equal(t, errors.ErrCodeClientError, errors.CodeOf(err))
	_, err = w.Write([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, errors.ErrCodeClientError, errors.CodeOf(w.Close()))
	_, exists := fake.objects["photos/sized"]
	assert.False(t, exists)
}

func TestNewFileAbort(t *testing.T) {
	b, fake := newTestBackend(t)

	w, err := b.NewFile(context.Background(), "gone", "", -1)
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())
	require.NoError(t, w.Close())

	_, exists := fake.objects["photos/gone"]
	assert.False(t, exists)
}

func TestUploadFailureIsStorageError(t *testing.T) {
	b, fake := newTestBackend(t)
	fake.failPut = stderr.New("connection reset")

	err := b.StoreBytes(context.Background(), "k", "", []byte("x"))
	assert.True(t, stderr.Is(err, errors.ErrStorageCommunication))
}

func TestDeleteRenameAndPaths(t *testing.T) {
	b, fake := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Delete(ctx, "never"))
	require.NoError(t, b.Rename(ctx, "never", "other"))

	require.NoError(t, b.StoreBytes(ctx, "dir/a b", "", []byte("1")))
	require.NoError(t, b.StoreBytes(ctx, "b", "", []byte("2")))

	assert.True(t, stderr.Is(b.Rename(ctx, "dir/a b", "b"), errors.ErrTrackerError))
	require.NoError(t, b.Rename(ctx, "dir/a b", "c"))
	assert.Equal(t, []byte("1"), fake.objects["photos/c"])
	_, exists := fake.objects["photos/dir/a b"]
	assert.False(t, exists)

	paths, err := b.GetPaths(ctx, "c", false)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.True(t, strings.HasPrefix(paths[0], "https://media.s3.test/photos/c"))

	_, err = b.GetPaths(ctx, "nope", false)
	assert.True(t, errors.IsNotFound(err))
	paths, err = b.GetPaths(ctx, "nope", true)
	require.NoError(t, err)
	assert.Len(t, paths, 1)

	require.NoError(t, b.Delete(ctx, "c"))
	_, exists = fake.objects["photos/c"]
	assert.False(t, exists)
}

func TestListKeysStripsPrefix(t *testing.T) {
	b, fake := newTestBackend(t)
	ctx := context.Background()

	for _, k := range []string{"x/1", "x/2", "x/3", "y"} {
		require.NoError(t, b.StoreBytes(ctx, k, "", []byte(k)))
	}
	fake.objects["other/x/9"] = []byte("elsewhere")

	page, err := b.ListKeys(ctx, "x/", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"x/1", "x/2"}, page.Keys)

	page, err = b.ListKeys(ctx, "x/", page.After, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"x/3"}, page.Keys)

	page, err = b.ListKeys(ctx, "x/", page.After, 2)
	require.NoError(t, err)
	assert.True(t, page.Done())

	require.NoError(t, b.Reload("other"))
	page, err = b.ListKeys(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"x/9"}, page.Keys)

	assert.Error(t, b.Reload("a/b"))
	assert.Equal(t, "other", b.Domain())
}

func TestCopySourceEscaping(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "bucket/photos/a%20b/c+d%3Fe", copySource("bucket", "photos/a b/c+d?e"))
}

func TestDetectContentType(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"a.json": "application/json",
		"a.png":  "image/png",
		"a.jpeg": "image/jpeg",
		"a.bin":  "application/octet-stream",
	}
	for key, want := range tests {
		assert.Equal(t, want, detectContentType(key), key)
	}
}
