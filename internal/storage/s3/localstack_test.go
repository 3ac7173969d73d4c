package s3

import (
	"context"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/suite"

	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/logging"
)

// LocalStackSuite runs the backend against a real S3 API.
type LocalStackSuite struct {
	suite.Suite
	ctx     context.Context
	backend *Backend
}

func TestLocalStack(t *testing.T) {
	if os.Getenv("AWS_ENDPOINT_URL") == "" {
		t.Skip("Skipping LocalStack tests - no endpoint configured")
	}
	suite.Run(t, new(LocalStackSuite))
}

func (s *LocalStackSuite) SetupSuite() {
	s.ctx = context.Background()

	cfg := NewDefaultConfig()
	cfg.Bucket = "mogilefs-test"
	cfg.Endpoint = os.Getenv("AWS_ENDPOINT_URL")
	cfg.ForcePathStyle = true
	cfg.AccessKeyID = "test"
	cfg.SecretAccessKey = "test"

	client, err := newClient(s.ctx, cfg.withDefaults())
	s.Require().NoError(err)
	_, _ = client.CreateBucket(s.ctx, &s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)})

	s.backend, err = NewBackend(s.ctx, "localstack", cfg, logging.Nop(), nil)
	s.Require().NoError(err)
}

func (s *LocalStackSuite) TestRoundTrip() {
	s.Require().NoError(s.backend.StoreBytes(s.ctx, "hello.txt", "", []byte("hello")))

	data, err := s.backend.GetFileBytes(s.ctx, "hello.txt")
	s.Require().NoError(err)
	s.Equal([]byte("hello"), data)

	paths, err := s.backend.GetPaths(s.ctx, "hello.txt", false)
	s.Require().NoError(err)
	s.Len(paths, 1)

	s.Require().NoError(s.backend.Rename(s.ctx, "hello.txt", "renamed.txt"))
	page, err := s.backend.ListKeys(s.ctx, "", "", 10)
	s.Require().NoError(err)
	s.Contains(page.Keys, "renamed.txt")
	s.NotContains(page.Keys, "hello.txt")

	s.Require().NoError(s.backend.Delete(s.ctx, "renamed.txt"))
	_, err = s.backend.GetFileBytes(s.ctx, "renamed.txt")
	s.True(errors.IsNotFound(err))
}

func (s *LocalStackSuite) TestMultipartUpload() {
	w, err := s.backend.NewFile(s.ctx, "big.bin", "", -1)
	s.Require().NoError(err)

	chunk := make([]byte, 1<<20)
	for i := 0; i < 12; i++ {
		_, err := w.Write(chunk)
		s.Require().NoError(err)
	}
	s.Require().NoError(w.Close())

	data, err := s.backend.GetFileBytes(s.ctx, "big.bin")
	s.Require().NoError(err)
	s.Len(data, 12<<20)
	s.Require().NoError(s.backend.Delete(s.ctx, "big.bin"))
}
