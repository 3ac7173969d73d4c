package s3

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"

	"github.com/objectfs/mogilefs/pkg/errors"
)

// Config represents S3 backend configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// SDK level retries per request.
	MaxRetries int `yaml:"max_retries"`

	// Upload manager tuning
	PartSize    int64 `yaml:"part_size"`
	Concurrency int   `yaml:"concurrency"`

	// PresignExpiry is how long GetPaths URLs stay valid.
	PresignExpiry time.Duration `yaml:"presign_expiry"`

	// StorageClass applies when a file's class is not an S3 storage class.
	StorageClass string `yaml:"storage_class"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:        "us-east-1",
		MaxRetries:    3,
		PartSize:      manager.DefaultUploadPartSize,
		Concurrency:   manager.DefaultUploadConcurrency,
		PresignExpiry: 15 * time.Minute,
		StorageClass:  "STANDARD",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("s3")
	}
	if c.PartSize != 0 && c.PartSize < manager.MinUploadPartSize {
		return errors.Newf(errors.ErrCodeInvalidConfig, "part size must be at least %d bytes", manager.MinUploadPartSize).
			WithComponent("s3")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return errors.NewError(errors.ErrCodeInvalidConfig, "access key id and secret access key must be set together").
			WithComponent("s3")
	}
	return nil
}

func (c *Config) withDefaults() *Config {
	out := *c
	def := NewDefaultConfig()
	if out.Region == "" {
		out.Region = def.Region
	}
	if out.PartSize == 0 {
		out.PartSize = def.PartSize
	}
	if out.Concurrency <= 0 {
		out.Concurrency = def.Concurrency
	}
	if out.PresignExpiry <= 0 {
		out.PresignExpiry = def.PresignExpiry
	}
	if out.StorageClass == "" {
		out.StorageClass = def.StorageClass
	}
	return &out
}
