package mogilefs

import (
	"net"
	"net/http"
	"time"

	"github.com/objectfs/mogilefs/internal/circuit"
	"github.com/objectfs/mogilefs/internal/pool"
	"github.com/objectfs/mogilefs/internal/tracker"
	"github.com/objectfs/mogilefs/pkg/logging"
	"github.com/objectfs/mogilefs/pkg/retry"
	"github.com/objectfs/mogilefs/pkg/types"
)

const (
	// DefaultMaxRetries is the retry budget after the first attempt.
	DefaultMaxRetries = 2

	// DefaultRetrySleep is the pause between attempts.
	DefaultRetrySleep = 2 * time.Second

	// DefaultStorageTimeout bounds each storage node socket operation.
	DefaultStorageTimeout = 60 * time.Second

	// DefaultListLimit is used when ListKeys gets a non-positive limit.
	DefaultListLimit = 1000
)

// Config tunes a Client. The zero value is not useful; start from DefaultConfig.
type Config struct {
	// MaxRetries is how many times a failed tracker operation is retried.
	// retry.Infinite (-1) retries until success.
	MaxRetries int

	// RetrySleep is the pause between attempts; <= 0 disables it.
	RetrySleep time.Duration

	// KeepPathOrder reads replicas in tracker order instead of a random start.
	KeepPathOrder bool

	// HostBreaker, when set, moves replicas on storage hosts with repeated
	// read failures to the end of the visiting order. Nil disables it.
	HostBreaker *circuit.Config

	// Pool bounds the tracker connection pool.
	Pool pool.Config

	// TrackerDialTimeout and TrackerIOTimeout bound tracker sockets.
	TrackerDialTimeout time.Duration
	TrackerIOTimeout   time.Duration

	// StorageTimeout bounds storage node socket operations.
	StorageTimeout time.Duration

	// HTTPClient fetches replicas. The default applies StorageTimeout to
	// connecting and to waiting for response headers.
	HTTPClient *http.Client

	Logger  *logging.Logger
	Metrics types.MetricsRecorder
}

// DefaultConfig returns the stock client settings.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:         DefaultMaxRetries,
		RetrySleep:         DefaultRetrySleep,
		Pool:               pool.DefaultConfig(),
		TrackerDialTimeout: tracker.DefaultDialTimeout,
		TrackerIOTimeout:   tracker.DefaultIOTimeout,
		StorageTimeout:     DefaultStorageTimeout,
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.MaxRetries < retry.Infinite {
		out.MaxRetries = retry.Infinite
	}
	if out.StorageTimeout <= 0 {
		out.StorageTimeout = DefaultStorageTimeout
	}
	if out.Logger == nil {
		out.Logger = logging.Default()
	}
	if out.Metrics == nil {
		out.Metrics = types.NopMetrics{}
	}
	if out.HTTPClient == nil {
		out.HTTPClient = newStorageHTTPClient(out.StorageTimeout)
	}
	if out.Pool.Logger == nil {
		out.Pool.Logger = out.Logger
	}
	return &out
}

func (c *Config) trackerOptions() tracker.Options {
	return tracker.Options{
		DialTimeout: c.TrackerDialTimeout,
		IOTimeout:   c.TrackerIOTimeout,
		Logger:      c.Logger,
	}
}

func newStorageHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
			ResponseHeaderTimeout: timeout,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}
