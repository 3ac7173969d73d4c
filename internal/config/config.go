package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/mogilefs/internal/circuit"
	"github.com/objectfs/mogilefs/internal/pool"
	"github.com/objectfs/mogilefs/internal/storage/s3"
	"github.com/objectfs/mogilefs/internal/tracker"
	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/logging"
	"github.com/objectfs/mogilefs/pkg/mogilefs"
	"github.com/objectfs/mogilefs/pkg/types"
)

// Backend types
const (
	BackendTracker = "tracker"
	BackendLocal   = "local"
	BackendS3      = "s3"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Client  ClientConfig  `yaml:"client"`
	Pool    PoolConfig    `yaml:"pool"`
	Backend BackendConfig `yaml:"backend"`
	Mount   MountConfig   `yaml:"mount"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`

	// LogFile sends logs to a rotated file instead of stderr when its
	// filename is set.
	LogFile logging.RotationConfig `yaml:"log_file"`
}

// ClientConfig holds the tracker client settings.
type ClientConfig struct {
	Domain         string        `yaml:"domain"`
	Trackers       []string      `yaml:"trackers"`
	Class          string        `yaml:"class"`
	Verify         bool          `yaml:"verify"`
	MaxRetries     int           `yaml:"max_retries"`
	RetrySleep     time.Duration `yaml:"retry_sleep"`
	KeepPathOrder  bool          `yaml:"keep_path_order"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	IOTimeout      time.Duration `yaml:"io_timeout"`
	StorageTimeout time.Duration `yaml:"storage_timeout"`

	// HostBreaker demotes storage hosts with repeated read failures.
	// A zero failure threshold turns it off.
	HostBreaker circuit.Config `yaml:"host_breaker"`
}

// PoolConfig bounds the tracker connection pool.
type PoolConfig struct {
	MaxActive        int           `yaml:"max_active"`
	MaxIdle          int           `yaml:"max_idle"`
	MinIdle          int           `yaml:"min_idle"`
	MaxWait          time.Duration `yaml:"max_wait"`
	WhenExhausted    string        `yaml:"when_exhausted"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

// BackendConfig picks where files live.
type BackendConfig struct {
	Type      string     `yaml:"type"`
	LocalRoot string     `yaml:"local_root"`
	S3        *s3.Config `yaml:"s3"`
}

// MountConfig tunes the FUSE view of a domain.
type MountConfig struct {
	AllowOther bool          `yaml:"allow_other"`
	EntryTTL   time.Duration `yaml:"entry_ttl"`
	Debug      bool          `yaml:"debug"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	pd := pool.DefaultConfig()
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "WARN",
			LogFormat: "text",
			LogFile: logging.RotationConfig{
				MaxSize:    10 * datasize.MB,
				MaxBackups: 5,
			},
		},
		Client: ClientConfig{
			MaxRetries:     mogilefs.DefaultMaxRetries,
			RetrySleep:     mogilefs.DefaultRetrySleep,
			DialTimeout:    tracker.DefaultDialTimeout,
			IOTimeout:      tracker.DefaultIOTimeout,
			StorageTimeout: mogilefs.DefaultStorageTimeout,
			HostBreaker: circuit.Config{
				FailureThreshold: circuit.DefaultFailureThreshold,
				Cooldown:         circuit.DefaultCooldown,
			},
		},
		Pool: PoolConfig{
			MaxActive:     pd.MaxActive,
			MaxIdle:       pd.MaxIdle,
			MinIdle:       pd.MinIdle,
			MaxWait:       pd.MaxWait,
			WhenExhausted: "block",
		},
		Backend: BackendConfig{
			Type: BackendTracker,
			S3:   s3.NewDefaultConfig(),
		},
		Mount: MountConfig{
			EntryTTL: time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, err, "failed to read config file").
			WithContext("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, err, "failed to parse config file").
			WithContext("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from MOGILEFS_* environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("MOGILEFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("MOGILEFS_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("MOGILEFS_METRICS_ADDR"); val != "" {
		c.Global.MetricsAddr = val
	}
	if val := os.Getenv("MOGILEFS_LOG_FILE"); val != "" {
		c.Global.LogFile.Filename = val
	}

	if val := os.Getenv("MOGILEFS_DOMAIN"); val != "" {
		c.Client.Domain = val
	}
	if val := os.Getenv("MOGILEFS_TRACKERS"); val != "" {
		c.Client.Trackers = SplitTrackers(val)
	}
	if val := os.Getenv("MOGILEFS_CLASS"); val != "" {
		c.Client.Class = val
	}
	if val := os.Getenv("MOGILEFS_MAX_RETRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, err, "invalid MOGILEFS_MAX_RETRIES")
		}
		c.Client.MaxRetries = n
	}
	if val := os.Getenv("MOGILEFS_RETRY_SLEEP"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, err, "invalid MOGILEFS_RETRY_SLEEP")
		}
		c.Client.RetrySleep = d
	}
	if val := os.Getenv("MOGILEFS_KEEP_PATH_ORDER"); val != "" {
		c.Client.KeepPathOrder = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MOGILEFS_POOL_MAX_ACTIVE"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, err, "invalid MOGILEFS_POOL_MAX_ACTIVE")
		}
		c.Pool.MaxActive = n
	}

	if val := os.Getenv("MOGILEFS_BACKEND"); val != "" {
		c.Backend.Type = val
	}
	if val := os.Getenv("MOGILEFS_LOCAL_ROOT"); val != "" {
		c.Backend.LocalRoot = val
	}
	if c.Backend.S3 == nil {
		c.Backend.S3 = s3.NewDefaultConfig()
	}
	if val := os.Getenv("MOGILEFS_S3_BUCKET"); val != "" {
		c.Backend.S3.Bucket = val
	}
	if val := os.Getenv("MOGILEFS_S3_REGION"); val != "" {
		c.Backend.S3.Region = val
	}
	if val := os.Getenv("MOGILEFS_S3_ENDPOINT"); val != "" {
		c.Backend.S3.Endpoint = val
		c.Backend.S3.ForcePathStyle = true
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Newf(errors.ErrCodeInvalidConfig, format, args...).WithComponent("config")
	}

	if _, err := logging.ParseLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s", c.Global.LogLevel)
	}
	if _, err := logging.ParseFormat(c.Global.LogFormat); err != nil {
		return invalid("invalid log_format: %s", c.Global.LogFormat)
	}
	if c.Client.MaxRetries < -1 {
		return invalid("max_retries must be -1 (forever) or greater")
	}
	if c.Pool.WhenExhausted != "" && c.Pool.WhenExhausted != "block" && c.Pool.WhenExhausted != "fail" {
		return invalid("when_exhausted must be block or fail, got %s", c.Pool.WhenExhausted)
	}
	if c.Client.Domain == "" {
		return invalid("domain is required")
	}

	switch c.Backend.Type {
	case BackendTracker, "":
		if c.Pool.MaxActive <= 0 {
			return invalid("pool max_active must be greater than 0")
		}
		if _, err := tracker.ParseAddresses(c.Client.Trackers); err != nil {
			return err
		}
	case BackendLocal:
		if c.Backend.LocalRoot == "" {
			return invalid("local_root is required for the local backend")
		}
	case BackendS3:
		if c.Backend.S3 == nil {
			return invalid("s3 settings are required for the s3 backend")
		}
		if err := c.Backend.S3.Validate(); err != nil {
			return err
		}
	default:
		return invalid("unknown backend type: %s", c.Backend.Type)
	}

	return nil
}

// NewLogger builds the logger described by Global, writing to out.
func (c *Configuration) NewLogger(out io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLevel(c.Global.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Global.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	if out != nil {
		cfg.Output = out
	}
	if c.Global.LogFile.Filename != "" {
		file, err := logging.OpenRotatingFile(c.Global.LogFile)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "unable to open log file").
				WithContext("file", c.Global.LogFile.Filename)
		}
		cfg.Output = file
	}
	return logging.New(cfg), nil
}

// ClientConfig converts the settings into a mogilefs client config.
func (c *Configuration) ClientConfig(logger *logging.Logger, metrics types.MetricsRecorder) *mogilefs.Config {
	cfg := mogilefs.DefaultConfig()
	cfg.MaxRetries = c.Client.MaxRetries
	cfg.RetrySleep = c.Client.RetrySleep
	cfg.KeepPathOrder = c.Client.KeepPathOrder
	if c.Client.DialTimeout > 0 {
		cfg.TrackerDialTimeout = c.Client.DialTimeout
	}
	if c.Client.IOTimeout > 0 {
		cfg.TrackerIOTimeout = c.Client.IOTimeout
	}
	if c.Client.StorageTimeout > 0 {
		cfg.StorageTimeout = c.Client.StorageTimeout
	}
	if c.Client.HostBreaker.FailureThreshold > 0 {
		hb := c.Client.HostBreaker
		cfg.HostBreaker = &hb
	}

	cfg.Pool = pool.Config{
		MaxActive:        c.Pool.MaxActive,
		MaxIdle:          c.Pool.MaxIdle,
		MinIdle:          c.Pool.MinIdle,
		MaxWait:          c.Pool.MaxWait,
		WhenExhausted:    pool.WhenExhaustedBlock,
		EvictionInterval: c.Pool.EvictionInterval,
		Logger:           logger,
	}
	if c.Pool.WhenExhausted == "fail" {
		cfg.Pool.WhenExhausted = pool.WhenExhaustedFail
	}

	cfg.Logger = logger
	cfg.Metrics = metrics
	return cfg
}

// SplitTrackers splits a comma separated tracker list.
func SplitTrackers(val string) []string {
	var out []string
	for _, t := range strings.Split(val, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

var mogtoolLine = regexp.MustCompile(`^(\w+)\s*=\s*(.+)$`)

// MogtoolFiles lists the mogtool config files in lookup order: the explicit
// file first, then the user's and the system's.
func MogtoolFiles(explicit string) []string {
	var files []string
	if explicit != "" {
		files = append(files, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, ".mogtool"))
	}
	return append(files, "/etc/mogilefs/mogtool.conf")
}

// ReadMogtoolFiles parses "key = value" files; '#' starts a comment. The
// first file to set a key wins. Missing files are skipped.
func ReadMogtoolFiles(files ...string) (map[string]string, error) {
	values := make(map[string]string)
	for _, name := range files {
		f, err := os.Open(name)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "unable to open mogtool config").
				WithContext("file", name)
		}

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if i := strings.IndexByte(line, '#'); i >= 0 {
				line = line[:i]
			}
			m := mogtoolLine.FindStringSubmatch(strings.TrimSpace(line))
			if m == nil {
				continue
			}
			if _, seen := values[m[1]]; !seen {
				values[m[1]] = strings.TrimSpace(m[2])
			}
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "unable to read mogtool config").
				WithContext("file", name)
		}
	}
	return values, nil
}

// ApplyMogtool copies domain, trackers, class and verify from mogtool values.
// Any value for verify turns it on.
func (c *Configuration) ApplyMogtool(values map[string]string) {
	if v, ok := values["domain"]; ok {
		c.Client.Domain = v
	}
	if v, ok := values["trackers"]; ok {
		c.Client.Trackers = SplitTrackers(v)
	}
	if v, ok := values["class"]; ok {
		c.Client.Class = v
	}
	if _, ok := values["verify"]; ok {
		c.Client.Verify = true
	}
}
