// Command mogtool stores, fetches and inspects files in a MogileFS domain.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/c2h5oh/datasize"

	"github.com/objectfs/mogilefs/internal/config"
	"github.com/objectfs/mogilefs/internal/metrics"
	"github.com/objectfs/mogilefs/internal/storage/s3"
	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/localfs"
	"github.com/objectfs/mogilefs/pkg/logging"
	"github.com/objectfs/mogilefs/pkg/mogilefs"
	"github.com/objectfs/mogilefs/pkg/types"
)

const usage = `
mogtool [flags] <command> <arguments>

Commands:

    inject|i|store    <file> <key>     store a local file ("-" reads stdin)
    extract|x|fetch   <key> <file>     fetch a key ("-" writes stdout)
    delete|rm         <key>
    rename|mv         <from> <to>
    locate|lo         <key>            print the replica URLs
    list|ls|lsk       [prefix]         print keys
    sleep             <seconds>        ask the tracker to pause
    check|status                       probe every tracker and the backend
    mount             <dir>            mount the domain read-only

Flags:
`

type options struct {
	trackers    string
	domain      string
	class       string
	conf        string
	verify      bool
	retries     int
	logLevel    string
	logFile     string
	metricsAddr string
	backend     string
	root        string
	bucket      string
	endpoint    string
	partSize    datasize.ByteSize
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run is main without the process globals. It returns the exit status.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var opts options
	fset := flag.NewFlagSet("mogtool", flag.ContinueOnError)
	fset.SetOutput(stderr)
	fset.StringVar(&opts.trackers, "trackers", "", "comma separated tracker list, host:port")
	fset.StringVar(&opts.domain, "domain", "", "domain to work in")
	fset.StringVar(&opts.class, "class", "", "storage class for new files")
	fset.StringVar(&opts.conf, "config", "", "config file, mogtool key = value or YAML (.yaml/.yml)")
	fset.BoolVar(&opts.verify, "verify", false, "have locate check each path")
	fset.IntVar(&opts.retries, "retries", 0, "tracker retries, -1 retries forever")
	fset.StringVar(&opts.logLevel, "log-level", "", "TRACE, DEBUG, INFO, WARN or ERROR")
	fset.StringVar(&opts.logFile, "log-file", "", "write logs to this file, rotated by size")
	fset.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fset.StringVar(&opts.backend, "backend", "", "tracker, local or s3")
	fset.StringVar(&opts.root, "root", "", "root directory for the local backend")
	fset.StringVar(&opts.bucket, "bucket", "", "bucket for the s3 backend")
	fset.StringVar(&opts.endpoint, "endpoint", "", "endpoint URL for the s3 backend")
	fset.TextVar(&opts.partSize, "part-size", datasize.ByteSize(0), "multipart part size for the s3 backend, e.g. 16MB")
	fset.Usage = func() {
		fmt.Fprint(stderr, usage)
		fset.PrintDefaults()
	}

	if err := fset.Parse(args); err != nil {
		return 2
	}
	rest := fset.Args()
	if len(rest) == 0 {
		fset.Usage()
		return 2
	}

	set := make(map[string]bool)
	fset.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := loadConfig(opts, set)
	if err != nil {
		fmt.Fprintf(stderr, "mogtool: %v\n", err)
		return 2
	}
	logger, err := cfg.NewLogger(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "mogtool: %v\n", err)
		return 2
	}

	cmd, ok := lookupCommand(rest[0])
	if !ok {
		fmt.Fprintf(stderr, "mogtool: unknown command %q\n", rest[0])
		fset.Usage()
		return 2
	}
	if len(rest)-1 < cmd.minArgs || len(rest)-1 > cmd.maxArgs {
		fmt.Fprintf(stderr, "usage: mogtool %s %s\n", cmd.name, cmd.args)
		return 2
	}

	var recorder types.MetricsRecorder = types.NopMetrics{}
	var collector *metrics.Collector
	if cfg.Global.MetricsAddr != "" {
		mcfg := metrics.DefaultConfig()
		mcfg.Addr = cfg.Global.MetricsAddr
		if collector, err = metrics.NewCollector(mcfg, logger); err != nil {
			fmt.Fprintf(stderr, "mogtool: %v\n", err)
			return 1
		}
		recorder = collector
	}

	fsys, err := openFileSystem(ctx, cfg, logger, recorder)
	if err != nil {
		fmt.Fprintf(stderr, "mogtool: %v\n", err)
		return 1
	}
	defer fsys.Close()

	env := &env{
		cfg:    cfg,
		fs:     fsys,
		logger: logger,
		stdin:  stdin,
		stdout: stdout,
	}

	if collector != nil {
		checker, err := healthChecker(env)
		if err == nil {
			collector.SetHealthHandler(checker)
			_, err = collector.Start(ctx)
		}
		if err != nil {
			fmt.Fprintf(stderr, "mogtool: %v\n", err)
			return 1
		}
	}
	if err := cmd.run(ctx, env, rest[1:]); err != nil {
		if collector != nil {
			collector.RecordError(cmd.name, err)
		}
		fmt.Fprintf(stderr, "mogtool: %s: %v\n", cmd.name, err)
		return 1
	}
	return 0
}

// loadConfig layers defaults, config files, the environment and set flags,
// in increasing precedence.
func loadConfig(opts options, set map[string]bool) (*config.Configuration, error) {
	cfg := config.NewDefault()
	// One attempt per command unless asked otherwise.
	cfg.Client.MaxRetries = 0
	cfg.Pool.MaxActive = 5
	cfg.Pool.MaxIdle = 2

	mogtoolFile := opts.conf
	if ext := strings.ToLower(filepath.Ext(opts.conf)); ext == ".yaml" || ext == ".yml" {
		if err := cfg.LoadFromFile(opts.conf); err != nil {
			return nil, err
		}
		mogtoolFile = ""
	}
	values, err := config.ReadMogtoolFiles(config.MogtoolFiles(mogtoolFile)...)
	if err != nil {
		return nil, err
	}
	cfg.ApplyMogtool(values)

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if set["trackers"] {
		cfg.Client.Trackers = config.SplitTrackers(opts.trackers)
	}
	if set["domain"] {
		cfg.Client.Domain = opts.domain
	}
	if set["class"] {
		cfg.Client.Class = opts.class
	}
	if set["verify"] {
		cfg.Client.Verify = opts.verify
	}
	if set["retries"] {
		cfg.Client.MaxRetries = opts.retries
	}
	if set["log-level"] {
		cfg.Global.LogLevel = opts.logLevel
	}
	if set["log-file"] {
		cfg.Global.LogFile.Filename = opts.logFile
	}
	if set["metrics-addr"] {
		cfg.Global.MetricsAddr = opts.metricsAddr
	}
	if set["backend"] {
		cfg.Backend.Type = opts.backend
	}
	if set["root"] {
		cfg.Backend.LocalRoot = opts.root
	}
	if cfg.Backend.S3 == nil {
		cfg.Backend.S3 = s3.NewDefaultConfig()
	}
	if set["bucket"] {
		cfg.Backend.S3.Bucket = opts.bucket
	}
	if set["endpoint"] {
		cfg.Backend.S3.Endpoint = opts.endpoint
		cfg.Backend.S3.ForcePathStyle = true
	}
	if set["part-size"] {
		cfg.Backend.S3.PartSize = int64(opts.partSize.Bytes())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openFileSystem(ctx context.Context, cfg *config.Configuration, logger *logging.Logger, recorder types.MetricsRecorder) (types.FileSystem, error) {
	switch cfg.Backend.Type {
	case config.BackendLocal:
		return localfs.New(cfg.Backend.LocalRoot, cfg.Client.Domain, logger)
	case config.BackendS3:
		return s3.NewBackend(ctx, cfg.Client.Domain, cfg.Backend.S3, logger, recorder)
	case config.BackendTracker, "":
		return mogilefs.New(cfg.Client.Domain, cfg.Client.Trackers, cfg.ClientConfig(logger, recorder))
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown backend type: %s", cfg.Backend.Type)
	}
}
