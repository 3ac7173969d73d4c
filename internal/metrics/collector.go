package metrics

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/logging"
	"github.com/objectfs/mogilefs/pkg/types"
)

// Collector exports client telemetry to Prometheus. It satisfies
// types.MetricsRecorder.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *logging.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	retryCounter      *prometheus.CounterVec
	failoverCounter   *prometheus.CounterVec
	bytesCounter      *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec
	poolActive        prometheus.Gauge
	poolIdle          prometheus.Gauge

	operations map[string]*OperationMetrics
	lastReset  time.Time

	health http.Handler
	server *http.Server
}

var _ types.MetricsRecorder = (*Collector)(nil)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Addr      string            `yaml:"addr"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig returns an enabled collector serving /metrics on :9090.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Addr:      ":9090",
		Path:      "/metrics",
		Namespace: "mogilefs",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	Retries       int64         `json:"retries"`
	Failovers     int64         `json:"failovers"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastOperation time.Time     `json:"last_operation"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *logging.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.Default()
	}

	collector := &Collector{
		config:     config,
		logger:     logger.WithComponent("metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "failed to register metrics").
			WithComponent("metrics")
	}
	return collector, nil
}

// Handler serves the registry plus a JSON operation summary.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.registry != nil {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	if h := c.healthHandler(); h != nil {
		mux.Handle("/health", h)
	} else {
		mux.HandleFunc("/health", staticHealth)
	}
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start listens on config.Addr and serves Handler until Stop or ctx ends.
// It returns the bound address, useful when Addr asks for port 0.
func (c *Collector) Start(ctx context.Context) (string, error) {
	if !c.config.Enabled {
		return "", nil
	}

	ln, err := net.Listen("tcp", c.config.Addr)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInvalidConfig, err, "unable to listen for metrics").
			WithComponent("metrics").
			WithContext("addr", c.config.Addr)
	}

	server := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	c.mu.Lock()
	c.server = server
	c.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !stderr.Is(err, http.ErrServerClosed) {
			c.logger.Error("metrics server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	c.logger.Info("metrics listening", map[string]interface{}{"addr": ln.Addr().String()})
	return ln.Addr().String(), nil
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.RLock()
	server := c.server
	c.mu.RUnlock()
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// Registry exposes the underlying registry; nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordOperation records one client operation.
func (c *Collector) RecordOperation(operation string, duration time.Duration, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m := c.operation(operation)
	m.Count++
	m.TotalDuration += duration
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.LastOperation = time.Now()
	if !success {
		m.Errors++
	}
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
}

// RecordRetry counts a retried attempt.
func (c *Collector) RecordRetry(operation string) {
	if !c.config.Enabled {
		return
	}
	c.mu.Lock()
	c.operation(operation).Retries++
	c.mu.Unlock()
	c.retryCounter.With(prometheus.Labels{"operation": operation}).Inc()
}

// RecordFailover counts a read that moved on to another replica.
func (c *Collector) RecordFailover(operation string) {
	if !c.config.Enabled {
		return
	}
	c.mu.Lock()
	c.operation(operation).Failovers++
	c.mu.Unlock()
	c.failoverCounter.With(prometheus.Labels{"operation": operation}).Inc()
}

// RecordBytes counts payload bytes; direction is "upload" or "download".
func (c *Collector) RecordBytes(direction string, n int64) {
	if !c.config.Enabled || n <= 0 {
		return
	}
	c.bytesCounter.With(prometheus.Labels{"direction": direction}).Add(float64(n))
}

// RecordPool publishes tracker pool occupancy.
func (c *Collector) RecordPool(active, idle int) {
	if !c.config.Enabled {
		return
	}
	c.poolActive.Set(float64(active))
	c.poolIdle.Set(float64(idle))
}

// RecordError counts a failure by its error code.
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"code":      classifyError(err),
	}).Inc()
}

// GetMetrics returns a copy of the per operation summary.
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics resets the operation summary. Prometheus counters are kept.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) operation(name string) *OperationMetrics {
	m, ok := c.operations[name]
	if !ok {
		m = &OperationMetrics{}
		c.operations[name] = m
	}
	return m
}

func (c *Collector) initMetrics() {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}
	}

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("operations_total", "Total number of client operations")),
		[]string{"operation", "status"},
	)

	o := opts("operation_duration_seconds", "Duration of client operations in seconds")
	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   o.Namespace,
			Subsystem:   o.Subsystem,
			Name:        o.Name,
			Help:        o.Help,
			ConstLabels: o.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"operation"},
	)

	c.retryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("retries_total", "Attempts repeated after a retryable failure")),
		[]string{"operation"},
	)
	c.failoverCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("failovers_total", "Reads that moved to another replica")),
		[]string{"operation"},
	)
	c.bytesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("bytes_total", "Payload bytes moved to or from storage nodes")),
		[]string{"direction"},
	)
	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("errors_total", "Failed operations by error code")),
		[]string{"operation", "code"},
	)
	c.poolActive = prometheus.NewGauge(
		prometheus.GaugeOpts(opts("pool_active_connections", "Tracker connections on loan")),
	)
	c.poolIdle = prometheus.NewGauge(
		prometheus.GaugeOpts(opts("pool_idle_connections", "Tracker connections waiting for reuse")),
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.retryCounter,
		c.failoverCounter,
		c.bytesCounter,
		c.errorCounter,
		c.poolActive,
		c.poolIdle,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func classifyError(err error) string {
	if code := errors.CodeOf(err); code != "" {
		return string(code)
	}
	switch {
	case stderr.Is(err, context.DeadlineExceeded):
		return "timeout"
	case stderr.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}

// HTTP handlers

// SetHealthHandler replaces the static /health answer. Call it before
// Handler or Start.
func (c *Collector) SetHealthHandler(h http.Handler) {
	c.mu.Lock()
	c.health = h
	c.mu.Unlock()
}

func (c *Collector) healthHandler() http.Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

func staticHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"mogilefs-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	names := make([]string, 0, len(c.operations))
	for name := range c.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	ops := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		op := c.operations[name]
		ops = append(ops, map[string]interface{}{
			"operation":    name,
			"count":        op.Count,
			"errors":       op.Errors,
			"retries":      op.Retries,
			"failovers":    op.Failovers,
			"avg_duration": op.AvgDuration.String(),
		})
	}
	body := map[string]interface{}{
		"uptime":     time.Since(c.lastReset).String(),
		"last_reset": c.lastReset,
		"operations": ops,
	}
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, fmt.Sprintf("encode: %v", err), http.StatusInternalServerError)
	}
}
