package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/objectfs/mogilefs/internal/tracker"
	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/logging"
	"github.com/objectfs/mogilefs/pkg/types"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 10 * time.Second

// Checker runs named probes against trackers and storage backends.
type Checker struct {
	mu      sync.RWMutex
	timeout time.Duration
	logger  *logging.Logger
	checks  map[string]*Check
	last    *Report
}

// Check represents a health check function
type Check struct {
	Name     string
	Priority Priority
	Function CheckFunction

	runCount     int64
	failureCount int64
	consecutive  int
}

// CheckFunction defines the signature for health check functions
type CheckFunction func(ctx context.Context) error

type Priority string

const (
	// A failing critical check makes the report unhealthy; any other
	// failure only degrades it.
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Result represents the result of a health check
type Result struct {
	Check       string        `json:"check"`
	Priority    Priority      `json:"priority"`
	Status      Status        `json:"status"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
	Error       string        `json:"error,omitempty"`
	Consecutive int           `json:"consecutive_failures,omitempty"`
}

// Report is the outcome of one RunAll.
type Report struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Results   []Result  `json:"checks"`
}

// NewChecker creates a checker whose probes each get timeout; <= 0 means
// DefaultTimeout.
func NewChecker(timeout time.Duration, logger *logging.Logger) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Checker{
		timeout: timeout,
		logger:  logger.WithComponent("health"),
		checks:  make(map[string]*Check),
	}
}

// Register adds a check. Names are unique.
func (c *Checker) Register(name string, priority Priority, fn CheckFunction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.checks[name]; exists {
		return errors.Newf(errors.ErrCodeClientError, "health check %s already registered", name).
			WithComponent("health")
	}
	c.checks[name] = &Check{Name: name, Priority: priority, Function: fn}
	return nil
}

// RunAll runs every check concurrently and returns results sorted by name.
func (c *Checker) RunAll(ctx context.Context) *Report {
	c.mu.RLock()
	checks := make([]*Check, 0, len(c.checks))
	for _, check := range c.checks {
		checks = append(checks, check)
	}
	c.mu.RUnlock()

	results := make([]Result, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check *Check) {
			defer wg.Done()
			results[i] = c.execute(ctx, check)
		}(i, check)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Check < results[j].Check })
	report := &Report{Status: overall(results), Timestamp: time.Now(), Results: results}

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()
	return report
}

// Last returns the most recent report, or nil before the first run.
func (c *Checker) Last() *Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Start reruns the checks every interval until ctx is done.
func (c *Checker) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			c.RunAll(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// ServeHTTP runs the checks and writes the report as JSON. An unhealthy
// report answers 503.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := c.RunAll(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

func (c *Checker) execute(ctx context.Context, check *Check) Result {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := check.Function(checkCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	check.runCount++
	result := Result{
		Check:     check.Name,
		Priority:  check.Priority,
		Status:    StatusHealthy,
		Duration:  time.Since(start),
		Timestamp: start,
	}
	if err != nil {
		check.failureCount++
		check.consecutive++
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Consecutive = check.consecutive
		c.logger.Warn("health check failed", map[string]interface{}{
			"check": check.Name,
			"error": err,
		})
	} else {
		check.consecutive = 0
	}
	return result
}

func overall(results []Result) Status {
	if len(results) == 0 {
		return StatusUnknown
	}
	status := StatusHealthy
	for _, r := range results {
		if r.Status != StatusUnhealthy {
			continue
		}
		if r.Priority == PriorityCritical {
			return StatusUnhealthy
		}
		status = StatusDegraded
	}
	return status
}

// TrackerCheck dials one tracker on its own connection and sends noop, so
// each tracker is probed regardless of the client's pool.
func TrackerCheck(addr tracker.Address, opts tracker.Options) CheckFunction {
	return func(ctx context.Context) error {
		conn, err := tracker.Dial(ctx, addr, opts)
		if err != nil {
			return err
		}
		defer conn.Destroy()
		_, err = conn.DoRequest(ctx, "noop")
		return err
	}
}

// BackendCheck lists one key from fs. Backends with their own HealthCheck
// use it instead.
func BackendCheck(fs types.FileSystem) CheckFunction {
	return func(ctx context.Context) error {
		if hc, ok := fs.(interface{ HealthCheck(context.Context) error }); ok {
			return hc.HealthCheck(ctx)
		}
		if _, err := fs.ListKeys(ctx, "", "", 1); err != nil {
			return fmt.Errorf("list_keys on %s: %w", fs.Domain(), err)
		}
		return nil
	}
}
