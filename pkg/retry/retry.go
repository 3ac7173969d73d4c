// Package retry runs an operation under a bounded (or unbounded) attempt budget with a pause between attempts.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/objectfs/mogilefs/pkg/errors"
)

// Infinite as MaxRetries keeps retrying until the operation succeeds or the context ends.
const Infinite = -1

// Config defines retry behavior.
type Config struct {
	// MaxRetries is the number of retries after the first attempt. Negative means Infinite.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Sleep is the pause before each retry. Zero or negative disables the pause.
	Sleep time.Duration `yaml:"sleep" json:"sleep"`

	// MaxSleep caps the pause when Multiplier grows it.
	MaxSleep time.Duration `yaml:"max_sleep" json:"max_sleep"`

	// Multiplier scales the pause after each retry; values <= 1 keep it fixed.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds up to ±20% randomness to each pause.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// ShouldRetry decides whether an error is worth another attempt.
	// Defaults to errors.IsRetryable.
	ShouldRetry func(err error) bool `yaml:"-" json:"-"`

	// OnRetry is called before each pause.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns two retries with a fixed two second pause.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 2,
		Sleep:      2 * time.Second,
		MaxSleep:   30 * time.Second,
		Multiplier: 1,
	}
}

// ExhaustedError is returned once every allowed attempt has failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Retryer runs functions under a Config.
type Retryer struct {
	config Config
}

// New creates a Retryer.
func New(config Config) *Retryer {
	if config.MaxRetries < 0 {
		config.MaxRetries = Infinite
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 1
	}
	if config.ShouldRetry == nil {
		config.ShouldRetry = errors.IsRetryable
	}
	return &Retryer{config: config}
}

// Config returns the effective configuration.
func (r *Retryer) Config() Config {
	return r.config
}

// MaxAttempts returns the attempt budget, or 0 for Infinite.
func (r *Retryer) MaxAttempts() int {
	if r.config.MaxRetries == Infinite {
		return 0
	}
	return r.config.MaxRetries + 1
}

// Do executes fn under the retry policy.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context, int) error {
		return fn()
	})
}

// DoWithContext executes fn, passing the 1-based attempt number. An error
// rejected by ShouldRetry is returned as is; running out of attempts returns
// an *ExhaustedError wrapping the last failure.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := r.MaxAttempts()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled before attempt %d: %w", attempt, ctx.Err())
		default:
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		if !r.config.ShouldRetry(err) {
			return err
		}

		if maxAttempts > 0 && attempt >= maxAttempts {
			return &ExhaustedError{Attempts: attempt, Last: err}
		}

		delay := r.calculateDelay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}
		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("operation canceled after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
}

func (r *Retryer) calculateDelay(attempt int) time.Duration {
	if r.config.Sleep <= 0 {
		return 0
	}

	delay := float64(r.config.Sleep) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if r.config.MaxSleep > 0 && delay > float64(r.config.MaxSleep) {
		delay = float64(r.config.MaxSleep)
	}

	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}

	return time.Duration(delay)
}

// WithMaxRetries returns a copy with a different retry budget.
func (r *Retryer) WithMaxRetries(retries int) *Retryer {
	c := r.config
	c.MaxRetries = retries
	return New(c)
}

// WithSleep returns a copy with a different pause.
func (r *Retryer) WithSleep(sleep time.Duration) *Retryer {
	c := r.config
	c.Sleep = sleep
	return New(c)
}

// WithOnRetry returns a copy with a retry callback.
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	c := r.config
	c.OnRetry = callback
	return New(c)
}
