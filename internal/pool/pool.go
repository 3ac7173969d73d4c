// Package pool implements a bounded, validating object pool.
package pool

import (
	"context"
	stderr "errors"
	"fmt"
	"sync"
	"time"

	"github.com/objectfs/mogilefs/pkg/logging"
)

// Factory manages the lifecycle of pooled objects.
type Factory[T any] interface {
	// Make creates a new object.
	Make(ctx context.Context) (T, error)
	// Validate reports whether obj may be handed out or kept idle.
	Validate(obj T) bool
	// Destroy releases obj. Called exactly once per object.
	Destroy(obj T)
	// Activate prepares an idle object for loan.
	Activate(obj T) error
	// Passivate prepares a returned object for idling.
	Passivate(obj T) error
}

// ExhaustedAction chooses what Borrow does when MaxActive objects are out.
type ExhaustedAction int

const (
	// WhenExhaustedBlock waits up to MaxWait for a slot.
	WhenExhaustedBlock ExhaustedAction = iota
	// WhenExhaustedFail returns ErrExhausted immediately.
	WhenExhaustedFail
)

var (
	ErrClosed    = stderr.New("pool is closed")
	ErrExhausted = stderr.New("pool exhausted")
	ErrTimeout   = stderr.New("timed out waiting for a pooled object")
)

// Config bounds a pool.
type Config struct {
	// MaxActive caps objects on loan at once. <= 0 means no cap.
	MaxActive int `yaml:"max_active" json:"max_active"`

	// MaxIdle caps objects kept for reuse. <= 0 means no cap.
	MaxIdle int `yaml:"max_idle" json:"max_idle"`

	// MinIdle is the idle count the evictor tops up to.
	MinIdle int `yaml:"min_idle" json:"min_idle"`

	// MaxWait bounds a blocked Borrow. <= 0 waits until ctx ends.
	MaxWait time.Duration `yaml:"max_wait" json:"max_wait"`

	WhenExhausted ExhaustedAction `yaml:"-" json:"-"`

	// EvictionInterval runs the evictor periodically when > 0.
	EvictionInterval time.Duration `yaml:"eviction_interval" json:"eviction_interval"`

	Logger *logging.Logger `yaml:"-" json:"-"`
}

// DefaultConfig mirrors the classic tracker pool sizing.
func DefaultConfig() Config {
	return Config{
		MaxActive:     8,
		MaxIdle:       8,
		MinIdle:       0,
		MaxWait:       30 * time.Second,
		WhenExhausted: WhenExhaustedBlock,
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Active      int       `json:"active"`
	Idle        int       `json:"idle"`
	MaxActive   int       `json:"max_active"`
	Borrows     int64     `json:"borrows"`
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	Waits       int64     `json:"waits"`
	Timeouts    int64     `json:"timeouts"`
	Errors      int64     `json:"errors"`
	Created     int64     `json:"created"`
	Destroyed   int64     `json:"destroyed"`
	Invalidated int64     `json:"invalidated"`
	LastCreated time.Time `json:"last_created"`
	LastError   string    `json:"last_error"`
	LastErrorAt time.Time `json:"last_error_at"`
}

// Pool hands out objects built by a Factory. Objects on loan are tracked
// so a destroyed object can never come back through Return.
type Pool[T comparable] struct {
	factory Factory[T]
	config  Config
	logger  *logging.Logger

	slots chan struct{}

	mu       sync.Mutex
	idle     []T
	borrowed map[T]struct{}
	closed   bool
	stats    Stats

	evictor *evictor[T]
}

// New creates a pool. The evictor starts when EvictionInterval > 0.
func New[T comparable](factory Factory[T], config Config) (*Pool[T], error) {
	if factory == nil {
		return nil, fmt.Errorf("pool factory cannot be nil")
	}
	if config.MaxIdle > 0 && config.MinIdle > config.MaxIdle {
		config.MinIdle = config.MaxIdle
	}
	if config.Logger == nil {
		config.Logger = logging.Default()
	}

	p := &Pool[T]{
		factory:  factory,
		config:   config,
		logger:   config.Logger.WithComponent("pool"),
		borrowed: make(map[T]struct{}),
		stats:    Stats{MaxActive: config.MaxActive},
	}
	if config.MaxActive > 0 {
		p.slots = make(chan struct{}, config.MaxActive)
	}

	if config.EvictionInterval > 0 {
		p.evictor = &evictor[T]{
			pool:     p,
			interval: config.EvictionInterval,
			stopCh:   make(chan struct{}),
			stopped:  make(chan struct{}),
		}
		go p.evictor.run()
	}

	return p, nil
}

// Borrow returns a validated object, making one if none is idle.
func (p *Pool[T]) Borrow(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	p.stats.Borrows++
	p.mu.Unlock()

	if err := p.acquire(ctx); err != nil {
		return zero, err
	}

	for {
		obj, ok, err := p.popIdle()
		if err != nil {
			p.release()
			return zero, err
		}
		if !ok {
			break
		}
		if err := p.factory.Activate(obj); err != nil || !p.factory.Validate(obj) {
			p.logger.Debug("discarding idle object that failed validation")
			p.destroy(obj)
			continue
		}
		p.markBorrowed(obj, true)
		return obj, nil
	}

	obj, err := p.factory.Make(ctx)
	if err != nil {
		p.recordError(err)
		p.release()
		return zero, err
	}
	p.mu.Lock()
	p.stats.Created++
	p.stats.LastCreated = time.Now()
	p.mu.Unlock()

	if err := p.factory.Activate(obj); err != nil {
		p.destroy(obj)
		p.recordError(err)
		p.release()
		return zero, err
	}
	if !p.factory.Validate(obj) {
		p.destroy(obj)
		err := fmt.Errorf("new object failed validation")
		p.recordError(err)
		p.release()
		return zero, err
	}

	p.markBorrowed(obj, false)
	return obj, nil
}

// Return gives a borrowed object back. Objects that no longer validate, or
// that would exceed MaxIdle, are destroyed instead of kept.
func (p *Pool[T]) Return(obj T) {
	if !p.unmarkBorrowed(obj) {
		p.logger.Warn("ignoring return of an object not on loan")
		return
	}
	defer p.release()

	keep := p.factory.Passivate(obj) == nil && p.factory.Validate(obj)

	p.mu.Lock()
	if keep && !p.closed && (p.config.MaxIdle <= 0 || len(p.idle) < p.config.MaxIdle) {
		p.idle = append(p.idle, obj)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.destroy(obj)
}

// Invalidate destroys a borrowed object that must never be reused.
func (p *Pool[T]) Invalidate(obj T) {
	if !p.unmarkBorrowed(obj) {
		p.logger.Warn("ignoring invalidation of an object not on loan")
		return
	}
	defer p.release()

	p.mu.Lock()
	p.stats.Invalidated++
	p.mu.Unlock()

	p.destroy(obj)
}

// Prefill makes objects until MinIdle are idle.
func (p *Pool[T]) Prefill(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}
		need := len(p.idle) < p.config.MinIdle
		p.mu.Unlock()
		if !need {
			return nil
		}

		obj, err := p.factory.Make(ctx)
		if err != nil {
			p.recordError(err)
			return err
		}

		p.mu.Lock()
		p.stats.Created++
		p.stats.LastCreated = time.Now()
		if p.closed || (p.config.MaxIdle > 0 && len(p.idle) >= p.config.MaxIdle) {
			p.mu.Unlock()
			p.destroy(obj)
			return nil
		}
		p.idle = append(p.idle, obj)
		p.mu.Unlock()
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.Active = len(p.borrowed)
	s.Idle = len(p.idle)
	return s
}

// Close destroys idle objects and refuses new borrows. Objects still on
// loan are destroyed when they are returned.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	if p.evictor != nil {
		close(p.evictor.stopCh)
		<-p.evictor.stopped
	}

	for _, obj := range idle {
		p.destroy(obj)
	}

	p.logger.Debug("pool closed", map[string]interface{}{"destroyed_idle": len(idle)})
	return nil
}

// Closed reports whether Close has been called.
func (p *Pool[T]) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool[T]) acquire(ctx context.Context) error {
	if p.slots == nil {
		return nil
	}

	select {
	case p.slots <- struct{}{}:
		return nil
	default:
	}

	if p.config.WhenExhausted == WhenExhaustedFail {
		p.mu.Lock()
		p.stats.Timeouts++
		p.mu.Unlock()
		return ErrExhausted
	}

	p.mu.Lock()
	p.stats.Waits++
	p.mu.Unlock()

	var timeout <-chan time.Time
	if p.config.MaxWait > 0 {
		timer := time.NewTimer(p.config.MaxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-timeout:
		p.mu.Lock()
		p.stats.Timeouts++
		p.mu.Unlock()
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool[T]) release() {
	if p.slots != nil {
		<-p.slots
	}
}

func (p *Pool[T]) popIdle() (T, bool, error) {
	var zero T
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return zero, false, ErrClosed
	}
	n := len(p.idle)
	if n == 0 {
		return zero, false, nil
	}
	obj := p.idle[n-1]
	p.idle[n-1] = zero
	p.idle = p.idle[:n-1]
	return obj, true, nil
}

func (p *Pool[T]) markBorrowed(obj T, hit bool) {
	p.mu.Lock()
	p.borrowed[obj] = struct{}{}
	if hit {
		p.stats.Hits++
	} else {
		p.stats.Misses++
	}
	active, idle := len(p.borrowed), len(p.idle)
	p.mu.Unlock()

	p.logger.Trace("borrowed", map[string]interface{}{"active": active, "idle": idle})
}

func (p *Pool[T]) unmarkBorrowed(obj T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.borrowed[obj]; !ok {
		return false
	}
	delete(p.borrowed, obj)
	return true
}

func (p *Pool[T]) destroy(obj T) {
	p.factory.Destroy(obj)
	p.mu.Lock()
	p.stats.Destroyed++
	p.mu.Unlock()
}

func (p *Pool[T]) recordError(err error) {
	p.mu.Lock()
	p.stats.Errors++
	p.stats.LastError = err.Error()
	p.stats.LastErrorAt = time.Now()
	p.mu.Unlock()
}

// evictor drops idle objects that stopped validating and tops the idle
// set back up to MinIdle.
type evictor[T comparable] struct {
	pool     *Pool[T]
	interval time.Duration
	stopCh   chan struct{}
	stopped  chan struct{}
}

func (e *evictor[T]) run() {
	defer close(e.stopped)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.evict()
		}
	}
}

func (e *evictor[T]) evict() {
	p := e.pool

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var keep []T
	var dropped int
	for _, obj := range idle {
		if p.factory.Validate(obj) {
			keep = append(keep, obj)
		} else {
			p.destroy(obj)
			dropped++
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, obj := range keep {
			p.destroy(obj)
		}
		return
	}
	p.idle = append(keep, p.idle...)
	var excess []T
	if p.config.MaxIdle > 0 && len(p.idle) > p.config.MaxIdle {
		excess = append(excess, p.idle[p.config.MaxIdle:]...)
		p.idle = p.idle[:p.config.MaxIdle]
	}
	p.mu.Unlock()

	for _, obj := range excess {
		p.destroy(obj)
	}

	if dropped > 0 {
		p.logger.Debug("evicted invalid idle objects", map[string]interface{}{"count": dropped})
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.interval)
	defer cancel()
	if err := p.Prefill(ctx); err != nil && !stderr.Is(err, ErrClosed) {
		p.logger.Warn("unable to top up idle objects", map[string]interface{}{"error": err})
	}
}
