package circuit

import (
	"sort"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - the host is treated as healthy
	StateClosed State = iota
	// StateOpen - the host failed repeatedly and is tried last
	StateOpen
	// StateHalfOpen - the cooldown elapsed and the next request is a probe
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 30 * time.Second
)

// Config contains circuit breaker configuration
type Config struct {
	// Consecutive failures that open the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Time an open breaker waits before letting a probe through
	Cooldown time.Duration `yaml:"cooldown"`

	// Function called when state changes
	OnStateChange func(name string, from State, to State) `yaml:"-"`
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	TotalSuccesses      uint32    `json:"total_successes"`
	TotalFailures       uint32    `json:"total_failures"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	LastActivity        time.Time `json:"last_activity"`
}

// Breaker tracks the health of one storage host. It never rejects work:
// callers ask Allow and demote hosts that are not allowed.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// NewBreaker creates a breaker named after the host it guards.
func NewBreaker(name string, config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultCooldown
	}
	return &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Allow reports whether the host should be tried ahead of others.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState() != StateOpen
}

// Success records a request the host served.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.TotalSuccesses++
	b.counts.ConsecutiveFailures = 0
	b.counts.LastActivity = b.now()
	if b.currentState() != StateClosed {
		b.setState(StateClosed)
	}
}

// Failure records a request the host could not serve.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.LastActivity = b.now()

	switch b.currentState() {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	case StateOpen:
		// A failure on an already demoted host restarts the cooldown.
		b.expiry = b.now().Add(b.config.Cooldown)
	}
}

// currentState moves an open breaker to half-open once its cooldown passed.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && !b.now().Before(b.expiry) {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	prev := b.state
	if prev == state {
		return
	}
	b.state = state
	if state == StateOpen {
		b.expiry = b.now().Add(b.config.Cooldown)
	} else {
		b.expiry = time.Time{}
	}
	if state == StateClosed {
		b.counts.ConsecutiveFailures = 0
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// GetState returns the current state of the circuit breaker
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// GetCounts returns a copy of the current counts
func (b *Breaker) GetCounts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Name returns the host the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Manager hands out one breaker per host.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewManager creates a new circuit breaker manager
func NewManager(config Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// Get gets or creates the breaker for host.
func (m *Manager) Get(host string) *Breaker {
	m.mu.RLock()
	if b, ok := m.breakers[host]; ok {
		m.mu.RUnlock()
		return b
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[host]; ok {
		return b
	}
	b := NewBreaker(host, m.config)
	m.breakers[host] = b
	return b
}

// Demote reorders items so those whose host is open come last. The
// relative order within each group is kept and nothing is dropped.
func (m *Manager) Demote(items []string, host func(string) string) []string {
	out := make([]string, 0, len(items))
	var demoted []string
	for _, item := range items {
		if m.Get(host(item)).Allow() {
			out = append(out, item)
		} else {
			demoted = append(demoted, item)
		}
	}
	return append(out, demoted...)
}

// Stats represents statistics for a single circuit breaker
type Stats struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
}

// GetStats returns statistics for all circuit breakers
func (m *Manager) GetStats() map[string]Stats {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()

	stats := make(map[string]Stats, len(breakers))
	for _, b := range breakers {
		stats[b.name] = Stats{Name: b.name, State: b.GetState(), Counts: b.GetCounts()}
	}
	return stats
}

// Open lists the hosts whose breaker is currently open.
func (m *Manager) Open() []string {
	var open []string
	for name, s := range m.GetStats() {
		if s.State == StateOpen {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}
