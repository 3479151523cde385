package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration.
type Config struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

// Breaker implements the circuit breaker pattern around calls to a
// downstream collaborator. All state is guarded by a single mutex.
type Breaker struct {
	name        string
	maxFailures int
	timeout     time.Duration
	halfOpenMax int

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCount int
	lastFailure   time.Time

	onStateChange func(from, to State)
}

// NewBreaker creates a new circuit breaker.
func NewBreaker(cfg Config) *Breaker {
	halfOpenMax := cfg.HalfOpenMax
	if halfOpenMax < 1 {
		halfOpenMax = 1
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		timeout:       cfg.Timeout,
		halfOpenMax:   halfOpenMax,
		state:         StateClosed,
		onStateChange: cfg.OnStateChange,
	}
}

// Execute runs fn with circuit breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.allowRequest(); err != nil {
		return err
	}

	err := fn()

	if err != nil {
		b.recordFailure()
		return err
	}

	b.recordSuccess()
	return nil
}

func (b *Breaker) allowRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailure) > b.timeout {
			b.transitionTo(StateHalfOpen)
			b.halfOpenCount = 1
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		if b.halfOpenCount >= b.halfOpenMax {
			return ErrTooManyRequests
		}
		b.halfOpenCount++
		return nil

	default:
		return errors.New("unknown state")
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		// A single failure while probing re-opens the circuit.
		b.halfOpenCount = 0
		b.transitionTo(StateOpen)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0

	case StateHalfOpen:
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.halfOpenCount = 0
			b.transitionTo(StateClosed)
		}
	}
}

// transitionTo must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}

	b.state = newState
	b.failures = 0
	b.successes = 0

	if b.onStateChange != nil {
		b.onStateChange(oldState, newState)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset returns the breaker to the closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halfOpenCount = 0
	b.transitionTo(StateClosed)
}

// ForceOpen forces the breaker open.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = time.Now()
	b.transitionTo(StateOpen)
}

// BreakerGroup manages a breaker per downstream name.
type BreakerGroup struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewBreakerGroup creates a new breaker group with a shared default config.
func NewBreakerGroup(defaultConfig Config) *BreakerGroup {
	return &BreakerGroup{
		breakers: make(map[string]*Breaker),
		config:   defaultConfig,
	}
}

// Get returns or creates the circuit breaker for the given name.
func (g *BreakerGroup) Get(name string) *Breaker {
	g.mu.RLock()
	b, exists := g.breakers[name]
	g.mu.RUnlock()
	if exists {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if b, exists = g.breakers[name]; exists {
		return b
	}

	cfg := g.config
	cfg.Name = name
	b = NewBreaker(cfg)
	g.breakers[name] = b
	return b
}

// Execute executes fn with the named circuit breaker.
func (g *BreakerGroup) Execute(ctx context.Context, name string, fn func() error) error {
	return g.Get(name).Execute(ctx, fn)
}

// States returns the state of every breaker in the group.
func (g *BreakerGroup) States() map[string]State {
	g.mu.RLock()
	defer g.mu.RUnlock()

	states := make(map[string]State, len(g.breakers))
	for name, b := range g.breakers {
		states[name] = b.State()
	}
	return states
}
