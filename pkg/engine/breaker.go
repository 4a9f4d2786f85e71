package engine

import (
	"sync"
	"time"
)

// BreakerConfig configures failure breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	// Default: 5
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=0"`

	// RecoveryTimeout is how long the breaker stays open before allowing trial calls.
	// Default: 60s
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout" validate:"gte=0"`

	// HalfOpenMaxCalls is both the number of trial calls admitted while
	// half-open and the number of consecutive trial successes needed to close.
	// Default: 3
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" json:"half_open_max_calls" validate:"gte=0"`
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return c
}

// BreakerStats is a snapshot of breaker state.
type BreakerStats struct {
	Name                string       `json:"name"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureTime     time.Time    `json:"last_failure_time"`
	HalfOpenTrials      int          `json:"half_open_trials"`
	HalfOpenSuccesses   int          `json:"half_open_successes"`
}

// StateChangeFunc is notified after every breaker state transition.
type StateChangeFunc func(name string, from, to BreakerState)

// Breaker is a per-integration failure isolation state machine.
//
// CLOSED admits every call. After FailureThreshold consecutive failures it
// opens and rejects calls until RecoveryTimeout has elapsed, at which point
// it goes HALF_OPEN and admits up to HalfOpenMaxCalls trial calls. Enough
// trial successes close it again; any trial failure reopens it.
//
// State only changes through CanExecute, RecordSuccess and RecordFailure.
// Safe for concurrent use.
type Breaker struct {
	name     string
	config   BreakerConfig
	now      func() time.Time
	onChange StateChangeFunc

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenTrials      int
	halfOpenSuccesses   int
}

// BreakerOption customizes a Breaker.
type BreakerOption func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithStateChange registers a transition callback. The callback runs with
// the breaker lock held and must not call back into the breaker.
func WithStateChange(fn StateChangeFunc) BreakerOption {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, config BreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:   name,
		config: config.withDefaults(),
		now:    time.Now,
		state:  BreakerClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the integration this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// CanExecute reports whether a call may proceed. An open breaker whose
// recovery timeout has elapsed moves to HALF_OPEN and admits the call as
// its first trial.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true

	case BreakerOpen:
		if b.now().Sub(b.lastFailureTime) >= b.config.RecoveryTimeout {
			b.transitionTo(BreakerHalfOpen)
			b.halfOpenTrials = 1
			return true
		}
		return false

	case BreakerHalfOpen:
		if b.halfOpenTrials < b.config.HalfOpenMaxCalls {
			b.halfOpenTrials++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.consecutiveFailures = 0

	case BreakerHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.HalfOpenMaxCalls {
			b.transitionTo(BreakerClosed)
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = b.now()

	switch b.state {
	case BreakerClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.transitionTo(BreakerOpen)
		}

	case BreakerHalfOpen:
		b.consecutiveFailures++
		b.transitionTo(BreakerOpen)
	}
}

// State returns the current state without triggering the recovery transition.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerStats{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureTime:     b.lastFailureTime,
		HalfOpenTrials:      b.halfOpenTrials,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
	}
}

// transitionTo changes state. Must be called with lock held.
func (b *Breaker) transitionTo(state BreakerState) {
	from := b.state
	b.state = state
	b.halfOpenTrials = 0
	b.halfOpenSuccesses = 0

	if state == BreakerClosed {
		b.consecutiveFailures = 0
	}

	if b.onChange != nil && from != state {
		b.onChange(b.name, from, state)
	}
}

// BreakerSet holds one breaker per integration, created on first use.
// Breakers are shared by every tenant calling the same integration.
type BreakerSet struct {
	config BreakerConfig
	opts   []BreakerOption

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set. Every breaker it creates uses config and opts.
func NewBreakerSet(config BreakerConfig, opts ...BreakerOption) *BreakerSet {
	return &BreakerSet{
		config:   config,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for integration, creating it if needed.
func (s *BreakerSet) Get(integration string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[integration]; ok {
		return b
	}
	b := NewBreaker(integration, s.config, s.opts...)
	s.breakers[integration] = b
	return b
}

// Stats returns a snapshot of every breaker in the set.
func (s *BreakerSet) Stats() []BreakerStats {
	s.mu.Lock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.Unlock()

	stats := make([]BreakerStats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}
