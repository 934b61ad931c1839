// Package circuitbreaker sheds load from failing upstreams. One
// breaker guards one upstream service; routes sharing a service share
// its breaker.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rentora/apigw/internal/observability"
)

// State is the breaker state.
type State int

const (
	// StateClosed passes requests through and counts failures.
	StateClosed State = iota

	// StateOpen rejects requests until the open duration elapses.
	StateOpen

	// StateHalfOpen admits one probe at a time to test recovery.
	StateHalfOpen
)

// String returns the state name.
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

// ErrCircuitOpen is returned while the breaker rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrProbeInFlight is returned in half-open while the single allowed
// probe has not reported back yet.
var ErrProbeInFlight = errors.New("circuit breaker probe in flight")

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive failure count that trips
	// the breaker.
	FailureThreshold int

	// OpenDuration is how long the breaker stays open before
	// admitting a probe.
	OpenDuration time.Duration

	// RequiredSuccesses is the number of successful probes that close
	// a half-open breaker.
	RequiredSuccesses int

	// OnStateChange is called after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:  5,
		OpenDuration:      30 * time.Second,
		RequiredSuccesses: 2,
	}
}

// normalize fills unset fields with defaults.
func (c *Config) normalize() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.RequiredSuccesses <= 0 {
		c.RequiredSuccesses = 2
	}
}

// Breaker is a consecutive-failure circuit breaker.
//
// Closed counts consecutive failures; a success pays one failure back
// down to zero rather than wiping the count, so a slowly degrading
// upstream still trips. At the threshold the breaker opens and rejects
// until OpenDuration passes, then admits a single probe at a time;
// RequiredSuccesses probe successes close it, one probe failure
// reopens it.
type Breaker struct {
	name   string
	config *Config
	logger observability.Logger

	mu              sync.Mutex
	state           State
	failures        int
	probeSuccesses  int
	probeInFlight   bool
	openedAt        time.Time
	lastFailure     time.Time
	lastStateChange time.Time

	allowed  int64
	rejected int64
}

// Option configures a breaker.
type Option func(*Breaker)

// WithLogger sets the breaker logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// New creates a breaker for the named upstream service.
func New(name string, config *Config, opts ...Option) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	config.normalize()

	b := &Breaker{
		name:            name,
		config:          config,
		logger:          observability.NopLogger(),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
	for _, opt := range opts {
		opt(b)
	}

	recordState(name, StateClosed)
	return b
}

// Allow reports whether a request may proceed. A nil return admits the
// request; the caller must follow up with RecordSuccess or
// RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.allowed++
		return nil

	case StateOpen:
		if time.Since(b.openedAt) < b.config.OpenDuration {
			b.rejected++
			recordRejection(b.name)
			return ErrCircuitOpen
		}
		b.transitionTo(StateHalfOpen)
		b.probeInFlight = true
		b.allowed++
		return nil

	case StateHalfOpen:
		if b.probeInFlight {
			b.rejected++
			recordRejection(b.name)
			return ErrProbeInFlight
		}
		b.probeInFlight = true
		b.allowed++
		return nil

	default:
		b.rejected++
		recordRejection(b.name)
		return ErrCircuitOpen
	}
}

// RecordSuccess reports a successful upstream response.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if b.failures > 0 {
			b.failures--
		}

	case StateHalfOpen:
		b.probeInFlight = false
		b.probeSuccesses++
		if b.probeSuccesses >= b.config.RequiredSuccesses {
			b.transitionTo(StateClosed)
		}
	}
	// A success that arrives while open belongs to a request admitted
	// before the trip; it does not move the state machine.
}

// RecordFailure reports a failed upstream response.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		b.probeInFlight = false
		b.transitionTo(StateOpen)
	}
}

// Cancel releases an admitted request without recording an outcome.
// A request can be admitted and then never reach the upstream, for
// example when it is served from cache; a half-open probe slot held by
// such a request is handed back so the next request may probe.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probeInFlight {
		b.probeInFlight = false
	}
}

// Execute runs fn under the breaker, recording its outcome.
func (b *Breaker) Execute(_ context.Context, fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}

	b.RecordSuccess()
	return nil
}

// transitionTo moves to a new state. Callers hold the mutex.
func (b *Breaker) transitionTo(next State) {
	from := b.state
	if from == next {
		return
	}

	b.state = next
	b.lastStateChange = time.Now()

	switch next {
	case StateOpen:
		b.openedAt = b.lastStateChange
		b.probeInFlight = false
		b.probeSuccesses = 0
	case StateHalfOpen:
		b.probeSuccesses = 0
	case StateClosed:
		b.failures = 0
		b.probeInFlight = false
		b.probeSuccesses = 0
	}

	recordTransition(b.name, from, next)

	b.logger.Info("circuit breaker state changed",
		observability.String("service", b.name),
		observability.String("from", from.String()),
		observability.String("to", next.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, from, next)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the guarded service name.
func (b *Breaker) Name() string {
	return b.name
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transitionTo(StateClosed)
	} else {
		b.failures = 0
		b.probeInFlight = false
		b.probeSuccesses = 0
	}
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ProbeSuccesses      int       `json:"probe_successes"`
	Allowed             int64     `json:"allowed"`
	Rejected            int64     `json:"rejected"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastStateChange     time.Time `json:"last_state_change"`
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		ProbeSuccesses:      b.probeSuccesses,
		Allowed:             b.allowed,
		Rejected:            b.rejected,
		LastFailure:         b.lastFailure,
		LastStateChange:     b.lastStateChange,
	}
}
