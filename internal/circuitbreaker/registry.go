package circuitbreaker

import (
	"sync"

	"github.com/rentora/apigw/internal/observability"
)

// Registry holds one breaker per upstream service, created lazily on
// first use.
type Registry struct {
	breakers sync.Map
	config   *Config
	logger   observability.Logger
}

// NewRegistry creates a registry applying the given thresholds to new
// breakers.
func NewRegistry(config *Config, logger observability.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Registry{
		config: config,
		logger: logger,
	}
}

// Get returns the breaker for a service, or nil when none exists.
func (r *Registry) Get(service string) *Breaker {
	value, ok := r.breakers.Load(service)
	if !ok {
		return nil
	}
	return value.(*Breaker)
}

// GetOrCreate returns the breaker for a service, creating it on first
// use.
func (r *Registry) GetOrCreate(service string) *Breaker {
	if value, ok := r.breakers.Load(service); ok {
		return value.(*Breaker)
	}

	b := New(service, r.config, WithLogger(r.logger))
	if actual, loaded := r.breakers.LoadOrStore(service, b); loaded {
		return actual.(*Breaker)
	}

	r.logger.Debug("created circuit breaker",
		observability.String("service", service),
	)
	return b
}

// Stats snapshots every breaker, keyed by service.
func (r *Registry) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	r.breakers.Range(func(key, value interface{}) bool {
		stats[key.(string)] = value.(*Breaker).Stats()
		return true
	})
	return stats
}

// States returns just the state of every breaker, keyed by service.
func (r *Registry) States() map[string]string {
	states := make(map[string]string)
	r.breakers.Range(func(key, value interface{}) bool {
		states[key.(string)] = value.(*Breaker).State().String()
		return true
	})
	return states
}

// ResetAll forces every breaker closed.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(_, value interface{}) bool {
		value.(*Breaker).Reset()
		return true
	})
	r.logger.Info("reset all circuit breakers")
}

// Count returns the number of registered breakers.
func (r *Registry) Count() int {
	n := 0
	r.breakers.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
