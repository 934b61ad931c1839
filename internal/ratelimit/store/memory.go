package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// maxCASRetries bounds the compare-and-swap loop so heavy contention
// cannot spin forever.
const maxCASRetries = 100

// counter is one stored value with its expiry.
type counter struct {
	value     int64
	expiresAt time.Time
}

func (c *counter) expired(now time.Time) bool {
	return !c.expiresAt.IsZero() && now.After(c.expiresAt)
}

// Memory is an in-process counter store. Counters are kept in a
// sync.Map and mutated with compare-and-swap; a janitor sweeps expired
// entries so idle keys do not pile up between requests.
type Memory struct {
	counters sync.Map
	janitor  *time.Ticker
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

// MemoryOption configures the memory store.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	sweepInterval time.Duration
}

// WithSweepInterval sets how often expired counters are swept.
func WithSweepInterval(interval time.Duration) MemoryOption {
	return func(o *memoryOptions) {
		o.sweepInterval = interval
	}
}

// NewMemory creates an in-process counter store.
func NewMemory(opts ...MemoryOption) *Memory {
	options := memoryOptions{sweepInterval: time.Minute}
	for _, opt := range opts {
		opt(&options)
	}

	s := &Memory{
		janitor: time.NewTicker(options.sweepInterval),
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Increment implements Store.
func (s *Memory) Increment(ctx context.Context, key string, delta int64, expiry time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var expiresAt time.Time
	if expiry > 0 {
		expiresAt = time.Now().Add(expiry)
	}

	for retries := 0; retries < maxCASRetries; retries++ {
		value, ok := s.counters.Load(key)
		if !ok {
			fresh := &counter{value: delta, expiresAt: expiresAt}
			actual, loaded := s.counters.LoadOrStore(key, fresh)
			if !loaded {
				return delta, nil
			}
			value = actual
		}

		current := value.(*counter)

		if current.expired(time.Now()) {
			// The window rolled over; restart the counter under a new
			// expiry, racing other goroutines via CAS.
			fresh := &counter{value: delta, expiresAt: expiresAt}
			if s.counters.CompareAndSwap(key, current, fresh) {
				return delta, nil
			}
			continue
		}

		next := &counter{value: current.value + delta, expiresAt: current.expiresAt}
		if s.counters.CompareAndSwap(key, current, next) {
			return next.value, nil
		}
	}

	return 0, fmt.Errorf("increment of %q failed after %d attempts", key, maxCASRetries)
}

// Get implements Store.
func (s *Memory) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	value, ok := s.counters.Load(key)
	if !ok {
		return 0, &NotFoundError{Key: key}
	}

	current := value.(*counter)
	if current.expired(time.Now()) {
		s.counters.Delete(key)
		return 0, &NotFoundError{Key: key}
	}

	return current.value, nil
}

// Delete implements Store.
func (s *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.counters.Delete(key)
	return nil
}

// Close implements Store.
func (s *Memory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.janitor.Stop()
	close(s.done)
	return nil
}

// Len returns the number of live counters.
func (s *Memory) Len() int {
	n := 0
	s.counters.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (s *Memory) sweepLoop() {
	for {
		select {
		case <-s.janitor.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *Memory) sweep() {
	now := time.Now()
	s.counters.Range(func(key, value interface{}) bool {
		if value.(*counter).expired(now) {
			s.counters.Delete(key)
		}
		return true
	})
}
