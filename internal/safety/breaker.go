package safety

import (
	"fmt"
	"sync"
	"time"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Breaker is a circuit breaker for one remediation path. Closed until
// N consecutive failures, then open; after the timeout it half-opens
// and closes again after M successes, or re-opens on any failure.
type Breaker struct {
	failureThreshold int
	successesToClose int
	timeout          time.Duration

	mu        sync.Mutex
	state     string
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(failureThreshold int, timeout time.Duration, successesToClose int) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if successesToClose <= 0 {
		successesToClose = 2
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successesToClose: successesToClose,
		timeout:          timeout,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. An open breaker transitions
// to half-open once the timeout has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.state = StateHalfOpen
			b.successes = 0
			return nil
		}
		return fmt.Errorf("circuit open for another %s",
			(b.timeout - b.now().Sub(b.openedAt)).Round(time.Second))
	}
	return nil
}

// RecordSuccess advances half-open toward closed and clears failure
// counts in closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.successesToClose {
			b.state = StateClosed
			b.failures = 0
		}
	}
}

// RecordFailure counts toward opening; any half-open failure re-opens.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerSet holds one breaker per remediation path.
type BreakerSet struct {
	failureThreshold int
	timeout          time.Duration
	successesToClose int

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet creates a set with shared thresholds.
func NewBreakerSet(failureThreshold int, timeout time.Duration, successesToClose int) *BreakerSet {
	return &BreakerSet{
		failureThreshold: failureThreshold,
		timeout:          timeout,
		successesToClose: successesToClose,
		breakers:         make(map[string]*Breaker),
	}
}

// For returns the breaker for a remediation path, creating it closed.
func (s *BreakerSet) For(path string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[path]
	if !ok {
		b = NewBreaker(s.failureThreshold, s.timeout, s.successesToClose)
		s.breakers[path] = b
	}
	return b
}
