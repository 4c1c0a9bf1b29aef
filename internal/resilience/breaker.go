// Package resilience suppresses calls to webhook targets that keep failing.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a target's breaker is open and the call is skipped.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker counts consecutive failures for one target. After maxFailures it
// opens for timeout, then lets a single trial request through (half-open).
// A breaker never retries; it only decides whether a call may run.
type Breaker struct {
	mu          sync.Mutex
	state       state
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	now         func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Execute runs fn unless the breaker is open and records its outcome.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	b.Record(err)
	return err
}

// Allow reports whether a call may proceed, moving open to half-open once
// the timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			return false
		}
		b.state = stateHalfOpen
		return true
	default:
		return true
	}
}

// Record feeds a call outcome into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.state = stateClosed
		return
	}
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.maxFailures {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// Open reports whether the breaker currently rejects calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen && b.now().Sub(b.openedAt) < b.timeout
}

// Set keeps one Breaker per webhook URL. A nil Set or one built with
// maxFailures < 1 allows every call.
type Set struct {
	mu          sync.Mutex
	breakers    map[string]*Breaker
	maxFailures int
	timeout     time.Duration
	now         func() time.Time
}

// NewSet creates a per-target breaker set.
func NewSet(maxFailures int, timeout time.Duration) *Set {
	return &Set{
		breakers:    make(map[string]*Breaker),
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

func (s *Set) enabled() bool {
	return s != nil && s.maxFailures > 0
}

func (s *Set) get(target string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[target]
	if !ok {
		b = NewBreaker(s.maxFailures, s.timeout)
		b.now = s.now
		s.breakers[target] = b
	}
	return b
}

// Allow reports whether target may be called now.
func (s *Set) Allow(target string) bool {
	if !s.enabled() {
		return true
	}
	return s.get(target).Allow()
}

// Record stores the outcome of a call to target.
func (s *Set) Record(target string, err error) {
	if !s.enabled() {
		return
	}
	s.get(target).Record(err)
}

// OpenCount returns how many targets are currently suppressed.
func (s *Set) OpenCount() int {
	if !s.enabled() {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, b := range s.breakers {
		if b.Open() {
			n++
		}
	}
	return n
}
