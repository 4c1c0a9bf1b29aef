package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("connection refused")

func TestClosedStateAllowsCalls(t *testing.T) {
	b := NewBreaker(3, time.Second)
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(3, time.Second)

	for range 3 {
		_ = b.Execute(func() error { return errTest })
	}

	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if !b.Open() {
		t.Fatal("expected Open() to be true")
	}
}

func TestHalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker(2, time.Second)
	b.now = func() time.Time { return now }

	b.Record(errTest)
	b.Record(errTest)
	if b.Allow() {
		t.Fatal("expected open breaker to reject")
	}

	now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("expected half-open trial request to be allowed")
	}

	// Probe fails: reopen immediately.
	b.Record(errTest)
	if b.Allow() {
		t.Fatal("expected breaker to reopen after failed trial request")
	}

	now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("expected second trial request")
	}
	b.Record(nil)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateClosed || b.failures != 0 {
		t.Fatalf("expected closed with 0 failures, got state=%d failures=%d", b.state, b.failures)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Second)

	b.Record(errTest)
	b.Record(errTest)
	b.Record(nil)
	b.Record(errTest)
	b.Record(errTest)

	if !b.Allow() {
		t.Fatal("expected breaker to stay closed after reset")
	}
}

func TestSetIsolatesTargets(t *testing.T) {
	s := NewSet(1, time.Minute)

	s.Record("https://a.example", errTest)
	if s.Allow("https://a.example") {
		t.Fatal("expected a.example to be suppressed")
	}
	if !s.Allow("https://b.example") {
		t.Fatal("expected b.example to be unaffected")
	}
	if n := s.OpenCount(); n != 1 {
		t.Fatalf("expected 1 open breaker, got %d", n)
	}
}

func TestSetDisabled(t *testing.T) {
	var nilSet *Set
	if !nilSet.Allow("x") {
		t.Fatal("nil set must allow")
	}
	nilSet.Record("x", errTest)

	s := NewSet(0, time.Minute)
	for range 10 {
		s.Record("x", errTest)
	}
	if !s.Allow("x") {
		t.Fatal("disabled set must allow")
	}
	if s.OpenCount() != 0 {
		t.Fatal("disabled set must report no open breakers")
	}
}
