package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func testConfig() *Config {
	return &Config{
		Name:             "test",
		MaxFailures:      3,
		FailureThreshold: 0.5,
		Timeout:          20 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	}
}

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())

	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.GetState())
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected call allowed, got %v", err)
	}
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())

	for i := 0; i < 3; i++ {
		cb.Record(false)
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("expected open after 3 consecutive failures, got %s", cb.GetState())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerSuccessClearsStreak(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())

	cb.Record(false)
	cb.Record(false)
	cb.Record(true)
	cb.Record(false)
	cb.Record(false)

	// The success resets the streak, so the streak check never fires; the
	// failure rate crosses the threshold anyway.
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open on failure rate, got %s", cb.GetState())
	}
}

func TestBreakerHalfOpensAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())

	for i := 0; i < 3; i++ {
		cb.Record(false)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	time.Sleep(30 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("expected trial call allowed after timeout, got %v", err)
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.GetState())
	}
}

func TestBreakerClosesAfterTrialSuccesses(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())

	for i := 0; i < 3; i++ {
		cb.Record(false)
	}
	time.Sleep(30 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected trial call allowed, got %v", err)
	}

	cb.Record(true)
	cb.Record(true)

	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after trial successes, got %s", cb.GetState())
	}
}

func TestBreakerReopensOnTrialFailure(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())

	for i := 0; i < 3; i++ {
		cb.Record(false)
	}
	time.Sleep(30 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected trial call allowed, got %v", err)
	}

	cb.Record(false)

	if cb.GetState() != StateOpen {
		t.Fatalf("expected reopen on trial failure, got %s", cb.GetState())
	}
}

func TestBreakerHalfOpenBudget(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())

	for i := 0; i < 3; i++ {
		cb.Record(false)
	}
	time.Sleep(30 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("expected first trial allowed, got %v", err)
	}
	cb.Record(true)
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected second trial allowed, got %v", err)
	}
	cb.Record(false)

	// Reopened by the trial failure; the budget error only shows while
	// half-open stays saturated with in-flight trials.
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}
}

func TestBreakerManualReset(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())

	for i := 0; i < 3; i++ {
		cb.Record(false)
	}
	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after reset, got %s", cb.GetState())
	}
	stats := cb.GetStats()
	if stats.Failures != 0 || stats.TotalCalls != 0 {
		t.Errorf("expected counters cleared, got %+v", stats)
	}
}
