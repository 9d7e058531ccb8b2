package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() *Config {
	return &Config{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestWithBackoffSucceedsAfterRetries(t *testing.T) {
	calls := 0
	result := WithBackoff(context.Background(), fastConfig(), func(_ context.Context, _ int) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if !result.Success {
		t.Fatalf("Success = false, LastError = %v", result.LastError)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithBackoffExhaustsAttempts(t *testing.T) {
	permanent := errors.New("permanent")
	result := WithBackoff(context.Background(), fastConfig(), func(_ context.Context, _ int) error {
		return permanent
	})

	if result.Success {
		t.Fatal("Success = true for an always-failing operation")
	}
	if result.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", result.Attempts)
	}
	if !errors.Is(result.LastError, permanent) {
		t.Errorf("LastError = %v, want the operation's error", result.LastError)
	}
}

func TestWithBackoffHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	config := &Config{
		MaxAttempts:  10,
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
	}

	done := make(chan *Result, 1)
	go func() {
		done <- WithBackoff(ctx, config, func(_ context.Context, _ int) error {
			return errors.New("transient")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case result := <-done:
		if result.Success {
			t.Error("Success = true after cancellation")
		}
		if !errors.Is(result.LastError, context.Canceled) {
			t.Errorf("LastError = %v, want context.Canceled", result.LastError)
		}
	case <-time.After(time.Second):
		t.Fatal("WithBackoff did not return after cancellation")
	}
}

func TestDoWrapsFailure(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), func(_ context.Context, _ int) error {
		calls++
		if calls == 1 {
			return boom
		}
		return nil
	})
	if err != nil {
		t.Errorf("Do() error = %v, want nil after eventual success", err)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	config := &Config{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}

	wants := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, want := range wants {
		if got := backoffDelay(config, i+1); got != want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", i+1, got, want)
		}
	}
}

func TestBackoffDelayJitterStaysBounded(t *testing.T) {
	config := &Config{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   1.0,
		Jitter:       0.5,
	}

	for i := 0; i < 100; i++ {
		got := backoffDelay(config, 1)
		if got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Fatalf("backoffDelay() = %v, want within [500ms, 1.5s]", got)
		}
	}
}
