package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxRetries != 3 {
		t.Errorf("Expected MaxRetries=3, got %d", config.MaxRetries)
	}

	if config.BaseDelay != time.Second {
		t.Errorf("Expected BaseDelay=1s, got %v", config.BaseDelay)
	}

	if config.MaxDelay != 30*time.Second {
		t.Errorf("Expected MaxDelay=30s, got %v", config.MaxDelay)
	}

	if config.Multiplier != 2.0 {
		t.Errorf("Expected Multiplier=2.0, got %f", config.Multiplier)
	}

	if !config.Jitter {
		t.Error("Expected Jitter=true")
	}
}

func TestModelRetryConfig(t *testing.T) {
	config := ModelRetryConfig()

	if config.MaxRetries != 3 {
		t.Errorf("Expected MaxRetries=3, got %d", config.MaxRetries)
	}

	if config.BaseDelay != 2*time.Second {
		t.Errorf("Expected BaseDelay=2s, got %v", config.BaseDelay)
	}

	if config.Multiplier != 2.5 {
		t.Errorf("Expected Multiplier=2.5, got %f", config.Multiplier)
	}
}

func TestWithBackoff_Success(t *testing.T) {
	config := RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
		Multiplier: 2.0,
	}

	calls := 0
	result := WithBackoff(context.Background(), config, func() error {
		calls++
		return nil
	})

	if !result.Success {
		t.Error("Expected success")
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if result.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", result.Attempts)
	}
}

func TestWithBackoff_EventualSuccess(t *testing.T) {
	config := RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
		Multiplier: 2.0,
	}

	calls := 0
	result := WithBackoff(context.Background(), config, func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	if !result.Success {
		t.Error("Expected eventual success")
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if len(result.RetryReasons) != 2 {
		t.Errorf("Expected 2 retry reasons, got %d", len(result.RetryReasons))
	}
}

func TestWithBackoff_Exhaustion(t *testing.T) {
	config := RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
		Multiplier: 2.0,
	}

	calls := 0
	result := WithBackoff(context.Background(), config, func() error {
		calls++
		return errors.New("service unavailable")
	})

	if result.Success {
		t.Error("Expected failure")
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls (1 + 2 retries), got %d", calls)
	}
	if result.LastError == nil {
		t.Error("Expected LastError to be set")
	}
}

func TestWithBackoff_NonRetryableAbortsImmediately(t *testing.T) {
	config := RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
		Multiplier: 2.0,
	}

	calls := 0
	result := WithBackoff(context.Background(), config, func() error {
		calls++
		return errors.New("schema validation failed")
	})

	if result.Success {
		t.Error("Expected failure")
	}
	if calls != 1 {
		t.Errorf("Expected 1 call for non-retryable error, got %d", calls)
	}
}

func TestWithBackoff_ContextCancellation(t *testing.T) {
	config := RetryConfig{
		MaxRetries: 10,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := WithBackoff(ctx, config, func() error {
		return errors.New("timeout")
	})

	if result.Success {
		t.Error("Expected failure after cancellation")
	}
	if !errors.Is(result.LastError, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", result.LastError)
	}
}

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
	}{
		{nil, false},
		{errors.New("connection refused"), true},
		{errors.New("HTTP 429 Too Many Requests"), true},
		{errors.New("rate limit exceeded"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("invalid JSON in response"), false},
		{errors.New("pull request not found"), false},
	}

	for _, tc := range cases {
		if got := IsRetryableError(tc.err); got != tc.retryable {
			t.Errorf("IsRetryableError(%v) = %v, want %v", tc.err, got, tc.retryable)
		}
	}
}

func TestCalculateDelay_CapsAtMaxDelay(t *testing.T) {
	config := RetryConfig{
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Second,
		Multiplier: 10.0,
	}

	delay := calculateDelay(config, 5)
	if delay > config.MaxDelay {
		t.Errorf("Expected delay capped at %v, got %v", config.MaxDelay, delay)
	}
}
