package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func TestRetryWithResult_SucceedsOnThirdAttempt(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}

	calls := 0
	res := RetryWithResult(context.Background(), cfg, func(attempt int) (string, error) {
		calls++
		if attempt != calls {
			t.Fatalf("attempt = %d, want %d", attempt, calls)
		}
		if attempt < 3 {
			return "", errFlaky
		}
		return "ok", nil
	})

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Value != "ok" || res.Attempts != 3 {
		t.Errorf("got value=%q attempts=%d, want ok/3", res.Value, res.Attempts)
	}
	if res.Interrupted {
		t.Error("result should not be interrupted")
	}
}

func TestRetryWithResult_ExhaustsBudget(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}

	res := RetryWithResult(context.Background(), cfg, func(int) (int, error) {
		return 0, errFlaky
	})

	if !errors.Is(res.Err, errFlaky) {
		t.Fatalf("err = %v, want errFlaky", res.Err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
}

func TestRetryWithResult_FixedDelayBetweenAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, Delay: 20 * time.Millisecond}

	start := time.Now()
	RetryWithResult(context.Background(), cfg, func(int) (int, error) {
		return 0, errFlaky
	})
	elapsed := time.Since(start)

	// two pauses, none after the final attempt
	if elapsed < 40*time.Millisecond {
		t.Errorf("elapsed %v, want at least 40ms", elapsed)
	}
}

func TestRetryWithResult_InterruptedByContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	cfg := RetryConfig{MaxAttempts: 3, Delay: time.Second}
	res := RetryWithResult(ctx, cfg, func(int) (int, error) {
		return 0, errFlaky
	})

	if !res.Interrupted {
		t.Fatal("expected interrupted result")
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if !errors.Is(res.Err, errFlaky) {
		t.Errorf("err = %v, want last attempt error", res.Err)
	}
}

func TestRetry_CancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := RetryWithResult(ctx, DefaultRetryConfig(), func(int) (string, error) {
		t.Fatal("fn must not be called")
		return "", nil
	})
	if res.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", res.Attempts)
	}
	if !res.Interrupted {
		t.Error("expected Interrupted")
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", res.Err)
	}
}
