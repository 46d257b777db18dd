package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func fastPolicy() Policy {
	return Policy{Attempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(error) bool { return true }, func() error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	perm := errors.New("rejected")
	err := Do(context.Background(), fastPolicy(), func(err error) bool { return !errors.Is(err, perm) }, func() error {
		calls++
		return perm
	})
	if !errors.Is(err, perm) {
		t.Fatalf("Expected the permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Permanent errors must not be retried, got %d attempts", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(error) bool { return true }, func() error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("Expected last error returned, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected attempts capped at 3, got %d", calls)
	}
}

func TestDo_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{Attempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Second},
		func(error) bool { return true },
		func() error { return errFlaky })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context error, got %v", err)
	}
}
