package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "flaky", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("still broken")
	err := fastPolicy().Do(context.Background(), "broken", func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected final error to surface, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	notFound := errors.New("not found")
	err := fastPolicy().Do(context.Background(), "lookup", func() error {
		calls++
		return Permanent(notFound)
	})
	if !errors.Is(err, notFound) {
		t.Errorf("expected not-found error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent errors must not be retried, got %d calls", calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Policy{Attempts: 5, BaseDelay: time.Minute}.Do(ctx, "slow", func() error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must stay nil")
	}
}
