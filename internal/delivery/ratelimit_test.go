package delivery

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_SpacesSends(t *testing.T) {
	t.Parallel()

	// 50/s global means at least 20ms between sends.
	limiter := NewRateLimiter(50, 1000)
	ctx := context.Background()

	if err := limiter.Acquire(ctx, "rec-1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	start := time.Now()
	if err := limiter.Acquire(ctx, "rec-2"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("expected global gate to space sends, second acquire took %s", elapsed)
	}
}

func TestRateLimiter_PerRecipientGate(t *testing.T) {
	t.Parallel()

	// Global wide open, per-recipient 50/s.
	limiter := NewRateLimiter(100000, 50)
	ctx := context.Background()

	if err := limiter.Acquire(ctx, "rec-1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// A different recipient is not delayed by rec-1's gate.
	start := time.Now()
	if err := limiter.Acquire(ctx, "rec-2"); err != nil {
		t.Fatalf("other recipient acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Fatalf("expected independent recipient gates, took %s", elapsed)
	}

	// The same recipient is.
	start = time.Now()
	if err := limiter.Acquire(ctx, "rec-1"); err != nil {
		t.Fatalf("repeat acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("expected per-recipient spacing, took %s", elapsed)
	}
}

func TestRateLimiter_CancelledContext(t *testing.T) {
	t.Parallel()

	// 1/s: the second acquire would wait ~1s without cancellation.
	limiter := NewRateLimiter(1, 1)
	ctx := context.Background()

	if err := limiter.Acquire(ctx, "rec-1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := limiter.Acquire(cancelled, "rec-1"); err == nil {
		t.Fatalf("expected error from cancelled wait")
	}
}
