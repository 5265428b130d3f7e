package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestLimiter(cfg Config) (*memoryLimiter, *time.Time) {
	l := NewMemory(cfg).(*memoryLimiter)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestWindowAdmitsUpToMax(t *testing.T) {
	t.Parallel()
	l, now := newTestLimiter(Config{MaxCalls: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.CheckAndRecord(ctx, "u1")
		if err != nil {
			t.Fatalf("CheckAndRecord error: %v", err)
		}
		if !res.Admitted {
			t.Fatalf("call %d rejected, want admitted", i+1)
		}
		*now = now.Add(time.Second)
	}

	res, err := l.CheckAndRecord(ctx, "u1")
	if err != nil {
		t.Fatalf("CheckAndRecord error: %v", err)
	}
	if res.Admitted {
		t.Fatal("call 4 admitted, want rejected")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want > 0", res.RetryAfter)
	}
	// Oldest entry was 3s ago in a 60s window.
	if want := 57 * time.Second; res.RetryAfter != want {
		t.Fatalf("RetryAfter = %v, want %v", res.RetryAfter, want)
	}
}

func TestWindowRollsOff(t *testing.T) {
	t.Parallel()
	l, now := newTestLimiter(Config{MaxCalls: 2, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res, _ := l.CheckAndRecord(ctx, "u1"); !res.Admitted {
			t.Fatalf("warmup call %d rejected", i+1)
		}
	}
	if res, _ := l.CheckAndRecord(ctx, "u1"); res.Admitted {
		t.Fatal("expected rejection at limit")
	}

	// Step past the window from the oldest admitted call.
	*now = now.Add(time.Minute + time.Millisecond)
	res, _ := l.CheckAndRecord(ctx, "u1")
	if !res.Admitted {
		t.Fatal("expected admission after window roll-off")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Config{MaxCalls: 1, Window: time.Minute})
	ctx := context.Background()

	if res, _ := l.CheckAndRecord(ctx, "a"); !res.Admitted {
		t.Fatal("key a rejected")
	}
	if res, _ := l.CheckAndRecord(ctx, "b"); !res.Admitted {
		t.Fatal("key b rejected; windows must be per key")
	}
	if res, _ := l.CheckAndRecord(ctx, "a"); res.Admitted {
		t.Fatal("key a second call admitted, want rejected")
	}
}

func TestRemainingIsIdempotent(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Config{MaxCalls: 5, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.CheckAndRecord(ctx, "u1"); err != nil {
			t.Fatalf("CheckAndRecord error: %v", err)
		}
	}

	first, _ := l.Remaining(ctx, "u1")
	second, _ := l.Remaining(ctx, "u1")
	third, _ := l.Remaining(ctx, "u1")
	if first != 3 || second != 3 || third != 3 {
		t.Fatalf("Remaining = %d,%d,%d, want 3,3,3", first, second, third)
	}

	if rem, _ := l.Remaining(ctx, "unknown"); rem != 5 {
		t.Fatalf("Remaining(unknown) = %d, want 5", rem)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Config{MaxCalls: 1, Window: time.Minute})
	ctx := context.Background()

	_, _ = l.CheckAndRecord(ctx, "u1")
	if res, _ := l.CheckAndRecord(ctx, "u1"); res.Admitted {
		t.Fatal("expected rejection before reset")
	}
	if err := l.Reset(ctx, "u1"); err != nil {
		t.Fatalf("Reset error: %v", err)
	}
	if res, _ := l.CheckAndRecord(ctx, "u1"); !res.Admitted {
		t.Fatal("expected admission after reset")
	}
}

func TestSweepRemovesIdleKeys(t *testing.T) {
	t.Parallel()
	l, now := newTestLimiter(Config{MaxCalls: 5, Window: time.Minute})
	ctx := context.Background()

	_, _ = l.CheckAndRecord(ctx, "idle")
	*now = now.Add(30 * time.Second)
	_, _ = l.CheckAndRecord(ctx, "active")
	*now = now.Add(45 * time.Second) // idle is now past the window, active is not

	if err := l.Sweep(ctx); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}

	l.mu.Lock()
	_, idleKept := l.calls["idle"]
	_, activeKept := l.calls["active"]
	l.mu.Unlock()
	if idleKept {
		t.Fatal("idle key not removed by sweep")
	}
	if !activeKept {
		t.Fatal("active key removed by sweep")
	}

	// Sweep must not change admission results.
	if rem, _ := l.Remaining(ctx, "active"); rem != 4 {
		t.Fatalf("Remaining(active) = %d, want 4", rem)
	}
}

func TestConcurrentLastSlot(t *testing.T) {
	t.Parallel()
	l := NewMemory(Config{MaxCalls: 10, Window: time.Minute})
	ctx := context.Background()

	const callers = 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.CheckAndRecord(ctx, "u1")
			if err != nil {
				t.Errorf("CheckAndRecord error: %v", err)
				return
			}
			if res.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 10 {
		t.Fatalf("admitted = %d, want exactly 10", admitted)
	}
}

func TestApplyTightensLimit(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Config{MaxCalls: 5, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = l.CheckAndRecord(ctx, "u1")
	}
	l.Apply(Config{MaxCalls: 2, Window: time.Minute})

	if res, _ := l.CheckAndRecord(ctx, "u1"); res.Admitted {
		t.Fatal("expected rejection under tightened limit")
	}
}
