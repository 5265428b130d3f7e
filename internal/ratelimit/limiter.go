package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config controls the sliding window.
type Config struct {
	MaxCalls int           // default 10
	Window   time.Duration // default 60s
}

func (c Config) withDefaults() Config {
	if c.MaxCalls <= 0 {
		c.MaxCalls = 10
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	return c
}

// Result is the outcome of an admission check.
//
// When Admitted is false, RetryAfter is the time until the oldest surviving
// entry exits the window, i.e. the earliest moment a retry can succeed.
type Result struct {
	Admitted   bool
	RetryAfter time.Duration
}

// Limiter admits at most MaxCalls events per key in any trailing Window.
//
// CheckAndRecord is atomic per key: two concurrent calls can never both take
// the last free slot. Remaining never mutates observable state. Sweep only
// reclaims memory; admission correctness does not depend on it because every
// check prunes lazily first.
type Limiter interface {
	CheckAndRecord(ctx context.Context, key string) (Result, error)
	Remaining(ctx context.Context, key string) (int, error)
	Reset(ctx context.Context, key string) error
	Sweep(ctx context.Context) error
}

// memoryLimiter keeps one timestamp slice per key under a single mutex.
//
// Key cardinality tracks active users, not request volume, so one lock is
// adequate; the map is self-correcting (pruned on every check) and bounded
// by Sweep removing idle keys.
type memoryLimiter struct {
	mu    sync.Mutex
	cfg   Config
	calls map[string][]time.Time

	now func() time.Time // test hook
}

// NewMemory returns the in-process limiter.
func NewMemory(cfg Config) Limiter {
	return &memoryLimiter{
		cfg:   cfg.withDefaults(),
		calls: map[string][]time.Time{},
		now:   time.Now,
	}
}

// Apply swaps limits at runtime. Existing entries are kept; they are judged
// against the new window on the next check.
func (l *memoryLimiter) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
}

func (l *memoryLimiter) CheckAndRecord(_ context.Context, key string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	live := l.pruneLocked(key, now)

	if len(live) >= l.cfg.MaxCalls {
		retry := live[0].Add(l.cfg.Window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Result{Admitted: false, RetryAfter: retry}, nil
	}

	l.calls[key] = append(live, now)
	return Result{Admitted: true}, nil
}

func (l *memoryLimiter) Remaining(_ context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	live := l.pruneLocked(key, l.now())
	rem := l.cfg.MaxCalls - len(live)
	if rem < 0 {
		rem = 0
	}
	return rem, nil
}

func (l *memoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.calls, key)
	l.mu.Unlock()
	return nil
}

func (l *memoryLimiter) Sweep(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key := range l.calls {
		if len(l.pruneLocked(key, now)) == 0 {
			delete(l.calls, key)
		}
	}
	return nil
}

// pruneLocked drops entries older than the window and stores the survivors.
// Call with l.mu held. Survivors stay in insertion order, so index 0 is the
// oldest live entry.
func (l *memoryLimiter) pruneLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.cfg.Window)
	entries := l.calls[key]
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	if i > 0 {
		entries = append(entries[:0], entries[i:]...)
		if len(entries) == 0 {
			delete(l.calls, key)
			return nil
		}
		l.calls[key] = entries
	}
	return entries
}
