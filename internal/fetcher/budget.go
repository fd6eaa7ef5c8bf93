package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	defaultBudgetLimit  = 5000
	defaultBudgetWindow = time.Hour
)

// RateInfo is the rate metadata a dispatcher extracted from a response. Zero
// fields were absent.
type RateInfo struct {
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
	// HasRemaining distinguishes an explicit zero from an absent header.
	HasRemaining bool
}

// RateBudget tracks one target's request allowance. Acquire consumes an
// estimated unit before dispatch; Update replaces the estimate with what the
// upstream reported.
type RateBudget struct {
	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time
	window    time.Duration
	cooldown  time.Time
	trialSent bool
	now       func() time.Time
	notifyCh  chan struct{}
}

// NewRateBudget starts a budget with limit requests per window. A
// non-positive limit starts from a conservative default and is treated as
// unknown: after reset exactly one trial is let through until an update
// arrives.
func NewRateBudget(limit int, window time.Duration) *RateBudget {
	return newRateBudget(limit, window, time.Now)
}

func newRateBudget(limit int, window time.Duration, now func() time.Time) *RateBudget {
	if window <= 0 {
		window = defaultBudgetWindow
	}
	remaining := limit
	if limit <= 0 {
		limit = 0
		remaining = defaultBudgetLimit
	}
	return &RateBudget{
		limit:     limit,
		remaining: remaining,
		resetAt:   now().Add(window),
		window:    window,
		now:       now,
		notifyCh:  make(chan struct{}),
	}
}

func (b *RateBudget) Remaining() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// ResetAt is when the current window ends.
func (b *RateBudget) ResetAt() time.Time {
	if b == nil {
		return time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resetAt
}

func (b *RateBudget) Acquire(ctx context.Context, n int) error {
	if ctx == nil {
		return fmt.Errorf("Acquire: nil context")
	}
	if n <= 0 {
		return fmt.Errorf("Acquire: n must be > 0 (got %d)", n)
	}
	if b == nil {
		return fmt.Errorf("Acquire: nil RateBudget")
	}
	if b.now == nil || b.notifyCh == nil {
		return fmt.Errorf("Acquire: RateBudget not initialized (use NewRateBudget)")
	}

	for i := 0; i < n; i++ {
		if err := b.acquireOne(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *RateBudget) acquireOne(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.mu.Lock()
		now := b.now()

		if now.Before(b.cooldown) {
			until := b.cooldown
			ch := b.notifyCh
			b.mu.Unlock()
			if err := waitUntil(ctx, until.Sub(now), ch); err != nil {
				return err
			}
			continue
		}

		if !now.Before(b.resetAt) && b.limit > 0 {
			b.remaining = b.limit
			b.resetAt = now.Add(b.window)
			b.trialSent = false
		}

		if b.remaining > 0 {
			b.remaining--
			b.mu.Unlock()
			return nil
		}

		// Unknown limit and the window has passed: allow exactly one trial
		// request and then block until Update.
		if !now.Before(b.resetAt) {
			if !b.trialSent {
				b.trialSent = true
				b.mu.Unlock()
				return nil
			}
			ch := b.notifyCh
			b.mu.Unlock()
			if err := waitUntil(ctx, -1, ch); err != nil {
				return err
			}
			continue
		}

		// Wait until reset or until Update signals budget changes.
		reset := b.resetAt
		ch := b.notifyCh
		b.mu.Unlock()
		if err := waitUntil(ctx, reset.Sub(now), ch); err != nil {
			return err
		}
	}
}

// waitUntil blocks for d, until ch closes, or until ctx ends. A negative d
// waits on ch and ctx only.
func waitUntil(ctx context.Context, d time.Duration, ch <-chan struct{}) error {
	var timeout <-chan time.Time
	if d >= 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	case <-timeout:
		return nil
	}
}

func (b *RateBudget) signalLocked() {
	close(b.notifyCh)
	b.notifyCh = make(chan struct{})
}

// Update applies upstream rate metadata. Waiters are woken when anything
// changed.
func (b *RateBudget) Update(info RateInfo) {
	if b == nil || b.now == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	changed := false

	if info.RetryAfter > 0 {
		until := b.now().Add(info.RetryAfter)
		if until.After(b.cooldown) {
			b.cooldown = until
			changed = true
		}
	}

	if info.Limit > 0 && info.Limit != b.limit {
		b.limit = info.Limit
		changed = true
	}

	if info.HasRemaining && info.Remaining >= 0 && b.remaining != info.Remaining {
		b.remaining = info.Remaining
		changed = true
	}

	if !info.Reset.IsZero() && !b.resetAt.Equal(info.Reset) {
		b.resetAt = info.Reset
		changed = true
	}

	if changed {
		b.trialSent = false
		b.signalLocked()
	}
}

func (b *RateBudget) UpdateFromResponse(resp *http.Response) {
	if resp == nil {
		return
	}
	b.Update(ParseRateHeaders(resp.Header))
}

// ParseRateHeaders reads the X-RateLimit-* family and Retry-After. Malformed
// values are ignored.
func ParseRateHeaders(h http.Header) RateInfo {
	var info RateInfo
	if h == nil {
		return info
	}

	if retryAfter := h.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	if limit := h.Get("X-RateLimit-Limit"); limit != "" {
		if val, err := strconv.Atoi(limit); err == nil && val > 0 {
			info.Limit = val
		}
	}

	if remaining := h.Get("X-RateLimit-Remaining"); remaining != "" {
		if val, err := strconv.Atoi(remaining); err == nil && val >= 0 {
			info.Remaining = val
			info.HasRemaining = true
		}
	}

	if reset := h.Get("X-RateLimit-Reset"); reset != "" {
		if val, err := strconv.ParseInt(reset, 10, 64); err == nil && val > 0 {
			info.Reset = time.Unix(val, 0)
		}
	}
	return info
}
