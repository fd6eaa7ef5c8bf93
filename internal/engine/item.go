package engine

import (
	"context"
	"sync/atomic"
	"time"

	"repopulse/internal/gitacq"
)

type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// WorkItem is one unit of work. Items are created by the caller and never
// mutated by the scheduler.
type WorkItem struct {
	ID      string
	Source  gitacq.Source
	Payload any
	Attempt int
	// Deadline overrides the scheduler's per-item timeout when set.
	Deadline time.Time
}

// WorkResult is produced exactly once per WorkItem.
type WorkResult struct {
	ID       string
	Status   Status
	Value    any
	Err      error
	Duration time.Duration
	Retries  int
}

// WorkFunc processes one item. It must poll ctx: the scheduler abandons
// items whose context ends but cannot stop them.
type WorkFunc func(ctx context.Context, item WorkItem) (any, error)

type retriesKey struct{}

// AddRetries attributes n retries to the item running under ctx. It is a
// no-op outside a scheduled item.
func AddRetries(ctx context.Context, n int) {
	if ctx == nil || n <= 0 {
		return
	}
	if c, ok := ctx.Value(retriesKey{}).(*atomic.Int64); ok {
		c.Add(int64(n))
	}
}
