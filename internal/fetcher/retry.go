package fetcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	perrors "github.com/jmgilman/go/errors"

	"repopulse/internal/faults"
)

const (
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"

	defaultRetryBase = 500 * time.Millisecond
	defaultRetryMax  = 30 * time.Second
)

// linearBackOff grows the delay by a fixed step per attempt.
type linearBackOff struct {
	step time.Duration
	max  time.Duration
	n    int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	d := time.Duration(l.n) * l.step
	if l.max > 0 && d > l.max {
		d = l.max
	}
	return d
}

func (l *linearBackOff) Reset() { l.n = 0 }

func newExponential(base, maxDelay time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// newPolicyBackOff builds the configured backoff for network and timeout
// failures.
func newPolicyBackOff(policy string, base, maxDelay time.Duration) (backoff.BackOff, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "", BackoffExponential:
		return newExponential(base, maxDelay), nil
	case BackoffLinear:
		return &linearBackOff{step: base, max: maxDelay}, nil
	}
	return nil, fmt.Errorf("unknown retry backoff %q (want linear or exponential)", policy)
}

// retrier picks the next delay for a failed attempt. Rate limits and server
// errors always back off exponentially; network and timeout failures follow
// the configured policy.
type retrier struct {
	server  backoff.BackOff
	network backoff.BackOff
}

func (r *retrier) next(err error) time.Duration {
	var d time.Duration
	switch {
	case faults.KindOf(err) == faults.KindRateLimit, perrors.GetCode(err) == perrors.CodeUnavailable:
		d = r.server.NextBackOff()
	default:
		d = r.network.NextBackOff()
	}
	if d == backoff.Stop {
		return d
	}
	if after, ok := faults.RetryAfter(err); ok && after > d {
		d = after
	}
	return d
}
