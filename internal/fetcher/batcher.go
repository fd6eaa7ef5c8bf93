// Package fetcher batches, deduplicates, caches and rate limits outbound
// requests before handing them to a Dispatcher.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"repopulse/internal/cache"
	"repopulse/internal/faults"
	"repopulse/internal/telemetry"
)

var ErrClosed = errors.New("batcher closed")

type Options struct {
	BatchSize         int
	Window            time.Duration
	ParallelRequests  int
	RetryAttempts     int
	RetryBackoff      string
	RetryBase         time.Duration
	RetryMax          time.Duration
	RequestsPerSecond float64
	CacheTTL          time.Duration
	// BudgetLimit and BudgetWindow seed each new target's RateBudget until
	// the upstream reports its own numbers.
	BudgetLimit  int
	BudgetWindow time.Duration
}

type Batcher struct {
	dispatcher Dispatcher
	opts       Options
	cache      *cache.Store
	recorder   *telemetry.Recorder
	sem        *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]*Future
	pending  []*call
	timer    *time.Timer
	closed   bool
	budgets  map[string]*RateBudget
	limiters map[string]*rate.Limiter

	wg    sync.WaitGroup
	made  atomic.Int64
	saved atomic.Int64
}

type call struct {
	req    Request
	key    string
	future *Future
}

func NewBatcher(d Dispatcher, opts Options, store *cache.Store, recorder *telemetry.Recorder) (*Batcher, error) {
	if d == nil {
		return nil, fmt.Errorf("NewBatcher: nil dispatcher")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.ParallelRequests <= 0 {
		opts.ParallelRequests = 1
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = defaultRetryMax
	}
	if _, err := newPolicyBackOff(opts.RetryBackoff, opts.RetryBase, opts.RetryMax); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		dispatcher: d,
		opts:       opts,
		cache:      store,
		recorder:   recorder,
		sem:        semaphore.NewWeighted(int64(opts.ParallelRequests)),
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[string]*Future),
		budgets:    make(map[string]*RateBudget),
		limiters:   make(map[string]*rate.Limiter),
	}, nil
}

// Enqueue submits req and returns its Future. Cached responses resolve
// immediately; a request identical to one already in flight shares its
// Future. Pending requests are flushed when the batch fills or the window
// elapses, whichever comes first.
func (b *Batcher) Enqueue(ctx context.Context, req Request) *Future {
	if b == nil {
		return resolvedFuture(Response{}, fmt.Errorf("Enqueue: nil batcher"))
	}
	if ctx == nil {
		return resolvedFuture(Response{}, fmt.Errorf("Enqueue: nil context"))
	}
	if err := ctx.Err(); err != nil {
		return resolvedFuture(Response{}, err)
	}
	key := req.Key()

	if !req.NoCache {
		if resp, ok := b.lookup(key); ok {
			b.countSaved()
			return resolvedFuture(resp, nil)
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return resolvedFuture(Response{}, ErrClosed)
	}
	if f, ok := b.inflight[key]; ok {
		b.mu.Unlock()
		b.countSaved()
		return f
	}
	f := newFuture()
	b.inflight[key] = f
	b.pending = append(b.pending, &call{req: req, key: key, future: f})

	var batch []*call
	if len(b.pending) >= b.opts.BatchSize {
		batch = b.takeLocked()
	} else if b.timer == nil {
		b.timer = time.AfterFunc(b.opts.Window, b.flushPending)
	}
	b.mu.Unlock()

	if batch != nil {
		b.flush(batch)
	}
	return f
}

// Do enqueues req and waits for it.
func (b *Batcher) Do(ctx context.Context, req Request) (Response, error) {
	return b.Enqueue(ctx, req).Wait(ctx)
}

func (b *Batcher) lookup(key string) (Response, bool) {
	var cached cachedResponse
	ok, err := b.cache.GetJSON(key, &cached)
	if err != nil {
		log.WithError(err).Debug("dropping unreadable cached response")
		return Response{}, false
	}
	if !ok {
		return Response{}, false
	}
	return Response{Status: cached.Status, Body: cached.Body, Cached: true}, true
}

func (b *Batcher) takeLocked() []*call {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	if len(batch) > 0 {
		b.wg.Add(1)
	}
	return batch
}

func (b *Batcher) flushPending() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.flush(batch)
	}
}

// flush dispatches a batch taken by takeLocked, which accounted for it in wg.
func (b *Batcher) flush(batch []*call) {
	go func() {
		defer b.wg.Done()
		log.WithField("requests", len(batch)).Debug("flushing request batch")
		b.recorder.Add("api.batches", 1)

		var g errgroup.Group
		for _, c := range batch {
			g.Go(func() error {
				b.execute(c)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (b *Batcher) execute(c *call) {
	resp, err := b.dispatch(c.req)
	if err == nil && !c.req.NoCache && resp.Status < 300 {
		if cerr := b.cache.SetJSON(c.key, cachedResponse{Status: resp.Status, Body: resp.Body}, b.opts.CacheTTL); cerr != nil {
			log.WithError(cerr).Warn("caching response failed")
		}
	}

	b.mu.Lock()
	delete(b.inflight, c.key)
	b.mu.Unlock()
	c.future.resolve(resp, err)
}

// dispatch runs one request under the target's pace and budget, retrying
// retryable failures. The parallel bound covers only the call itself, so a
// target waiting for its budget window does not hold slots other targets need.
func (b *Batcher) dispatch(req Request) (Response, error) {
	budget, limiter := b.target(req.Target)
	network, _ := newPolicyBackOff(b.opts.RetryBackoff, b.opts.RetryBase, b.opts.RetryMax)
	r := &retrier{server: newExponential(b.opts.RetryBase, b.opts.RetryMax), network: network}

	for attempt := 0; ; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(b.ctx); err != nil {
				return Response{Retries: attempt}, err
			}
		}
		if err := budget.Acquire(b.ctx, 1); err != nil {
			return Response{Retries: attempt}, err
		}

		if err := b.sem.Acquire(b.ctx, 1); err != nil {
			return Response{Retries: attempt}, err
		}
		span := b.recorder.Begin("api.dispatch")
		resp, err := b.dispatcher.Dispatch(b.ctx, req)
		span.End(err)
		b.sem.Release(1)
		budget.Update(resp.Rate)
		b.made.Add(1)
		b.recorder.Add("api.calls_made", 1)

		resp.Retries = attempt
		if err == nil {
			return resp, nil
		}
		if !faults.Retryable(err) || attempt >= b.opts.RetryAttempts || b.ctx.Err() != nil {
			return resp, err
		}

		delay := r.next(err)
		if delay < 0 {
			return resp, err
		}
		log.WithFields(log.Fields{
			"target":  req.Target,
			"path":    req.Path,
			"attempt": attempt + 1,
			"delay":   delay,
			"code":    faults.Code(err),
		}).Debug("retrying request")
		if werr := waitUntil(b.ctx, delay, nil); werr != nil {
			return resp, err
		}
	}
}

func (b *Batcher) target(name string) (*RateBudget, *rate.Limiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	budget, ok := b.budgets[name]
	if !ok {
		budget = NewRateBudget(b.opts.BudgetLimit, b.opts.BudgetWindow)
		b.budgets[name] = budget
	}
	if b.opts.RequestsPerSecond <= 0 {
		return budget, nil
	}
	limiter, ok := b.limiters[name]
	if !ok {
		burst := max(int(b.opts.RequestsPerSecond), 1)
		limiter = rate.NewLimiter(rate.Limit(b.opts.RequestsPerSecond), burst)
		b.limiters[name] = limiter
	}
	return budget, limiter
}

// Budget returns the RateBudget tracking target, creating it if needed.
func (b *Batcher) Budget(target string) *RateBudget {
	if b == nil {
		return nil
	}
	budget, _ := b.target(target)
	return budget
}

func (b *Batcher) countSaved() {
	b.saved.Add(1)
	b.recorder.Add("api.calls_saved", 1)
}

// CallsMade counts dispatch attempts, retries included.
func (b *Batcher) CallsMade() int64 {
	if b == nil {
		return 0
	}
	return b.made.Load()
}

// CallsSaved counts requests answered from cache or a shared in-flight call.
func (b *Batcher) CallsSaved() int64 {
	if b == nil {
		return 0
	}
	return b.saved.Load()
}

// Close flushes pending requests, waits for in-flight dispatches and rejects
// further Enqueue calls.
func (b *Batcher) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	batch := b.takeLocked()
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flush(batch)
	}
	b.wg.Wait()
	b.cancel()
	return nil
}

// Abort cancels in-flight dispatches and then closes.
func (b *Batcher) Abort() {
	if b == nil {
		return
	}
	b.cancel()
	_ = b.Close()
}
